package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development" // e.g., app/<env>/<service_name>
	configType   = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Licensing Licensing `mapstructure:"LICENSING"`
}

// Licensing tunes the validator cache, the usage batch queue and the audit trail.
type Licensing struct {
	CoreModule        string        `mapstructure:"CORE_MODULE"`
	CacheDriver       string        `mapstructure:"CACHE_DRIVER"`
	CacheTTL          time.Duration `mapstructure:"CACHE_TTL"`
	StoreTimeout      time.Duration `mapstructure:"STORE_TIMEOUT"`
	BatchInterval     time.Duration `mapstructure:"BATCH_INTERVAL"`
	BatchMaxSize      int           `mapstructure:"BATCH_MAX_SIZE"`
	WarningThreshold  float64       `mapstructure:"WARNING_THRESHOLD"`
	FlushRetries      int           `mapstructure:"FLUSH_RETRIES"`
	ReceiptRetention  time.Duration `mapstructure:"RECEIPT_RETENTION"`
	APICallResetCron  string        `mapstructure:"API_CALL_RESET_CRON"`
	AuditWriteTimeout time.Duration `mapstructure:"AUDIT_WRITE_TIMEOUT"`
}

const (
	DefaultCoreModule       = "hr-core"
	DefaultWarningThreshold = 80
)

// DefaultLicensing returns the values used when a key is absent from config.
func DefaultLicensing() Licensing {
	return Licensing{
		CoreModule:        DefaultCoreModule,
		CacheDriver:       "memory",
		CacheTTL:          5 * time.Minute,
		StoreTimeout:      2 * time.Second,
		BatchInterval:     60 * time.Second,
		BatchMaxSize:      1000,
		WarningThreshold:  DefaultWarningThreshold,
		FlushRetries:      3,
		ReceiptRetention:  24 * time.Hour,
		APICallResetCron:  "0 0 1 * *",
		AuditWriteTimeout: time.Second,
	}
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	d := DefaultLicensing()
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "licensing")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("LICENSING.CORE_MODULE", d.CoreModule)
	v.SetDefault("LICENSING.CACHE_DRIVER", d.CacheDriver)
	v.SetDefault("LICENSING.CACHE_TTL", d.CacheTTL)
	v.SetDefault("LICENSING.STORE_TIMEOUT", d.StoreTimeout)
	v.SetDefault("LICENSING.BATCH_INTERVAL", d.BatchInterval)
	v.SetDefault("LICENSING.BATCH_MAX_SIZE", d.BatchMaxSize)
	v.SetDefault("LICENSING.WARNING_THRESHOLD", d.WarningThreshold)
	v.SetDefault("LICENSING.FLUSH_RETRIES", d.FlushRetries)
	v.SetDefault("LICENSING.RECEIPT_RETENTION", d.ReceiptRetention)
	v.SetDefault("LICENSING.API_CALL_RESET_CRON", d.APICallResetCron)
	v.SetDefault("LICENSING.AUDIT_WRITE_TIMEOUT", d.AuditWriteTimeout)
}

// Load reads config.yaml (optional) and the environment into a Config.
func Load(paths ...string) (*Config, error) {
	// .env is a development convenience, a missing file is not an error
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType(configType)
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		zap.L().Warn("config.yaml not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Licensing = cfg.Licensing.withDefaults()
	return &cfg, nil
}

func LoadConfig(p Params) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if p.Vault != nil {
		if err := applyVaultSecrets(context.Background(), p.Vault, cfg); err != nil {
			return nil, err
		}
	}

	configHolder.Store(cfg)
	return cfg, nil
}

func LoadRemote(p Params) (*Config, error) {
	if p.Vault == nil {
		return nil, fmt.Errorf("remote config requires a vault client")
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	remote := viper.New()
	setDefaults(remote)
	remote.SetConfigType(configType)
	if err := remote.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		return nil, fmt.Errorf("add remote provider: %w", err)
	}

	if err := remote.ReadRemoteConfig(); err != nil {
		return nil, fmt.Errorf("read remote config: %w", err)
	}

	var cfg Config
	if err := remote.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal remote config: %w", err)
	}
	cfg.Licensing = cfg.Licensing.withDefaults()

	if err := applyVaultSecrets(context.Background(), p.Vault, &cfg); err != nil {
		return nil, err
	}
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := remote.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			var newcfg Config
			if err := remote.Unmarshal(&newcfg); err != nil {
				zap.L().Error("unable to unmarshal remote config", zap.Error(err))
				continue
			}
			newcfg.Licensing = newcfg.Licensing.withDefaults()
			configHolder.Store(&newcfg)
		}
	}()

	return &cfg, nil
}

// Current returns the latest loaded config, including remote refreshes.
func Current() *Config {
	if v, ok := configHolder.Load().(*Config); ok {
		return v
	}
	return nil
}

func applyVaultSecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		return fmt.Errorf("read vault secrets: %w", err)
	}
	zap.L().Info("Success Get Secret")

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	cfg.Database.User = get("postgres_user")
	cfg.Database.Password = get("postgres_password")
	cfg.Redis.Password = get("redis_password")
	return nil
}

func (l Licensing) withDefaults() Licensing {
	d := DefaultLicensing()
	if l.CoreModule == "" {
		l.CoreModule = d.CoreModule
	}
	if l.CacheDriver == "" {
		l.CacheDriver = d.CacheDriver
	}
	if l.CacheTTL <= 0 {
		l.CacheTTL = d.CacheTTL
	}
	if l.StoreTimeout <= 0 {
		l.StoreTimeout = d.StoreTimeout
	}
	if l.BatchInterval <= 0 {
		l.BatchInterval = d.BatchInterval
	}
	if l.BatchMaxSize <= 0 {
		l.BatchMaxSize = d.BatchMaxSize
	}
	if l.WarningThreshold <= 0 || l.WarningThreshold > 100 {
		l.WarningThreshold = d.WarningThreshold
	}
	if l.FlushRetries <= 0 {
		l.FlushRetries = d.FlushRetries
	}
	if l.ReceiptRetention <= 0 {
		l.ReceiptRetention = d.ReceiptRetention
	}
	if l.APICallResetCron == "" {
		l.APICallResetCron = d.APICallResetCron
	}
	if l.AuditWriteTimeout <= 0 {
		l.AuditWriteTimeout = d.AuditWriteTimeout
	}
	return l
}
