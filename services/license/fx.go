package license

import (
	"strings"

	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/metrics"
	"smallbiznis-licensing/services/audit"
	"smallbiznis-licensing/services/registry"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("license.module",
	fx.Provide(
		provideStore,
		provideCache,
		provideValidator,
	),
)

func provideStore(db *gorm.DB, node *snowflake.Node) Store {
	return NewStore(db, node)
}

type cacheParams struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
	Logger *zap.Logger   `optional:"true"`
}

func provideCache(p cacheParams) Cache {
	lc := p.Config.Licensing
	switch strings.ToLower(lc.CacheDriver) {
	case "none", "off":
		return nil
	case "redis":
		if p.Redis != nil {
			return NewRedisCache(p.Redis, lc.CacheTTL)
		}
		if p.Logger != nil {
			p.Logger.Warn("redis license cache requested without a redis client, using memory cache")
		}
	}
	return NewMemoryCache(lc.CacheTTL)
}

type validatorParams struct {
	fx.In
	Config   *config.Config
	Store    Store
	Cache    Cache `optional:"true"`
	Registry *registry.Registry
	Audit    audit.Logger
	Metrics  *metrics.Emitter `optional:"true"`
	Logger   *zap.Logger      `optional:"true"`
}

func provideValidator(p validatorParams) *Validator {
	var rec Recorder
	if p.Metrics != nil {
		rec = p.Metrics
	}
	return NewValidator(ValidatorParams{
		Store:    p.Store,
		Cache:    p.Cache,
		Registry: p.Registry,
		Audit:    p.Audit,
		Metrics:  rec,
		Logger:   p.Logger,
		Config: ValidatorConfig{
			StoreTimeout:      p.Config.Licensing.StoreTimeout,
			AuditWriteTimeout: p.Config.Licensing.AuditWriteTimeout,
		},
	})
}
