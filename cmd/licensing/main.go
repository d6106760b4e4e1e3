package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/db"
	"smallbiznis-licensing/pkg/gen"
	"smallbiznis-licensing/pkg/hashistack/secretmanager"
	"smallbiznis-licensing/pkg/health"
	"smallbiznis-licensing/pkg/httpapi"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/pkg/metrics"
	"smallbiznis-licensing/pkg/otelcol"
	"smallbiznis-licensing/pkg/profiling"
	"smallbiznis-licensing/pkg/redis"
	"smallbiznis-licensing/pkg/server"
	"smallbiznis-licensing/pkg/task"
	"smallbiznis-licensing/services/api"
	"smallbiznis-licensing/services/audit"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/module"
	"smallbiznis-licensing/services/registry"
	"smallbiznis-licensing/services/usage"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		configModule(),
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		metrics.Module,
		otelcol.Module,
		profiling.Module,
		fx.Invoke(
			migrate,
			db.Metric,
		),

		registry.Module,
		audit.Module,
		license.Module,
		usage.Module,
		module.Module,

		task.Client,
		task.Server,
		task.Scheduler,
		usage.Worker,

		health.Module,
		httpapi.Module,
		api.Module,
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

// configModule reads config from a remote provider (consul, etcd) when
// REMOTE_CONFIG_PROVIDER is set, otherwise from config.yaml and the environment.
func configModule() fx.Option {
	if os.Getenv("REMOTE_CONFIG_PROVIDER") != "" {
		return config.RemoteModule
	}
	return config.Module
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
})

func migrate(conn *gorm.DB) error {
	return db.Migrate(conn, append(license.Models(), &audit.Entry{})...)
}
