package profiling

import (
	"context"

	"smallbiznis-licensing/pkg/config"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("profiling", fx.Invoke(Start))

func profileTypes() []pyroscope.ProfileType {
	return []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
		pyroscope.ProfileMutexCount,
		pyroscope.ProfileBlockCount,
	}
}

// Start runs continuous profiling while the app is up. It is a no-op unless
// PYROSCOPE.ADDR is configured.
func Start(lc fx.Lifecycle, c *config.Config, log *zap.Logger) {
	if c.Pyroscope.Addr == "" {
		return
	}

	var profiler *pyroscope.Profiler
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("starting pyroscope", zap.String("app_name", c.AppName), zap.String("pyroscope_addr", c.Pyroscope.Addr))
			p, err := pyroscope.Start(pyroscope.Config{
				ApplicationName: c.AppName,
				ServerAddress:   c.Pyroscope.Addr,
				ProfileTypes:    profileTypes(),
				Tags: map[string]string{
					"service_name": c.AppName,
					"env":          c.AppEnv,
					"core_module":  c.Licensing.CoreModule,
				},
			})
			if err != nil {
				log.Warn("pyroscope disabled", zap.Error(err))
				return nil
			}
			profiler = p
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if profiler == nil {
				return nil
			}
			return profiler.Stop()
		},
	})
}
