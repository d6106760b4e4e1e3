package registry

import (
	"smallbiznis-licensing/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("registry.module",
	fx.Provide(provideRegistry),
)

func provideRegistry(cfg *config.Config) (*Registry, error) {
	r, err := NewDefault(cfg.Licensing.CoreModule)
	if err != nil {
		return nil, err
	}
	zap.L().Info("module registry loaded", zap.String("core", r.CoreModule()), zap.Strings("modules", r.Keys()))
	return r, nil
}
