package module

import (
	"smallbiznis-licensing/services/audit"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/registry"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("module.module",
	fx.Provide(provideService),
)

type serviceParams struct {
	fx.In
	Registry  *registry.Registry
	Store     license.Store
	Audit     audit.Logger
	Validator *license.Validator `optional:"true"`
	Logger    *zap.Logger        `optional:"true"`
}

func provideService(p serviceParams) *Service {
	var inv Invalidator
	if p.Validator != nil {
		inv = p.Validator
	}
	return NewService(Params{
		Registry:    p.Registry,
		Store:       p.Store,
		Audit:       p.Audit,
		Invalidator: inv,
		Logger:      p.Logger,
	})
}
