package module

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/services/audit"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/registry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("licensing/module")

// Invalidator drops cached license snapshots after a grant changes.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID string, moduleKeys ...string) error
}

type EnableOptions struct {
	Tier      license.Tier
	Limits    license.Limits
	ExpiresAt *time.Time
	Request   audit.RequestInfo
}

type Service struct {
	registry    *registry.Registry
	store       license.Store
	audit       audit.Logger
	invalidator Invalidator
	logger      *zap.Logger
	now         func() time.Time
}

type Params struct {
	Registry    *registry.Registry
	Store       license.Store
	Audit       audit.Logger
	Invalidator Invalidator
	Logger      *zap.Logger
}

func NewService(p Params) *Service {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		registry:    p.Registry,
		store:       p.Store,
		audit:       p.Audit,
		invalidator: p.Invalidator,
		logger:      log.Named("module"),
		now:         time.Now,
	}
}

func (s *Service) GetModuleDependencies(moduleID string) (registry.Dependencies, error) {
	return s.registry.GetModuleDependencies(moduleID)
}

func (s *Service) GetLoadOrder(moduleIDs []string) ([]string, error) {
	return s.registry.GetLoadOrder(moduleIDs)
}

// enabledSet returns the tenant's enabled modules. The core module is always
// part of it.
func (s *Service) enabledSet(lic *license.License) map[string]struct{} {
	set := make(map[string]struct{}, len(lic.Modules)+1)
	if core := s.registry.CoreModule(); core != "" {
		set[core] = struct{}{}
	}
	for _, g := range lic.Modules {
		if g.Enabled {
			set[g.ModuleKey] = struct{}{}
		}
	}
	return set
}

// EnabledModules lists the tenant's enabled modules in load order.
func (s *Service) EnabledModules(ctx context.Context, tenantID string) ([]string, error) {
	lic, err := s.store.FindLicenseByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	set := s.enabledSet(lic)
	keys := make([]string, 0, len(set))
	for _, k := range s.registry.Keys() {
		if _, ok := set[k]; ok {
			keys = append(keys, k)
		}
	}
	return s.registry.GetLoadOrder(keys)
}

func (s *Service) lookup(moduleID string) (registry.Entry, error) {
	e, ok := s.registry.Get(moduleID)
	if !ok {
		return registry.Entry{}, errutil.NewCoded(errutil.CodeModuleNotFound,
			fmt.Sprintf("module %q is not registered", moduleID), registry.Normalize(moduleID))
	}
	return e, nil
}

func limitsOf(l license.Limits) datatypes.JSONType[license.Limits] {
	if l == nil {
		l = license.Limits{}
	}
	return datatypes.NewJSONType(l)
}

func missingDependencies(e registry.Entry, enabled map[string]struct{}) []string {
	var missing []string
	for _, d := range e.Dependencies {
		if _, ok := enabled[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing
}

// EnableModule grants moduleID to the tenant once all its required
// dependencies are enabled. Enabling an enabled module is a no-op.
func (s *Service) EnableModule(ctx context.Context, tenantID, moduleID string, opts EnableOptions) error {
	ctx, span := tracer.Start(ctx, "module.EnableModule")
	span.SetAttributes(attribute.String("tenant_id", tenantID), attribute.String("module", moduleID))
	defer span.End()

	e, err := s.lookup(moduleID)
	if err != nil {
		return err
	}
	lic, err := s.store.FindLicenseByTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	enabled := s.enabledSet(lic)
	if _, ok := enabled[e.Key]; ok {
		return nil
	}
	if missing := missingDependencies(e, enabled); len(missing) > 0 {
		return errutil.NewCoded(errutil.CodeModuleDependencyMissing,
			fmt.Sprintf("module %s requires %s", e.Key, strings.Join(missing, ", ")), missing...)
	}
	return s.enable(ctx, tenantID, e.Key, grantOf(lic, e.Key), opts)
}

func grantOf(lic *license.License, key string) *license.ModuleGrant {
	for i := range lic.Modules {
		if lic.Modules[i].ModuleKey == key {
			return &lic.Modules[i]
		}
	}
	return nil
}

// enable upserts an enabled grant. A disabled grant already on the license
// keeps its tier, limits and expiry unless opts overrides them.
func (s *Service) enable(ctx context.Context, tenantID, key string, existing *license.ModuleGrant, opts EnableOptions) error {
	grant := &license.ModuleGrant{
		ModuleKey: key,
		Enabled:   true,
		Tier:      license.TierStarter,
		Limits:    limitsOf(opts.Limits),
		ExpiresAt: opts.ExpiresAt,
	}
	if existing != nil {
		if existing.Tier != "" {
			grant.Tier = existing.Tier
		}
		if opts.Limits == nil {
			grant.Limits = datatypes.NewJSONType(existing.Limits.Data())
		}
		if opts.ExpiresAt == nil {
			grant.ExpiresAt = existing.ExpiresAt
		}
	}
	if opts.Tier != "" {
		grant.Tier = opts.Tier
	}
	tier := grant.Tier
	if err := s.store.UpdateModuleGrant(ctx, tenantID, grant); err != nil {
		return fmt.Errorf("enable module %s: %w", key, err)
	}

	s.invalidate(ctx, tenantID, key)
	s.writeAudit(ctx, audit.NewEntry(tenantID, key, audit.EventModuleEnabled, opts.Request.Apply(map[string]interface{}{
		"tier": string(tier),
	})))
	s.logger.With(logger.TraceFields(ctx)...).Info("module enabled",
		zap.String("tenant_id", tenantID), zap.String("module", key), zap.String("tier", string(tier)))
	return nil
}

// DisableModule removes the tenant's grant for moduleID. The core module and
// modules other enabled modules depend on cannot be disabled.
func (s *Service) DisableModule(ctx context.Context, tenantID, moduleID string, req audit.RequestInfo) error {
	ctx, span := tracer.Start(ctx, "module.DisableModule")
	span.SetAttributes(attribute.String("tenant_id", tenantID), attribute.String("module", moduleID))
	defer span.End()

	if s.registry.IsCore(moduleID) {
		return errutil.NewCoded(errutil.CodeInvalidOperation, "the core module cannot be disabled", registry.Normalize(moduleID))
	}
	e, err := s.lookup(moduleID)
	if err != nil {
		return err
	}
	lic, err := s.store.FindLicenseByTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	enabled := s.enabledSet(lic)
	if _, ok := enabled[e.Key]; !ok {
		return nil
	}
	if dependents := s.registry.Dependents(e.Key, enabled); len(dependents) > 0 {
		return errutil.NewCoded(errutil.CodeModuleHasDependents,
			fmt.Sprintf("module %s is required by %s", e.Key, strings.Join(dependents, ", ")), dependents...)
	}

	if err := s.store.DeleteModuleGrant(ctx, tenantID, e.Key); err != nil && !errors.Is(err, license.ErrGrantNotFound) {
		return fmt.Errorf("disable module %s: %w", e.Key, err)
	}

	s.invalidate(ctx, tenantID, e.Key)
	s.writeAudit(ctx, audit.NewEntry(tenantID, e.Key, audit.EventModuleDisabled, req.Apply(map[string]interface{}{})))
	s.logger.With(logger.TraceFields(ctx)...).Info("module disabled",
		zap.String("tenant_id", tenantID), zap.String("module", e.Key))
	return nil
}

// EnableModules enables every requested module that is not enabled yet, in
// one load order computed over the union of enabled and requested modules.
// Nothing is written when a required dependency is outside that union.
func (s *Service) EnableModules(ctx context.Context, tenantID string, moduleIDs []string, opts EnableOptions) ([]string, error) {
	ctx, span := tracer.Start(ctx, "module.EnableModules")
	span.SetAttributes(attribute.String("tenant_id", tenantID), attribute.StringSlice("modules", moduleIDs))
	defer span.End()

	requested := make([]registry.Entry, 0, len(moduleIDs))
	for _, id := range moduleIDs {
		e, err := s.lookup(id)
		if err != nil {
			return nil, err
		}
		requested = append(requested, e)
	}

	lic, err := s.store.FindLicenseByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	enabled := s.enabledSet(lic)

	union := make(map[string]struct{}, len(enabled)+len(requested))
	for k := range enabled {
		union[k] = struct{}{}
	}
	for _, e := range requested {
		union[e.Key] = struct{}{}
	}

	var missing []string
	seen := make(map[string]struct{})
	for _, e := range requested {
		for _, d := range missingDependencies(e, union) {
			if _, ok := seen[d]; !ok {
				seen[d] = struct{}{}
				missing = append(missing, d)
			}
		}
	}
	if len(missing) > 0 {
		return nil, errutil.NewCoded(errutil.CodeModuleDependencyMissing,
			fmt.Sprintf("requested modules require %s", strings.Join(missing, ", ")), missing...)
	}

	keys := make([]string, 0, len(union))
	for k := range union {
		keys = append(keys, k)
	}
	order, err := s.registry.GetLoadOrder(keys)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, k := range order {
		if _, ok := enabled[k]; ok {
			continue
		}
		if err := s.enable(ctx, tenantID, k, grantOf(lic, k), opts); err != nil {
			return done, err
		}
		enabled[k] = struct{}{}
		done = append(done, k)
	}
	return done, nil
}

// ProvisionLicense creates the tenant's license with the core module granted.
func (s *Service) ProvisionLicense(ctx context.Context, tenantID, subscriptionID string, expiresAt *time.Time) (*license.License, error) {
	lic := &license.License{
		TenantID:       tenantID,
		SubscriptionID: subscriptionID,
		Status:         license.StatusActive,
		ExpiresAt:      expiresAt,
	}
	if core := s.registry.CoreModule(); core != "" {
		lic.Modules = []license.ModuleGrant{{
			ModuleKey: core,
			Enabled:   true,
			Tier:      license.TierStarter,
			Limits:    limitsOf(nil),
		}}
	}
	if err := s.store.CreateLicense(ctx, lic); err != nil {
		return nil, fmt.Errorf("provision license for %s: %w", tenantID, err)
	}
	s.logger.With(logger.TraceFields(ctx)...).Info("license provisioned",
		zap.String("tenant_id", tenantID), zap.String("subscription_id", subscriptionID))
	return lic, nil
}

// SetLicenseStatus applies a renewal or license-server status change and
// drops every cached snapshot of the tenant.
func (s *Service) SetLicenseStatus(ctx context.Context, tenantID string, status license.Status, expiresAt *time.Time, req audit.RequestInfo) error {
	if err := s.store.UpdateLicenseStatus(ctx, tenantID, status, expiresAt); err != nil {
		return err
	}

	s.invalidate(ctx, tenantID)
	details := map[string]interface{}{"status": string(status)}
	if expiresAt != nil {
		details["expiresAt"] = expiresAt.UTC().Format(time.RFC3339)
	}
	s.writeAudit(ctx, audit.NewEntry(tenantID, "", audit.EventLicenseStatusChanged, req.Apply(details)))
	return nil
}

func (s *Service) invalidate(ctx context.Context, tenantID string, keys ...string) {
	if s.invalidator == nil {
		return
	}
	// stale entries expire with the cache TTL
	_ = s.invalidator.Invalidate(ctx, tenantID, keys...)
}

func (s *Service) writeAudit(ctx context.Context, e *audit.Entry) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.LogEvent(context.WithoutCancel(ctx), e); err != nil {
		s.logger.With(logger.TraceFields(ctx)...).Error("failed to write module audit entry",
			zap.String("tenant_id", e.TenantID),
			zap.String("event_type", string(e.EventType)),
			zap.Error(err),
		)
	}
}
