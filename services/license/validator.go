package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/services/audit"
	"smallbiznis-licensing/services/registry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("licensing/license")

// Recorder receives validation outcomes. Implementations must not block.
type Recorder interface {
	ObserveValidation(module, outcome string, d time.Duration)
}

type ValidateOptions struct {
	SkipCache bool
	Request   audit.RequestInfo
}

// LicenseContext is returned with a valid decision.
type LicenseContext struct {
	LicenseID      int64      `json:"licenseId"`
	TenantID       string     `json:"tenantId"`
	SubscriptionID string     `json:"subscriptionId"`
	ModuleKey      string     `json:"moduleKey"`
	Status         Status     `json:"status"`
	Tier           Tier       `json:"tier"`
	Limits         Limits     `json:"limits"`
	ActivatedAt    time.Time  `json:"activatedAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

type ValidationResult struct {
	Valid              bool            `json:"valid"`
	Error              errutil.Code    `json:"error,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	ExpiresAt          *time.Time      `json:"expiresAt,omitempty"`
	License            *LicenseContext `json:"license,omitempty"`
	BypassedValidation bool            `json:"bypassedValidation,omitempty"`
	FromCache          bool            `json:"-"`
}

type ValidatorConfig struct {
	StoreTimeout      time.Duration
	AuditWriteTimeout time.Duration
}

type Validator struct {
	store    Store
	cache    Cache
	registry *registry.Registry
	audit    audit.Logger
	metrics  Recorder
	logger   *zap.Logger
	cfg      ValidatorConfig

	group singleflight.Group
	now   func() time.Time
}

type ValidatorParams struct {
	Store    Store
	Cache    Cache
	Registry *registry.Registry
	Audit    audit.Logger
	Metrics  Recorder
	Logger   *zap.Logger
	Config   ValidatorConfig
}

func NewValidator(p ValidatorParams) *Validator {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg := p.Config
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.AuditWriteTimeout <= 0 {
		cfg.AuditWriteTimeout = time.Second
	}
	return &Validator{
		store:    p.Store,
		cache:    p.Cache,
		registry: p.Registry,
		audit:    p.Audit,
		metrics:  p.Metrics,
		logger:   log.Named("validator"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// ValidateModuleAccess decides whether tenantID may use moduleKey. Denials are
// returned in the result, never as errors.
func (v *Validator) ValidateModuleAccess(ctx context.Context, tenantID, moduleKey string, opts ValidateOptions) *ValidationResult {
	start := v.now()
	moduleKey = registry.Normalize(moduleKey)

	ctx, span := tracer.Start(ctx, "license.ValidateModuleAccess")
	span.SetAttributes(attribute.String("tenant_id", tenantID), attribute.String("module", moduleKey))
	defer span.End()

	result := v.decide(ctx, tenantID, moduleKey, opts)

	outcome := "valid"
	if !result.Valid {
		outcome = string(result.Error)
		v.auditDenial(ctx, tenantID, moduleKey, result, opts.Request)
	}
	if v.metrics != nil {
		v.metrics.ObserveValidation(moduleKey, outcome, v.now().Sub(start))
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	return result
}

func (v *Validator) decide(ctx context.Context, tenantID, moduleKey string, opts ValidateOptions) *ValidationResult {
	if v.registry != nil && v.registry.IsCore(moduleKey) {
		return &ValidationResult{Valid: true, BypassedValidation: true, Reason: "core module is always available"}
	}

	snap, fromCache, err := v.snapshot(ctx, tenantID, moduleKey, opts.SkipCache)
	switch {
	case errors.Is(err, ErrLicenseNotFound):
		return deny(errutil.CodeLicenseNotFound, "no license found for tenant", nil)
	case err != nil && ctx.Err() != nil:
		v.logger.With(logger.TraceFields(ctx)...).Warn("license lookup abandoned by caller",
			zap.String("tenant_id", tenantID), zap.String("module", moduleKey), zap.Error(err))
		return deny(errutil.CodeStoreUnavailable, "request ended before the license lookup completed", nil)
	case err != nil:
		v.logger.With(logger.TraceFields(ctx)...).Error("license store unavailable",
			zap.String("tenant_id", tenantID), zap.String("module", moduleKey), zap.Error(err))
		return deny(errutil.CodeStoreUnavailable, "license store unavailable", nil)
	}

	now := v.now()
	if snap.Status == StatusExpired || (snap.ExpiresAt != nil && !snap.ExpiresAt.After(now)) {
		return deny(errutil.CodeLicenseExpired, "license has expired", snap.ExpiresAt)
	}
	if snap.Status != StatusActive {
		return deny(errutil.CodeLicenseSuspended, fmt.Sprintf("license is %s", snap.Status), nil)
	}

	g := snap.Grant
	if g == nil || !g.Enabled {
		return deny(errutil.CodeModuleNotEnabled, fmt.Sprintf("module %s is not enabled for tenant", moduleKey), nil)
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return deny(errutil.CodeLicenseExpired, fmt.Sprintf("module %s grant has expired", moduleKey), g.ExpiresAt)
	}

	expiresAt := g.ExpiresAt
	if snap.ExpiresAt != nil && (expiresAt == nil || snap.ExpiresAt.Before(*expiresAt)) {
		expiresAt = snap.ExpiresAt
	}

	return &ValidationResult{
		Valid:     true,
		ExpiresAt: expiresAt,
		FromCache: fromCache,
		License: &LicenseContext{
			LicenseID:      snap.LicenseID,
			TenantID:       snap.TenantID,
			SubscriptionID: snap.SubscriptionID,
			ModuleKey:      moduleKey,
			Status:         snap.Status,
			Tier:           g.Tier,
			Limits:         copyLimits(g.Limits),
			ActivatedAt:    g.ActivatedAt,
			ExpiresAt:      expiresAt,
		},
	}
}

func deny(code errutil.Code, reason string, expiresAt *time.Time) *ValidationResult {
	return &ValidationResult{Valid: false, Error: code, Reason: reason, ExpiresAt: expiresAt}
}

// snapshot reads through the cache. Cache failures degrade to a direct store
// read; concurrent misses for the same key share one store call.
func (v *Validator) snapshot(ctx context.Context, tenantID, moduleKey string, skipCache bool) (*Snapshot, bool, error) {
	if v.cache != nil && !skipCache {
		snap, ok, err := v.cache.Get(ctx, tenantID, moduleKey)
		if err != nil {
			v.logger.With(logger.TraceFields(ctx)...).Warn("license cache read failed, falling back to store",
				zap.String("tenant_id", tenantID), zap.Error(err))
		} else if ok {
			return snap, true, nil
		}
	}

	key := tenantID + "|" + moduleKey
	if skipCache {
		key = "fresh|" + key
	}

	// the shared read outlives any single caller; each caller still honours
	// its own ctx while waiting
	shared := context.WithoutCancel(ctx)
	ch := v.group.DoChan(key, func() (interface{}, error) {
		storeCtx, cancel := context.WithTimeout(shared, v.cfg.StoreTimeout)
		defer cancel()

		lic, err := v.store.FindLicenseByTenant(storeCtx, tenantID)
		if err != nil {
			return nil, err
		}

		snap := snapshotOf(lic, moduleKey)
		if v.cache != nil {
			if err := v.cache.Set(storeCtx, tenantID, moduleKey, snap); err != nil {
				v.logger.Warn("license cache write failed", zap.String("tenant_id", tenantID), zap.Error(err))
			}
		}
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*Snapshot), false, nil
	}
}

// Invalidate drops cached snapshots for the tenant's modules, or for every
// registered module when none are given.
func (v *Validator) Invalidate(ctx context.Context, tenantID string, moduleKeys ...string) error {
	if v.cache == nil {
		return nil
	}
	if len(moduleKeys) == 0 && v.registry != nil {
		moduleKeys = v.registry.Keys()
	}
	if err := v.cache.Invalidate(ctx, tenantID, moduleKeys...); err != nil {
		v.logger.With(logger.TraceFields(ctx)...).Error("license cache invalidation failed",
			zap.String("tenant_id", tenantID), zap.Strings("modules", moduleKeys), zap.Error(err))
		return err
	}
	return nil
}

var denialEvents = map[errutil.Code]audit.EventType{
	errutil.CodeLicenseNotFound:  audit.EventLicenseNotFound,
	errutil.CodeLicenseSuspended: audit.EventLicenseSuspended,
	errutil.CodeLicenseExpired:   audit.EventLicenseExpired,
	errutil.CodeModuleNotEnabled: audit.EventModuleNotEnabled,
	errutil.CodeStoreUnavailable: audit.EventStoreUnavailable,
}

// auditDenial writes the denial before the decision is returned. A failed
// write is logged and does not change the decision.
func (v *Validator) auditDenial(ctx context.Context, tenantID, moduleKey string, r *ValidationResult, req audit.RequestInfo) {
	if v.audit == nil {
		return
	}
	eventType, ok := denialEvents[r.Error]
	if !ok {
		return
	}

	details := req.Apply(map[string]interface{}{"reason": r.Reason})
	if r.ExpiresAt != nil {
		details["expiresAt"] = r.ExpiresAt.UTC().Format(time.RFC3339)
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.cfg.AuditWriteTimeout)
	defer cancel()

	if _, err := v.audit.LogEvent(auditCtx, audit.NewEntry(tenantID, moduleKey, eventType, details)); err != nil {
		v.logger.With(logger.TraceFields(ctx)...).Error("failed to audit license denial",
			zap.String("tenant_id", tenantID),
			zap.String("module", moduleKey),
			zap.String("event_type", string(eventType)),
			zap.Error(err),
		)
	}
}

func copyLimits(l Limits) Limits {
	out := make(Limits, len(l))
	for k, v := range l {
		if v == nil {
			out[k] = nil
			continue
		}
		n := *v
		out[k] = &n
	}
	return out
}
