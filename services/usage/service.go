package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/pkg/eventbus"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/services/audit"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/registry"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("licensing/usage")

// Recorder receives usage samples. Implementations must not block.
type Recorder interface {
	ObserveUsagePercentage(module, usageType string, pct float64)
	SetQueueSize(n int)
}

type Config struct {
	BatchInterval     time.Duration
	BatchMaxSize      int
	WarningThreshold  float64
	FlushRetries      int
	ReceiptRetention  time.Duration
	StoreTimeout      time.Duration
	AuditWriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchInterval <= 0 {
		c.BatchInterval = 60 * time.Second
	}
	if c.BatchMaxSize <= 0 {
		c.BatchMaxSize = 1000
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = 80
	}
	if c.FlushRetries <= 0 {
		c.FlushRetries = 3
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	if c.AuditWriteTimeout <= 0 {
		c.AuditWriteTimeout = time.Second
	}
	return c
}

type Service struct {
	store    license.Store
	registry *registry.Registry
	audit    audit.Logger
	bus      *eventbus.Bus[Event]
	recorder Recorder
	node     *snowflake.Node
	logger   *zap.Logger
	cfg      Config

	mu      sync.Mutex
	queue   []pending
	stopped bool

	flushMu  sync.Mutex
	kicks    sync.WaitGroup
	statsMu  sync.Mutex
	stats    BatchStats
	flushing bool

	stop context.CancelFunc
	done chan struct{}

	now func() time.Time
}

type Params struct {
	Store    license.Store
	Registry *registry.Registry
	Audit    audit.Logger
	Bus      *eventbus.Bus[Event]
	Recorder Recorder
	Node     *snowflake.Node
	Logger   *zap.Logger
	Config   Config
}

func NewService(p Params) *Service {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	bus := p.Bus
	if bus == nil {
		bus = eventbus.New[Event]()
	}
	return &Service{
		store:    p.Store,
		registry: p.Registry,
		audit:    p.Audit,
		bus:      bus,
		recorder: p.Recorder,
		node:     p.Node,
		logger:   log.Named("usage"),
		cfg:      p.Config.withDefaults(),
		now:      time.Now,
	}
}

// Events exposes the tracker's publish/subscribe channel.
func (s *Service) Events() *eventbus.Bus[Event] {
	return s.bus
}

func validateInput(usageType string, amount int64) (license.UsageType, errutil.Code, string) {
	if amount <= 0 {
		return "", errutil.CodeInvalidAmount, "amount must be positive"
	}
	t, ok := license.ParseUsageType(usageType)
	if !ok {
		return "", errutil.CodeInvalidUsageType, fmt.Sprintf("unknown usage type %q", usageType)
	}
	return t, "", ""
}

func (s *Service) isCore(moduleKey string) bool {
	return s.registry != nil && s.registry.IsCore(moduleKey)
}

// TrackUsage meters amount against the tenant's module limit. By default the
// increment is queued for the next flush; Immediate applies it synchronously.
func (s *Service) TrackUsage(ctx context.Context, tenantID, moduleKey, usageType string, amount int64, opts TrackOptions) *TrackResult {
	t, code, reason := validateInput(usageType, amount)
	if code != "" {
		return &TrackResult{Error: code, Reason: reason, AttemptedAmount: amount}
	}

	moduleKey = registry.Normalize(moduleKey)
	if s.isCore(moduleKey) {
		return &TrackResult{Success: true, Tracked: false, Reason: "core module usage is not metered"}
	}

	if !opts.Immediate {
		size := s.enqueue(pending{TenantID: tenantID, ModuleKey: moduleKey, UsageType: t, Amount: amount})
		return &TrackResult{Success: true, Tracked: true, Batched: true, QueueSize: size}
	}

	ctx, span := tracer.Start(ctx, "usage.TrackUsage")
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("module", moduleKey),
		attribute.String("usage_type", string(t)),
	)
	defer span.End()

	res, err := s.apply(ctx, pending{TenantID: tenantID, ModuleKey: moduleKey, UsageType: t, Amount: amount}, "", opts.Request)
	if err != nil {
		s.logger.With(logger.TraceFields(ctx)...).Error("failed to apply usage",
			zap.String("tenant_id", tenantID), zap.String("module", moduleKey), zap.Error(err))
		return &TrackResult{Error: errutil.CodeStoreUnavailable, Reason: "usage store unavailable", AttemptedAmount: amount}
	}
	return res
}

func (s *Service) enqueue(p pending) int {
	s.mu.Lock()
	s.queue = append(s.queue, p)
	size := len(s.queue)
	// kicks are registered under mu so Stop never waits on a counter that is
	// still being incremented
	kick := !s.stopped && size >= s.cfg.BatchMaxSize
	if kick {
		s.kicks.Add(1)
	}
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.SetQueueSize(size)
	}
	if kick {
		go func() {
			defer s.kicks.Done()
			s.FlushBatch(context.Background())
		}()
	}
	return size
}

// apply is the check-and-apply step shared by immediate tracking and batch
// flushes. Decisions come back in the result; only store failures are errors.
func (s *Service) apply(ctx context.Context, p pending, idempotencyKey string, req audit.RequestInfo) (*TrackResult, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	lic, err := s.store.FindLicenseByTenant(storeCtx, p.TenantID)
	if errors.Is(err, license.ErrLicenseNotFound) {
		return &TrackResult{Error: errutil.CodeLicenseNotFound, Reason: "no license found for tenant", AttemptedAmount: p.Amount}, nil
	}
	if err != nil {
		return nil, err
	}

	g, ok := lic.Grant(p.ModuleKey)
	if !ok || !g.Enabled {
		return &TrackResult{Error: errutil.CodeModuleNotEnabled, Reason: fmt.Sprintf("module %s is not enabled for tenant", p.ModuleKey), AttemptedAmount: p.Amount}, nil
	}
	limit := g.LimitFor(p.UsageType)

	inc, err := s.store.AtomicIncrementUsage(storeCtx, license.IncrementParams{
		TenantID:       p.TenantID,
		ModuleKey:      p.ModuleKey,
		UsageType:      p.UsageType,
		Amount:         p.Amount,
		Limit:          limit,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	if inc.LimitExceeded {
		s.onLimitExceeded(ctx, p, inc.Value, limit, req)
		return &TrackResult{
			Blocked:         true,
			Error:           errutil.CodeLimitExceeded,
			Reason:          fmt.Sprintf("%s limit of %d reached", p.UsageType, *limit),
			CurrentUsage:    inc.Value,
			AttemptedAmount: p.Amount,
			Limit:           limit,
			Percentage:      license.Percentage(inc.Value, limit),
		}, nil
	}

	pct := license.Percentage(inc.Value, limit)
	res := &TrackResult{
		Success:         true,
		Tracked:         true,
		CurrentUsage:    inc.Value,
		AttemptedAmount: p.Amount,
		Limit:           limit,
		Percentage:      pct,
		Duplicate:       inc.Duplicate,
	}
	if inc.Duplicate || limit == nil {
		return res, nil
	}

	if s.recorder != nil {
		s.recorder.ObserveUsagePercentage(p.ModuleKey, string(p.UsageType), pct)
	}
	res.WarningEmitted = s.evaluateWarning(ctx, p, inc, limit, pct, req)
	return res, nil
}

// evaluateWarning emits one warning per upward crossing of the threshold.
// The counter is re-armed once usage falls back below it.
func (s *Service) evaluateWarning(ctx context.Context, p pending, inc *license.IncrementResult, limit *int64, pct float64, req audit.RequestInfo) bool {
	log := s.logger.With(logger.TraceFields(ctx)...)

	if pct < s.cfg.WarningThreshold {
		if inc.Warned {
			if err := s.store.RearmUsageWarning(ctx, p.TenantID, p.ModuleKey, p.UsageType); err != nil {
				log.Warn("failed to re-arm usage warning", zap.String("tenant_id", p.TenantID), zap.Error(err))
			}
		}
		return false
	}
	if inc.Warned {
		return false
	}

	recorded, err := s.store.RecordUsageWarning(ctx, license.UsageWarning{
		TenantID:   p.TenantID,
		ModuleKey:  p.ModuleKey,
		LimitType:  p.UsageType,
		Percentage: pct,
		CreatedAt:  s.now(),
	})
	if err != nil {
		log.Error("failed to record usage warning", zap.String("tenant_id", p.TenantID), zap.Error(err))
		return false
	}
	if !recorded {
		return false
	}

	s.writeAudit(ctx, audit.NewEntry(p.TenantID, p.ModuleKey, audit.EventLimitWarning, req.Apply(map[string]interface{}{
		"limitType":  string(p.UsageType),
		"percentage": pct,
		"current":    inc.Value,
		"limit":      *limit,
	})))
	s.bus.Publish(Event{
		Type:       EventLimitWarning,
		At:         s.now(),
		TenantID:   p.TenantID,
		ModuleKey:  p.ModuleKey,
		UsageType:  p.UsageType,
		Current:    inc.Value,
		Limit:      limit,
		Percentage: pct,
	})
	return true
}

func (s *Service) onLimitExceeded(ctx context.Context, p pending, current int64, limit *int64, req audit.RequestInfo) {
	s.writeAudit(ctx, audit.NewEntry(p.TenantID, p.ModuleKey, audit.EventLimitExceeded, req.Apply(map[string]interface{}{
		"limitType":       string(p.UsageType),
		"currentUsage":    current,
		"attemptedAmount": p.Amount,
		"limit":           *limit,
		"reason":          "usage would exceed module limit",
	})))
	s.bus.Publish(Event{
		Type:       EventLimitExceeded,
		At:         s.now(),
		TenantID:   p.TenantID,
		ModuleKey:  p.ModuleKey,
		UsageType:  p.UsageType,
		Current:    current,
		Attempted:  p.Amount,
		Limit:      limit,
		Percentage: license.Percentage(current, limit),
	})
}

func (s *Service) writeAudit(ctx context.Context, e *audit.Entry) {
	if s.audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AuditWriteTimeout)
	defer cancel()
	if _, err := s.audit.LogEvent(auditCtx, e); err != nil {
		s.logger.With(logger.TraceFields(ctx)...).Error("failed to write usage audit entry",
			zap.String("tenant_id", e.TenantID),
			zap.String("event_type", string(e.EventType)),
			zap.Error(err),
		)
	}
}

// CheckBeforeTrack projects the effect of amount without changing usage.
func (s *Service) CheckBeforeTrack(ctx context.Context, tenantID, moduleKey, usageType string, amount int64) *CheckResult {
	t, code, reason := validateInput(usageType, amount)
	if code != "" {
		return &CheckResult{Error: code, Reason: reason}
	}

	moduleKey = registry.Normalize(moduleKey)
	if s.isCore(moduleKey) {
		return &CheckResult{Allowed: true, ProjectedUsage: amount, Reason: "core module usage is not metered"}
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	lic, err := s.store.FindLicenseByTenant(storeCtx, tenantID)
	switch {
	case errors.Is(err, license.ErrLicenseNotFound):
		return &CheckResult{Error: errutil.CodeLicenseNotFound, Reason: "no license found for tenant"}
	case err != nil:
		return &CheckResult{Error: errutil.CodeStoreUnavailable, Reason: "usage store unavailable"}
	}
	g, ok := lic.Grant(moduleKey)
	if !ok || !g.Enabled {
		return &CheckResult{Error: errutil.CodeModuleNotEnabled, Reason: fmt.Sprintf("module %s is not enabled for tenant", moduleKey)}
	}

	tracking, err := s.store.FindOrCreateUsageTracking(storeCtx, tenantID, moduleKey)
	if err != nil {
		return &CheckResult{Error: errutil.CodeStoreUnavailable, Reason: "usage store unavailable"}
	}

	limit := g.LimitFor(t)
	current := tracking.Usage[t]
	projected := current + amount
	pct := license.Percentage(projected, limit)

	res := &CheckResult{
		Allowed:             limit == nil || projected <= *limit,
		CurrentUsage:        current,
		Limit:               limit,
		ProjectedUsage:      projected,
		ProjectedPercentage: pct,
		IsApproachingLimit:  limit != nil && pct >= s.cfg.WarningThreshold,
	}
	if !res.Allowed {
		res.Error = errutil.CodeLimitExceeded
		res.Reason = fmt.Sprintf("%s limit of %d would be exceeded", t, *limit)
	}
	return res
}

// GetUsage reports current usage per quota for one module.
func (s *Service) GetUsage(ctx context.Context, tenantID, moduleKey string) (*UsageReport, error) {
	moduleKey = registry.Normalize(moduleKey)
	if s.registry != nil {
		if _, ok := s.registry.Get(moduleKey); !ok {
			return nil, errutil.NewCoded(errutil.CodeModuleNotFound,
				fmt.Sprintf("module %q is not registered", moduleKey), moduleKey)
		}
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	lic, err := s.store.FindLicenseByTenant(storeCtx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.report(storeCtx, lic, moduleKey)
}

const tenantUsageConcurrency = 4

// GetTenantUsage reports usage for every enabled module of the tenant.
func (s *Service) GetTenantUsage(ctx context.Context, tenantID string) (map[string]*UsageReport, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	lic, err := s.store.FindLicenseByTenant(storeCtx, tenantID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	reports := make(map[string]*UsageReport, len(lic.Modules))

	g, gctx := errgroup.WithContext(storeCtx)
	g.SetLimit(tenantUsageConcurrency)
	for _, grant := range lic.Modules {
		if !grant.Enabled || s.isCore(grant.ModuleKey) {
			continue
		}
		moduleKey := grant.ModuleKey
		g.Go(func() error {
			r, err := s.report(gctx, lic, moduleKey)
			if err != nil {
				return fmt.Errorf("usage for %s: %w", moduleKey, err)
			}
			mu.Lock()
			reports[moduleKey] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func (s *Service) report(ctx context.Context, lic *license.License, moduleKey string) (*UsageReport, error) {
	tracking, err := s.store.FindOrCreateUsageTracking(ctx, lic.TenantID, moduleKey)
	if err != nil {
		return nil, err
	}

	var limits license.Limits
	if g, ok := lic.Grant(moduleKey); ok {
		limits = g.Limits.Data()
	}

	report := &UsageReport{
		TenantID:  lic.TenantID,
		ModuleKey: moduleKey,
		Metrics:   make(map[license.UsageType]UsageMetric, len(license.UsageTypes)),
		Warnings:  tracking.Warnings,
	}
	for _, t := range license.UsageTypes {
		limit := limits.For(t)
		report.Metrics[t] = UsageMetric{
			Current:    tracking.Usage[t],
			Limit:      limit,
			Percentage: license.Percentage(tracking.Usage[t], limit),
			Unlimited:  limit == nil,
		}
	}
	return report, nil
}

// ResetUsage zeroes the matching counters. Tenant-scoped resets are audited.
func (s *Service) ResetUsage(ctx context.Context, f license.ResetFilter, req audit.RequestInfo) (int64, error) {
	f.ModuleKey = registry.Normalize(f.ModuleKey)
	n, err := s.store.ResetUsage(ctx, f)
	if err != nil {
		return 0, err
	}

	s.logger.With(logger.TraceFields(ctx)...).Info("usage reset",
		zap.String("tenant_id", f.TenantID),
		zap.String("module", f.ModuleKey),
		zap.String("usage_type", string(f.UsageType)),
		zap.Int64("counters", n),
	)

	if f.TenantID != "" {
		s.writeAudit(ctx, audit.NewEntry(f.TenantID, f.ModuleKey, audit.EventUsageReset, req.Apply(map[string]interface{}{
			"usageType": string(f.UsageType),
			"counters":  n,
		})))
	}
	return n, nil
}
