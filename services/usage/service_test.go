package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/pkg/eventbus"
	"smallbiznis-licensing/services/audit"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/registry"
	"smallbiznis-licensing/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (f *fakeAudit) LogEvent(_ context.Context, e *audit.Entry) (*audit.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return e, nil
}

func (f *fakeAudit) count(et audit.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if e.EventType == et {
			n++
		}
	}
	return n
}

type fixture struct {
	svc    *Service
	db     *gorm.DB
	store  license.Store
	audit  *fakeAudit
	events <-chan Event
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newFixtureWithStore(t, cfg, nil)
}

func newFixtureWithStore(t *testing.T, cfg Config, wrap func(license.Store) license.Store) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, license.Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	reg, err := registry.NewDefault("hr-core")
	require.NoError(t, err)

	var store license.Store = license.NewStore(db, node)
	if wrap != nil {
		store = wrap(store)
	}

	bus := eventbus.New[Event]()
	events, cancel := bus.Subscribe(64)
	t.Cleanup(cancel)

	aud := &fakeAudit{}
	svc := NewService(Params{
		Store:    store,
		Registry: reg,
		Audit:    aud,
		Bus:      bus,
		Node:     node,
		Logger:   zap.NewNop(),
		Config:   cfg,
	})
	return &fixture{svc: svc, db: db, store: store, audit: aud, events: events}
}

func (f *fixture) seedTenant(t *testing.T, tenantID string, limits license.Limits, modules ...string) {
	t.Helper()
	lic := &license.License{TenantID: tenantID, Status: license.StatusActive}
	for _, m := range modules {
		lic.Modules = append(lic.Modules, license.ModuleGrant{
			ModuleKey: m,
			Enabled:   true,
			Tier:      license.TierBusiness,
			Limits:    datatypes.NewJSONType(limits),
		})
	}
	require.NoError(t, f.store.CreateLicense(context.Background(), lic))
}

func (f *fixture) usage(t *testing.T, tenantID, module string, ut license.UsageType) int64 {
	t.Helper()
	tr, err := f.store.FindOrCreateUsageTracking(context.Background(), tenantID, module)
	require.NoError(t, err)
	return tr.Usage[ut]
}

func (f *fixture) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

var immediate = TrackOptions{Immediate: true}

func TestTrackUsageRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res := f.svc.TrackUsage(ctx, "t1", "attendance", "employees", 0, immediate)
	require.False(t, res.Success)
	require.Equal(t, errutil.CodeInvalidAmount, res.Error)

	res = f.svc.TrackUsage(ctx, "t1", "attendance", "seats", 1, immediate)
	require.False(t, res.Success)
	require.Equal(t, errutil.CodeInvalidUsageType, res.Error)

	res = f.svc.TrackUsage(ctx, "t1", "attendance", "seats", 1, TrackOptions{})
	require.Equal(t, errutil.CodeInvalidUsageType, res.Error)
	require.Zero(t, f.svc.GetBatchStats().QueueSize)
}

func TestTrackUsageCoreModuleIsNotMetered(t *testing.T) {
	f := newFixture(t, Config{})

	res := f.svc.TrackUsage(context.Background(), "t1", "hr-core", "employees", 5, immediate)
	require.True(t, res.Success)
	require.False(t, res.Tracked)
	require.NotEmpty(t, res.Reason)
	require.Zero(t, f.svc.GetBatchStats().QueueSize)
}

func TestTrackUsageLimitScenario(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedTenant(t, "t1", license.Limits{license.UsageEmployees: license.Limit(100)}, "attendance")

	_, err := f.store.AtomicIncrementUsage(ctx, license.IncrementParams{TenantID: "t1", ModuleKey: "attendance", UsageType: license.UsageEmployees, Amount: 90})
	require.NoError(t, err)

	res := f.svc.TrackUsage(ctx, "t1", "attendance", "employees", 20, immediate)
	require.False(t, res.Success)
	require.True(t, res.Blocked)
	require.Equal(t, errutil.CodeLimitExceeded, res.Error)
	require.Equal(t, int64(90), res.CurrentUsage)
	require.Equal(t, int64(20), res.AttemptedAmount)
	require.Equal(t, int64(90), f.usage(t, "t1", "attendance", license.UsageEmployees))
	require.Equal(t, 1, f.audit.count(audit.EventLimitExceeded))

	res = f.svc.TrackUsage(ctx, "t1", "attendance", "employees", 5, immediate)
	require.True(t, res.Success)
	require.True(t, res.Tracked)
	require.Equal(t, int64(95), res.CurrentUsage)
	require.Equal(t, 95.0, res.Percentage)
	require.True(t, res.WarningEmitted)

	tr, err := f.store.FindOrCreateUsageTracking(ctx, "t1", "attendance")
	require.NoError(t, err)
	require.Equal(t, int64(95), tr.Usage[license.UsageEmployees])
	require.Len(t, tr.Warnings, 1)
	require.Equal(t, 95.0, tr.Warnings[0].Percentage)
	require.Equal(t, license.UsageEmployees, tr.Warnings[0].LimitType)

	events := f.drain()
	require.Len(t, events, 2)
	require.Equal(t, EventLimitExceeded, events[0].Type)
	require.Equal(t, EventLimitWarning, events[1].Type)
}

func TestTrackUsageUnlimited(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedTenant(t, "t1", license.Limits{license.UsageEmployees: nil}, "attendance")

	res := f.svc.TrackUsage(context.Background(), "t1", "attendance", "employees", 1_000_000, immediate)
	require.True(t, res.Success)
	require.Nil(t, res.Limit)
	require.Equal(t, int64(1_000_000), f.usage(t, "t1", "attendance", license.UsageEmployees))
	require.Empty(t, f.drain())
}

func TestTrackUsageWarnsOncePerCrossing(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedTenant(t, "t1", license.Limits{license.UsageAPICalls: license.Limit(10)}, "payroll")

	warnings := 0
	for i := 0; i < 10; i++ {
		res := f.svc.TrackUsage(ctx, "t1", "payroll", "apiCalls", 1, immediate)
		require.True(t, res.Success)
		if res.WarningEmitted {
			warnings++
			require.Equal(t, 80.0, res.Percentage)
		}
	}
	require.Equal(t, 1, warnings)
	require.Equal(t, 1, f.audit.count(audit.EventLimitWarning))

	_, err := f.svc.ResetUsage(ctx, license.ResetFilter{TenantID: "t1", ModuleKey: "payroll", UsageType: license.UsageAPICalls}, audit.RequestInfo{Actor: "admin"})
	require.NoError(t, err)
	require.Equal(t, 1, f.audit.count(audit.EventUsageReset))

	res := f.svc.TrackUsage(ctx, "t1", "payroll", "apiCalls", 9, immediate)
	require.True(t, res.WarningEmitted, "a reset re-arms the warning")

	tr, err := f.store.FindOrCreateUsageTracking(ctx, "t1", "payroll")
	require.NoError(t, err)
	require.Len(t, tr.Warnings, 2)
}

func TestTrackUsageRequiresEnabledModule(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res := f.svc.TrackUsage(ctx, "ghost", "attendance", "employees", 1, immediate)
	require.Equal(t, errutil.CodeLicenseNotFound, res.Error)

	f.seedTenant(t, "t1", nil, "attendance")
	res = f.svc.TrackUsage(ctx, "t1", "payroll", "employees", 1, immediate)
	require.Equal(t, errutil.CodeModuleNotEnabled, res.Error)
}

func TestBatchCoalescingMatchesImmediate(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	limits := license.Limits{license.UsageEmployees: license.Limit(1000)}
	f.seedTenant(t, "imm", limits, "attendance")
	f.seedTenant(t, "bat", limits, "attendance")

	amounts := []int64{3, 7, 11, 2, 40}
	for _, a := range amounts {
		require.True(t, f.svc.TrackUsage(ctx, "imm", "attendance", "employees", a, immediate).Success)
	}
	for i, a := range amounts {
		res := f.svc.TrackUsage(ctx, "bat", "attendance", "employees", a, TrackOptions{})
		require.True(t, res.Batched)
		require.Equal(t, i+1, res.QueueSize)
	}
	require.Zero(t, f.usage(t, "bat", "attendance", license.UsageEmployees))

	result := f.svc.FlushBatch(ctx)
	require.False(t, result.Skipped)
	require.Equal(t, 5, result.Queued)
	require.Equal(t, 1, result.Groups)
	require.Equal(t, 1, result.Processed)
	require.Zero(t, result.Failed)

	require.Equal(t,
		f.usage(t, "imm", "attendance", license.UsageEmployees),
		f.usage(t, "bat", "attendance", license.UsageEmployees),
	)
	require.Equal(t, int64(63), f.usage(t, "bat", "attendance", license.UsageEmployees))

	stats := f.svc.GetBatchStats()
	require.Zero(t, stats.QueueSize)
	require.Equal(t, int64(1), stats.Flushes)
	require.Equal(t, int64(1), stats.TotalProcessed)
	require.NotNil(t, stats.LastFlush)

	var batchEvents int
	for _, ev := range f.drain() {
		if ev.Type == EventBatchProcessed {
			batchEvents++
			require.Equal(t, 1, ev.Processed)
		}
	}
	require.Equal(t, 1, batchEvents)
}

func TestFlushBatchCountsFailedGroupsWithoutAborting(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedTenant(t, "t1", license.Limits{license.UsageEmployees: license.Limit(5)}, "attendance")

	f.svc.TrackUsage(ctx, "deleted", "attendance", "employees", 1, TrackOptions{})
	f.svc.TrackUsage(ctx, "t1", "attendance", "employees", 3, TrackOptions{})
	f.svc.TrackUsage(ctx, "t1", "attendance", "storage", 2, TrackOptions{})
	f.svc.TrackUsage(ctx, "t1", "attendance", "employees", 4, TrackOptions{})

	result := f.svc.FlushBatch(ctx)
	require.Equal(t, 3, result.Groups)
	require.Equal(t, 1, result.Processed)
	require.Equal(t, 2, result.Failed)
	require.Equal(t, 1, result.Blocked)

	require.Zero(t, f.usage(t, "t1", "attendance", license.UsageEmployees), "7 exceeds the limit of 5")
	require.Equal(t, int64(2), f.usage(t, "t1", "attendance", license.UsageStorage))
	require.Equal(t, 1, f.audit.count(audit.EventBatchGroupFailed))
	require.Equal(t, 1, f.audit.count(audit.EventLimitExceeded))
	require.Zero(t, f.svc.GetBatchStats().QueueSize, "failed groups are not re-queued")
}

func TestFlushBatchIsSerialized(t *testing.T) {
	f := newFixture(t, Config{})
	f.svc.TrackUsage(context.Background(), "t1", "attendance", "employees", 1, TrackOptions{})

	f.svc.flushMu.Lock()
	res := f.svc.FlushBatch(context.Background())
	f.svc.flushMu.Unlock()

	require.True(t, res.Skipped)
	require.Equal(t, 1, f.svc.GetBatchStats().QueueSize)
}

// flakyStore applies the first increment but reports a failure, as a commit
// whose acknowledgement was lost would.
type flakyStore struct {
	license.Store
	mu    sync.Mutex
	calls int
}

func (s *flakyStore) AtomicIncrementUsage(ctx context.Context, p license.IncrementParams) (*license.IncrementResult, error) {
	res, err := s.Store.AtomicIncrementUsage(ctx, p)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls == 1 {
		return nil, errors.New("connection reset")
	}
	return res, err
}

func TestFlushRetryDoesNotDoubleCount(t *testing.T) {
	flaky := &flakyStore{}
	f := newFixtureWithStore(t, Config{FlushRetries: 3}, func(s license.Store) license.Store {
		flaky.Store = s
		return flaky
	})
	ctx := context.Background()
	f.seedTenant(t, "t1", nil, "payroll")

	f.svc.TrackUsage(ctx, "t1", "payroll", "apiCalls", 4, TrackOptions{})
	f.svc.TrackUsage(ctx, "t1", "payroll", "apiCalls", 6, TrackOptions{})

	result := f.svc.FlushBatch(ctx)
	require.Equal(t, 1, result.Processed)
	require.Equal(t, 1, result.Duplicates)
	require.Zero(t, result.Failed)
	require.Equal(t, 2, flaky.calls)
	require.Equal(t, int64(10), f.usage(t, "t1", "payroll", license.UsageAPICalls))
}

func TestQueueReachingMaxSizeTriggersFlush(t *testing.T) {
	f := newFixture(t, Config{BatchMaxSize: 3})
	ctx := context.Background()
	f.seedTenant(t, "t1", nil, "payroll")

	for i := 0; i < 3; i++ {
		f.svc.TrackUsage(ctx, "t1", "payroll", "apiCalls", 1, TrackOptions{})
	}
	f.svc.kicks.Wait()

	require.Equal(t, int64(3), f.usage(t, "t1", "payroll", license.UsageAPICalls))
	require.Equal(t, int64(1), f.svc.GetBatchStats().Flushes)
}

func TestStopDrainsQueue(t *testing.T) {
	f := newFixture(t, Config{BatchInterval: time.Hour})
	ctx := context.Background()
	f.seedTenant(t, "t1", nil, "payroll")

	f.svc.Start()
	f.svc.TrackUsage(ctx, "t1", "payroll", "apiCalls", 2, TrackOptions{})
	require.NoError(t, f.svc.Stop(ctx))

	require.Equal(t, int64(2), f.usage(t, "t1", "payroll", license.UsageAPICalls))
}

func TestStopWhileTrackingKeepsEveryIncrement(t *testing.T) {
	f := newFixture(t, Config{BatchMaxSize: 1, BatchInterval: time.Hour})
	ctx := context.Background()
	f.seedTenant(t, "t1", nil, "payroll")
	f.svc.Start()

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				f.svc.TrackUsage(ctx, "t1", "payroll", "apiCalls", 1, TrackOptions{})
			}
		}()
	}
	require.NoError(t, f.svc.Stop(ctx))
	wg.Wait()

	f.svc.FlushBatch(ctx)
	require.Equal(t, int64(workers*perWorker), f.usage(t, "t1", "payroll", license.UsageAPICalls))
}

func TestTrackAfterStopDoesNotKickFlush(t *testing.T) {
	f := newFixture(t, Config{BatchMaxSize: 1})
	ctx := context.Background()
	f.seedTenant(t, "t1", nil, "payroll")

	require.NoError(t, f.svc.Stop(ctx))
	flushes := f.svc.GetBatchStats().Flushes

	res := f.svc.TrackUsage(ctx, "t1", "payroll", "apiCalls", 1, TrackOptions{})
	require.True(t, res.Batched)
	f.svc.kicks.Wait()

	stats := f.svc.GetBatchStats()
	require.Equal(t, 1, stats.QueueSize)
	require.Equal(t, flushes, stats.Flushes)
}

func TestCheckBeforeTrackDoesNotMutate(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedTenant(t, "t1", license.Limits{license.UsageEmployees: license.Limit(100)}, "attendance")
	require.True(t, f.svc.TrackUsage(ctx, "t1", "attendance", "employees", 70, immediate).Success)

	res := f.svc.CheckBeforeTrack(ctx, "t1", "attendance", "employees", 15)
	require.True(t, res.Allowed)
	require.Equal(t, int64(70), res.CurrentUsage)
	require.Equal(t, int64(85), res.ProjectedUsage)
	require.Equal(t, 85.0, res.ProjectedPercentage)
	require.True(t, res.IsApproachingLimit)

	res = f.svc.CheckBeforeTrack(ctx, "t1", "attendance", "employees", 31)
	require.False(t, res.Allowed)
	require.Equal(t, errutil.CodeLimitExceeded, res.Error)

	require.Equal(t, int64(70), f.usage(t, "t1", "attendance", license.UsageEmployees))
	require.Zero(t, f.audit.count(audit.EventLimitExceeded))
}

func TestGetUsageAndTenantUsage(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedTenant(t, "t1", license.Limits{license.UsageEmployees: license.Limit(200)}, "hr-core", "attendance", "payroll")
	require.True(t, f.svc.TrackUsage(ctx, "t1", "attendance", "employees", 50, immediate).Success)

	report, err := f.svc.GetUsage(ctx, "t1", "attendance")
	require.NoError(t, err)
	m := report.Metrics[license.UsageEmployees]
	require.Equal(t, int64(50), m.Current)
	require.Equal(t, 25.0, m.Percentage)
	require.False(t, m.Unlimited)
	require.True(t, report.Metrics[license.UsageStorage].Unlimited)

	all, err := f.svc.GetTenantUsage(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Contains(t, all, "attendance")
	require.Contains(t, all, "payroll")
	require.Zero(t, all["payroll"].Metrics[license.UsageEmployees].Current)

	_, err = f.svc.GetUsage(ctx, "ghost", "attendance")
	require.ErrorIs(t, err, license.ErrLicenseNotFound)
}

func TestGetUsageRejectsUnregisteredModule(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seedTenant(t, "t1", nil, "attendance")

	_, err := f.svc.GetUsage(ctx, "t1", "Not-A-Module")
	require.True(t, errutil.IsCode(err, errutil.CodeModuleNotFound))

	var rows int64
	require.NoError(t, f.db.Model(&license.UsageCounter{}).Where("module_key = ?", "not-a-module").Count(&rows).Error)
	require.Zero(t, rows)
}

func TestCoalesceKeepsFirstSeenOrder(t *testing.T) {
	groups := coalesce([]pending{
		{TenantID: "b", ModuleKey: "m", UsageType: license.UsageStorage, Amount: 1},
		{TenantID: "a", ModuleKey: "m", UsageType: license.UsageStorage, Amount: 2},
		{TenantID: "b", ModuleKey: "m", UsageType: license.UsageStorage, Amount: 3},
	})
	require.Len(t, groups, 2)
	require.Equal(t, "b", groups[0].TenantID)
	require.Equal(t, int64(4), groups[0].Amount)
	require.Equal(t, "a", groups[1].TenantID)
}

type fakeEventRecorder struct {
	exceeded, warnings, batches int
}

func (r *fakeEventRecorder) IncLimitExceeded(string, string)      { r.exceeded++ }
func (r *fakeEventRecorder) IncLimitWarning(string, string)       { r.warnings++ }
func (r *fakeEventRecorder) ObserveBatch(int, int, time.Duration) { r.batches++ }

func TestConsumeMetrics(t *testing.T) {
	ch := make(chan Event, 3)
	ch <- Event{Type: EventLimitExceeded}
	ch <- Event{Type: EventLimitWarning}
	ch <- Event{Type: EventBatchProcessed}
	close(ch)

	rec := &fakeEventRecorder{}
	ConsumeMetrics(ch, rec)
	require.Equal(t, 1, rec.exceeded)
	require.Equal(t, 1, rec.warnings)
	require.Equal(t, 1, rec.batches)
}
