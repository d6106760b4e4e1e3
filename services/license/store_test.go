package license

import (
	"context"
	"sync"
	"testing"
	"time"

	"smallbiznis-licensing/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) Store {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewStore(db, node)
}

func seedLicense(t *testing.T, store Store, tenantID string, grants ...ModuleGrant) *License {
	t.Helper()
	lic := &License{TenantID: tenantID, SubscriptionID: "sub-" + tenantID, Status: StatusActive, Modules: grants}
	require.NoError(t, store.CreateLicense(context.Background(), lic))
	return lic
}

func grant(key string, limits Limits) ModuleGrant {
	return ModuleGrant{ModuleKey: key, Enabled: true, Tier: TierBusiness, Limits: datatypes.NewJSONType(limits)}
}

func TestFindLicenseByTenant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.FindLicenseByTenant(ctx, "missing")
	require.ErrorIs(t, err, ErrLicenseNotFound)

	seedLicense(t, store, "t1", grant("attendance", Limits{UsageEmployees: Limit(50)}))

	lic, err := store.FindLicenseByTenant(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, lic.Modules, 1)
	g, ok := lic.Grant("attendance")
	require.True(t, ok)
	require.Equal(t, int64(50), *g.LimitFor(UsageEmployees))
	require.Nil(t, g.LimitFor(UsageStorage))
}

func TestUpdateModuleGrantUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedLicense(t, store, "t1")

	require.NoError(t, store.UpdateModuleGrant(ctx, "t1", &ModuleGrant{ModuleKey: "payroll", Enabled: true, Tier: TierStarter}))
	require.NoError(t, store.UpdateModuleGrant(ctx, "t1", &ModuleGrant{ModuleKey: "payroll", Enabled: false, Tier: TierEnterprise}))

	lic, err := store.FindLicenseByTenant(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, lic.Modules, 1)
	require.False(t, lic.Modules[0].Enabled)
	require.Equal(t, TierEnterprise, lic.Modules[0].Tier)

	require.ErrorIs(t, store.UpdateModuleGrant(ctx, "nobody", &ModuleGrant{ModuleKey: "payroll"}), ErrLicenseNotFound)

	require.NoError(t, store.DeleteModuleGrant(ctx, "t1", "payroll"))
	require.ErrorIs(t, store.DeleteModuleGrant(ctx, "t1", "payroll"), ErrGrantNotFound)
}

func TestAtomicIncrementUsageHonoursLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res, err := store.AtomicIncrementUsage(ctx, IncrementParams{TenantID: "t1", ModuleKey: "attendance", UsageType: UsageEmployees, Amount: 90, Limit: Limit(100)})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, int64(90), res.Value)

	res, err = store.AtomicIncrementUsage(ctx, IncrementParams{TenantID: "t1", ModuleKey: "attendance", UsageType: UsageEmployees, Amount: 20, Limit: Limit(100)})
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.True(t, res.LimitExceeded)
	require.Equal(t, int64(90), res.Value)

	res, err = store.AtomicIncrementUsage(ctx, IncrementParams{TenantID: "t1", ModuleKey: "attendance", UsageType: UsageEmployees, Amount: 10, Limit: Limit(100)})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, int64(100), res.Value)
}

func TestAtomicIncrementUsageUnlimited(t *testing.T) {
	store := newTestStore(t)

	res, err := store.AtomicIncrementUsage(context.Background(), IncrementParams{TenantID: "t1", ModuleKey: "documents", UsageType: UsageStorage, Amount: 1_000_000})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, int64(1_000_000), res.Value)
}

func TestAtomicIncrementUsageConcurrentCallersNeverExceedLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.AtomicIncrementUsage(ctx, IncrementParams{TenantID: "t1", ModuleKey: "attendance", UsageType: UsageEmployees, Amount: 10, Limit: Limit(100)})
			if err == nil && res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, applied)
	tracking, err := store.FindOrCreateUsageTracking(ctx, "t1", "attendance")
	require.NoError(t, err)
	require.Equal(t, int64(100), tracking.Usage[UsageEmployees])
}

func TestAtomicIncrementUsageIdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := IncrementParams{TenantID: "t1", ModuleKey: "payroll", UsageType: UsageAPICalls, Amount: 5, IdempotencyKey: "flush-1:t1:payroll:apiCalls"}

	res, err := store.AtomicIncrementUsage(ctx, p)
	require.NoError(t, err)
	require.True(t, res.Applied)

	res, err = store.AtomicIncrementUsage(ctx, p)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.False(t, res.Applied)
	require.Equal(t, int64(5), res.Value)

	// a rejected increment leaves no receipt behind
	blocked := IncrementParams{TenantID: "t1", ModuleKey: "payroll", UsageType: UsageEmployees, Amount: 5, Limit: Limit(1), IdempotencyKey: "flush-2:t1:payroll:employees"}
	res, err = store.AtomicIncrementUsage(ctx, blocked)
	require.NoError(t, err)
	require.True(t, res.LimitExceeded)

	blocked.Limit = Limit(10)
	res, err = store.AtomicIncrementUsage(ctx, blocked)
	require.NoError(t, err)
	require.True(t, res.Applied)

	n, err := store.PruneReceipts(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestRecordUsageWarningOncePerArm(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.FindOrCreateUsageTracking(ctx, "t1", "attendance")
	require.NoError(t, err)

	w := UsageWarning{TenantID: "t1", ModuleKey: "attendance", LimitType: UsageEmployees, Percentage: 85}
	ok, err := store.RecordUsageWarning(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.RecordUsageWarning(ctx, w)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.RearmUsageWarning(ctx, "t1", "attendance", UsageEmployees))
	ok, err = store.RecordUsageWarning(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)

	tracking, err := store.FindOrCreateUsageTracking(ctx, "t1", "attendance")
	require.NoError(t, err)
	require.Len(t, tracking.Warnings, 2)
	require.True(t, tracking.Warned[UsageEmployees])
}

func TestResetUsage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, tenant := range []string{"t1", "t2"} {
		_, err := store.AtomicIncrementUsage(ctx, IncrementParams{TenantID: tenant, ModuleKey: "payroll", UsageType: UsageAPICalls, Amount: 7})
		require.NoError(t, err)
	}
	_, err := store.AtomicIncrementUsage(ctx, IncrementParams{TenantID: "t1", ModuleKey: "payroll", UsageType: UsageEmployees, Amount: 3})
	require.NoError(t, err)

	_, err = store.ResetUsage(ctx, ResetFilter{})
	require.Error(t, err)

	n, err := store.ResetUsage(ctx, ResetFilter{UsageType: UsageAPICalls})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	tracking, err := store.FindOrCreateUsageTracking(ctx, "t1", "payroll")
	require.NoError(t, err)
	require.Zero(t, tracking.Usage[UsageAPICalls])
	require.Equal(t, int64(3), tracking.Usage[UsageEmployees])
}

func TestPercentage(t *testing.T) {
	require.Equal(t, 95.0, Percentage(95, Limit(100)))
	require.Equal(t, 33.33, Percentage(1, Limit(3)))
	require.Zero(t, Percentage(10, nil))
	require.Equal(t, 100.0, Percentage(1, Limit(0)))
}
