package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"smallbiznis-licensing/pkg/db/pagination"
	"smallbiznis-licensing/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &Entry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParams{DB: db, Node: node, Logger: zap.NewNop()})
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return svc, db
}

func TestLogEventChainsPerTenant(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.LogEvent(ctx, NewEntry("t1", "payroll", EventLicenseExpired, map[string]interface{}{"reason": "expired"}))
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Sequence)
	require.Equal(t, GenesisHash, first.PreviousHash)
	require.Equal(t, first.GenerateHash(), first.Hash)

	second, err := svc.LogEvent(ctx, NewEntry("t1", "", EventUsageReset, nil))
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Sequence)
	require.Equal(t, first.Hash, second.PreviousHash)
	require.Nil(t, second.ModuleKey)

	other, err := svc.LogEvent(ctx, NewEntry("t2", "payroll", EventLimitExceeded, nil))
	require.NoError(t, err)
	require.Equal(t, int64(1), other.Sequence)
	require.Equal(t, GenesisHash, other.PreviousHash)
}

func TestLogEventDoesNotWaitOnOtherTenants(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	busy := svc.tenantLock("t1")
	busy.Lock()
	defer busy.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := svc.LogEvent(ctx, NewEntry("t2", "payroll", EventLimitWarning, nil))
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("append for t2 blocked behind t1")
	}
}

func TestConcurrentAppendsKeepEveryChainIntact(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	var clockMu sync.Mutex
	clock := svc.now
	svc.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock()
	}

	tenants := []string{"t1", "t2", "t3"}
	const perTenant = 10
	errs := make(chan error, len(tenants)*perTenant)
	var wg sync.WaitGroup
	for _, tenant := range tenants {
		for i := 0; i < perTenant; i++ {
			wg.Add(1)
			go func(tenant string) {
				defer wg.Done()
				_, err := svc.LogEvent(ctx, NewEntry(tenant, "payroll", EventLimitWarning, nil))
				errs <- err
			}(tenant)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, tenant := range tenants {
		res, err := svc.VerifyChain(ctx, tenant)
		require.NoError(t, err)
		require.True(t, res.Valid, tenant)
		require.Equal(t, int64(perTenant), res.Checked, tenant)
	}
}

func TestLogEventRejectsIncompleteEntry(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.LogEvent(context.Background(), &Entry{TenantID: "t1"})
	require.Error(t, err)
}

func TestGetAuditLogNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, et := range []EventType{EventModuleEnabled, EventLimitWarning, EventLimitExceeded} {
		_, err := svc.LogEvent(ctx, NewEntry("t1", "attendance", et, nil))
		require.NoError(t, err)
	}

	entries, err := svc.GetAuditLog(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, EventLimitExceeded, entries[0].EventType)
	require.Equal(t, EventLimitWarning, entries[1].EventType)
}

func TestListAuditLogPages(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.LogEvent(ctx, NewEntry("t1", "payroll", EventLimitWarning, nil))
		require.NoError(t, err)
	}
	_, err := svc.LogEvent(ctx, NewEntry("t2", "payroll", EventLimitWarning, nil))
	require.NoError(t, err)

	var seen []int64
	p := pagination.Pagination{Limit: 2}
	for {
		page, info, err := svc.ListAuditLog(ctx, "t1", p)
		require.NoError(t, err)
		for _, e := range page {
			seen = append(seen, e.Sequence)
		}
		if !info.HasMore {
			break
		}
		p.Cursor = info.NextCursor
	}
	require.Equal(t, []int64{5, 4, 3, 2, 1}, seen)

	_, _, err = svc.ListAuditLog(ctx, "t1", pagination.Pagination{Cursor: "not-a-cursor!"})
	require.Error(t, err)
}

func TestGetAuditStatistics(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, et := range []EventType{EventLimitExceeded, EventLimitExceeded, EventModuleNotEnabled} {
		_, err := svc.LogEvent(ctx, NewEntry("t1", "payroll", et, nil))
		require.NoError(t, err)
	}
	_, err := svc.LogSecurityEvent(ctx, "t1", EventAccessDenied, map[string]interface{}{"ip": "10.0.0.1"})
	require.NoError(t, err)

	stats, err := svc.GetAuditStatistics(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(2), stats[EventLimitExceeded])
	require.Equal(t, int64(1), stats[EventModuleNotEnabled])
	require.Equal(t, int64(1), stats[EventAccessDenied])
}

func TestEntriesAreImmutable(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	e, err := svc.LogEvent(ctx, NewEntry("t1", "payroll", EventLimitExceeded, nil))
	require.NoError(t, err)

	err = db.Model(e).Update("event_type", string(EventModuleEnabled)).Error
	require.ErrorIs(t, err, ErrImmutable)

	err = db.Delete(e).Error
	require.ErrorIs(t, err, ErrImmutable)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.LogEvent(ctx, NewEntry("t1", "payroll", EventLimitWarning, map[string]interface{}{"percentage": 85 + i}))
		require.NoError(t, err)
	}

	res, err := svc.VerifyChain(ctx, "t1")
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, int64(3), res.Checked)

	// bypass model hooks the way a direct database edit would
	require.NoError(t, db.Exec("UPDATE audit_logs SET details = ? WHERE tenant_id = ? AND sequence = ?", `{"percentage":10}`, "t1", 2).Error)

	res, err = svc.VerifyChain(ctx, "t1")
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, int64(2), res.BrokenAt)
}

func TestVerifyChainDetectsRemovedEntry(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.LogEvent(ctx, NewEntry("t1", "", EventUsageReset, nil))
		require.NoError(t, err)
	}

	require.NoError(t, db.Exec("DELETE FROM audit_logs WHERE tenant_id = ? AND sequence = ?", "t1", 2).Error)

	res, err := svc.VerifyChain(ctx, "t1")
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, int64(3), res.BrokenAt)
}
