package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/usage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type fakeValidator struct {
	result *license.ValidationResult
	tenant string
	module string
	ip     string
}

func (f *fakeValidator) ValidateModuleAccess(_ context.Context, tenantID, moduleKey string, opts license.ValidateOptions) *license.ValidationResult {
	f.tenant, f.module, f.ip = tenantID, moduleKey, opts.Request.IP
	return f.result
}

type fakeTracker struct {
	calls []string
}

func (f *fakeTracker) TrackUsage(_ context.Context, tenantID, moduleKey, usageType string, amount int64, opts usage.TrackOptions) *usage.TrackResult {
	f.calls = append(f.calls, tenantID+"/"+moduleKey+"/"+usageType)
	return &usage.TrackResult{Success: true, Tracked: true, Batched: !opts.Immediate}
}

func newEngine(v ModuleValidator, t UsageTracker, status int) *gin.Engine {
	r := gin.New()
	r.Use(Tenant())
	r.GET("/payroll", RequireModule(v, "payroll"), MeterAPICalls(t, "payroll"), func(c *gin.Context) {
		_, ok := c.Get(LicenseContextKey)
		c.JSON(status, gin.H{"licensed": ok})
	})
	return r
}

func do(r http.Handler, tenant string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/payroll", nil)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireModuleAdmits(t *testing.T) {
	v := &fakeValidator{result: &license.ValidationResult{Valid: true, License: &license.LicenseContext{TenantID: "t1"}}}
	tr := &fakeTracker{}

	w := do(newEngine(v, tr, http.StatusOK), "t1")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"licensed":true}`, w.Body.String())
	require.Equal(t, "t1", v.tenant)
	require.Equal(t, "payroll", v.module)
	require.NotEmpty(t, v.ip)
	require.Equal(t, []string{"t1/payroll/apiCalls"}, tr.calls)
}

func TestRequireModuleRejects(t *testing.T) {
	exp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		result *license.ValidationResult
		status int
	}{
		{"expired", &license.ValidationResult{Error: errutil.CodeLicenseExpired, Reason: "expired", ExpiresAt: &exp}, http.StatusForbidden},
		{"not found", &license.ValidationResult{Error: errutil.CodeLicenseNotFound}, http.StatusNotFound},
		{"store down", &license.ValidationResult{Error: errutil.CodeStoreUnavailable}, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &fakeTracker{}
			w := do(newEngine(&fakeValidator{result: tc.result}, tr, http.StatusOK), "t1")
			require.Equal(t, tc.status, w.Code)

			var body denial
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			require.Equal(t, tc.result.Error, body.Error)
			require.Empty(t, tr.calls)
		})
	}
}

func TestRequireModuleNeedsTenant(t *testing.T) {
	v := &fakeValidator{result: &license.ValidationResult{Valid: true}}

	w := do(newEngine(v, &fakeTracker{}, http.StatusOK), "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, v.tenant)
}

func TestMeterAPICallsSkipsFailedRequests(t *testing.T) {
	v := &fakeValidator{result: &license.ValidationResult{Valid: true}}
	tr := &fakeTracker{}

	w := do(newEngine(v, tr, http.StatusUnprocessableEntity), "t1")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Empty(t, tr.calls)
}

func TestErrorRendersCodedErrors(t *testing.T) {
	r := gin.New()
	r.Use(Error())
	r.GET("/coded", func(c *gin.Context) {
		_ = c.Error(errutil.NewCoded(errutil.CodeModuleHasDependents, "module attendance is required", "payroll"))
	})
	r.GET("/base", func(c *gin.Context) {
		_ = c.Error(errutil.NotFound("tenant not found", nil))
	})
	r.GET("/plain", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})

	for path, status := range map[string]int{
		"/coded": http.StatusUnprocessableEntity,
		"/base":  http.StatusNotFound,
		"/plain": http.StatusInternalServerError,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, status, w.Code, path)
	}
}

func TestTenantInterceptor(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-tenant-id", " t9 "))

	var got string
	_, err := TenantInterceptor()(ctx, nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, _ interface{}) (interface{}, error) {
		got = TenantFromContext(ctx)
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, "t9", got)
}

func TestTenantAnnotator(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "t1")

	md := TenantAnnotator(context.Background(), req)
	require.Equal(t, []string{"t1"}, md.Get("x-tenant-id"))
}

func TestErrorInterceptor(t *testing.T) {
	_, err := ErrorInterceptor()(context.Background(), nil, &grpc.UnaryServerInfo{}, func(context.Context, interface{}) (interface{}, error) {
		return nil, errutil.NewCoded(errutil.CodeModuleNotEnabled, "module payroll is not enabled")
	})
	code, _ := errutil.CodeFromStatus(err)
	require.Equal(t, errutil.CodeModuleNotEnabled, code)

	resp, err := ErrorInterceptor()(context.Background(), nil, &grpc.UnaryServerInfo{}, func(context.Context, interface{}) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
}
