package middleware

import (
	"context"
	"net/http"
	"time"

	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/services/audit"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/usage"

	"github.com/gin-gonic/gin"
)

const LicenseContextKey = "license"

type ModuleValidator interface {
	ValidateModuleAccess(ctx context.Context, tenantID, moduleKey string, opts license.ValidateOptions) *license.ValidationResult
}

type UsageTracker interface {
	TrackUsage(ctx context.Context, tenantID, moduleKey, usageType string, amount int64, opts usage.TrackOptions) *usage.TrackResult
}

type denial struct {
	Error     errutil.Code `json:"error"`
	Reason    string       `json:"reason"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
}

func requestInfo(c *gin.Context) audit.RequestInfo {
	return audit.RequestInfo{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

// RequireModule rejects requests whose tenant has no valid license for
// moduleKey. The license context of admitted requests is stored under
// LicenseContextKey.
func RequireModule(v ModuleValidator, moduleKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := TenantFromContext(c.Request.Context())
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, errutil.BaseError{
				Code:    errutil.StatusBadRequest,
				Message: "missing " + TenantHeader + " header",
			}.JSON())
			return
		}

		res := v.ValidateModuleAccess(c.Request.Context(), tenantID, moduleKey, license.ValidateOptions{
			Request: requestInfo(c),
		})
		if !res.Valid {
			c.AbortWithStatusJSON(res.Error.Status().HTTPStatus(), denial{
				Error:     res.Error,
				Reason:    res.Reason,
				ExpiresAt: res.ExpiresAt,
			})
			return
		}

		if res.License != nil {
			c.Set(LicenseContextKey, res.License)
		}
		c.Next()
	}
}

// MeterAPICalls counts one apiCalls unit per successful request. Calls are
// queued for the next batch flush.
func MeterAPICalls(t UsageTracker, moduleKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest {
			return
		}
		tenantID := TenantFromContext(c.Request.Context())
		if tenantID == "" {
			return
		}
		t.TrackUsage(c.Request.Context(), tenantID, moduleKey, string(license.UsageAPICalls), 1, usage.TrackOptions{
			Request: requestInfo(c),
		})
	}
}
