package api

import (
	"net/http"
	"strconv"

	"smallbiznis-licensing/pkg/db/pagination"
	"smallbiznis-licensing/pkg/errutil"
	"smallbiznis-licensing/pkg/httpapi"
	"smallbiznis-licensing/pkg/middleware"
	"smallbiznis-licensing/services/audit"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/registry"
	"smallbiznis-licensing/services/usage"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("api",
	fx.Provide(httpapi.AsRoutes(NewHandler)),
)

// Handler exposes read-only license, usage and audit queries. Every non-core
// module gets a licensed, API-call metered group under /v1/modules/<key>.
type Handler struct {
	validator *license.Validator
	usage     *usage.Service
	registry  *registry.Registry
	audit     *audit.Service
}

type Params struct {
	fx.In

	Validator *license.Validator
	Usage     *usage.Service
	Registry  *registry.Registry
	Audit     *audit.Service
}

func NewHandler(p Params) *Handler {
	return &Handler{validator: p.Validator, usage: p.Usage, registry: p.Registry, audit: p.Audit}
}

func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.GET("/access/:module", h.access)
	v1.GET("/usage", h.tenantUsage)
	v1.GET("/usage/batch", h.batchStats)
	v1.GET("/dependencies/:module", h.dependencies)
	v1.GET("/audit", h.auditLog)

	for _, key := range h.registry.Keys() {
		if h.registry.IsCore(key) {
			continue
		}
		g := v1.Group("/modules/"+key,
			middleware.RequireModule(h.validator, key),
			middleware.MeterAPICalls(h.usage, key),
		)
		g.GET("/usage", h.moduleUsage(key))
		g.GET("/check", h.check(key))
	}
}

func tenant(c *gin.Context) (string, bool) {
	id := middleware.TenantFromContext(c.Request.Context())
	if id == "" {
		_ = c.Error(errutil.BadRequest("missing "+middleware.TenantHeader+" header", nil))
		return "", false
	}
	return id, true
}

func (h *Handler) access(c *gin.Context) {
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	res := h.validator.ValidateModuleAccess(c.Request.Context(), tenantID, c.Param("module"), license.ValidateOptions{
		SkipCache: c.Query("fresh") == "true",
	})
	code := http.StatusOK
	if !res.Valid {
		code = res.Error.Status().HTTPStatus()
	}
	c.JSON(code, res)
}

func (h *Handler) tenantUsage(c *gin.Context) {
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	reports, err := h.usage.GetTenantUsage(c.Request.Context(), tenantID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

func (h *Handler) batchStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.usage.GetBatchStats())
}

func (h *Handler) dependencies(c *gin.Context) {
	deps, err := h.registry.GetModuleDependencies(c.Param("module"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, deps)
}

type auditPage struct {
	Entries  []audit.Entry        `json:"entries"`
	PageInfo *pagination.PageInfo `json:"pageInfo"`
}

func (h *Handler) auditLog(c *gin.Context) {
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}
	if _, err := pagination.DecodeCursor(p.Cursor); err != nil {
		_ = c.Error(errutil.BadRequest("invalid cursor", err))
		return
	}

	entries, info, err := h.audit.ListAuditLog(c.Request.Context(), tenantID, p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, auditPage{Entries: entries, PageInfo: info})
}

func (h *Handler) moduleUsage(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, _ := tenant(c)
		report, err := h.usage.GetUsage(c.Request.Context(), tenantID, key)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func (h *Handler) check(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, _ := tenant(c)
		amount, err := strconv.ParseInt(c.DefaultQuery("amount", "1"), 10, 64)
		if err != nil {
			_ = c.Error(errutil.BadRequest("invalid check request", err, errutil.WithDetails(errutil.Detail{
				Field:   "amount",
				Message: "must be an integer",
			})))
			return
		}
		res := h.usage.CheckBeforeTrack(c.Request.Context(), tenantID, key, c.Query("type"), amount)
		code := http.StatusOK
		if res.Error != "" && res.Error != errutil.CodeLimitExceeded {
			code = res.Error.Status().HTTPStatus()
		}
		c.JSON(code, res)
	}
}
