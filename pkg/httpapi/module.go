package httpapi

import (
	"net/http"

	"smallbiznis-licensing/pkg/health"
	"smallbiznis-licensing/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewServeMux,
		NewEngine,
		func(e *gin.Engine) http.Handler { return e },
	),
)

// NewServeMux is the grpc-gateway mux; gateway handlers registered on it are
// served for every path the engine does not route itself.
func NewServeMux() *runtime.ServeMux {
	return runtime.NewServeMux(
		runtime.WithMetadata(middleware.TenantAnnotator),
	)
}

type EngineParams struct {
	fx.In
	Health  *health.Checker
	Gateway *runtime.ServeMux
	Routes  []Routes `group:"routes"`
}

// Routes registers handlers on the engine.
type Routes interface {
	Register(r gin.IRouter)
}

func NewEngine(p EngineParams) *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery(), middleware.Error(), middleware.Tenant())

	e.GET("/healthz", p.Health.Liveness)
	e.GET("/readyz", p.Health.Readiness)
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))

	for _, r := range p.Routes {
		r.Register(e)
	}

	e.NoRoute(gin.WrapH(p.Gateway))
	return e
}

// AsRoutes annotates a constructor so its result joins the engine's routes.
func AsRoutes(f any) any {
	return fx.Annotate(f, fx.As(new(Routes)), fx.ResultTags(`group:"routes"`))
}
