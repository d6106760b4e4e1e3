package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gogo/status"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

var Module = fx.Module("health",
	fx.Provide(ProvideHealth),
	fx.Invoke(registerGRPC),
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"

	pingTimeout = 2 * time.Second
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps,omitempty"`
}

// Pinger is a readiness dependency.
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

type Checker struct {
	deps []Pinger
}

type HealthParams struct {
	fx.In
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
}

func ProvideHealth(p HealthParams) *Checker {
	var deps []Pinger
	if p.DB != nil {
		deps = append(deps, DB(p.DB))
	}
	if p.Redis != nil {
		deps = append(deps, Redis(p.Redis))
	}
	return New(deps...)
}

func New(deps ...Pinger) *Checker {
	return &Checker{deps: deps}
}

// Check pings every dependency and reports the overall state.
func (h *Checker) Check(ctx context.Context) *Health {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	out := &Health{Status: statusHealthy, Message: "OK", Deps: make([]Dependency, 0, len(h.deps))}
	for _, d := range h.deps {
		dep := Dependency{Name: d.Name(), Status: statusHealthy, Message: "OK"}
		if err := d.Ping(ctx); err != nil {
			dep.Status = statusUnhealthy
			dep.Message = err.Error()
			out.Status = statusUnhealthy
			out.Message = "dependency unavailable"
		}
		out.Deps = append(out.Deps, dep)
	}
	return out
}

func (h *Checker) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{Status: statusHealthy, Message: "OK"})
}

func (h *Checker) Readiness(c *gin.Context) {
	res := h.Check(c.Request.Context())
	code := http.StatusOK
	if res.Status != statusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, res)
}

type grpcHealth struct {
	grpc_health_v1.UnimplementedHealthServer
	checker *Checker
}

func (g *grpcHealth) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if res := g.checker.Check(ctx); res.Status != statusHealthy {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

func (g *grpcHealth) Watch(req *grpc_health_v1.HealthCheckRequest, srv grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watch is not supported")
}

// GRPC adapts the checker to the standard gRPC health service.
func (h *Checker) GRPC() grpc_health_v1.HealthServer {
	return &grpcHealth{checker: h}
}

type grpcParams struct {
	fx.In
	Server  *grpc.Server `optional:"true"`
	Checker *Checker
}

func registerGRPC(p grpcParams) {
	if p.Server == nil {
		return
	}
	grpc_health_v1.RegisterHealthServer(p.Server, p.Checker.GRPC())
}

type dbPinger struct{ db *gorm.DB }

func DB(db *gorm.DB) Pinger { return dbPinger{db: db} }

func (p dbPinger) Name() string { return "database:" + p.db.Name() }

func (p dbPinger) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

type redisPinger struct{ rdb *redis.Client }

func Redis(rdb *redis.Client) Pinger { return redisPinger{rdb: rdb} }

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
