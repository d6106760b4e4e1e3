package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	TenantHeader   = "X-Tenant-ID"
	tenantMetadata = "x-tenant-id"
)

type tenantKey struct{}

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFromContext returns the tenant set by TenantInterceptor or Tenant.
func TenantFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}

// TenantInterceptor copies the x-tenant-id metadata into the request context.
func TenantInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return handler(ctx, req)
		}
		if ids := md.Get(tenantMetadata); len(ids) > 0 && strings.TrimSpace(ids[0]) != "" {
			ctx = WithTenant(ctx, strings.TrimSpace(ids[0]))
		}
		return handler(ctx, req)
	}
}

// Tenant resolves the tenant from the X-Tenant-ID header.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(TenantHeader)); id != "" {
			c.Request = c.Request.WithContext(WithTenant(c.Request.Context(), id))
		}
		c.Next()
	}
}

// TenantAnnotator forwards X-Tenant-ID to gRPC handlers behind the gateway.
func TenantAnnotator(_ context.Context, req *http.Request) metadata.MD {
	md := metadata.New(nil)
	if id := strings.TrimSpace(req.Header.Get(TenantHeader)); id != "" {
		md.Set(tenantMetadata, id)
	}
	return md
}
