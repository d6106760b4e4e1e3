package middleware

import (
	"context"
	"errors"
	"net/http"

	"smallbiznis-licensing/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Error renders the last handler error. Coded licensing errors and
// errutil.BaseError carry their own status; anything else is a 500.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var base errutil.BaseError
		if errors.As(last.Err, &base) {
			c.JSON(base.Code.HTTPStatus(), base.JSON())
			return
		}

		var coded *errutil.CodedError
		if errors.As(last.Err, &coded) {
			c.JSON(coded.Status().HTTPStatus(), coded.JSON())
			return
		}

		zap.L().Error("unhandled request error", zap.String("path", c.FullPath()), zap.Error(last.Err))
		c.JSON(http.StatusInternalServerError, errutil.BaseError{
			Code:    errutil.StatusInternal,
			Message: "internal error",
		}.JSON())
	}
}

// ErrorInterceptor converts handler errors into gRPC statuses, keeping the
// licensing code as an ErrorInfo detail.
func ErrorInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			return resp, errutil.ToGRPCError(err)
		}
		return resp, nil
	}
}
