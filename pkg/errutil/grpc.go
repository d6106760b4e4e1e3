package errutil

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain tags ErrorInfo details attached to licensing errors.
const ErrorDomain = "licensing.smallbiznis"

func (s CoreStatus) GRPCCode() codes.Code {
	switch s {
	case StatusUnauthorized:
		return codes.Unauthenticated
	case StatusForbidden:
		return codes.PermissionDenied
	case StatusNotFound:
		return codes.NotFound
	case StatusTimeout:
		return codes.DeadlineExceeded
	case StatusUnprocessableEntity:
		return codes.FailedPrecondition
	case StatusBadRequest, StatusValidationFailed:
		return codes.InvalidArgument
	case StatusConflict:
		return codes.AlreadyExists
	case StatusTooManyRequests:
		return codes.ResourceExhausted
	case StatusServiceUnavailable:
		return codes.Unavailable
	case StatusInternal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// ToGRPCError converts err into a gRPC status. Licensing codes travel as an
// ErrorInfo detail (reason = code, metadata["modules"] = comma list) so
// clients can recover them with CodeFromStatus.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		info := &errdetails.ErrorInfo{Reason: string(coded.Code), Domain: ErrorDomain}
		if len(coded.Modules) > 0 {
			info.Metadata = map[string]string{"modules": strings.Join(coded.Modules, ",")}
		}
		st, derr := status.New(coded.Status().GRPCCode(), coded.Error()).WithDetails(info)
		if derr != nil {
			return status.Error(coded.Status().GRPCCode(), coded.Error())
		}
		return st.Err()
	}

	var base BaseError
	if errors.As(err, &base) {
		return status.Error(base.Code.GRPCCode(), base.messageWithErr())
	}
	return status.Error(codes.Internal, err.Error())
}

// CodeFromStatus extracts the licensing code and module list from a status
// produced by ToGRPCError.
func CodeFromStatus(err error) (Code, []string) {
	st, ok := status.FromError(err)
	if !ok {
		return "", nil
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		var modules []string
		if m := info.GetMetadata()["modules"]; m != "" {
			modules = strings.Split(m, ",")
		}
		return Code(info.GetReason()), modules
	}
	return "", nil
}
