package errutil

import "fmt"

// Detail points a validation failure at one input field.
type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// BaseError is a transport-level failure that carries no licensing code:
// malformed requests, missing tenant headers, bad cursors.
type BaseError struct {
	Code    CoreStatus `json:"code"`
	Message string     `json:"message"`
	Details []Detail   `json:"details,omitempty"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus { return e.Code }

func (e BaseError) JSON() interface{} {
	body := map[string]interface{}{
		"code":    e.Code,
		"message": e.messageWithErr(),
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	return map[string]interface{}{"error": body}
}

func (e BaseError) Unwrap() error { return e.Err }

func (e BaseError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.messageWithErr())
}

func (e BaseError) messageWithErr() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = append(be.Details, details...) }
}

func New(code CoreStatus, message string, err error, opts ...Option) error {
	be := BaseError{Code: code, Message: message, Err: err}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func BadRequest(msg string, err error, opts ...Option) error {
	return New(StatusBadRequest, msg, err, opts...)
}

func NotFound(msg string, err error, opts ...Option) error {
	return New(StatusNotFound, msg, err, opts...)
}
