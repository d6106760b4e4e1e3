package errutil

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a licensing decision or failure kind.
type Code string

const (
	CodeLicenseNotFound         Code = "LICENSE_NOT_FOUND"
	CodeLicenseSuspended        Code = "LICENSE_SUSPENDED"
	CodeLicenseExpired          Code = "LICENSE_EXPIRED"
	CodeModuleNotEnabled        Code = "MODULE_NOT_ENABLED"
	CodeModuleNotFound          Code = "MODULE_NOT_FOUND"
	CodeModuleDependencyMissing Code = "MODULE_DEPENDENCY_MISSING"
	CodeModuleHasDependents     Code = "MODULE_HAS_DEPENDENTS"
	CodeInvalidOperation        Code = "INVALID_OPERATION"
	CodeInvalidUsageType        Code = "INVALID_USAGE_TYPE"
	CodeInvalidAmount           Code = "INVALID_AMOUNT"
	CodeLimitExceeded           Code = "LIMIT_EXCEEDED"
	CodeStoreUnavailable        Code = "STORE_UNAVAILABLE"
	CodeCyclicDependency        Code = "CYCLIC_DEPENDENCY"
)

// Status maps a Code to the transport status used by ToGRPCError and the
// HTTP error middleware.
func (c Code) Status() CoreStatus {
	switch c {
	case CodeLicenseNotFound, CodeModuleNotFound:
		return StatusNotFound
	case CodeLicenseSuspended, CodeLicenseExpired, CodeModuleNotEnabled:
		return StatusForbidden
	case CodeModuleDependencyMissing, CodeModuleHasDependents, CodeInvalidOperation:
		return StatusUnprocessableEntity
	case CodeInvalidUsageType, CodeInvalidAmount:
		return StatusBadRequest
	case CodeLimitExceeded:
		return StatusTooManyRequests
	case CodeStoreUnavailable:
		return StatusServiceUnavailable
	case CodeCyclicDependency:
		return StatusInternal
	default:
		return StatusUnknown
	}
}

// CodedError is returned by administrative operations. Modules carries the
// module keys relevant to the failure (missing dependencies, dependents).
type CodedError struct {
	Code    Code     `json:"code"`
	Message string   `json:"message"`
	Modules []string `json:"modules,omitempty"`
	Err     error    `json:"-"`
}

func (e *CodedError) Error() string {
	msg := e.Message
	if len(e.Modules) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(e.Modules, ", "))
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

func (e *CodedError) Status() CoreStatus {
	return e.Code.Status()
}

func (e *CodedError) JSON() interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    e.Code,
			"message": e.Message,
			"modules": e.Modules,
		},
	}
}

func NewCoded(code Code, message string, modules ...string) *CodedError {
	return &CodedError{Code: code, Message: message, Modules: modules}
}

func WrapCoded(code Code, message string, err error) *CodedError {
	return &CodedError{Code: code, Message: message, Err: err}
}

// CodeOf returns the Code carried by err, or "" when err is not coded.
func CodeOf(err error) Code {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
