// Package apperr defines the typed rejections returned by escrow operations.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers and the transport layer.
type Code string

const (
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeAlreadyActive      Code = "ALREADY_ACTIVE"
	CodeAlreadyReviewed    Code = "ALREADY_REVIEWED"
	CodeSignatureInvalid   Code = "SIGNATURE_INVALID"
	CodeGateway            Code = "GATEWAY_ERROR"
	CodeConflict           Code = "CONFLICT"
	CodeInternal           Code = "INTERNAL"
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrUnauthenticated    = &Error{Code: CodeUnauthenticated, Message: "caller identity required"}
	ErrPermissionDenied   = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrInvalidArgument    = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "not found"}
	ErrFailedPrecondition = &Error{Code: CodeFailedPrecondition, Message: "failed precondition"}
	ErrAlreadyExists      = &Error{Code: CodeAlreadyExists, Message: "already exists"}
	ErrAlreadyActive      = &Error{Code: CodeAlreadyActive, Message: "already active"}
	ErrAlreadyReviewed    = &Error{Code: CodeAlreadyReviewed, Message: "already reviewed"}
	ErrSignatureInvalid   = &Error{Code: CodeSignatureInvalid, Message: "signature invalid"}
	ErrGateway            = &Error{Code: CodeGateway, Message: "payment gateway error"}
	ErrConflict           = &Error{Code: CodeConflict, Message: "concurrent modification"}
)

// Error is a classified error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates an error with the given code and formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func PermissionDenied(format string, args ...interface{}) *Error {
	return New(CodePermissionDenied, format, args...)
}

func InvalidArgument(format string, args ...interface{}) *Error {
	return New(CodeInvalidArgument, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(CodeNotFound, format, args...)
}

func FailedPrecondition(format string, args ...interface{}) *Error {
	return New(CodeFailedPrecondition, format, args...)
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
