package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error code.
//
// Codes are part of the external API contract: HTTP handlers map them to
// status codes and clients switch on them. Internal detail (wrapped errors,
// stack context) never leaves the process outside debug logging.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConnNotReady      Code = "CONNECTION_NOT_READY"
	CodeCredentialExpired Code = "CREDENTIAL_EXPIRED"
	CodeRateLimited       Code = "RATE_LIMIT_EXCEEDED"
	CodeQueuePaused       Code = "QUEUE_PAUSED"
	CodeTransientSend     Code = "TRANSIENT_SEND_ERROR"
	CodePermanentSend     Code = "PERMANENT_SEND_ERROR"
	CodeAutomation        Code = "AUTOMATION_CLIENT_ERROR"
	CodeStorage           Code = "STORAGE_ERROR"
	CodeConfiguration     Code = "CONFIGURATION_ERROR"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error carries a stable code plus a caller-safe message.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two *Error values by code, so errors.Is(err, apperr.New(CodeX, ...))
// style comparisons work without identity.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// CodeOf extracts the stable code from any error chain.
// Unknown errors report CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the caller-safe message of the error chain.
// Unknown errors collapse to a generic message (no internal detail leaks).
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a code to its transport status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeCredentialExpired:
		return http.StatusGone
	case CodeConnNotReady, CodeQueuePaused:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTransientSend, CodePermanentSend, CodeAutomation, CodeStorage:
		return http.StatusBadGateway
	case CodeConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
