// Package apperr defines the canonical error kinds shared by the pipeline,
// providers and HTTP layer.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindConflict           Kind = "conflict"
	KindRateLimited        Kind = "rate_limited"
	KindExternalAPI        Kind = "external_api"
	KindServiceUnavailable Kind = "service_unavailable"
	KindRetryable          Kind = "retryable"
	KindFatal              Kind = "fatal"
	KindCircuitOpen        Kind = "circuit_open"
	KindInternal           Kind = "internal"
)

// Stable error codes returned to clients and stored in job metadata.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeIllegalTransition  = "ILLEGAL_TRANSITION"
	CodeRateLimited        = "RATE_LIMITED"
	CodeExternalAPI        = "EXTERNAL_API_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeRetryable          = "RETRYABLE"
	CodeFatal              = "FATAL"
	CodeCircuitOpen        = "CIRCUIT_OPEN"
	CodeInternal           = "INTERNAL_ERROR"
	CodeAudioTooLarge      = "AUDIO_TOO_LARGE"
	CodeNoCredits          = "NO_CREDITS"
	CodeBadRequest         = "BAD_REQUEST"
	CodeAnalysisFormat     = "ANALYSIS_FORMAT_ERROR"
	CodeDownload           = "DOWNLOAD_ERROR"
	CodeUnsupportedFormat  = "UNSUPPORTED_FORMAT"
	CodeTimeout            = "TIMEOUT"
)

// Error is the canonical error. Operational errors are expected failures
// (bad input, vendor outage) and are safe to surface; non-operational ones are
// programmer errors and are reported opaquely in production.
type Error struct {
	Kind        Kind           `json:"-"`
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Operational bool           `json:"-"`
	Retryable   bool           `json:"-"`
	RetryAfter  time.Duration  `json:"-"`
	Status      int            `json:"-"`
	Err         error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code mapped to the error kind.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation, KindFatal:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindExternalAPI:
		return http.StatusBadGateway
	case KindServiceUnavailable, KindCircuitOpen, KindRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithDetail returns e with key set in Details.
func (e *Error) WithDetail(key string, v any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = v
	return e
}

// WithCause returns e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	e.Err = cause
	return e
}

func newError(kind Kind, code, msg string, retryable bool) *Error {
	return &Error{
		Kind:        kind,
		Code:        code,
		Message:     msg,
		Timestamp:   time.Now().UTC(),
		Operational: true,
		Retryable:   retryable,
	}
}

func Validation(msg string) *Error {
	return newError(KindValidation, CodeValidation, msg, false)
}

func NotFound(resource, id string) *Error {
	return newError(KindNotFound, CodeNotFound, fmt.Sprintf("%s not found", resource), false).
		WithDetail("id", id)
}

func Unauthorized(msg string) *Error {
	return newError(KindUnauthorized, CodeUnauthorized, msg, false)
}

func Forbidden(msg string) *Error {
	return newError(KindForbidden, CodeForbidden, msg, false)
}

func Conflict(code, msg string) *Error {
	return newError(KindConflict, code, msg, false)
}

// RateLimited is retryable; retryAfter may be zero when the vendor gave no hint.
func RateLimited(msg string, retryAfter time.Duration) *Error {
	e := newError(KindRateLimited, CodeRateLimited, msg, true)
	e.RetryAfter = retryAfter
	if retryAfter > 0 {
		e.WithDetail("retry_after_ms", retryAfter.Milliseconds())
	}
	return e
}

// ExternalAPI describes a vendor failure. retryable decides queue behaviour.
func ExternalAPI(provider string, status int, msg string, retryable bool) *Error {
	e := newError(KindExternalAPI, CodeExternalAPI, msg, retryable)
	e.WithDetail("provider", provider)
	if status > 0 {
		e.WithDetail("status", status)
	}
	return e
}

func Unavailable(msg string) *Error {
	return newError(KindServiceUnavailable, CodeServiceUnavailable, msg, true)
}

func Retryable(msg string, cause error) *Error {
	return newError(KindRetryable, CodeRetryable, msg, true).WithCause(cause)
}

func Fatal(code, msg string, cause error) *Error {
	if code == "" {
		code = CodeFatal
	}
	return newError(KindFatal, code, msg, false).WithCause(cause)
}

func CircuitOpen(name string) *Error {
	return newError(KindCircuitOpen, CodeCircuitOpen, fmt.Sprintf("circuit open for %s", name), true).
		WithDetail("breaker", name)
}

// Internal wraps a programmer error.
func Internal(cause error) *Error {
	e := newError(KindInternal, CodeInternal, "internal error", false)
	e.Operational = false
	e.Err = cause
	return e
}

// As extracts the canonical error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// From returns err as a canonical error, wrapping unknown errors as Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	if IsTimeout(err) {
		return Retryable("operation timed out", err)
	}
	return Internal(err)
}

// IsRetryable reports whether the queue should reschedule the job.
// Unclassified errors are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return true
}

// IsFatal reports whether err must move the job to the failed bin immediately.
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}

// IsTimeout reports deadline and network timeouts.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// HasCode reports whether err carries the given stable code.
func HasCode(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// RetryAfterOf returns the vendor retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	if e, ok := As(err); ok {
		return e.RetryAfter
	}
	return 0
}
