// Package apierr defines structured error types for the API.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/maruel/marketbff/internal/blobstore"
	"github.com/maruel/marketbff/internal/records"
)

// Code identifies an error kind in responses.
type Code string

const (
	// CodeValidationFailed is returned when input data fails validation.
	CodeValidationFailed Code = "VALIDATION_FAILED"
	// CodeMissingField is returned when a required field is missing.
	CodeMissingField Code = "MISSING_FIELD"
	// CodeNotFound is returned when a record or collection is not found.
	CodeNotFound Code = "NOT_FOUND"
	// CodeConflict is returned when concurrent writers kept winning.
	CodeConflict Code = "CONFLICT"
	// CodeUnavailable is returned when the store could not be reached.
	CodeUnavailable Code = "STORE_UNAVAILABLE"
	// CodeUnauthorized is returned when the bearer token is missing.
	CodeUnauthorized Code = "UNAUTHORIZED"
	// CodeForbidden is returned when the bearer token does not match.
	CodeForbidden Code = "FORBIDDEN"
	// CodeTooManyRequests is returned when a client exceeds the rate limit.
	CodeTooManyRequests Code = "RATE_LIMITED"
	// CodeBodyTooLarge is returned when the request body exceeds the limit.
	CodeBodyTooLarge Code = "BODY_TOO_LARGE"
	// CodeNotImplemented is returned when the backend lacks a feature.
	CodeNotImplemented Code = "NOT_IMPLEMENTED"
	// CodeInternal is returned when an unexpected server error occurs.
	CodeInternal Code = "INTERNAL_ERROR"
)

// ErrorWithStatus is an error that includes an HTTP status code and error code.
type ErrorWithStatus interface {
	Error() string
	StatusCode() int
	Code() Code
	Details() map[string]any
}

// Error is a concrete error type with status code, code, and optional details.
type Error struct {
	statusCode int
	code       Code
	message    string
	details    map[string]any
	wrapped    error
}

// New returns an Error.
func New(statusCode int, code Code, message string) *Error {
	return &Error{statusCode: statusCode, code: code, message: message}
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrapped)
	}
	return e.message
}

// Message is the text shown to the client. It never includes the wrapped
// error, which may leak store internals.
func (e *Error) Message() string {
	return e.message
}

// StatusCode returns the HTTP status code.
func (e *Error) StatusCode() int {
	return e.statusCode
}

// Code returns the error code.
func (e *Error) Code() Code {
	return e.code
}

// Details returns additional error details.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// NotFound creates a 404 Not Found error.
func NotFound(resource string) *Error {
	return New(http.StatusNotFound, CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// BadRequest creates a 400 Bad Request error.
func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, CodeValidationFailed, message)
}

// MissingField creates a 400 Bad Request error for a missing field.
func MissingField(field string) *Error {
	return New(http.StatusBadRequest, CodeMissingField, fmt.Sprintf("Missing required field: %s", field)).WithDetail("field", field)
}

// Unauthorized creates a 401 error.
func Unauthorized() *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, "Missing bearer token")
}

// Forbidden creates a 403 error.
func Forbidden() *Error {
	return New(http.StatusForbidden, CodeForbidden, "Invalid token")
}

// TooManyRequests creates a 429 error.
func TooManyRequests(retryAfter time.Duration) *Error {
	return New(http.StatusTooManyRequests, CodeTooManyRequests, "Too many requests, slow down").
		WithDetail("retry_after_seconds", int(retryAfter.Round(time.Second)/time.Second))
}

// NotImplemented creates a 501 error.
func NotImplemented(feature string) *Error {
	return New(http.StatusNotImplemented, CodeNotImplemented, fmt.Sprintf("%s is not supported by this store", feature))
}

// Internal creates a 500 error.
func Internal(message string) *Error {
	return New(http.StatusInternalServerError, CodeInternal, message)
}

// FromError converts an error returned by the records layer into an API error.
// Errors that already carry a status are returned unchanged.
func FromError(err error) ErrorWithStatus {
	var ews ErrorWithStatus
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &ews):
		return ews
	case errors.Is(err, records.ErrRecordNotFound):
		return NotFound("Record").Wrap(err)
	case errors.Is(err, blobstore.ErrConflict):
		return New(http.StatusConflict, CodeConflict, "The data changed concurrently too many times, try again").Wrap(err)
	case errors.Is(err, blobstore.ErrUnavailable), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return New(http.StatusServiceUnavailable, CodeUnavailable, "Data store unavailable").Wrap(err)
	case errors.Is(err, errors.ErrUnsupported):
		return NotImplemented("History").Wrap(err)
	case errors.As(err, &mbe):
		return New(http.StatusRequestEntityTooLarge, CodeBodyTooLarge, fmt.Sprintf("Request body exceeds %d bytes", mbe.Limit)).Wrap(err)
	default:
		return Internal("Internal server error").Wrap(err)
	}
}
