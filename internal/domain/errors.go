// Package domain defines core entities, ports, and domain-specific errors.
package domain

import "errors"

// Error taxonomy (sentinels). Handlers and the worker spine classify
// failures by wrapping one of these with fmt.Errorf("...: %w", ErrX).
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrMissingRecord     = errors.New("missing parent record")
	ErrAuthorization     = errors.New("authorization failed")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrInternal          = errors.New("internal error")
)

// FailureCategory is the canonical DLQ/error taxonomy from spec.md §7.
type FailureCategory string

// Failure categories.
const (
	CategoryValidation    FailureCategory = "validation"
	CategoryMissingRecord FailureCategory = "missing_record"
	CategoryAuthorization FailureCategory = "authorization"
	CategoryNotFound      FailureCategory = "not_found"
	CategoryRateLimit     FailureCategory = "rate_limit"
	CategoryTimeout       FailureCategory = "timeout"
	CategoryNetwork       FailureCategory = "network"
	CategoryConnection    FailureCategory = "connection"
	CategoryTransient     FailureCategory = "transient"
	CategoryServerError   FailureCategory = "server_error"
	CategoryDatabaseError FailureCategory = "database_error"
	CategoryUnknown       FailureCategory = "unknown"
)

// Retryable reports whether the framework should leave the message unacked
// (true) or route it straight to the DLQ (false), per spec.md §4.7's
// retry-policy table.
func (c FailureCategory) Retryable() bool {
	switch c {
	case CategoryValidation, CategoryAuthorization, CategoryNotFound, CategoryMissingRecord, CategoryDatabaseError:
		return false
	default:
		return true
	}
}

// Classify maps an error to a FailureCategory by walking its sentinel
// chain; an error that wraps none of this package's sentinels is
// CategoryUnknown. retry.Classify layers HTTP-status and timeout
// classification on top of this function.
func Classify(err error) FailureCategory {
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.Is(err, ErrSchemaInvalid), errors.Is(err, ErrInvalidArgument):
		return CategoryValidation
	case errors.Is(err, ErrMissingRecord):
		return CategoryMissingRecord
	case errors.Is(err, ErrAuthorization):
		return CategoryAuthorization
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamRateLimit):
		return CategoryRateLimit
	case errors.Is(err, ErrUpstreamTimeout):
		return CategoryTimeout
	case errors.Is(err, ErrCircuitOpen):
		return CategoryTransient
	case errors.Is(err, ErrConflict):
		return CategoryDatabaseError
	default:
		return CategoryUnknown
	}
}
