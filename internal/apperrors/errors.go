// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
	ErrUpstream   = errors.New("upstream error")
	ErrInternal   = errors.New("internal error")
)

// Kind names a domain failure. Kinds survive into the job record as the
// failure reason, so their string values are stable.
type Kind string

// Error makes a Kind usable as an errors.Is() target.
func (k Kind) Error() string {
	return string(k)
}

// Domain failure kinds.
const (
	AmbiguousTarget        Kind = "AmbiguousTarget"
	UnsupportedTarget      Kind = "UnsupportedTarget"
	MissingVersion         Kind = "MissingVersion"
	DeviceStateUnavailable Kind = "DeviceStateUnavailable"
	ExternalAPI            Kind = "ExternalAPI"
	ExternalJobFailed      Kind = "ExternalJobFailed"
	ExecutionTimeout       Kind = "ExecutionTimeout"
	StaleCallback          Kind = "StaleCallback"
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Kind     Kind   // Domain kind, empty for plain class errors
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "upgradePath")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "nrfcloud.submit")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and, when set, the kind and cause.
func (e *Error) Unwrap() []error {
	errs := []error{e.Sentinel}
	if e.Kind != "" {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Forbidden creates an error for a caller that does not own the resource.
func Forbidden(resource, reason string) error {
	return &Error{
		Sentinel: ErrForbidden,
		Message:  reason,
		Resource: resource,
	}
}

// Upstream creates an error for a failed call to an external system.
func Upstream(op string, cause error) error {
	return &Error{
		Sentinel: ErrUpstream,
		Kind:     ExternalAPI,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Domain creates an error of the given class carrying a domain kind.
func Domain(sentinel error, kind Kind, message string) error {
	return &Error{
		Sentinel: sentinel,
		Kind:     kind,
		Message:  message,
	}
}

// KindOf returns the domain kind carried by err, or "" if none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind != "" {
		return appErr.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}
