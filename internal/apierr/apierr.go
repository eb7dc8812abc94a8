// Package apierr defines the closed set of API-facing error kinds as a
// chainable error type compatible with errors.Is/As.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of error kinds surfaced to clients.
type Kind string

const (
	KindInvalidArgument Kind = "invalid_argument"
	KindUnauthorized    Kind = "unauthorized"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindUnavailable     Kind = "unavailable"
	KindRateLimited     Kind = "rate_limited"
	KindInternal        Kind = "internal"
)

// httpStatus maps each kind to its HTTP status code.
var httpStatus = map[Kind]int{
	KindInvalidArgument: http.StatusBadRequest,
	KindUnauthorized:    http.StatusUnauthorized,
	KindForbidden:       http.StatusForbidden,
	KindNotFound:        http.StatusNotFound,
	KindConflict:        http.StatusConflict,
	KindUnavailable:     http.StatusNotImplemented,
	KindRateLimited:     http.StatusTooManyRequests,
	KindInternal:        http.StatusInternalServerError,
}

// FieldError is a single field-level validation failure.
type FieldError struct {
	Path   string `json:"path"`
	Detail string `json:"detail"`
}

// Error is a structured, chainable API error. It implements error and
// Unwrap so errors.Is/As work across wrapped causes, in the shape of a
// ToolError chain.
type Error struct {
	Kind   Kind
	Detail string
	Errors []FieldError
	Cause  error
}

// New constructs an Error of the given kind with a detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf formats detail according to a format specifier.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WithFieldErrors attaches machine-readable field-level validation errors.
func (e *Error) WithFieldErrors(errs ...FieldError) *Error {
	e.Errors = append(e.Errors, errs...)
	return e
}

// WithCause wraps an underlying error, preserving it for errors.Is/As.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" && e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Detail
}

// Unwrap returns the underlying cause, if any, so errors.Is/As traverse the
// chain.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Status returns the HTTP status code for the error's kind.
func (e *Error) Status() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Problem is the wire shape returned to clients: a problem-details-like
// envelope with type/title/status/detail/errors.
type Problem struct {
	Type   string       `json:"type"`
	Title  string       `json:"title"`
	Status int          `json:"status"`
	Detail string       `json:"detail,omitempty"`
	Errors []FieldError `json:"errors,omitempty"`
}

// ToProblem converts any error into a Problem, classifying unrecognized
// errors as internal.
func ToProblem(err error) Problem {
	var ae *Error
	if errors.As(err, &ae) {
		return Problem{
			Type:   "about:blank",
			Title:  string(ae.Kind),
			Status: ae.Status(),
			Detail: ae.Detail,
			Errors: ae.Errors,
		}
	}
	return Problem{
		Type:   "about:blank",
		Title:  string(KindInternal),
		Status: http.StatusInternalServerError,
		Detail: "internal error",
	}
}

// WriteHTTP writes the error as a JSON problem-details body with the
// appropriate status code.
func WriteHTTP(w http.ResponseWriter, err error) {
	p := ToProblem(err)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// Is reports whether err is an *Error with the given kind. Convenience for
// call sites that just need a kind check rather than full errors.As.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}
