package jsonapi

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrorBuilder builds an Error.
type ErrorBuilder struct {
	err Error
}

// NewError starts an error with status, machine code and title.
func NewError(status int, code, title string) *ErrorBuilder {
	return &ErrorBuilder{err: Error{
		Status: strconv.Itoa(status),
		Code:   code,
		Title:  title,
	}}
}

// Detail sets the human readable detail.
func (b *ErrorBuilder) Detail(detail string) *ErrorBuilder {
	b.err.Detail = detail
	return b
}

// Detailf sets a formatted detail.
func (b *ErrorBuilder) Detailf(format string, args ...any) *ErrorBuilder {
	b.err.Detail = fmt.Sprintf(format, args...)
	return b
}

// ID sets the error id, usually the request id.
func (b *ErrorBuilder) ID(id string) *ErrorBuilder {
	b.err.ID = id
	return b
}

// Pointer points at the offending body member, e.g. "/data/attributes/tenant_id".
func (b *ErrorBuilder) Pointer(pointer string) *ErrorBuilder {
	if b.err.Source == nil {
		b.err.Source = &ErrorSource{}
	}
	b.err.Source.Pointer = pointer
	return b
}

// Parameter names the offending query parameter.
func (b *ErrorBuilder) Parameter(param string) *ErrorBuilder {
	if b.err.Source == nil {
		b.err.Source = &ErrorSource{}
	}
	b.err.Source.Parameter = param
	return b
}

// Meta adds error metadata.
func (b *ErrorBuilder) Meta(key string, value any) *ErrorBuilder {
	if b.err.Meta == nil {
		b.err.Meta = make(Meta)
	}
	b.err.Meta[key] = value
	return b
}

// Build returns the error.
func (b *ErrorBuilder) Build() Error {
	return b.err
}

// StatusCode returns the HTTP status as an int, 0 if unset.
func (e Error) StatusCode() int {
	code, _ := strconv.Atoi(e.Status)
	return code
}

// ErrBadRequest is a 400 for an unreadable body.
func ErrBadRequest(detail string) Error {
	return NewError(400, "bad_request", "Bad Request").Detail(detail).Build()
}

// ErrPaymentRequired is a 402 for a billing rejection.
func ErrPaymentRequired(detail string) Error {
	return NewError(402, "payment_rejected", "Payment Required").Detail(detail).Build()
}

// ErrNotFound is a 404 for a missing resource.
func ErrNotFound(resourceType, id string) Error {
	return NewError(404, "not_found", "Not Found").
		Detailf("%s %q was not found", resourceType, id).
		Build()
}

// ErrMethodNotAllowed is a 405 listing the allowed methods.
func ErrMethodNotAllowed(method string, allowed []string) Error {
	b := NewError(405, "method_not_allowed", "Method Not Allowed").Meta("method", method)
	if len(allowed) == 0 {
		return b.Detailf("%s is not supported", method).Build()
	}
	return b.Detailf("%s is not supported. Use one of: %s", method, strings.Join(allowed, ", ")).
		Meta("allowed", allowed).
		Build()
}

// ErrConflict is a 409 for a command that does not apply in the current state.
func ErrConflict(detail string) Error {
	return NewError(409, "conflict", "Conflict").Detail(detail).Build()
}

// ErrUnsupportedMediaType is a 415 for a body that is not JSON.
func ErrUnsupportedMediaType(got string) Error {
	return NewError(415, "unsupported_media_type", "Unsupported Media Type").
		Detailf("content type %q is not supported; use %s", got, ContentType).
		Build()
}

// ErrValidation is a 422 for an invalid body member.
func ErrValidation(field, detail string) Error {
	b := NewError(422, "validation_error", "Validation Failed").Detail(detail)
	if field != "" {
		b.Pointer("/data/attributes/" + field)
	}
	return b.Build()
}

// ErrLocked is a 423 for a frozen resource.
func ErrLocked(detail string) Error {
	return NewError(423, "frozen", "Locked").Detail(detail).Build()
}

// ErrInternal is a 500.
func ErrInternal(detail string) Error {
	if detail == "" {
		detail = "An internal error occurred"
	}
	return NewError(500, "internal_error", "Internal Server Error").Detail(detail).Build()
}

// ErrServiceUnavailable is a 503 for a retryable failure.
func ErrServiceUnavailable(detail string) Error {
	if detail == "" {
		detail = "Service temporarily unavailable"
	}
	return NewError(503, "service_unavailable", "Service Unavailable").Detail(detail).Build()
}
