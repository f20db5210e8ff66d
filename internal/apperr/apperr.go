// Package apperr defines the marketplace error taxonomy.
//
// Domain outcomes (a lost inventory race, a malformed field, a policy
// violation) are returned as *Error values carrying a Code. Infrastructure
// failures stay ordinary wrapped errors.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeValidation         Code = "VALIDATION"
	CodeConflict           Code = "CONFLICT"
	CodeSelfPurchase       Code = "SELF_PURCHASE"
	CodeInvalidOperation   Code = "INVALID_OPERATION"
	CodeInsufficientPoints Code = "INSUFFICIENT_POINTS"
	CodeNotFound           Code = "NOT_FOUND"
	CodeForbidden          Code = "FORBIDDEN"
	CodePaymentFailed      Code = "PAYMENT_FAILED"
)

// HTTPStatus maps a code to the response status the API uses for it.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeSelfPurchase, CodeInvalidOperation, CodeInsufficientPoints:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodePaymentFailed:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// Error is a domain error with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // User-facing message
	Metadata map[string]string // Offending field, item id, ...
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is checks. Only the Code is compared.
var (
	ErrValidation         = &Error{Code: CodeValidation}
	ErrConflict           = &Error{Code: CodeConflict}
	ErrSelfPurchase       = &Error{Code: CodeSelfPurchase}
	ErrInvalidOperation   = &Error{Code: CodeInvalidOperation}
	ErrInsufficientPoints = &Error{Code: CodeInsufficientPoints}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrForbidden          = &Error{Code: CodeForbidden}
	ErrPaymentFailed      = &Error{Code: CodePaymentFailed}
)

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Validation reports a malformed input field.
func Validation(field, message string) *Error {
	return &Error{
		Code:     CodeValidation,
		Message:  message,
		Metadata: map[string]string{"field": field},
	}
}

// Conflict reports that an item is no longer available.
func Conflict(itemID int64, message string) *Error {
	return &Error{
		Code:     CodeConflict,
		Message:  message,
		Metadata: map[string]string{"item_id": fmt.Sprint(itemID)},
	}
}

// NotFound reports a missing record of the given kind.
func NotFound(kind string) *Error {
	return &Error{Code: CodeNotFound, Message: kind + " not found"}
}

// As extracts a domain error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the domain code of err, or "" for infrastructure errors.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}
