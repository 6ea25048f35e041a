// Package apperr carries the error kinds surfaced by the order and payment services.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kinds. Every *Error wraps exactly one of these so callers can branch with errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrExternal   = errors.New("external service error")
	ErrInternal   = errors.New("internal error")
)

// Stable machine-readable codes.
const (
	CodeNotFound                = "NOT_FOUND"
	CodeEmptyOrder              = "EMPTY_ORDER"
	CodeInvalidQuantity         = "INVALID_QUANTITY"
	CodeCrossSeller             = "CROSS_SELLER_VIOLATION"
	CodeInsufficientStock       = "INSUFFICIENT_STOCK"
	CodeInvalidTransition       = "INVALID_TRANSITION"
	CodeInvalidPaymentMethod    = "INVALID_PAYMENT_METHOD"
	CodeInvalidAmount           = "INVALID_AMOUNT"
	CodeIntentOrderMismatch     = "INTENT_ORDER_MISMATCH"
	CodePaymentAlreadyCompleted = "PAYMENT_ALREADY_COMPLETED"
	CodePaymentNotPending       = "PAYMENT_NOT_PENDING"
	CodeInvalidPaymentState     = "INVALID_PAYMENT_STATE"
	CodeConcurrentUpdate        = "CONCURRENT_UPDATE"
	CodeGateway                 = "GATEWAY_ERROR"
	CodeInternal                = "INTERNAL"
)

type Error struct {
	Kind    error
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Is matches the error kind, so errors.Is(err, ErrNotFound) works on any wrapped *Error.
func (e *Error) Is(target error) bool { return e.Kind == target }

func (e *Error) Unwrap() error { return e.Err }

func NotFound(resource, id string) *Error {
	return &Error{Kind: ErrNotFound, Code: CodeNotFound, Message: fmt.Sprintf("%s with ID %s not found", resource, id)}
}

func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Conflict(code, format string, args ...any) *Error {
	return &Error{Kind: ErrConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func External(message string, err error) *Error {
	return &Error{Kind: ErrExternal, Code: CodeGateway, Message: message, Err: err}
}

func Internal(message string, err error) *Error {
	return &Error{Kind: ErrInternal, Code: CodeInternal, Message: message, Err: err}
}

// CodeOf returns the code of the outermost *Error in the chain, or CodeInternal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// StatusCode maps an error to the HTTP status the API answers with.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrExternal):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage hides infrastructure detail of unclassified errors.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == ErrInternal {
			return e.Message
		}
		return e.Error()
	}
	return "internal error"
}
