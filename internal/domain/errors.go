package domain

import (
	"errors"
	"fmt"
)

// Code categorizes errors crossing the unlock boundary.
type Code string

const (
	// CodeUnknownVertical indicates the vertical key is not registered.
	CodeUnknownVertical Code = "UNKNOWN_VERTICAL"

	// CodeInsufficientCredits indicates the balance cannot cover the charge.
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"

	// CodeStoreUnavailable indicates a transient storage or transport fault.
	// No partial charge or grant is visible after this error.
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"

	// CodeInvalidRequest indicates malformed input (empty id set, blank ids).
	CodeInvalidRequest Code = "INVALID_REQUEST"
)

// Known reports whether c is one of the domain codes above. Servers may
// answer with other codes (authentication, routing); those are not domain
// errors.
func (c Code) Known() bool {
	switch c {
	case CodeUnknownVertical, CodeInsufficientCredits, CodeStoreUnavailable, CodeInvalidRequest:
		return true
	}
	return false
}

// Error is the typed failure returned by stores, the unlock processor and
// the HTTP client.
type Error struct {
	Code     Code
	Message  string
	Vertical string
	Account  string

	// Details contains additional context (e.g. cost and balance).
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Vertical != "" {
		msg += fmt.Sprintf(" (vertical=%s)", e.Vertical)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may be resubmitted unchanged.
func (e *Error) Retryable() bool {
	return e.Code == CodeStoreUnavailable
}

// NewUnknownVertical creates an UNKNOWN_VERTICAL error.
func NewUnknownVertical(key string) *Error {
	return &Error{
		Code:     CodeUnknownVertical,
		Message:  "vertical not found",
		Vertical: key,
	}
}

// NewInsufficientCredits creates an INSUFFICIENT_CREDITS error.
func NewInsufficientCredits(account, vertical string, cost, balance int64) *Error {
	return &Error{
		Code:     CodeInsufficientCredits,
		Message:  fmt.Sprintf("unlock costs %d credits, balance is %d", cost, balance),
		Vertical: vertical,
		Account:  account,
		Details: map[string]string{
			"cost":    fmt.Sprintf("%d", cost),
			"balance": fmt.Sprintf("%d", balance),
		},
	}
}

// NewInvalidRequest creates an INVALID_REQUEST error.
func NewInvalidRequest(message string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: message}
}

// Unavailable wraps an infrastructure fault as STORE_UNAVAILABLE.
// Already-typed errors pass through unchanged.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Code: CodeStoreUnavailable, Message: op, Err: err}
}

// CodeOf returns the Code of err, or "" when err is not a *Error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsUnknownVertical returns true if err is an UNKNOWN_VERTICAL error.
func IsUnknownVertical(err error) bool {
	return CodeOf(err) == CodeUnknownVertical
}

// IsInsufficientCredits returns true if err is an INSUFFICIENT_CREDITS error.
func IsInsufficientCredits(err error) bool {
	return CodeOf(err) == CodeInsufficientCredits
}

// IsStoreUnavailable returns true if err is a STORE_UNAVAILABLE error.
func IsStoreUnavailable(err error) bool {
	return CodeOf(err) == CodeStoreUnavailable
}

// IsInvalidRequest returns true if err is an INVALID_REQUEST error.
func IsInvalidRequest(err error) bool {
	return CodeOf(err) == CodeInvalidRequest
}
