package eventbus

import (
	"errors"
	"fmt"
)

// Error represents an event bus error with categorization.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes for event bus operations.
const (
	// ErrCodeNoData indicates no data was found.
	ErrCodeNoData = "NO_DATA"

	// ErrCodeValidation indicates a payload failed schema validation.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeConfiguration indicates invalid configuration.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// ErrCodeDatabase indicates database operation failed.
	ErrCodeDatabase = "DATABASE_ERROR"

	// ErrCodeConnection indicates the log could not be reached within the retry budget.
	ErrCodeConnection = "CONNECTION_ERROR"

	// ErrCodeNotConnected indicates an operation before Connect succeeded.
	ErrCodeNotConnected = "NOT_CONNECTED"

	// ErrCodeClosed indicates an operation on a bus that is shutting down.
	ErrCodeClosed = "CLOSED"

	// ErrCodeRouting indicates no stream could be inferred for a subscription pattern.
	ErrCodeRouting = "ROUTING_ERROR"

	// ErrCodeParse indicates a malformed envelope.
	ErrCodeParse = "PARSE_ERROR"

	// ErrCodeHandler indicates a handler returned an error or panicked.
	ErrCodeHandler = "HANDLER_ERROR"
)

// Common errors.
var (
	// ErrNoData is returned when a query returns no results.
	// This is not necessarily an error condition in all cases.
	ErrNoData = &Error{
		Code:    ErrCodeNoData,
		Message: "no data found",
	}

	// ErrNotConnected is returned by publish and subscribe calls before Connect.
	ErrNotConnected = &Error{
		Code:    ErrCodeNotConnected,
		Message: "event bus is not connected",
	}

	// ErrClosed is returned once Close has been called.
	ErrClosed = &Error{
		Code:    ErrCodeClosed,
		Message: "event bus is closed",
	}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error wrapping an underlying error.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// IsNoData checks if an error is ErrNoData.
func IsNoData(err error) bool {
	return IsCode(err, ErrCodeNoData)
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var busErr *Error
	if errors.As(err, &busErr) {
		return busErr.Code == code
	}
	return false
}
