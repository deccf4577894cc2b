// Package model contains the domain types shared by the event bus: the event
// envelope, the dead-letter and payload snapshot rows, and system event payloads.
package model

// tablePrefix is prepended to every relational table name.
const tablePrefix = "eventbus_"

// DomainError represents a domain-level business rule violation.
type DomainError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
}

func (e DomainError) Error() string {
	return e.Message
}

// Domain errors returned by model state transitions.
var (
	// ErrTerminalStatus indicates the entry is resolved or abandoned and can no longer change.
	ErrTerminalStatus = DomainError{Code: "TERMINAL_STATUS", Message: "Dead letter is already resolved or abandoned"}

	// ErrAlreadyRetrying indicates a retry is in flight for this entry.
	ErrAlreadyRetrying = DomainError{Code: "ALREADY_RETRYING", Message: "Dead letter retry already in progress"}

	// ErrAlreadyDeleted indicates the payload snapshot was soft-deleted before.
	ErrAlreadyDeleted = DomainError{Code: "ALREADY_DELETED", Message: "Payload entry already deleted"}
)
