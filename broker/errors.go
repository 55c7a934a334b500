package broker

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

// ClosedError is returned from operations on a closed connection or session.
type ClosedError struct {
	What string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("%s is closed", e.What)
}

// NewClosedError creates a new ClosedError.
func NewClosedError(what string) *ClosedError {
	return &ClosedError{What: what}
}

// SessionBusyError is returned when Receive is called while a delivery is
// already in flight on the session.
type SessionBusyError struct{}

func (e *SessionBusyError) Error() string {
	return "session already has a delivery in flight"
}

// NewSessionBusyError creates a new SessionBusyError.
func NewSessionBusyError() *SessionBusyError {
	return &SessionBusyError{}
}

// RetriableError marks a transient broker failure: the caller should retry,
// typically with backoff. Wraps the underlying cause.
type RetriableError struct {
	Cause error
}

func (e *RetriableError) Error() string {
	return fmt.Sprintf("transient broker failure: %v", e.Cause)
}

func (e *RetriableError) Unwrap() error {
	return e.Cause
}

// NewRetriableError creates a new RetriableError.
func NewRetriableError(cause error) *RetriableError {
	return &RetriableError{Cause: cause}
}

// IsRetriable reports whether the error chain contains a RetriableError.
func IsRetriable(err error) bool {
	var re *RetriableError
	return errors.As(err, &re)
}
