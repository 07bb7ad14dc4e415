package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for common connection and delivery error conditions.
var (
	// ErrConnClosed is returned when a write is attempted on a closed connection.
	ErrConnClosed = errors.New("server: connection closed")

	// ErrManagerClosed is returned when an operation is attempted after shutdown.
	ErrManagerClosed = errors.New("server: manager closed")
)

// UnknownActionError reports an inbound action for which neither a
// target-prefix handler nor an action-id handler is registered.
type UnknownActionError struct {
	ActionID string
	Target   string
}

// Error returns the error message naming what was attempted.
func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("server: no handler for action %q (target %q)", e.ActionID, e.Target)
}

// DispatchError wraps a failure raised by a registered action handler, as
// opposed to a routing miss. The client sees why an action failed to
// complete versus why it was never dispatched.
type DispatchError struct {
	ActionID string
	Target   string
	Err      error
}

// Error returns the error message with action context.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("server: handler for action %q failed: %v", e.ActionID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// PanicError wraps a panic recovered at a frame boundary so it can be
// reported as a protocol error instead of tearing down the connection.
type PanicError struct {
	Op    string
	Value any
	Stack []byte
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("server: panic in %s: %v", e.Op, e.Value)
}
