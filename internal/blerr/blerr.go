// Package blerr defines the error kinds reported by the GATT scheduler and the
// adapter power coordinator.
package blerr

import (
	"errors"
	"fmt"
)

// Kind identifies the failure category of an Error.
type Kind string

const (
	NotFound             Kind = "not_found"
	Busy                 Kind = "busy"
	OperationRejected    Kind = "operation_rejected"
	StackFailure         Kind = "stack_failure"
	PowerOnFailed        Kind = "power_on_failed"
	PowerOnCanceled      Kind = "power_on_canceled"
	AdapterControlFailed Kind = "adapter_control_failed"
	ConnectionClosed     Kind = "connection_closed"
)

// Error is a categorized failure. Code carries the raw radio status for
// StackFailure and PowerOnFailed and is zero otherwise. Err is the driver
// error behind it, if any.
type Error struct {
	Kind Kind
	Op   string
	Code int
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Kind == StackFailure || e.Kind == PowerOnFailed {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Code)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying driver error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound             = &Error{Kind: NotFound}
	ErrBusy                 = &Error{Kind: Busy}
	ErrOperationRejected    = &Error{Kind: OperationRejected}
	ErrStackFailure         = &Error{Kind: StackFailure}
	ErrPowerOnFailed        = &Error{Kind: PowerOnFailed}
	ErrPowerOnCanceled      = &Error{Kind: PowerOnCanceled}
	ErrAdapterControlFailed = &Error{Kind: AdapterControlFailed}
	ErrConnectionClosed     = &Error{Kind: ConnectionClosed}
)

// New creates an Error of the given kind for op.
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind for op around a driver error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// HandleNotFound reports an unknown or retired handle.
func HandleNotFound(resource string, handle int) *Error {
	return &Error{Kind: NotFound, Op: resource, Msg: fmt.Sprintf("handle %d", handle)}
}

// Rejected reports that the radio refused to start op; no completion will follow.
func Rejected(op string) *Error {
	return &Error{Kind: OperationRejected, Op: op}
}

// Failure wraps a non-success radio status verbatim.
func Failure(op string, code int) *Error {
	return &Error{Kind: StackFailure, Op: op, Code: code}
}

// Closed reports an operation abandoned because its connection was closed.
func Closed(op string) *Error {
	return &Error{Kind: ConnectionClosed, Op: op}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the radio status carried by err, or 0.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
