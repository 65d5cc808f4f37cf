// Package hyperr defines the error taxonomy shared by every layer of the
// hypervisor control plane: wire codec, operation catalog, process
// supervisor, driver, and pool.
package hyperr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error without requiring callers to match on type.
type Kind string

const (
	// KindValidation means a configuration value failed an invariant
	// before any I/O was attempted.
	KindValidation Kind = "validation"

	// KindLaunch means the VMM (or jailer) child process failed to spawn.
	KindLaunch Kind = "launch"

	// KindUnhealthy means the control socket never appeared, or the
	// first ping against it failed, within the launch timeout.
	KindUnhealthy Kind = "unhealthy"

	// KindRequest means an I/O failure occurred on the control socket:
	// timeout, connection closed, or a malformed response.
	KindRequest Kind = "request"

	// KindProtocolFault means the VMM answered with a non-success
	// status; Message carries its fault_message verbatim.
	KindProtocolFault Kind = "protocol_fault"

	// KindBadState means the operation is not permitted in the driver's
	// current state.
	KindBadState Kind = "bad_state"

	// KindStorage means a persistence operation failed.
	KindStorage Kind = "storage"

	// KindCancelled means cooperative cancellation was observed.
	KindCancelled Kind = "cancelled"

	// KindFatal means an invariant was violated; the driver transitions
	// to Failure.
	KindFatal Kind = "fatal"
)

// Subkinds of KindRequest, surfaced via Error.Sub.
const (
	SubTimeout           = "timeout"
	SubConnectionClosed  = "connection_closed"
	SubMalformedResponse = "malformed_response"
)

// Error is the concrete error type returned across package boundaries in
// this module. State, when non-empty, is the driver's MicroVMStatus at
// the time the error was raised, attached without further wrapping.
type Error struct {
	Kind    Kind
	Sub     string
	State   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.State != "" && e.Err != nil:
		return fmt.Sprintf("%s (state=%s): %v", e.Message, e.State, e.Err)
	case e.State != "":
		return fmt.Sprintf("%s (state=%s)", e.Message, e.State)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithState attaches the current state to an error, per the Driver's
// policy of surfacing errors without wrapping except to note the state
// the error occurred in.
func (e *Error) WithState(state string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.State = state
	return &cp
}

// WithSub attaches a request subkind.
func (e *Error) WithSub(sub string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Sub = sub
	return &cp
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
