// Package errorkind defines the taxonomy of errors the code-mode core can
// surface and a lightweight wrapping type carrying a stable Kind alongside
// the usual Go error chain.
package errorkind

import (
	"errors"
	"fmt"
)

// Kind is a stable taxon for errors raised by the core. It is not a type name:
// multiple packages raise the same Kind for analogous failures.
type Kind string

const (
	// BadSchema indicates a tool's input or output schema could not be
	// rendered into a signature (unresolved refs, cycles).
	BadSchema Kind = "bad_schema"
	// Conflict indicates a duplicate namespace or duplicate tool name.
	Conflict Kind = "conflict"
	// TransportFailure indicates a remote server connect/list failed.
	TransportFailure Kind = "transport_failure"
	// MissingCallbacks indicates execute was called with unbound callback slots.
	MissingCallbacks Kind = "missing_callbacks"
	// Transpile indicates caller code failed to transpile.
	Transpile Kind = "transpile"
	// TypeCheck indicates caller code failed relevant type checks.
	TypeCheck Kind = "type_check"
	// Runtime indicates the sandbox engine evaluation or event loop errored.
	Runtime Kind = "runtime"
	// CallbackError indicates a downstream host callback rejected.
	CallbackError Kind = "callback_error"
	// Timeout indicates a callback deadline elapsed.
	Timeout Kind = "timeout"
	// InvalidSession indicates an unknown session id.
	InvalidSession Kind = "invalid_session"
	// PeerBusy indicates a session already has a WebSocket peer.
	PeerBusy Kind = "peer_busy"
	// Internal indicates an unexpected control-plane failure.
	Internal Kind = "internal"
)

// TransportCause further classifies a TransportFailure.
type TransportCause string

const (
	// CauseTimedOut indicates the remote server did not respond in time.
	CauseTimedOut TransportCause = "timed_out"
	// CauseAuthRequired indicates the server requires authentication that was not supplied.
	CauseAuthRequired TransportCause = "auth_required"
	// CauseInvalidAuth indicates supplied authentication was rejected.
	CauseInvalidAuth TransportCause = "invalid_auth"
	// CausePeerError indicates the remote peer returned a protocol-level error.
	CausePeerError TransportCause = "peer_error"
)

// Error wraps an underlying error with a stable Kind and optional structured
// detail, following the same "attach metadata to a plain Go error" idiom the
// teacher's toolregistry package uses for field issues.
type Error struct {
	Kind    Kind
	Cause   TransportCause // only meaningful when Kind == TransportFailure
	Field   string         // only meaningful when Kind == BadSchema
	Name    string         // offending namespace/tool name, when applicable
	Message string
	Err     error

	// RetryHint is set only when Kind == CallbackError and the rejecting
	// callback exposed structured field issues; nil otherwise.
	RetryHint *RetryHint
}

// WithRetryHint attaches hint to e and returns e, for chaining at the call
// site that builds a CallbackError.
func (e *Error) WithRetryHint(hint *RetryHint) *Error {
	e.RetryHint = hint
	return e
}

// New constructs an *Error of the given Kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given Kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the wrapped error to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target carries the same Kind, so callers can write
// errors.Is(err, errorkind.New(errorkind.Timeout, "")) style checks, or more
// commonly use KindOf below.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. Returns ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Kind, true
}
