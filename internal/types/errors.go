package types

import "fmt"

// ProtocolError is raised when bytes read from an adapter do not form a
// recognizable reply frame. The line is resynchronized, never torn down.
type ProtocolError struct {
	Alias string
	Raw   []byte
	Msg   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %s: %s (raw % X)", e.Alias, e.Msg, e.Raw)
}

// TransportError is raised on open/read/write failure of a serial line. The
// owning adapter transitions to Degraded and the event loop schedules a
// bounded-backoff reopen.
type TransportError struct {
	Alias string
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s during %s: %v", e.Alias, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError rejects out-of-range operands before they reach the codec.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// ClientProtocolError covers malformed JSON or an unknown type/mode from an
// IPC client. Connection-scoped: other clients and adapters are unaffected.
type ClientProtocolError struct {
	Msg string
}

func (e *ClientProtocolError) Error() string { return e.Msg }

// Error codes used in structured IPC and HTTP replies.
const (
	CodeValidationError     = "validation_error"
	CodeTransportError      = "transport_error"
	CodeClientProtocolError = "client_protocol_error"
	CodeUnknownAlias        = "unknown_alias"
)
