// Package moderr defines the error taxonomy shared by every core
// subsystem of the module SDK.
package moderr

import "fmt"

// Kind discriminates the broad error family, mirroring the taxonomy in
// the spec: fatal bootstrap errors, per-operation errors surfaced to
// callers, and errors reserved for external collaborators.
type Kind string

const (
	KindBootstrap        Kind = "bootstrap"
	KindHandshake        Kind = "handshake"
	KindConfig           Kind = "config"
	KindSecret           Kind = "secret"
	KindTypedSecret      Kind = "typed_secret"
	KindConnection       Kind = "connection"
	KindConnectionTO     Kind = "connection_timeout"
	KindConnectionClosed Kind = "connection_closed"
	KindConnectionFailed Kind = "connection_failed"
	KindReconnectFailed  Kind = "reconnection_failed"
	KindInvalidConfig    Kind = "invalid_config"
	KindJSONSerial       Kind = "json_serialization"
	KindBinaryConversion Kind = "binary_conversion"
	KindBinaryDecoding   Kind = "binary_decoding"
	KindUnsupportedFmt   Kind = "unsupported_format"
	KindNoContent        Kind = "no_content"
	KindInvalidFormat    Kind = "invalid_format"
	KindMessage          Kind = "message"
	KindIPC              Kind = "ipc"
	KindRegistration     Kind = "registration"
	KindServiceDiscovery Kind = "service_discovery"
	KindDatabase         Kind = "database"
	KindCache            Kind = "cache"
	KindHTTP             Kind = "http"
	KindAuth             Kind = "auth"
)

// Error is the concrete error type for every kind above. It always
// carries a message and optionally wraps an underlying cause, so
// callers can use errors.Is/errors.As against the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error wrapping cause, or returns nil if cause is nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind, unwrapping through
// any wrapped *Error chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Cause
			continue
		}
		break
	}
	return false
}
