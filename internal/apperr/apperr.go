// Package apperr defines the error kinds surfaced to clients.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for client-facing reporting. Kinds are stable
// strings; the socket layer sends them verbatim in *:error payloads.
type Kind string

const (
	KindInvalidArgument        Kind = "InvalidArgument"
	KindNotFound               Kind = "NotFound"
	KindConflict               Kind = "Conflict"
	KindMultiplexerUnavailable Kind = "MultiplexerUnavailable"
	KindGatewayUnavailable     Kind = "GatewayUnavailable"
	KindGatewayStartFailed     Kind = "GatewayStartFailed"
	KindTunnelStartFailed      Kind = "TunnelStartFailed"
	KindNoFreePort             Kind = "NoFreePort"
	KindUpstreamUnreachable    Kind = "UpstreamUnreachable"
	KindUnauthorized           Kind = "Unauthorized"
	KindInternal               Kind = "Internal"
)

// Error carries a kind, a short human-readable message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with a kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error with a kind and a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client-safe message for err. Unclassified errors get
// a generic message so internals never leak to the browser.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
