// Package wire defines the JSON request/reply contract exchanged over the
// router/dealer sockets: instructions, responses, blueprints and broadcast
// frames.
package wire

import "fmt"

// ErrorKind tags the structured errors that may appear on the wire.
type ErrorKind string

// Server-side error kinds (spec.md #7). Timeout and Disconnected are
// client-only and never cross the wire.
const (
	KindProtocol          ErrorKind = "ProtocolError"
	KindNotFound          ErrorKind = "NotFound"
	KindValidation        ErrorKind = "Validation"
	KindUnsupported       ErrorKind = "Unsupported"
	KindInstrumentFailure ErrorKind = "InstrumentFailure"
	KindInternal          ErrorKind = "Internal"

	// KindTimeout and KindDisconnected are raised only by the client
	// runtime; a handler must never return them.
	KindTimeout      ErrorKind = "Timeout"
	KindDisconnected ErrorKind = "Disconnected"
)

// ServerError is a structured error carrying a wire-level kind tag. It is
// the only error type dispatcher handlers may return; any other error
// is translated to KindInternal or KindInstrumentFailure before it reaches
// the wire; a panic raised while the dispatcher handles an instruction is
// recovered and reported as KindInstrumentFailure.
type ServerError struct {
	Kind    ErrorKind
	Message string
}

func (e *ServerError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// NewError constructs a ServerError with the given kind and message.
func NewError(kind ErrorKind, message string) *ServerError {
	return &ServerError{Kind: kind, Message: message}
}

// Protocolf builds a ProtocolError.
func Protocolf(format string, args ...any) *ServerError {
	return NewError(KindProtocol, fmt.Sprintf(format, args...))
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *ServerError {
	return NewError(KindNotFound, fmt.Sprintf(format, args...))
}

// Validationf builds a Validation error.
func Validationf(format string, args ...any) *ServerError {
	return NewError(KindValidation, fmt.Sprintf(format, args...))
}

// Unsupportedf builds an Unsupported error.
func Unsupportedf(format string, args ...any) *ServerError {
	return NewError(KindUnsupported, fmt.Sprintf(format, args...))
}

// InstrumentFailuref builds an InstrumentFailure error, used to wrap a
// driver-raised error without leaking its concrete type across the wire.
func InstrumentFailuref(format string, args ...any) *ServerError {
	return NewError(KindInstrumentFailure, fmt.Sprintf(format, args...))
}

// Internalf builds an Internal error, reserved for dispatcher bugs.
func Internalf(format string, args ...any) *ServerError {
	return NewError(KindInternal, fmt.Sprintf(format, args...))
}

// Timeoutf builds a client-only Timeout error.
func Timeoutf(format string, args ...any) *ServerError {
	return NewError(KindTimeout, fmt.Sprintf(format, args...))
}

// Disconnectedf builds a client-only Disconnected error.
func Disconnectedf(format string, args ...any) *ServerError {
	return NewError(KindDisconnected, fmt.Sprintf(format, args...))
}

// AsServerError extracts a *ServerError from err, wrapping it as
// KindInstrumentFailure if it is some other error type.
func AsServerError(err error) *ServerError {
	if err == nil {
		return nil
	}
	if se, ok := err.(*ServerError); ok {
		return se
	}
	return InstrumentFailuref("%s", err.Error())
}
