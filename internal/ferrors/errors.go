// Package ferrors defines the fastrpc engine's shared error taxonomy.
// Every concrete type here embeds BaseError and is grounded on
// github.com/cockroachdb/errors for stack traces and Is/As compatibility.
// file: internal/ferrors/errors.go
package ferrors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// BaseError is the common shape for every fastrpc error. WireName is the
// value that appears on the wire (in an ERROR frame's data.d.name) and in
// emitted error events; spec.md §7 requires these names be reproduced
// bit-for-bit, so WireName is never derived from the Go type name.
type BaseError struct {
	WireName string
	Category Category
	Message  string
	Cause    error
	Context  map[string]interface{}
}

// Error implements the standard error interface.
func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes Cause to errors.Is / errors.As.
func (e *BaseError) Unwrap() error {
	return e.Cause
}

// WithContext adds a key-value pair to the error's context, returning the
// receiver for chaining.
func (e *BaseError) WithContext(key string, value interface{}) *BaseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ProtocolError is FastProtocolError: decoder failures, unknown msgid,
// incomplete stream, bad error shape, unexpected end-of-stream. Fatal to
// the client engine (spec.md §4.2).
type ProtocolError struct {
	BaseError
	Code Code
}

// NewProtocolError builds a FastProtocolError carrying the given wire Code.
func NewProtocolError(code Code, message string, cause error) *ProtocolError {
	return &ProtocolError{
		BaseError: BaseError{
			WireName: "FastProtocolError",
			Category: CategoryProtocol,
			Message:  message,
			Cause:    errors.WithStack(cause),
		},
		Code: code,
	}
}

// TransportError wraps an underlying transport error or signals detach.
type TransportError struct {
	BaseError
}

// NewTransportError builds a TransportError.
func NewTransportError(message string, cause error) *TransportError {
	return &TransportError{
		BaseError: BaseError{
			WireName: "TransportError",
			Category: CategoryTransport,
			Message:  message,
			Cause:    errors.WithStack(cause),
		},
	}
}

// ServerError is FastServerError: the client-side wrapper around an ERROR
// frame received from the server. Name/Info/RemoteContext/AseErrors mirror
// the wire shape {name, message, info?, context?, ase_errors?} verbatim;
// AseErrors and the m.uts timestamp are preserved opaquely per spec.md §9's
// Open Question — this package never interprets them.
type ServerError struct {
	BaseError
	Name          string
	Info          map[string]interface{}
	RemoteContext map[string]interface{}
	AseErrors     interface{}
}

// NewServerError builds a FastServerError from a decoded ERROR frame payload.
func NewServerError(name, message string, info, remoteContext map[string]interface{}, aseErrors interface{}) *ServerError {
	return &ServerError{
		BaseError: BaseError{
			WireName: "FastServerError",
			Category: CategoryServer,
			Message:  fmt.Sprintf("server error: %s", message),
		},
		Name:          name,
		Info:          info,
		RemoteContext: remoteContext,
		AseErrors:     aseErrors,
	}
}

// RequestError is FastRequestError: the top-level error delivered to the
// caller of rpc(). Its Context always contains rpcMsgid and rpcMethod; for
// server errors it also merges the server-supplied info (spec.md §7).
type RequestError struct {
	BaseError
}

// Error returns Message alone: NewRequestError already folds the cause's
// text into Message, so appending Cause again would repeat it.
func (e *RequestError) Error() string {
	return e.Message
}

// NewRequestError wraps cause as the FastRequestError delivered to an rpc()
// caller, applying the message conventions of spec.md §7 verbatim.
func NewRequestError(msgid uint32, method string, cause error) *RequestError {
	var message string
	context := map[string]interface{}{
		"rpcMsgid":  msgid,
		"rpcMethod": method,
	}

	var serverErr *ServerError
	if errors.As(cause, &serverErr) {
		message = fmt.Sprintf("request failed: %s", serverErr.Error())
		for k, v := range serverErr.Info {
			context[k] = v
		}
	} else {
		reason := cause
		var abortedErr *AbortedError
		if errors.As(cause, &abortedErr) && abortedErr.Cause != nil {
			// A fatal fan-out abort reports the fatal error's own message.
			reason = abortedErr.Cause
		}
		message = fmt.Sprintf("request failed: %s", reason.Error())
	}

	return &RequestError{
		BaseError: BaseError{
			WireName: "FastRequestError",
			Category: CategoryRequest,
			Message:  message,
			Cause:    cause,
			Context:  context,
		},
	}
}

// AbortedError is RequestAbortedError: synthesized on abort(), or during
// the fatal fan-out.
type AbortedError struct {
	BaseError
}

// NewAbortedError builds a RequestAbortedError, optionally chained to cause
// (the fatal error that triggered a fatal fan-out abort).
func NewAbortedError(cause error) *AbortedError {
	msg := "request aborted"
	return &AbortedError{
		BaseError: BaseError{
			WireName: "RequestAbortedError",
			Category: CategoryRequest,
			Message:  msg,
			Cause:    cause,
		},
	}
}

// TimeoutError is synthesized when a per-request timer fires.
type TimeoutError struct {
	BaseError
}

// NewTimeoutError builds a TimeoutError.
func NewTimeoutError(message string) *TimeoutError {
	return &TimeoutError{
		BaseError: BaseError{
			WireName: "TimeoutError",
			Category: CategoryRequest,
			Message:  message,
		},
	}
}

// EncodeError signals that an outbound message could not be serialized.
type EncodeError struct {
	BaseError
}

// NewEncodeError builds an EncodeError.
func NewEncodeError(message string, cause error) *EncodeError {
	return &EncodeError{
		BaseError: BaseError{
			WireName: "EncodeError",
			Category: CategoryWire,
			Message:  message,
			Cause:    errors.WithStack(cause),
		},
	}
}

// New creates a stack-traced error with cockroachdb/errors, for call sites
// that don't need one of the typed errors above.
func New(message string) error { return errors.New(message) }

// Newf creates a formatted stack-traced error.
func Newf(format string, args ...interface{}) error { return errors.Newf(format, args...) }

// Wrap attaches message and a stack trace to cause.
func Wrap(cause error, message string) error { return errors.Wrap(cause, message) }

// Wrapf attaches a formatted message and a stack trace to cause.
func Wrapf(cause error, format string, args ...interface{}) error {
	return errors.Wrapf(cause, format, args...)
}

// WireData converts a fastrpc error into the {name,message,info,context}
// mapping an ERROR frame's data.d carries (spec.md §3, §4.3's fail()).
func WireData(err error) map[string]interface{} {
	name := "FastError"
	message := err.Error()
	data := map[string]interface{}{
		"name":    name,
		"message": message,
	}

	var base *BaseError
	if b, ok := extractBase(err); ok {
		base = b
		if base.WireName != "" {
			data["name"] = base.WireName
		}
	}
	if base != nil && len(base.Context) > 0 {
		data["context"] = base.Context
	}

	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		data["name"] = serverErr.Name
		if serverErr.Info != nil {
			data["info"] = serverErr.Info
		}
		if serverErr.RemoteContext != nil {
			data["context"] = serverErr.RemoteContext
		}
		if serverErr.AseErrors != nil {
			data["ase_errors"] = serverErr.AseErrors
		}
	}

	return data
}

// extractBase returns the *BaseError embedded in any of this package's
// concrete error types, if err is (or wraps) one of them.
func extractBase(err error) (*BaseError, bool) {
	type baseCarrier interface{ base() *BaseError }
	var bc baseCarrier
	if errors.As(err, &bc) {
		return bc.base(), true
	}
	return nil, false
}

func (e *ProtocolError) base() *BaseError  { return &e.BaseError }
func (e *TransportError) base() *BaseError { return &e.BaseError }
func (e *ServerError) base() *BaseError    { return &e.BaseError }
func (e *RequestError) base() *BaseError   { return &e.BaseError }
func (e *AbortedError) base() *BaseError   { return &e.BaseError }
func (e *TimeoutError) base() *BaseError   { return &e.BaseError }
func (e *EncodeError) base() *BaseError    { return &e.BaseError }
