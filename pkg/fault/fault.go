// Package fault defines the error taxonomy shared across the orchestration
// core and the single normalization boundary that converts arbitrary failure
// values into the wire error shape.
package fault

import "fmt"

// Error is a coded error. Components construct these at the point of failure
// so that shape-sniffing only ever happens once, in Normalize, for values
// that originate outside this module.
type Error struct {
	Code    string
	Message string
	Details map[string]interface{}
	cause   error
}

// New creates a coded error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping an underlying cause.
func Wrap(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetails attaches diagnostic details and returns the same error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// WithDetail attaches a single diagnostic detail and returns the same error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// IsCode reports whether err is a fault error with the given code.
func IsCode(err error, code string) bool {
	fe, ok := err.(*Error)
	if !ok {
		return false
	}
	return fe.Code == code
}

// StreamError is an error surfaced through an already-started event stream.
// The stream protocol carries errors as string fields rather than a protocol
// frame, so the flags are preserved verbatim for the transport.
type StreamError struct {
	Message string `json:"errorMessage"`
	Code    string `json:"errorCode,omitempty"`
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	return e.Message
}
