package sip

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	errContainsSeparator  = errors.New("sip: watcher id element contains ':'")
	errMalformedWatcherID = errors.New("sip: malformed watcher id")
)

// Error is a validation/protocol failure that maps directly onto a SIP
// response: Code and Reason become the status line, Headers are merged
// into the response headers (e.g. Allow-Event, Accept). Service methods
// return *Error rather than panicking; it wraps a lower-level cause with
// cockroachdb/errors when one exists.
type Error struct {
	Code    int
	Reason  string
	Headers map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("sip: %d %s: %s", e.Code, e.Reason, e.cause)
	}
	return fmt.Sprintf("sip: %d %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(code int, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

func wrapError(code int, reason string, cause error) *Error {
	return &Error{Code: code, Reason: reason, cause: errors.Wrap(cause, reason)}
}

func (e *Error) withHeader(name, value string) *Error {
	if e.Headers == nil {
		e.Headers = map[string]string{}
	}
	e.Headers[name] = value
	return e
}

// Response renders e as the *Response a caller's handler loop sends.
func (e *Error) Response() *Response {
	return &Response{Status: e.Code, Reason: e.Reason, Headers: e.Headers}
}
