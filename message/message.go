// Package message defines the values exchanged between a stream client and server.
//
// A Request names a method and carries either positional or named arguments.
// A Response is a tagged result-or-error: exactly one of Result or Err is
// meaningful. Err is a *Fault when the remote side reported an application
// error, and any other error when the failure happened locally (a handler
// error that has not yet been converted into a wire fault).
//
//	client:  Request ──encode──► document ──► peer
//	server:  document ──decode──► Request ──handler──► Response ──encode──► document
package message

import (
	"errors"
	"fmt"
)

// Request carries one RPC invocation.
//
//   - Method may be dot-namespaced, e.g. "system.listMethods".
//   - Args and Kwargs are never both non-empty.
//   - ID is the JSON-RPC correlation id; it is nil for XML-RPC, which relies on ordering.
type Request struct {
	ID     any
	Method string
	Args   []any
	Kwargs map[string]any
}

// Response carries the outcome of one Request.
type Response struct {
	ID     any
	Result any
	Err    error
}

// Failed reports whether the response carries an error instead of a result.
func (r *Response) Failed() bool {
	return r.Err != nil
}

// Fault is an intentional application error that crosses the RPC boundary.
// It is distinct from connection and framing defects.
type Fault struct {
	Code    int
	Message string
}

// NewFault returns a Fault with the given code and message.
func NewFault(code int, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault %d: %s", f.Code, f.Message)
}

// AsFault returns the Fault carried by err, if any.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

var (
	// ErrNoResponse is returned by a client when the stream ended before a response arrived.
	ErrNoResponse = errors.New("message: did not receive a response")
	// ErrEndOfStream is returned by a server when the peer closed its side cleanly.
	ErrEndOfStream = errors.New("message: end of stream")
	// ErrCallInProgress is returned when a call is attempted while another one is awaiting its response.
	ErrCallInProgress = errors.New("message: call already in progress")
)

type temporary struct {
	err error
}

func (t *temporary) Error() string { return t.err.Error() }
func (t *temporary) Unwrap() error { return t.err }

// Temporary marks err as transient, allowing retry middleware to invoke the handler again.
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &temporary{err: err}
}

// IsTemporary reports whether err was marked with Temporary.
func IsTemporary(err error) bool {
	var t *temporary
	return errors.As(err, &t)
}
