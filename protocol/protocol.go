// Package protocol implements the two RPC engines that run over a split stream.
//
// An Engine turns calls into request documents and response documents back
// into tagged results on the client side, and dispatches request documents to
// registered handlers on the server side:
//
//	client: EncodeRequest ─► stream ─► DecodeResponse ─► *message.Response
//	server: stream ─► DispatchRequest ─► handler ─► response document
//
// The JSON engine correlates responses by id. The XML engine has no ids and
// matches responses to calls in FIFO order, so at most one call may be
// outstanding.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"stream-rpc/message"
	"stream-rpc/middleware"
	"stream-rpc/split"
)

var (
	ErrNamedArgsUnsupported = errors.New("protocol: named arguments are not supported in this mode")
	ErrMixedArgs            = errors.New("protocol: named and positional arguments cannot be combined")
	ErrMalformedResponse    = errors.New("protocol: malformed response document")
	ErrUnexpectedResponse   = errors.New("protocol: response without a pending call")
)

// Handler is a registered RPC method. Exactly one of args and kwargs is
// non-empty for a given call. Returning a *message.Fault sends that fault
// verbatim; any other error is reported as an internal error.
type Handler func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// MethodNotFoundError is the dispatch result for an unregistered method.
type MethodNotFoundError struct {
	Method string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("method %q is not supported", e.Method)
}

// Engine is one wire encoding of the RPC protocol.
type Engine interface {
	// Format is the splitter format documents of this engine use.
	Format() split.Format
	// EncodeRequest renders a request and records it as pending.
	EncodeRequest(method string, args []any, kwargs map[string]any) ([]byte, error)
	// DecodeResponse completes the pending call a response document belongs to.
	// A nil response with a nil error means the document matched no pending
	// call and was dropped.
	DecodeResponse(doc []byte) (*message.Response, error)
	// DispatchRequest runs the request in doc and renders the reply. An error
	// means the document could not be handled at all and the connection is
	// no longer usable.
	DispatchRequest(ctx context.Context, doc []byte) ([]byte, error)
	// Register binds h to name, replacing any previous handler.
	Register(name string, h Handler)
	// Use appends middleware around handler dispatch.
	Use(mws ...middleware.Middleware)
	// Reset forgets every pending call.
	Reset()
}

// ForFormat returns a fresh engine for a detected stream format.
func ForFormat(format split.Format) (Engine, error) {
	switch format {
	case split.JSON:
		return NewJSONRPC(), nil
	case split.XML:
		return NewXMLRPC(), nil
	}
	return nil, fmt.Errorf("protocol: no engine for format %q", format)
}

// dispatcher holds the handler table shared by both engines.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	mws      []middleware.Middleware
	chain    middleware.HandlerFunc
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string]Handler)}
}

func (d *dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

func (d *dispatcher) Use(mws ...middleware.Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mws = append(d.mws, mws...)
	d.chain = nil
}

func (d *dispatcher) dispatch(ctx context.Context, req *message.Request) *message.Response {
	d.mu.Lock()
	if d.chain == nil {
		d.chain = middleware.Chain(d.mws...)(d.invoke)
	}
	chain := d.chain
	d.mu.Unlock()

	resp := chain(ctx, req)
	if resp == nil {
		return &message.Response{ID: req.ID, Err: fmt.Errorf("no response from %s", req.Method)}
	}
	return resp
}

func (d *dispatcher) invoke(ctx context.Context, req *message.Request) *message.Response {
	d.mu.RLock()
	h, ok := d.handlers[req.Method]
	d.mu.RUnlock()
	if !ok {
		return &message.Response{ID: req.ID, Err: &MethodNotFoundError{Method: req.Method}}
	}

	result, err := h(ctx, req.Args, req.Kwargs)
	if err != nil {
		return &message.Response{ID: req.ID, Err: err}
	}
	// Results are normalized here so that an unencodable value becomes an
	// internal error instead of a broken response document.
	v, err := message.Normalize(result)
	if err != nil {
		return &message.Response{ID: req.ID, Err: err}
	}
	return &message.Response{ID: req.ID, Result: v}
}

// faultText is the message sent for a fault, "#<code>" when it has none.
func faultText(f *message.Fault) string {
	if f.Message == "" {
		return fmt.Sprintf("#%d", f.Code)
	}
	return f.Message
}
