// Package client implements the synchronous stream RPC client.
//
// A Client owns one transport.Stream and one protocol.Engine. Every call
// writes one request, then blocks until the stream yields exactly one
// response document:
//
//	Idle ──Invoke──► AwaitingResponse ──document──► Idle
//
// There is no pipelining; a second call while one is awaiting its response
// fails with message.ErrCallInProgress.
package client

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stream-rpc/message"
	"stream-rpc/protocol"
	"stream-rpc/split"
	"stream-rpc/transport"
)

type Client struct {
	stream  *transport.Stream
	engine  protocol.Engine
	split   *split.Splitter
	maxSize int
	logger  zerolog.Logger

	mu   sync.Mutex
	busy bool
}

type Option func(*Client)

// WithLogger sets the logger calls are traced to.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMaxDocumentSize caps the size of a response document.
func WithMaxDocumentSize(n int) Option {
	return func(c *Client) {
		c.maxSize = n
	}
}

// New returns a client speaking engine over stream. The client owns the stream.
func New(stream *transport.Stream, engine protocol.Engine, opts ...Option) *Client {
	c := &Client{
		stream: stream,
		engine: engine,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("conn", uuid.NewString()).Str("protocol", string(engine.Format())).Logger()
	c.split = split.New(stream, engine.Format(), split.WithMaxSize(c.maxSize))
	return c
}

// NewJSON returns a JSON-RPC 2.0 client.
func NewJSON(stream *transport.Stream, opts ...Option) *Client {
	return New(stream, protocol.NewJSONRPC(), opts...)
}

// NewXML returns an XML-RPC client.
func NewXML(stream *transport.Stream, opts ...Option) *Client {
	return New(stream, protocol.NewXMLRPC(), opts...)
}

// Invoke performs one call. A remote fault is returned as a *message.Fault.
// Framing and I/O failures close the client; a fault or a caller error
// leaves it usable.
func (c *Client) Invoke(method string, args []any, kwargs map[string]any) (any, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, message.ErrCallInProgress
	}
	if c.stream.Closed() {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	c.logger.Trace().Str("method", method).Msg("call")

	req, err := c.engine.EncodeRequest(method, args, kwargs)
	if err != nil {
		return nil, err
	}
	if _, err := c.stream.Write(req); err != nil {
		return nil, c.fail(fmt.Errorf("client: write %s: %w", method, err))
	}
	if err := c.stream.Flush(); err != nil {
		return nil, c.fail(fmt.Errorf("client: flush %s: %w", method, err))
	}

	doc, err := c.split.Next()
	if errors.Is(err, io.EOF) {
		return nil, c.fail(message.ErrNoResponse)
	}
	if err != nil {
		return nil, c.fail(fmt.Errorf("client: read response to %s: %w", method, err))
	}

	resp, err := c.engine.DecodeResponse(doc)
	if err != nil {
		return nil, c.fail(err)
	}
	if resp == nil {
		c.engine.Reset()
		c.logger.Debug().Str("method", method).Msg("dropped response with unknown id")
		return nil, message.ErrNoResponse
	}

	c.logger.Trace().Str("method", method).Bool("fault", resp.Failed()).Msg("response")
	return resp.Result, resp.Err
}

// Call invokes method with positional arguments.
func (c *Client) Call(method string, args ...any) (any, error) {
	return c.Invoke(method, args, nil)
}

// CallNamed invokes method with named arguments.
func (c *Client) CallNamed(method string, kwargs map[string]any) (any, error) {
	return c.Invoke(method, nil, kwargs)
}

// Method starts a method name builder rooted at name.
func (c *Client) Method(name string) *Method {
	return NewMethod(c, name)
}

// Close closes the underlying stream.
func (c *Client) Close() error {
	return c.stream.Close()
}

// Closed reports whether the client can no longer be used.
func (c *Client) Closed() bool {
	return c.stream.Closed()
}

func (c *Client) fail(err error) error {
	c.engine.Reset()
	c.logger.Debug().Err(err).Msg("closing connection")
	c.stream.Close()
	return err
}
