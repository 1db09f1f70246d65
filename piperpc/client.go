package piperpc

import (
	"strings"

	"github.com/rs/zerolog"

	"stream-rpc/client"
	"stream-rpc/protocol"
	"stream-rpc/transport"
)

// Client is an XML-RPC proxy over a piperpc Transport.
//
//	c := piperpc.NewClient(stream, piperpc.WithPath("/RPC2"))
//	sum, err := c.Method("math").Attr("add").Call(1, 2)
type Client struct {
	transport *Transport
	engine    *protocol.XMLRPC
	path      string
	logger    zerolog.Logger
}

type ClientOption func(*Client)

// WithPath selects the server dispatcher. A missing leading "/" is added.
func WithPath(path string) ClientOption {
	return func(c *Client) {
		if path == "" {
			return
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		c.path = path
	}
}

func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientMaxSize caps the size of a response payload.
func WithClientMaxSize(n int) ClientOption {
	return func(c *Client) {
		c.transport.maxBody = n
	}
}

func NewClient(stream *transport.Stream, opts ...ClientOption) *Client {
	c := &Client{
		transport: NewTransport(stream, 0),
		engine:    protocol.NewXMLRPC(),
		path:      DefaultPath,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the dispatcher path requests are sent to.
func (c *Client) Path() string { return c.path }

// Invoke performs one call. Faults are returned as *message.Fault and keep
// the client usable; any other failure closes it.
func (c *Client) Invoke(method string, args []any, kwargs map[string]any) (any, error) {
	body, err := c.engine.EncodeRequest(method, args, kwargs)
	if err != nil {
		return nil, err
	}
	payload, err := c.transport.Request(c.path, body)
	if err != nil {
		c.engine.Reset()
		c.logger.Debug().Err(err).Str("method", method).Msg("transport failed")
		return nil, err
	}
	resp, err := c.engine.DecodeResponse(payload)
	if err != nil {
		c.transport.Close()
		return nil, err
	}
	return resp.Result, resp.Err
}

func (c *Client) Call(method string, args ...any) (any, error) {
	return c.Invoke(method, args, nil)
}

func (c *Client) Method(name string) *client.Method {
	return client.NewMethod(c, name)
}

func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) Closed() bool {
	return c.transport.Closed()
}
