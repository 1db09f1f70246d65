package piperpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stream-rpc/codec"
	"stream-rpc/message"
	"stream-rpc/middleware"
	"stream-rpc/protocol"
	"stream-rpc/transport"
)

// Dispatcher answers one XML-RPC request document. *protocol.XMLRPC is one.
type Dispatcher interface {
	DispatchRequest(ctx context.Context, doc []byte) ([]byte, error)
}

type pathKey struct{}

// PathFromContext returns the request path for handlers served under a
// path other than DefaultPath.
func PathFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(pathKey{}).(string)
	return p, ok
}

// Server serves piperpc frames on one stream. By default a single XML-RPC
// engine answers DefaultPath; WithDispatchers routes other paths.
type Server struct {
	transport   *Transport
	engine      *protocol.XMLRPC
	dispatchers map[string]Dispatcher
	logger      zerolog.Logger
}

type ServerOption func(*Server)

// WithDispatchers replaces the path table. The server's own engine stays
// reachable only if the table maps a path to Engine().
func WithDispatchers(dispatchers map[string]Dispatcher) ServerOption {
	return func(s *Server) {
		if len(dispatchers) > 0 {
			s.dispatchers = dispatchers
		}
	}
}

func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerMaxSize caps the size of a request payload.
func WithServerMaxSize(n int) ServerOption {
	return func(s *Server) {
		s.transport.maxBody = n
	}
}

func NewServer(stream *transport.Stream, opts ...ServerOption) *Server {
	s := &Server{
		transport: NewTransport(stream, 0),
		engine:    protocol.NewXMLRPC(),
		logger:    zerolog.Nop(),
	}
	s.dispatchers = map[string]Dispatcher{DefaultPath: s.engine}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("conn", uuid.NewString()).Str("protocol", "piperpc").Logger()
	return s
}

// Engine returns the server's own XML-RPC engine.
func (s *Server) Engine() *protocol.XMLRPC { return s.engine }

// Register binds h to name on the server's own engine.
func (s *Server) Register(name string, h protocol.Handler) {
	s.engine.Register(name, h)
}

func (s *Server) Use(mws ...middleware.Middleware) {
	s.engine.Use(mws...)
}

// ProcessOne reads one frame, dispatches it and writes the response under
// the same path. Dispatch problems are answered with a fault; read and write
// errors close the stream and are returned.
func (s *Server) ProcessOne(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			s.transport.Close()
		}
	}()

	path, body, err := s.transport.read()
	if err != nil {
		return err
	}
	resp := s.dispatch(ctx, path, body)
	if err := s.transport.write(path, resp); err != nil {
		return fmt.Errorf("piperpc: write response: %w", err)
	}
	s.logger.Trace().Str("path", path).Int("request_bytes", len(body)).Msg("served request")
	return nil
}

func (s *Server) dispatch(ctx context.Context, path string, body []byte) []byte {
	d, ok := s.dispatchers[path]
	if !ok {
		err := formatError("no dispatcher for path %q", path)
		return codec.EncodeFault(message.NewFault(protocol.CodeGenericFault, fmt.Sprintf("%T:%v", err, err)))
	}
	if path != DefaultPath {
		ctx = context.WithValue(ctx, pathKey{}, path)
	}
	resp, err := d.DispatchRequest(ctx, body)
	if err != nil {
		// Report low level errors back to the caller.
		s.logger.Debug().Err(err).Str("path", path).Msg("dispatch failed")
		return codec.EncodeFault(message.NewFault(protocol.CodeGenericFault, fmt.Sprintf("%T:%v", err, err)))
	}
	return resp
}

// ServeForever serves frames until the peer goes away, which returns nil.
// The stream is closed on every path.
func (s *Server) ServeForever(ctx context.Context) error {
	defer s.transport.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.ProcessOne(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrEndOfStream) || transport.IsBrokenPipe(err) {
			s.logger.Debug().Err(err).Msg("peer closed connection")
			return nil
		}
		s.logger.Error().Err(err).Msg("connection failed")
		return err
	}
}

func (s *Server) Close() error {
	return s.transport.Close()
}
