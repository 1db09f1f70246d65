// Package server implements the synchronous stream RPC server.
//
// A Server serves exactly one connection. It starts Unresolved: the first
// ProcessOne sniffs the protocol from the first byte, binds an engine, and
// replays the handler registrations queued so far. From then on every
// ProcessOne handles one request:
//
//	Unresolved ──Detect──► Established(engine, splitter)
//	Established: read document → dispatch → write response
//
// ServeForever loops ProcessOne until the peer goes away and always closes
// the stream before returning.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stream-rpc/message"
	"stream-rpc/middleware"
	"stream-rpc/protocol"
	"stream-rpc/split"
	"stream-rpc/transport"
)

// Server serves one stream.
type Server struct {
	stream  *transport.Stream
	format  split.Format // fixed protocol, empty to detect
	maxSize int
	logger  zerolog.Logger

	mu      sync.Mutex
	engine  protocol.Engine // nil while Unresolved
	split   *split.Splitter
	queued  []registration
	queuedM []middleware.Middleware
}

type registration struct {
	name    string
	handler protocol.Handler
}

type Option func(*Server)

// WithProtocol fixes the protocol instead of detecting it from the first byte.
func WithProtocol(format split.Format) Option {
	return func(s *Server) {
		s.format = format
	}
}

// WithMaxDocumentSize caps the size of a request document.
func WithMaxDocumentSize(n int) Option {
	return func(s *Server) {
		s.maxSize = n
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New returns a server for stream. The server owns the stream.
func New(stream *transport.Stream, opts ...Option) *Server {
	s := &Server{
		stream: stream,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("conn", uuid.NewString()).Logger()
	return s
}

// Register binds h to name. Before the protocol is known the registration is
// queued and applied once, in order, when the connection is established.
func (s *Server) Register(name string, h protocol.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		s.engine.Register(name, h)
		return
	}
	s.queued = append(s.queued, registration{name: name, handler: h})
}

// RegisterFunc registers an ordinary Go function through Func. An empty name
// registers it under the function's own name.
func (s *Server) RegisterFunc(fn any, name string) error {
	h, err := Func(fn)
	if err != nil {
		return err
	}
	if name == "" {
		name = FuncName(fn)
	}
	s.Register(name, h)
	return nil
}

// Use adds dispatch middleware. Like registrations, it is queued until the
// protocol is known.
func (s *Server) Use(mws ...middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		s.engine.Use(mws...)
		return
	}
	s.queuedM = append(s.queuedM, mws...)
}

// Protocol returns the established protocol, or "" while Unresolved.
func (s *Server) Protocol() split.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return ""
	}
	return s.engine.Format()
}

// ProcessOne serves one request. It returns message.ErrEndOfStream when the
// peer closed the stream before sending another request. On any error the
// stream is closed.
func (s *Server) ProcessOne(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			s.stream.Close()
		}
	}()

	sp, engine, err := s.establish()
	if err != nil {
		return err
	}

	doc, err := sp.Next()
	if errors.Is(err, io.EOF) {
		return message.ErrEndOfStream
	}
	if err != nil {
		return fmt.Errorf("server: read request: %w", err)
	}

	resp, err := engine.DispatchRequest(ctx, doc)
	if err != nil {
		return fmt.Errorf("server: dispatch: %w", err)
	}
	if _, err := s.stream.Write(resp); err != nil {
		return fmt.Errorf("server: write response: %w", err)
	}
	if err := s.stream.Flush(); err != nil {
		return fmt.Errorf("server: flush response: %w", err)
	}
	s.logger.Trace().Int("request_bytes", len(doc)).Int("response_bytes", len(resp)).Msg("served request")
	return nil
}

// ServeForever serves requests until the peer closes the stream or a write
// hits a broken pipe, both of which return nil. Any other error is returned.
// The stream is closed on every path.
func (s *Server) ServeForever(ctx context.Context) error {
	defer s.stream.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.ProcessOne(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, message.ErrEndOfStream) || transport.IsBrokenPipe(err) {
			s.logger.Debug().Err(err).Msg("peer closed connection")
			return nil
		}
		s.logger.Error().Err(err).Msg("connection failed")
		return err
	}
}

// Close closes the stream.
func (s *Server) Close() error {
	return s.stream.Close()
}

func (s *Server) establish() (*split.Splitter, protocol.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.split != nil {
		return s.split, s.engine, nil
	}

	format := s.format
	var preamble []byte
	if format == "" {
		var err error
		format, preamble, err = transport.Detect(s.stream)
		if err != nil {
			return nil, nil, err
		}
	}
	engine, err := protocol.ForFormat(format)
	if err != nil {
		return nil, nil, err
	}

	for _, reg := range s.queued {
		engine.Register(reg.name, reg.handler)
	}
	engine.Use(s.queuedM...)
	s.queued, s.queuedM = nil, nil

	s.engine = engine
	s.split = split.New(s.stream, format, split.WithPreamble(preamble), split.WithMaxSize(s.maxSize))
	s.logger.Debug().Str("protocol", string(format)).Msg("protocol established")
	return s.split, s.engine, nil
}
