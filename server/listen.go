package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"stream-rpc/registry"
	"stream-rpc/transport"
)

// TCPServer accepts socket connections and serves each one with its own
// Server, configured by setup. It can announce itself in a registry.
//
//	Accept conn → go serveConn → New(transport.Conn(conn)) → setup → ServeForever
type TCPServer struct {
	setup  func(*Server)
	opts   []Option
	logger zerolog.Logger

	listener net.Listener
	wg       sync.WaitGroup // Tracks open connections for graceful shutdown
	shutdown atomic.Bool    // Set during shutdown to suppress Accept errors
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	conns map[*Server]struct{}

	registry registry.Registry // nil if not using discovery
	service  string
	instance registry.ServiceInstance
	ttl      int64
}

// NewTCPServer returns a TCP server whose connections get opts and are
// passed to setup to register handlers.
func NewTCPServer(setup func(*Server), opts ...Option) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())
	t := &TCPServer{
		setup:  setup,
		opts:   opts,
		logger: zerolog.Nop(),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*Server]struct{}),
	}
	probe := &Server{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(probe)
	}
	t.logger = probe.logger
	return t
}

// Announce registers instance under service in reg once the server listens.
// An empty instance.Addr is filled from the listener address, which is only
// routable when the server listens on a concrete IP.
func (t *TCPServer) Announce(reg registry.Registry, service string, instance registry.ServiceInstance, ttl int64) {
	t.registry = reg
	t.service = service
	t.instance = instance
	t.ttl = ttl
}

// ListenAndServe listens on addr and serves until Shutdown.
func (t *TCPServer) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return t.Serve(l)
}

// Serve accepts connections on l until Shutdown. It returns nil after Shutdown.
func (t *TCPServer) Serve(l net.Listener) error {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()

	if t.registry != nil {
		if t.instance.Addr == "" {
			t.instance.Addr = l.Addr().String()
		}
		if err := t.registry.Register(t.service, t.instance, t.ttl); err != nil {
			l.Close()
			return fmt.Errorf("server: announce %s: %w", t.service, err)
		}
		t.logger.Info().Str("service", t.service).Str("addr", t.instance.Addr).Msg("registered instance")
	}

	t.logger.Info().Str("addr", l.Addr().String()).Msg("listening")
	for {
		conn, err := l.Accept()
		if err != nil {
			// Closing the listener in Shutdown makes Accept fail.
			if t.shutdown.Load() {
				return nil
			}
			return err
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

// Addr returns the listener address, or nil before Serve.
func (t *TCPServer) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCPServer) serveConn(conn net.Conn) {
	defer t.wg.Done()

	srv := New(transport.Conn(conn), t.opts...)
	if t.setup != nil {
		t.setup(srv)
	}
	t.mu.Lock()
	t.conns[srv] = struct{}{}
	t.mu.Unlock()

	if err := srv.ServeForever(t.ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection ended with error")
	}

	t.mu.Lock()
	delete(t.conns, srv)
	t.mu.Unlock()
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry so clients stop dialing this server
//  2. Set the shutdown flag, then close the listener
//  3. Wait for open connections to finish, closing them after timeout
func (t *TCPServer) Shutdown(timeout time.Duration) error {
	var errs []error
	if t.registry != nil {
		errs = append(errs, t.registry.Deregister(t.service, t.instance.Addr))
	}

	t.shutdown.Store(true)
	t.cancel()
	t.mu.Lock()
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.mu.Lock()
		for srv := range t.conns {
			srv.Close()
		}
		t.mu.Unlock()
		<-done
		errs = append(errs, fmt.Errorf("server: timeout waiting for open connections"))
	}
	return errors.Join(errs...)
}

// ListenAndServe serves stream RPC on a TCP address until the listener fails.
func ListenAndServe(addr string, setup func(*Server), opts ...Option) error {
	return NewTCPServer(setup, opts...).ListenAndServe(addr)
}
