// Package transport normalizes the byte channels a client or server runs over.
//
// Whatever the caller has (a reader/writer pair, a spawned child process, a
// connected socket, the process's own standard streams) becomes a *Stream
// with a uniform read/write/flush/close capability:
//
//	NewStream(r, w)   explicit pair, each handle closed only if owned
//	Stdio()           os.Stdin/os.Stdout, never closed
//	Spawn(cmd)        child stdin/stdout pipes, Close waits for the child
//	Conn(c)           connected socket, one close for both directions
//
// A Stream is owned by exactly one client or server.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
)

var (
	// ErrMissingHandle is returned when a stream is built without an input or output.
	ErrMissingHandle = errors.New("transport: input and output are mandatory")
	// ErrClosed is returned when reading or writing a closed stream.
	ErrClosed = errors.New("transport: stream closed")
)

// Option configures a Stream.
type Option func(*Stream)

// WithCloseInput sets whether Close closes the input handle.
func WithCloseInput(own bool) Option {
	return func(s *Stream) { s.ownIn = own }
}

// WithCloseOutput sets whether Close closes the output handle.
func WithCloseOutput(own bool) Option {
	return func(s *Stream) { s.ownOut = own }
}

// WithNonblocking wraps an *os.File input with the nonblocking read adapter.
func WithNonblocking() Option {
	return func(s *Stream) { s.nonblocking = true }
}

// Stream is a reader/writer pair with explicit close ownership per handle.
type Stream struct {
	in  io.Reader
	out io.Writer

	inCloser  io.Closer
	outCloser io.Closer
	ownIn     bool
	ownOut    bool
	shared    bool // in and out are the same handle

	nonblocking bool
	wait        func() error

	closeOnce sync.Once
	outOnce   sync.Once
	closed    atomic.Bool
	closeErr  error
}

// NewStream builds a Stream over an explicit reader/writer pair.
// Handles that implement io.Closer are owned by default, except the
// process's standard streams, which are never closed.
func NewStream(in io.Reader, out io.Writer, opts ...Option) (*Stream, error) {
	if in == nil || out == nil {
		return nil, ErrMissingHandle
	}
	s := &Stream{in: in, out: out, ownIn: true, ownOut: true}
	s.inCloser, _ = in.(io.Closer)
	s.outCloser, _ = out.(io.Closer)
	for _, opt := range opts {
		opt(s)
	}
	if isStdHandle(in) {
		s.ownIn = false
	}
	if isStdHandle(out) {
		s.ownOut = false
	}
	if s.nonblocking {
		if f, ok := in.(*os.File); ok {
			r, err := WrapNonblocking(f)
			if err != nil {
				return nil, fmt.Errorf("transport: nonblocking input: %w", err)
			}
			s.in = r
		}
	}
	return s, nil
}

// Pipe returns a Stream over an anonymous pipe pair, such as the ends
// returned by os.Pipe. Both ends are closed by Close.
func Pipe(r io.ReadCloser, w io.WriteCloser, opts ...Option) (*Stream, error) {
	return NewStream(r, w, opts...)
}

// Stdio returns a Stream over os.Stdin and os.Stdout. Neither is ever closed.
func Stdio(opts ...Option) *Stream {
	s, _ := NewStream(os.Stdin, os.Stdout, opts...)
	return s
}

// Spawn starts cmd with piped stdin/stdout and returns a Stream reading the
// child's stdout and writing its stdin. Close closes both pipes and waits for
// the child to exit. cmd.Stderr is left to the caller.
func Spawn(cmd *exec.Cmd, opts ...Option) (*Stream, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	s, err := NewStream(stdout, stdin, opts...)
	if err != nil {
		return nil, err
	}
	s.wait = cmd.Wait
	return s, nil
}

// Conn returns a Stream over a connected socket.
func Conn(c net.Conn) *Stream {
	return &Stream{
		in:        c,
		out:       c,
		inCloser:  c,
		outCloser: c,
		ownIn:     true,
		ownOut:    true,
		shared:    true,
	}
}

func isStdHandle(h any) bool {
	f, ok := h.(*os.File)
	return ok && (f == os.Stdin || f == os.Stdout || f == os.Stderr)
}

func (s *Stream) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.in.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.out.Write(p)
}

// Flush flushes the output handle when it buffers, as *bufio.Writer does.
func (s *Stream) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if f, ok := s.out.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// CloseOutput closes the owned output handle, signalling end-of-stream to the peer.
// For sockets only the write direction is shut down when possible.
func (s *Stream) CloseOutput() error {
	var err error
	s.outOnce.Do(func() {
		if !s.ownOut || s.outCloser == nil {
			return
		}
		if s.shared {
			if cw, ok := s.out.(interface{ CloseWrite() error }); ok {
				err = cw.CloseWrite()
			}
			return
		}
		err = s.outCloser.Close()
	})
	return err
}

// Close closes every owned handle and, for spawned processes, waits for the
// child. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.shared {
			if s.ownIn && s.inCloser != nil {
				errs = append(errs, s.inCloser.Close())
			}
		} else {
			if s.ownOut && s.outCloser != nil {
				s.outOnce.Do(func() {
					errs = append(errs, s.outCloser.Close())
				})
			}
			if s.ownIn && s.inCloser != nil {
				errs = append(errs, s.inCloser.Close())
			}
		}
		if s.wait != nil {
			errs = append(errs, s.wait())
		}
		s.closed.Store(true)
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	return s.closed.Load()
}

// IsBrokenPipe reports whether err means the peer went away while writing or reading.
func IsBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
