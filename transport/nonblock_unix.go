//go:build unix

package transport

import (
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultReadinessWait bounds how long a would-block read waits for the
// descriptor to become readable before trying again.
const DefaultReadinessWait = time.Second

// NonblockingReader reads a descriptor in nonblocking mode. A read that would
// block waits for readiness with poll(2), bounded by the configured wait, and
// retries; callers see an ordinary blocking io.Reader.
type NonblockingReader struct {
	fd   int
	wait time.Duration
	file *os.File // keeps the descriptor's owner reachable
}

// NewNonblockingReader switches fd to nonblocking mode and returns a reader over it.
func NewNonblockingReader(fd int, wait time.Duration) (*NonblockingReader, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	if wait <= 0 {
		wait = DefaultReadinessWait
	}
	return &NonblockingReader{fd: fd, wait: wait}, nil
}

// WrapNonblocking returns a NonblockingReader for pipes, character devices and
// sockets. Regular files are returned unchanged.
func WrapNonblocking(f *os.File) (io.Reader, error) {
	fd := int(f.Fd())
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, err
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFIFO, unix.S_IFCHR, unix.S_IFSOCK:
	default:
		return f, nil
	}
	r, err := NewNonblockingReader(fd, DefaultReadinessWait)
	if err != nil {
		return nil, err
	}
	r.file = f
	return r, nil
}

func (r *NonblockingReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(r.fd, p)
		switch {
		case err == nil && n == 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			if err := r.awaitReadable(); err != nil {
				return 0, err
			}
		case errors.Is(err, unix.EINTR):
		default:
			return 0, &os.PathError{Op: "read", Path: "fd", Err: err}
		}
	}
}

// awaitReadable blocks until fd is readable or the wait elapses.
func (r *NonblockingReader) awaitReadable() error {
	fds := []unix.PollFd{{Fd: int32(r.fd), Events: unix.POLLIN}}
	_, err := unix.Poll(fds, int(r.wait/time.Millisecond))
	if err != nil && !errors.Is(err, unix.EINTR) {
		return err
	}
	return nil
}

// Close closes the wrapped file, or the raw descriptor when there is none.
func (r *NonblockingReader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return unix.Close(r.fd)
}
