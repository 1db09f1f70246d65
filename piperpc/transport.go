package piperpc

import (
	"bufio"
	"fmt"
	"sync"

	"stream-rpc/transport"
)

// Transport exchanges frames over one stream. A request is written and its
// response read before Request returns.
type Transport struct {
	stream  *transport.Stream
	r       *bufio.Reader
	maxBody int

	mu sync.Mutex
}

func NewTransport(stream *transport.Stream, maxBody int) *Transport {
	return &Transport{
		stream:  stream,
		r:       bufio.NewReader(stream),
		maxBody: maxBody,
	}
}

// Request sends body to path and returns the response payload. Any error
// leaves the stream in an unknown state, so the transport is closed.
func (t *Transport) Request(path string, body []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stream.Closed() {
		return nil, transport.ErrClosed
	}
	if err := t.write(path, body); err != nil {
		t.stream.Close()
		return nil, err
	}
	h, resp, err := t.read()
	if err != nil {
		t.stream.Close()
		return nil, err
	}
	if h != path {
		t.stream.Close()
		return nil, formatError("RPC handlers mismatch, %s != %s", h, path)
	}
	return resp, nil
}

func (t *Transport) write(path string, body []byte) error {
	if err := WriteFrame(t.stream, path, body); err != nil {
		return err
	}
	if err := t.stream.Flush(); err != nil {
		return fmt.Errorf("piperpc: flush: %w", err)
	}
	return nil
}

func (t *Transport) read() (string, []byte, error) {
	return ReadFrame(t.r, t.maxBody)
}

// Close closes the stream. Standard input and output are never closed.
func (t *Transport) Close() error {
	return t.stream.Close()
}

func (t *Transport) Closed() bool {
	return t.stream.Closed()
}
