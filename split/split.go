// Package split turns a byte stream into a sequence of complete top-level documents.
//
// Two formats are supported:
//
//	xml   balanced top-level elements, with an optional <?xml ...?> prologue,
//	      comments, CDATA sections and quoted attribute values honored
//	json  balanced top-level objects or arrays, with quoted strings and
//	      backslash escapes honored
//
// The splitter never reads past the end of the document it is returning that
// it does not keep for the next one, so one Splitter must be used for the whole
// life of a connection. Bytes already consumed by the caller (for example the
// byte read while sniffing the protocol) are handed back with WithPreamble.
package split

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Format names a document syntax.
type Format string

const (
	XML  Format = "xml"
	JSON Format = "json"
)

// DefaultMaxSize is the largest document accepted when no limit is configured (120 MiB).
const DefaultMaxSize = 120 * 1024 * 1024

var (
	// ErrDocumentTooLarge is returned when a document exceeds the configured maximum size.
	ErrDocumentTooLarge = errors.New("split: document exceeds maximum size")
	// ErrPartialDocument is returned when the stream ends inside a document.
	ErrPartialDocument = errors.New("split: stream ended inside a document")
	// ErrInvalidDocument is returned when the stream does not start a document of the declared format.
	ErrInvalidDocument = errors.New("split: invalid document start")
)

// Option configures a Splitter.
type Option func(*Splitter)

// WithPreamble prepends bytes that were consumed before the splitter was created.
func WithPreamble(p []byte) Option {
	return func(s *Splitter) {
		s.preamble = append([]byte(nil), p...)
	}
}

// WithMaxSize sets the maximum document size in bytes. Values <= 0 select DefaultMaxSize.
func WithMaxSize(n int) Option {
	return func(s *Splitter) {
		if n <= 0 {
			n = DefaultMaxSize
		}
		s.maxSize = n
	}
}

// Splitter yields documents from a stream, one per Next call.
type Splitter struct {
	r        *bufio.Reader
	format   Format
	maxSize  int
	preamble []byte
	buf      bytes.Buffer
}

// New creates a Splitter reading documents of the given format from r.
func New(r io.Reader, format Format, opts ...Option) *Splitter {
	s := &Splitter{
		r:       bufio.NewReader(r),
		format:  format,
		maxSize: DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Format returns the document format this splitter was created for.
func (s *Splitter) Format() Format {
	return s.format
}

// Next returns the next complete document.
// It returns io.EOF when the stream ends cleanly between documents,
// ErrPartialDocument when it ends inside one, and ErrDocumentTooLarge when
// the size ceiling is crossed. The returned slice is owned by the caller.
func (s *Splitter) Next() ([]byte, error) {
	s.buf.Reset()
	var err error
	switch s.format {
	case XML:
		err = s.nextXML()
	case JSON:
		err = s.nextJSON()
	default:
		return nil, fmt.Errorf("split: unknown format %q", s.format)
	}
	if err != nil {
		return nil, err
	}
	return bytes.Clone(s.buf.Bytes()), nil
}

// readByte returns the next input byte, draining the preamble first.
func (s *Splitter) readByte() (byte, error) {
	if len(s.preamble) > 0 {
		c := s.preamble[0]
		s.preamble = s.preamble[1:]
		return c, nil
	}
	return s.r.ReadByte()
}

// take reads one byte and appends it to the document buffer.
// End of input here always means the document is incomplete.
func (s *Splitter) take() (byte, error) {
	c, err := s.readByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, ErrPartialDocument
		}
		return 0, err
	}
	if s.buf.Len() >= s.maxSize {
		return 0, ErrDocumentTooLarge
	}
	s.buf.WriteByte(c)
	return c, nil
}

// skipSpace consumes whitespace between documents and returns the first
// significant byte, already appended to the buffer.
func (s *Splitter) skipSpace() (byte, error) {
	for {
		c, err := s.readByte()
		if err != nil {
			return 0, err // io.EOF here is a clean end of stream
		}
		if isSpace(c) {
			continue
		}
		s.buf.WriteByte(c)
		return c, nil
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
