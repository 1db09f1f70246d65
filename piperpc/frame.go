// Package piperpc implements the legacy framed XML-RPC transport used over
// SSH-tunnelled pipes.
//
// Every message is an ASCII header line followed by a raw payload. The
// header carries the payload length, so the receiver reads the header first
// and then exactly that many bytes; no document splitting is involved.
//
// Frame format:
//
//	"RPC" SP version SP path SP length LF payload
//	┌─────┬───┬────────┬────────┬──┬────────────────┐
//	│ RPC │ 1 │ /RPC2  │ 142    │\n│ 142 bytes ...  │
//	└─────┴───┴────────┴────────┴──┴────────────────┘
//
// The path selects a dispatcher on the server and is echoed in the response.
package piperpc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"

	"stream-rpc/split"
)

const (
	Tag         = "RPC"
	Version     = 1
	DefaultPath = "/RPC2"
	// MaxHeaderSize bounds the header line, terminator included.
	MaxHeaderSize = 4096
)

// ErrEndOfStream is returned by ReadFrame when the stream ends before a
// complete header line. It wraps syscall.EPIPE so callers can treat it as a
// broken pipe.
var ErrEndOfStream = fmt.Errorf("piperpc: unexpected end of stream: %w", syscall.EPIPE)

// ResponseFormatError reports a frame that is not valid piperpc framing, or
// a response that does not belong to the request.
type ResponseFormatError struct {
	Reason string
}

func (e *ResponseFormatError) Error() string {
	return "piperpc: " + e.Reason
}

func formatError(format string, args ...any) error {
	return &ResponseFormatError{Reason: fmt.Sprintf(format, args...)}
}

// WriteFrame writes one header line and body to w. path must be non-empty
// and free of spaces and newlines.
func WriteFrame(w io.Writer, path string, body []byte) error {
	if path == "" || strings.ContainsAny(path, " \n") {
		return fmt.Errorf("piperpc: invalid path %q", path)
	}
	header := Tag + " " + strconv.Itoa(Version) + " " + path + " " + strconv.Itoa(len(body)) + "\n"
	if len(header) > MaxHeaderSize {
		return fmt.Errorf("piperpc: header exceeds %d bytes", MaxHeaderSize)
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one frame from r. Bodies longer than maxBody are rejected
// before they are read; maxBody <= 0 selects split.DefaultMaxSize.
func ReadFrame(r *bufio.Reader, maxBody int) (string, []byte, error) {
	if maxBody <= 0 {
		maxBody = split.DefaultMaxSize
	}

	// Step 1: Read the header line byte by byte up to MaxHeaderSize
	line := make([]byte, 0, 64)
	for {
		c, err := r.ReadByte()
		if errors.Is(err, io.EOF) {
			return "", nil, ErrEndOfStream
		}
		if err != nil {
			return "", nil, err
		}
		if c == '\n' {
			break
		}
		if len(line) == MaxHeaderSize-1 {
			return "", nil, formatError("header exceeds %d bytes", MaxHeaderSize)
		}
		line = append(line, c)
	}
	if len(line) == 0 {
		return "", nil, ErrEndOfStream
	}

	// Step 2: Validate the four fields
	fields := strings.Split(string(line), " ")
	if len(fields) != 4 {
		return "", nil, formatError("malformed header %q", line)
	}
	if fields[0] != Tag {
		return "", nil, formatError("other end is not piperpc (%q)", line)
	}
	if !digits(fields[1]) || !digits(fields[3]) {
		return "", nil, formatError("unsupported piperpc version in %q", line)
	}
	if v, err := strconv.Atoi(fields[1]); err != nil || v != Version {
		return "", nil, formatError("unsupported piperpc version %s", fields[1])
	}
	n, err := strconv.Atoi(fields[3])
	if err != nil || n > maxBody {
		return "", nil, formatError("payload length %s exceeds %d bytes", fields[3], maxBody)
	}

	// Step 3: Read exactly n payload bytes
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return "", nil, fmt.Errorf("piperpc: payload truncated: %w", syscall.EPIPE)
		}
		return "", nil, err
	}
	return fields[2], body, nil
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
