package transport

import (
	"errors"
	"fmt"
	"io"

	"stream-rpc/message"
	"stream-rpc/split"
)

// ErrUnknownProtocol is returned when the first byte of a stream selects no protocol.
var ErrUnknownProtocol = errors.New("transport: unrecognized protocol")

// Detect reads exactly one byte from r and picks the wire format it starts:
//
//	'<'       XML-RPC
//	'{' '['   JSON-RPC
//
// The consumed byte is returned so it can be replayed as the splitter preamble.
// Immediate end of input yields message.ErrEndOfStream.
func Detect(r io.Reader) (split.Format, []byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil, message.ErrEndOfStream
		}
		return "", nil, err
	}
	switch b[0] {
	case '<':
		return split.XML, b[:], nil
	case '{', '[':
		return split.JSON, b[:], nil
	}
	return "", nil, fmt.Errorf("%w: leading byte %q", ErrUnknownProtocol, b[0])
}
