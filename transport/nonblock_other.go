//go:build !unix

package transport

import (
	"io"
	"os"
)

// WrapNonblocking returns f unchanged: nonblocking reads need poll(2).
func WrapNonblocking(f *os.File) (io.Reader, error) {
	return f, nil
}
