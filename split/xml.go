package split

import (
	"bytes"
	"fmt"
)

// nextXML reads markup until the first top-level element is closed.
// Processing instructions, comments and doctype declarations before the
// root element are kept as part of the document.
func (s *Splitter) nextXML() error {
	c, err := s.skipSpace()
	if err != nil {
		return err
	}
	if c != '<' {
		return fmt.Errorf("%w: %q", ErrInvalidDocument, c)
	}

	depth := 0
	for {
		closed, err := s.markup(&depth)
		if err != nil {
			return err
		}
		if closed {
			return nil
		}
		// Character data up to the next markup.
		for {
			c, err := s.take()
			if err != nil {
				return err
			}
			if c == '<' {
				break
			}
		}
	}
}

// markup consumes one construct whose leading '<' is already buffered.
// It reports whether the root element has just been closed.
func (s *Splitter) markup(depth *int) (bool, error) {
	c, err := s.take()
	if err != nil {
		return false, err
	}
	switch c {
	case '?':
		return false, s.until("?>")
	case '!':
		return false, s.declaration()
	case '/':
		if err := s.until(">"); err != nil {
			return false, err
		}
		*depth--
		if *depth < 0 {
			return false, fmt.Errorf("%w: unbalanced end tag", ErrInvalidDocument)
		}
		return *depth == 0, nil
	}

	// Start tag: scan to '>' honoring quoted attribute values.
	var quote byte
	prev := c
	for {
		c, err := s.take()
		if err != nil {
			return false, err
		}
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			if prev == '/' {
				return *depth == 0, nil
			}
			*depth++
			return false, nil
		}
		prev = c
	}
}

// declaration handles "<!": comments, CDATA sections and doctype-like declarations.
func (s *Splitter) declaration() error {
	c, err := s.take()
	if err != nil {
		return err
	}
	switch c {
	case '-':
		if c, err = s.take(); err != nil {
			return err
		}
		if c == '-' {
			return s.until("-->")
		}
	case '[':
		for i := 0; i < len("CDATA["); i++ {
			if _, err := s.take(); err != nil {
				return err
			}
		}
		if bytes.HasSuffix(s.buf.Bytes(), []byte("<![CDATA[")) {
			return s.until("]]>")
		}
	}
	return s.bracketed()
}

// bracketed reads a <!DOCTYPE ...> style declaration, including an internal subset.
func (s *Splitter) bracketed() error {
	if bytes.HasSuffix(s.buf.Bytes(), []byte(">")) {
		return nil
	}
	nest := 0
	for {
		c, err := s.take()
		if err != nil {
			return err
		}
		switch c {
		case '[':
			nest++
		case ']':
			nest--
		case '>':
			if nest <= 0 {
				return nil
			}
		}
	}
}

// until reads bytes until the buffer ends with term.
func (s *Splitter) until(term string) error {
	t := []byte(term)
	for {
		if _, err := s.take(); err != nil {
			return err
		}
		if bytes.HasSuffix(s.buf.Bytes(), t) {
			return nil
		}
	}
}
