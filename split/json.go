package split

import "fmt"

func (s *Splitter) nextJSON() error {
	c, err := s.skipSpace()
	if err != nil {
		return err
	}
	if c != '{' && c != '[' {
		return fmt.Errorf("%w: %q", ErrInvalidDocument, c)
	}

	depth := 1
	inString := false
	escaped := false
	for depth > 0 {
		c, err := s.take()
		if err != nil {
			return err
		}
		switch {
		case inString:
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
		}
	}
	return nil
}
