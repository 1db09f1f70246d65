package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"stream-rpc/message"
)

// JSONCodec encodes values with encoding/json.
// Decoding uses json.Number so that integers come back as int64, not float64.
type JSONCodec struct{}

func (c *JSONCodec) Marshal(v any) ([]byte, error) {
	jv, err := JSONValue(v)
	if err != nil {
		return nil, err
	}
	return MarshalJSON(jv)
}

func (c *JSONCodec) Unmarshal(data []byte) (any, error) {
	return UnmarshalJSON(data)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

// jsonFloat is a float64 that always carries a fraction or an exponent on the
// wire. encoding/json writes float64(2) as 2, which decodes as an integer.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(float64(f))
	if err != nil {
		return nil, err
	}
	if !bytes.ContainsAny(b, ".eE") {
		b = append(b, ".0"...)
	}
	return b, nil
}

// JSONValue normalizes v and marks its floats so they decode as floats again.
func JSONValue(v any) (any, error) {
	n, err := message.Normalize(v)
	if err != nil {
		return nil, err
	}
	return markFloats(n), nil
}

func markFloats(v any) any {
	switch t := v.(type) {
	case float64:
		return jsonFloat(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = markFloats(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = markFloats(e)
		}
		return out
	}
	return v
}

// MarshalJSON encodes v without HTML escaping and without a trailing newline.
func MarshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalJSON decodes exactly one JSON value and normalizes it.
func UnmarshalJSON(data []byte) (any, error) {
	var v any
	if err := DecodeJSON(data, &v); err != nil {
		return nil, err
	}
	return message.Normalize(v)
}

// DecodeJSON decodes exactly one JSON value into out using json.Number for numbers.
func DecodeJSON(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("codec: trailing data after JSON value")
	}
	return nil
}
