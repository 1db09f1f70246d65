// Package codec marshals RPC values into the two wire encodings.
//
// The JSON side is a thin layer over encoding/json that keeps integers
// integral on decode. The XML side writes and parses XML-RPC
// methodCall/methodResponse documents. Both decode into the canonical value
// set of message.Normalize.
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeXML  CodecType = 1
)

// Codec converts a single Value to and from its wire text.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
	Type() CodecType // 0=JSON, 1=XML
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &XMLCodec{}
}

func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "xml"
}
