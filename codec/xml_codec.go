package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"stream-rpc/message"
)

// ErrInvalidXMLRPC is returned for documents that are well formed XML but not
// valid XML-RPC.
var ErrInvalidXMLRPC = errors.New("invalid XML-RPC document")

const (
	xmlHeader     = "<?xml version='1.0'?>\n"
	dateTimeWire  = "20060102T15:04:05"
	maxValueDepth = 512
)

var dateTimeLayouts = []string{
	dateTimeWire,
	"2006-01-02T15:04:05",
	"20060102T15:04:05Z07:00",
	"2006-01-02T15:04:05Z07:00",
}

// XMLCodec encodes a single value as an XML-RPC <value> element.
type XMLCodec struct{}

func (c *XMLCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *XMLCodec) Unmarshal(data []byte) (any, error) {
	x := newXMLDecoder(data)
	if _, err := x.expectStart("value"); err != nil {
		return nil, err
	}
	return x.value()
}

func (c *XMLCodec) Type() CodecType {
	return CodecTypeXML
}

// EncodeMethodCall renders a methodCall document for method with params.
func EncodeMethodCall(method string, params []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.WriteString("<methodCall>\n<methodName>")
	if err := xml.EscapeText(&buf, []byte(method)); err != nil {
		return nil, err
	}
	buf.WriteString("</methodName>\n")
	if err := writeParams(&buf, params); err != nil {
		return nil, err
	}
	buf.WriteString("</methodCall>\n")
	return buf.Bytes(), nil
}

// EncodeMethodResponse renders a successful methodResponse carrying result.
func EncodeMethodResponse(result any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.WriteString("<methodResponse>\n")
	if err := writeParams(&buf, []any{result}); err != nil {
		return nil, err
	}
	buf.WriteString("</methodResponse>\n")
	return buf.Bytes(), nil
}

// EncodeFault renders a fault methodResponse.
func EncodeFault(f *message.Fault) []byte {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.WriteString("<methodResponse>\n<fault>\n")
	// faultCode and faultString are always encodable.
	_ = writeValue(&buf, map[string]any{
		"faultCode":   int64(f.Code),
		"faultString": f.Message,
	})
	buf.WriteString("\n</fault>\n</methodResponse>\n")
	return buf.Bytes()
}

// DecodeMethodCall parses a methodCall document.
func DecodeMethodCall(data []byte) (string, []any, error) {
	x := newXMLDecoder(data)
	if _, err := x.expectStart("methodCall"); err != nil {
		return "", nil, err
	}

	var (
		method    string
		hasMethod bool
		params    = []any{}
	)
	for {
		tok, err := x.next()
		if err != nil {
			return "", nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "methodName":
				if method, err = x.text(); err != nil {
					return "", nil, err
				}
				hasMethod = true
			case "params":
				if params, err = x.params(); err != nil {
					return "", nil, err
				}
			default:
				return "", nil, fmt.Errorf("%w: unexpected <%s> in methodCall", ErrInvalidXMLRPC, t.Name.Local)
			}
		case xml.EndElement:
			if !hasMethod {
				return "", nil, fmt.Errorf("%w: methodCall without methodName", ErrInvalidXMLRPC)
			}
			return method, params, nil
		}
	}
}

// DecodeMethodResponse parses a methodResponse document. A fault response is
// returned as a *message.Fault error.
func DecodeMethodResponse(data []byte) (any, error) {
	x := newXMLDecoder(data)
	if _, err := x.expectStart("methodResponse"); err != nil {
		return nil, err
	}
	start, err := x.expectStart("params", "fault")
	if err != nil {
		return nil, err
	}

	if start.Name.Local == "fault" {
		if _, err := x.expectStart("value"); err != nil {
			return nil, err
		}
		v, err := x.value()
		if err != nil {
			return nil, err
		}
		if err := x.closing("fault"); err != nil {
			return nil, err
		}
		return nil, faultFromValue(v)
	}

	params, err := x.params()
	if err != nil {
		return nil, err
	}
	if len(params) != 1 {
		return nil, fmt.Errorf("%w: methodResponse carries %d params", ErrInvalidXMLRPC, len(params))
	}
	return params[0], nil
}

func faultFromValue(v any) error {
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: fault value is not a struct", ErrInvalidXMLRPC)
	}
	code, ok := m["faultCode"].(int64)
	if !ok {
		return fmt.Errorf("%w: fault without integer faultCode", ErrInvalidXMLRPC)
	}
	msg, _ := m["faultString"].(string)
	return message.NewFault(int(code), msg)
}

func writeParams(buf *bytes.Buffer, params []any) error {
	buf.WriteString("<params>\n")
	for _, p := range params {
		buf.WriteString("<param>\n")
		if err := writeValue(buf, p); err != nil {
			return err
		}
		buf.WriteString("\n</param>\n")
	}
	buf.WriteString("</params>\n")
	return nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	n, err := message.Normalize(v)
	if err != nil {
		return err
	}
	return writeNormalized(buf, n)
}

func writeNormalized(buf *bytes.Buffer, v any) error {
	buf.WriteString("<value>")
	switch val := v.(type) {
	case nil:
		buf.WriteString("<nil/>")
	case bool:
		if val {
			buf.WriteString("<boolean>1</boolean>")
		} else {
			buf.WriteString("<boolean>0</boolean>")
		}
	case int64:
		tag := "int"
		if val > math.MaxInt32 || val < math.MinInt32 {
			tag = "i8"
		}
		fmt.Fprintf(buf, "<%s>%d</%s>", tag, val, tag)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("%w: %v", message.ErrUnsupportedValue, val)
		}
		buf.WriteString("<double>")
		buf.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
		buf.WriteString("</double>")
	case string:
		buf.WriteString("<string>")
		if err := xml.EscapeText(buf, []byte(val)); err != nil {
			return err
		}
		buf.WriteString("</string>")
	case []byte:
		buf.WriteString("<base64>")
		buf.WriteString(base64.StdEncoding.EncodeToString(val))
		buf.WriteString("</base64>")
	case time.Time:
		buf.WriteString("<dateTime.iso8601>")
		buf.WriteString(val.Format(dateTimeWire))
		buf.WriteString("</dateTime.iso8601>")
	case []any:
		buf.WriteString("<array><data>\n")
		for _, item := range val {
			if err := writeNormalized(buf, item); err != nil {
				return err
			}
			buf.WriteByte('\n')
		}
		buf.WriteString("</data></array>")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteString("<struct>\n")
		for _, k := range keys {
			buf.WriteString("<member>\n<name>")
			if err := xml.EscapeText(buf, []byte(k)); err != nil {
				return err
			}
			buf.WriteString("</name>\n")
			if err := writeNormalized(buf, val[k]); err != nil {
				return err
			}
			buf.WriteString("\n</member>\n")
		}
		buf.WriteString("</struct>")
	default:
		return fmt.Errorf("%w: %T", message.ErrUnsupportedValue, v)
	}
	buf.WriteString("</value>")
	return nil
}

type xmlDecoder struct {
	d     *xml.Decoder
	depth int
}

func newXMLDecoder(data []byte) *xmlDecoder {
	return &xmlDecoder{d: xml.NewDecoder(bytes.NewReader(data))}
}

func (x *xmlDecoder) token() (xml.Token, error) {
	tok, err := x.d.Token()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: unexpected end of document", ErrInvalidXMLRPC)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidXMLRPC, err)
	}
	return tok, nil
}

// next returns the next structural token, skipping prolog noise and
// whitespace between elements.
func (x *xmlDecoder) next() (xml.Token, error) {
	for {
		tok, err := x.token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement, xml.EndElement:
			return t, nil
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return nil, fmt.Errorf("%w: unexpected text %q", ErrInvalidXMLRPC, string(t))
			}
		}
	}
}

func (x *xmlDecoder) expectStart(names ...string) (xml.StartElement, error) {
	tok, err := x.next()
	if err != nil {
		return xml.StartElement{}, err
	}
	if start, ok := tok.(xml.StartElement); ok {
		for _, name := range names {
			if start.Name.Local == name {
				return start, nil
			}
		}
		return xml.StartElement{}, fmt.Errorf("%w: unexpected <%s>, want <%s>", ErrInvalidXMLRPC, start.Name.Local, strings.Join(names, "> or <"))
	}
	return xml.StartElement{}, fmt.Errorf("%w: want <%s>", ErrInvalidXMLRPC, strings.Join(names, "> or <"))
}

func (x *xmlDecoder) closing(name string) error {
	tok, err := x.next()
	if err != nil {
		return err
	}
	if end, ok := tok.(xml.EndElement); ok && end.Name.Local == name {
		return nil
	}
	return fmt.Errorf("%w: want </%s>", ErrInvalidXMLRPC, name)
}

// text collects character data up to the end of the current element.
func (x *xmlDecoder) text() (string, error) {
	var sb strings.Builder
	for {
		tok, err := x.token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.StartElement:
			return "", fmt.Errorf("%w: unexpected <%s> in text", ErrInvalidXMLRPC, t.Name.Local)
		case xml.EndElement:
			return sb.String(), nil
		}
	}
}

// params reads <param><value/></param> elements up to </params>.
func (x *xmlDecoder) params() ([]any, error) {
	out := []any{}
	for {
		tok, err := x.next()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "param" {
				return nil, fmt.Errorf("%w: unexpected <%s> in params", ErrInvalidXMLRPC, t.Name.Local)
			}
			if _, err := x.expectStart("value"); err != nil {
				return nil, err
			}
			v, err := x.value()
			if err != nil {
				return nil, err
			}
			if err := x.closing("param"); err != nil {
				return nil, err
			}
			out = append(out, v)
		case xml.EndElement:
			return out, nil
		}
	}
}

// value parses the body of a <value> element whose start tag was consumed.
func (x *xmlDecoder) value() (any, error) {
	x.depth++
	defer func() { x.depth-- }()
	if x.depth > maxValueDepth {
		return nil, fmt.Errorf("%w: values nested deeper than %d", ErrInvalidXMLRPC, maxValueDepth)
	}

	var sb strings.Builder
	for {
		tok, err := x.token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.StartElement:
			v, err := x.typed(t)
			if err != nil {
				return nil, err
			}
			if err := x.closing("value"); err != nil {
				return nil, err
			}
			return v, nil
		case xml.EndElement:
			// A value without a type element is a string.
			return sb.String(), nil
		}
	}
}

func (x *xmlDecoder) typed(start xml.StartElement) (any, error) {
	name := start.Name.Local
	switch name {
	case "array":
		return x.array()
	case "struct":
		return x.structure()
	}

	s, err := x.text()
	if err != nil {
		return nil, err
	}
	switch name {
	case "int", "i4", "i8":
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad <%s> %q", ErrInvalidXMLRPC, name, s)
		}
		return n, nil
	case "boolean":
		switch strings.TrimSpace(s) {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		}
		return nil, fmt.Errorf("%w: bad boolean %q", ErrInvalidXMLRPC, s)
	case "double":
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad double %q", ErrInvalidXMLRPC, s)
		}
		return f, nil
	case "string":
		return s, nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
		if err != nil {
			return nil, fmt.Errorf("%w: bad base64: %v", ErrInvalidXMLRPC, err)
		}
		return b, nil
	case "dateTime.iso8601":
		s = strings.TrimSpace(s)
		for _, layout := range dateTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("%w: bad dateTime %q", ErrInvalidXMLRPC, s)
	case "nil":
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unknown value type <%s>", ErrInvalidXMLRPC, name)
}

func (x *xmlDecoder) array() ([]any, error) {
	if _, err := x.expectStart("data"); err != nil {
		return nil, err
	}
	out := []any{}
	for {
		tok, err := x.next()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "value" {
				return nil, fmt.Errorf("%w: unexpected <%s> in array", ErrInvalidXMLRPC, t.Name.Local)
			}
			v, err := x.value()
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		case xml.EndElement:
			if err := x.closing("array"); err != nil {
				return nil, err
			}
			return out, nil
		}
	}
}

func (x *xmlDecoder) structure() (map[string]any, error) {
	out := map[string]any{}
	for {
		tok, err := x.next()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "member" {
				return nil, fmt.Errorf("%w: unexpected <%s> in struct", ErrInvalidXMLRPC, t.Name.Local)
			}
			key, v, err := x.member()
			if err != nil {
				return nil, err
			}
			out[key] = v
		case xml.EndElement:
			return out, nil
		}
	}
}

func (x *xmlDecoder) member() (string, any, error) {
	var (
		key      string
		v        any
		hasName  bool
		hasValue bool
	)
	for {
		tok, err := x.next()
		if err != nil {
			return "", nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "name":
				if key, err = x.text(); err != nil {
					return "", nil, err
				}
				hasName = true
			case "value":
				if v, err = x.value(); err != nil {
					return "", nil, err
				}
				hasValue = true
			default:
				return "", nil, fmt.Errorf("%w: unexpected <%s> in member", ErrInvalidXMLRPC, t.Name.Local)
			}
		case xml.EndElement:
			if !hasName || !hasValue {
				return "", nil, fmt.Errorf("%w: incomplete struct member", ErrInvalidXMLRPC)
			}
			return key, v, nil
		}
	}
}
