package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"stream-rpc/codec"
	"stream-rpc/message"
	"stream-rpc/split"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32000
)

// JSONRPC is the JSON-RPC engine. Client-side requests use Version 2 unless
// WithVersion(1) is given. Server-side it answers each request in the version
// the request was written in.
type JSONRPC struct {
	*dispatcher

	version int

	mu      sync.Mutex
	nextID  int64
	pending map[int64]string
}

type JSONOption func(*JSONRPC)

// WithVersion selects JSON-RPC 1.0 (1) or 2.0 (2) requests. Other values are ignored.
func WithVersion(v int) JSONOption {
	return func(j *JSONRPC) {
		if v == 1 || v == 2 {
			j.version = v
		}
	}
}

func NewJSONRPC(opts ...JSONOption) *JSONRPC {
	j := &JSONRPC{
		dispatcher: newDispatcher(),
		version:    2,
		nextID:     1,
		pending:    make(map[int64]string),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *JSONRPC) Format() split.Format { return split.JSON }

// Version reports the version used for outgoing requests.
func (j *JSONRPC) Version() int { return j.version }

func (j *JSONRPC) EncodeRequest(method string, args []any, kwargs map[string]any) ([]byte, error) {
	req := codec.JSONRequest{Method: method}
	switch {
	case j.version == 1:
		if len(kwargs) > 0 {
			return nil, ErrNamedArgsUnsupported
		}
		req.Params = positional(args)
	case len(kwargs) > 0:
		if len(args) > 0 {
			return nil, ErrMixedArgs
		}
		req.JSONRPC = codec.Version2
		req.Params = kwargs
	default:
		req.JSONRPC = codec.Version2
		req.Params = positional(args)
	}

	params, err := codec.JSONValue(req.Params)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", method, err)
	}
	req.Params = params

	j.mu.Lock()
	defer j.mu.Unlock()
	id := j.nextID
	req.ID = id
	doc, err := codec.MarshalJSON(req)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", method, err)
	}
	j.nextID++
	j.pending[id] = method
	return doc, nil
}

func positional(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

func (j *JSONRPC) DecodeResponse(doc []byte) (*message.Response, error) {
	var obj map[string]any
	if err := codec.DecodeJSON(doc, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedResponse)
	}
	id, err := message.Normalize(obj["id"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	reqID, ok := id.(int64)
	j.mu.Lock()
	if ok {
		_, ok = j.pending[reqID]
		delete(j.pending, reqID)
	}
	j.mu.Unlock()
	if !ok {
		// Stray response, e.g. a late answer to an abandoned call.
		return nil, nil
	}

	if e := obj["error"]; e != nil {
		fault, err := faultFromJSON(e)
		if err != nil {
			return nil, err
		}
		return &message.Response{ID: reqID, Err: fault}, nil
	}
	raw, ok := obj["result"]
	if !ok {
		return nil, fmt.Errorf("%w: neither result nor error", ErrMalformedResponse)
	}
	result, err := message.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &message.Response{ID: reqID, Result: result}, nil
}

func faultFromJSON(e any) (*message.Fault, error) {
	obj, ok := e.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: error member is not an object", ErrMalformedResponse)
	}
	n, err := message.Normalize(obj["code"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	code := CodeInternalError
	if c, ok := n.(int64); ok {
		code = int(c)
	}
	f := &message.Fault{Code: code}
	if msg, ok := obj["message"].(string); ok {
		f.Message = msg
	}
	f.Message = faultText(f)
	return f, nil
}

func (j *JSONRPC) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending = make(map[int64]string)
}

// DispatchRequest never fails on the content of doc: malformed or invalid
// requests get a JSON-RPC error response.
func (j *JSONRPC) DispatchRequest(ctx context.Context, doc []byte) ([]byte, error) {
	var v any
	if err := codec.DecodeJSON(doc, &v); err != nil {
		return failure(2, nil, CodeParseError, "Parse error")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return failure(2, nil, CodeInvalidRequest, "Invalid Request")
	}

	version := 1
	if jv, has := obj["jsonrpc"]; has {
		version = 0
		if jv == codec.Version2 {
			version = 2
		}
	}
	id, err := message.Normalize(obj["id"])
	if err != nil {
		id = nil
	}
	method, ok := obj["method"].(string)
	if version == 0 || !ok {
		return failure(version, id, CodeInvalidRequest, "Invalid Request")
	}

	req := &message.Request{ID: id, Method: method}
	switch params := obj["params"].(type) {
	case []any:
		args, err := message.Normalize(params)
		if err != nil {
			return failure(version, id, CodeInvalidParams, "Invalid params")
		}
		req.Args = args.([]any)
	case map[string]any:
		if version != 2 {
			return failure(version, id, CodeInvalidParams, "Invalid params")
		}
		kwargs, err := message.Normalize(params)
		if err != nil {
			return failure(version, id, CodeInvalidParams, "Invalid params")
		}
		req.Kwargs = kwargs.(map[string]any)
	default:
		return failure(version, id, CodeInvalidParams, "Invalid params")
	}

	resp := j.dispatch(ctx, req)
	if !resp.Failed() {
		result, err := codec.JSONValue(resp.Result)
		if err != nil {
			return failure(version, id, CodeInternalError, err.Error())
		}
		out := codec.JSONSuccess{Result: result, ID: id}
		if version == 2 {
			out.JSONRPC = codec.Version2
		}
		doc, err := codec.MarshalJSON(out)
		if err != nil {
			return failure(version, id, CodeInternalError, err.Error())
		}
		return doc, nil
	}

	var notFound *MethodNotFoundError
	if errors.As(resp.Err, &notFound) {
		return failure(version, id, CodeMethodNotFound, "Method not found")
	}
	if f, ok := message.AsFault(resp.Err); ok {
		return failure(version, id, f.Code, faultText(f))
	}
	return failure(version, id, CodeInternalError, resp.Err.Error())
}

func failure(version int, id any, code int, msg string) ([]byte, error) {
	out := codec.JSONFailure{Error: codec.JSONError{Code: code, Message: msg}, ID: id}
	if version != 1 {
		out.JSONRPC = codec.Version2
	}
	return codec.MarshalJSON(out)
}
