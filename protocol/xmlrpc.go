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

// CodeGenericFault is the fault code sent for any XML-RPC handler error
// that is not itself a fault.
const CodeGenericFault = 1

// XMLRPC is the XML-RPC engine. Responses carry no id and are matched to
// calls strictly in the order the calls were encoded.
type XMLRPC struct {
	*dispatcher

	mu    sync.Mutex
	queue []string
}

func NewXMLRPC() *XMLRPC {
	return &XMLRPC{dispatcher: newDispatcher()}
}

func (x *XMLRPC) Format() split.Format { return split.XML }

func (x *XMLRPC) EncodeRequest(method string, args []any, kwargs map[string]any) ([]byte, error) {
	if len(kwargs) > 0 {
		return nil, ErrNamedArgsUnsupported
	}
	doc, err := codec.EncodeMethodCall(method, args)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", method, err)
	}

	x.mu.Lock()
	x.queue = append(x.queue, method)
	x.mu.Unlock()
	return doc, nil
}

func (x *XMLRPC) DecodeResponse(doc []byte) (*message.Response, error) {
	x.mu.Lock()
	if len(x.queue) == 0 {
		x.mu.Unlock()
		return nil, ErrUnexpectedResponse
	}
	x.queue = x.queue[1:]
	x.mu.Unlock()

	result, err := codec.DecodeMethodResponse(doc)
	if err != nil {
		if f, ok := message.AsFault(err); ok {
			return &message.Response{Err: f}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &message.Response{Result: result}, nil
}

// Pending reports how many calls are awaiting a response.
func (x *XMLRPC) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.queue)
}

func (x *XMLRPC) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.queue = nil
}

// DispatchRequest fails only when doc is not a valid methodCall. Handler
// errors become faults: a *message.Fault is sent as is, anything else as
// code 1 with the error's type and text.
func (x *XMLRPC) DispatchRequest(ctx context.Context, doc []byte) ([]byte, error) {
	method, params, err := codec.DecodeMethodCall(doc)
	if err != nil {
		return nil, err
	}

	resp := x.dispatch(ctx, &message.Request{Method: method, Args: params})
	if !resp.Failed() {
		out, err := codec.EncodeMethodResponse(resp.Result)
		if err == nil {
			return out, nil
		}
		resp.Err = err
	}

	if f, ok := message.AsFault(resp.Err); ok {
		return codec.EncodeFault(f), nil
	}
	var notFound *MethodNotFoundError
	if errors.As(resp.Err, &notFound) {
		return codec.EncodeFault(message.NewFault(CodeGenericFault, notFound.Error())), nil
	}
	return codec.EncodeFault(message.NewFault(CodeGenericFault, fmt.Sprintf("%T:%v", resp.Err, resp.Err))), nil
}
