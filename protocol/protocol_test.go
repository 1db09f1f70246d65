package protocol

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"stream-rpc/codec"
	"stream-rpc/message"
	"stream-rpc/middleware"
	"stream-rpc/split"
)

func echo(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if len(kwargs) > 0 {
		return kwargs, nil
	}
	return args, nil
}

func decodeObject(t *testing.T, doc []byte) map[string]any {
	t.Helper()
	v, err := codec.UnmarshalJSON(doc)
	if err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, doc)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("response is not an object: %s", doc)
	}
	return obj
}

func errorCode(t *testing.T, obj map[string]any) int64 {
	t.Helper()
	e, ok := obj["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error member, got %v", obj)
	}
	return e["code"].(int64)
}

func TestForFormat(t *testing.T) {
	e, err := ForFormat(split.JSON)
	if err != nil || e.Format() != split.JSON {
		t.Fatalf("json: %v %v", e, err)
	}
	e, err = ForFormat(split.XML)
	if err != nil || e.Format() != split.XML {
		t.Fatalf("xml: %v %v", e, err)
	}
	if _, err := ForFormat("yaml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestJSONRequestIDs(t *testing.T) {
	j := NewJSONRPC()
	for want := int64(1); want <= 3; want++ {
		doc, err := j.EncodeRequest("ping", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		obj := decodeObject(t, doc)
		if obj["id"] != want {
			t.Fatalf("id = %v, want %d", obj["id"], want)
		}
		if obj["jsonrpc"] != "2.0" {
			t.Fatalf("missing version: %s", doc)
		}
		if !reflect.DeepEqual(obj["params"], []any{}) {
			t.Fatalf("params = %#v", obj["params"])
		}
	}
}

func TestJSONRequestParams(t *testing.T) {
	j := NewJSONRPC()

	doc, err := j.EncodeRequest("m", nil, map[string]any{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(decodeObject(t, doc)["params"], map[string]any{"a": int64(1)}) {
		t.Fatalf("named params not sent as object: %s", doc)
	}

	if _, err := j.EncodeRequest("m", []any{1}, map[string]any{"a": 1}); !errors.Is(err, ErrMixedArgs) {
		t.Fatalf("err = %v, want ErrMixedArgs", err)
	}

	v1 := NewJSONRPC(WithVersion(1))
	doc, err = v1.EncodeRequest("m", []any{1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, has := decodeObject(t, doc)["jsonrpc"]; has {
		t.Fatalf("v1 request carries version: %s", doc)
	}
	if _, err := v1.EncodeRequest("m", nil, map[string]any{"a": 1}); !errors.Is(err, ErrNamedArgsUnsupported) {
		t.Fatalf("err = %v, want ErrNamedArgsUnsupported", err)
	}
}

func TestJSONDecodeResponse(t *testing.T) {
	j := NewJSONRPC()
	if _, err := j.EncodeRequest("a", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := j.EncodeRequest("b", nil, nil); err != nil {
		t.Fatal(err)
	}

	resp, err := j.DecodeResponse([]byte(`{"jsonrpc":"2.0","result":[1,2.5,"x"],"id":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(resp.Result, []any{int64(1), 2.5, "x"}) {
		t.Fatalf("result = %#v", resp.Result)
	}

	resp, err = j.DecodeResponse([]byte(`{"jsonrpc":"2.0","error":{"code":42,"message":"A Fault"},"id":1}`))
	if err != nil {
		t.Fatal(err)
	}
	f, ok := message.AsFault(resp.Err)
	if !ok || f.Code != 42 || f.Message != "A Fault" {
		t.Fatalf("fault = %v", resp.Err)
	}

	// Both ids are consumed now.
	resp, err = j.DecodeResponse([]byte(`{"jsonrpc":"2.0","result":1,"id":1}`))
	if err != nil || resp != nil {
		t.Fatalf("stray response not dropped: %v %v", resp, err)
	}
}

func TestJSONFaultDefaults(t *testing.T) {
	j := NewJSONRPC()
	j.EncodeRequest("a", nil, nil)
	j.EncodeRequest("b", nil, nil)

	resp, _ := j.DecodeResponse([]byte(`{"error":{},"id":1}`))
	f, _ := message.AsFault(resp.Err)
	if f == nil || f.Code != CodeInternalError || f.Message != "#-32000" {
		t.Fatalf("defaults = %+v", f)
	}

	resp, _ = j.DecodeResponse([]byte(`{"error":{"code":7},"id":2}`))
	f, _ = message.AsFault(resp.Err)
	if f == nil || f.Message != "#7" {
		t.Fatalf("default message = %+v", f)
	}
}

func TestJSONMalformedResponse(t *testing.T) {
	for _, doc := range []string{`[1]`, `{"id":1}`, `{"id":1,"error":"bad"}`, `{"id":`} {
		j := NewJSONRPC()
		j.EncodeRequest("a", nil, nil)
		if _, err := j.DecodeResponse([]byte(doc)); !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("%s: err = %v", doc, err)
		}
	}
}

func TestJSONDispatch(t *testing.T) {
	j := NewJSONRPC()
	j.Register("echo", echo)
	j.Register("fault", func(context.Context, []any, map[string]any) (any, error) {
		return nil, message.NewFault(42, "A Fault")
	})
	j.Register("boom", func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("something broke")
	})

	tests := []struct {
		name    string
		doc     string
		code    int64
		version bool
	}{
		{"parse error", `{"method":`, CodeParseError, true},
		{"not an object", `[1,2]`, CodeInvalidRequest, true},
		{"bad version", `{"jsonrpc":"3.0","method":"echo","params":[],"id":1}`, CodeInvalidRequest, true},
		{"missing method", `{"jsonrpc":"2.0","params":[],"id":1}`, CodeInvalidRequest, true},
		{"missing params", `{"jsonrpc":"2.0","method":"echo","id":1}`, CodeInvalidParams, true},
		{"scalar params", `{"jsonrpc":"2.0","method":"echo","params":3,"id":1}`, CodeInvalidParams, true},
		{"object params under v1", `{"method":"echo","params":{"a":1},"id":1}`, CodeInvalidParams, false},
		{"not found", `{"jsonrpc":"2.0","method":"nope","params":[],"id":1}`, CodeMethodNotFound, true},
		{"fault", `{"jsonrpc":"2.0","method":"fault","params":[],"id":1}`, 42, true},
		{"internal", `{"jsonrpc":"2.0","method":"boom","params":[],"id":1}`, CodeInternalError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := j.DispatchRequest(context.Background(), []byte(tt.doc))
			if err != nil {
				t.Fatal(err)
			}
			obj := decodeObject(t, out)
			if got := errorCode(t, obj); got != tt.code {
				t.Fatalf("code = %d, want %d (%s)", got, tt.code, out)
			}
			if _, has := obj["jsonrpc"]; has != tt.version {
				t.Fatalf("jsonrpc member present=%v (%s)", has, out)
			}
		})
	}
}

func TestJSONDispatchMessages(t *testing.T) {
	j := NewJSONRPC()
	j.Register("boom", func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("something broke")
	})
	j.Register("silent", func(context.Context, []any, map[string]any) (any, error) {
		return nil, message.NewFault(9, "")
	})

	out, _ := j.DispatchRequest(context.Background(), []byte(`{"jsonrpc":"2.0","method":"boom","params":[],"id":"x"}`))
	obj := decodeObject(t, out)
	if obj["id"] != "x" {
		t.Fatalf("id not echoed: %s", out)
	}
	if msg := obj["error"].(map[string]any)["message"]; msg != "something broke" {
		t.Fatalf("message = %v", msg)
	}

	out, _ = j.DispatchRequest(context.Background(), []byte(`{"jsonrpc":"2.0","method":"silent","params":[],"id":1}`))
	if msg := decodeObject(t, out)["error"].(map[string]any)["message"]; msg != "#9" {
		t.Fatalf("message = %v", msg)
	}
}

func TestJSONDispatchSuccess(t *testing.T) {
	j := NewJSONRPC()
	j.Register("echo", echo)

	out, err := j.DispatchRequest(context.Background(), []byte(`{"jsonrpc":"2.0","method":"echo","params":{"k":[1,null]},"id":5}`))
	if err != nil {
		t.Fatal(err)
	}
	obj := decodeObject(t, out)
	if !reflect.DeepEqual(obj["result"], map[string]any{"k": []any{int64(1), nil}}) {
		t.Fatalf("result = %s", out)
	}

	// v1 requests are answered in v1 shape.
	out, _ = j.DispatchRequest(context.Background(), []byte(`{"method":"echo","params":[true],"id":6}`))
	obj = decodeObject(t, out)
	if _, has := obj["jsonrpc"]; has || !reflect.DeepEqual(obj["result"], []any{true}) {
		t.Fatalf("v1 response = %s", out)
	}

	// Notifications are still answered, with a null id.
	out, _ = j.DispatchRequest(context.Background(), []byte(`{"jsonrpc":"2.0","method":"echo","params":[]}`))
	obj = decodeObject(t, out)
	if id, has := obj["id"]; !has || id != nil {
		t.Fatalf("notification response = %s", out)
	}
}

func TestJSONWholeFloatsOnWire(t *testing.T) {
	j := NewJSONRPC()
	doc, err := j.EncodeRequest("m", []any{2.0, []float64{0, 1}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(doc), `"params":[2.0,[0.0,1.0]]`) {
		t.Fatalf("request = %s", doc)
	}

	j.Register("echo", echo)
	out, err := j.DispatchRequest(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"result":[2.0,[0.0,1.0]]`) {
		t.Fatalf("response = %s", out)
	}
}

func TestXMLFIFO(t *testing.T) {
	x := NewXMLRPC()
	if _, err := x.EncodeRequest("a", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := x.EncodeRequest("b", nil, nil); err != nil {
		t.Fatal(err)
	}
	if x.Pending() != 2 {
		t.Fatalf("pending = %d", x.Pending())
	}

	first, _ := codec.EncodeMethodResponse("A")
	second, _ := codec.EncodeMethodResponse("B")
	for _, tc := range []struct {
		doc  []byte
		want string
	}{{first, "A"}, {second, "B"}} {
		resp, err := x.DecodeResponse(tc.doc)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Result != tc.want {
			t.Fatalf("result = %v, want %s", resp.Result, tc.want)
		}
	}

	if _, err := x.DecodeResponse(first); !errors.Is(err, ErrUnexpectedResponse) {
		t.Fatalf("err = %v, want ErrUnexpectedResponse", err)
	}
}

func TestXMLRejectsNamedArgs(t *testing.T) {
	x := NewXMLRPC()
	if _, err := x.EncodeRequest("m", nil, map[string]any{"a": 1}); !errors.Is(err, ErrNamedArgsUnsupported) {
		t.Fatalf("err = %v", err)
	}
	if x.Pending() != 0 {
		t.Fatal("rejected call left pending")
	}
}

func TestXMLDispatch(t *testing.T) {
	x := NewXMLRPC()
	x.Register("echo", echo)
	x.Register("fault", func(context.Context, []any, map[string]any) (any, error) {
		return nil, message.NewFault(42, "A Fault")
	})
	x.Register("boom", func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("something broke")
	})

	call := func(method string, args ...any) (any, error) {
		doc, err := codec.EncodeMethodCall(method, args)
		if err != nil {
			t.Fatal(err)
		}
		out, err := x.DispatchRequest(context.Background(), doc)
		if err != nil {
			t.Fatal(err)
		}
		return codec.DecodeMethodResponse(out)
	}

	got, err := call("echo", 1, "two")
	if err != nil || !reflect.DeepEqual(got, []any{int64(1), "two"}) {
		t.Fatalf("echo = %#v %v", got, err)
	}

	_, err = call("fault")
	if f, ok := message.AsFault(err); !ok || f.Code != 42 || f.Message != "A Fault" {
		t.Fatalf("fault = %v", err)
	}

	_, err = call("nope")
	if f, ok := message.AsFault(err); !ok || f.Code != CodeGenericFault || !strings.Contains(f.Message, "not supported") {
		t.Fatalf("not found = %v", err)
	}

	_, err = call("boom")
	if f, ok := message.AsFault(err); !ok || f.Code != CodeGenericFault || !strings.Contains(f.Message, "something broke") {
		t.Fatalf("internal = %v", err)
	}
}

func TestXMLDispatchMalformed(t *testing.T) {
	if _, err := NewXMLRPC().DispatchRequest(context.Background(), []byte("<methodResponse/>")); err == nil {
		t.Fatal("expected error for a non-call document")
	}
}

func TestRegisterReplaces(t *testing.T) {
	x := NewXMLRPC()
	x.Register("v", func(context.Context, []any, map[string]any) (any, error) { return 1, nil })
	x.Register("v", func(context.Context, []any, map[string]any) (any, error) { return 2, nil })

	doc, _ := codec.EncodeMethodCall("v", nil)
	out, _ := x.DispatchRequest(context.Background(), doc)
	got, _ := codec.DecodeMethodResponse(out)
	if got != int64(2) {
		t.Fatalf("got %v, want last registration", got)
	}
}

func TestUnencodableResult(t *testing.T) {
	j := NewJSONRPC()
	j.Register("ch", func(context.Context, []any, map[string]any) (any, error) { return make(chan int), nil })

	out, _ := j.DispatchRequest(context.Background(), []byte(`{"jsonrpc":"2.0","method":"ch","params":[],"id":1}`))
	if code := errorCode(t, decodeObject(t, out)); code != CodeInternalError {
		t.Fatalf("code = %d", code)
	}
}

func TestUseMiddleware(t *testing.T) {
	j := NewJSONRPC()
	j.Register("echo", echo)
	j.Use(middleware.RecoverMiddleware())
	j.Register("panic", func(context.Context, []any, map[string]any) (any, error) { panic("no") })

	var seen []string
	j.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			seen = append(seen, req.Method)
			return next(ctx, req)
		}
	})

	j.DispatchRequest(context.Background(), []byte(`{"jsonrpc":"2.0","method":"echo","params":[],"id":1}`))
	out, _ := j.DispatchRequest(context.Background(), []byte(`{"jsonrpc":"2.0","method":"panic","params":[],"id":2}`))
	if code := errorCode(t, decodeObject(t, out)); code != CodeInternalError {
		t.Fatalf("panic not recovered: %s", out)
	}
	if strings.Join(seen, ",") != "echo,panic" {
		t.Fatalf("middleware saw %v", seen)
	}
}
