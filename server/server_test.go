package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"stream-rpc/codec"
	"stream-rpc/message"
	"stream-rpc/middleware"
	"stream-rpc/protocol"
	"stream-rpc/registry"
	"stream-rpc/split"
	"stream-rpc/transport"
)

// peer is the client side of a connection to a Server under test.
type peer struct {
	in  *os.File // reads what the server writes
	out *os.File // written to the server
}

func newPeer(t *testing.T) (*peer, *transport.Stream) {
	t.Helper()
	peerIn, serverOut, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	serverIn, peerOut, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	stream, err := transport.Pipe(serverIn, serverOut)
	if err != nil {
		t.Fatal(err)
	}
	p := &peer{in: peerIn, out: peerOut}
	t.Cleanup(func() {
		p.in.Close()
		p.out.Close()
	})
	return p, stream
}

func (p *peer) send(t *testing.T, doc string) {
	t.Helper()
	if _, err := io.WriteString(p.out, doc); err != nil {
		t.Fatal(err)
	}
}

func add(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return args[0].(int64) + args[1].(int64), nil
}

func serve(s *Server) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.ServeForever(context.Background()) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func TestServeJSON(t *testing.T) {
	p, stream := newPeer(t)
	s := New(stream)
	s.Register("add", add)
	done := serve(s)

	responses := split.New(p.in, split.JSON)
	p.send(t, `{"jsonrpc": "2.0", "method": "add", "params": [1, 2], "id": 7}`)
	doc, err := responses.Next()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(doc), `{"jsonrpc":"2.0","result":3,"id":7}`; got != want {
		t.Fatalf("response = %s, want %s", got, want)
	}
	if s.Protocol() != split.JSON {
		t.Fatalf("protocol = %q", s.Protocol())
	}

	// A v1 request on the same connection is answered in v1.
	p.send(t, `{"method": "add", "params": [2, 2], "id": 8}`)
	doc, err = responses.Next()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(doc), "jsonrpc") {
		t.Fatalf("v1 response carries a version: %s", doc)
	}

	p.out.Close()
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestServeXML(t *testing.T) {
	p, stream := newPeer(t)
	s := New(stream)
	s.Register("add", add)
	done := serve(s)

	call, err := codec.EncodeMethodCall("add", []any{int64(20), int64(22)})
	if err != nil {
		t.Fatal(err)
	}
	p.send(t, string(call))
	doc, err := split.New(p.in, split.XML).Next()
	if err != nil {
		t.Fatal(err)
	}
	result, err := codec.DecodeMethodResponse(doc)
	if err != nil || result != int64(42) {
		t.Fatalf("result = %v, %v", result, err)
	}

	p.out.Close()
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestQueuedRegistrations(t *testing.T) {
	p, stream := newPeer(t)
	s := New(stream)
	s.Register("name", func(context.Context, []any, map[string]any) (any, error) { return "first", nil })
	s.Register("name", func(context.Context, []any, map[string]any) (any, error) { return "second", nil })
	s.Use(middleware.RecoverMiddleware())
	s.Register("panic", func(context.Context, []any, map[string]any) (any, error) { panic("oops") })
	done := serve(s)

	responses := split.New(p.in, split.JSON)
	p.send(t, `{"jsonrpc":"2.0","method":"name","params":[],"id":1}`)
	doc, err := responses.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(doc), `"result":"second"`) {
		t.Fatalf("later registration should win: %s", doc)
	}

	// Registrations after establishment are applied immediately.
	s.Register("late", func(context.Context, []any, map[string]any) (any, error) { return "late", nil })
	p.send(t, `{"jsonrpc":"2.0","method":"late","params":[],"id":2}`)
	if doc, err = responses.Next(); err != nil || !strings.Contains(string(doc), `"result":"late"`) {
		t.Fatalf("late registration: %s %v", doc, err)
	}

	p.send(t, `{"jsonrpc":"2.0","method":"panic","params":[],"id":3}`)
	if doc, err = responses.Next(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(doc), `"code":-32000`) || !strings.Contains(string(doc), "oops") {
		t.Fatalf("panic should become an internal error: %s", doc)
	}

	p.out.Close()
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestServeZeroBytes(t *testing.T) {
	p, stream := newPeer(t)
	s := New(stream)
	done := serve(s)

	p.out.Close()
	if err := wait(t, done); err != nil {
		t.Fatalf("ServeForever = %v, want nil", err)
	}
	if !stream.Closed() {
		t.Fatal("stream left open")
	}
	// The server's write end is closed, so the peer sees end of input.
	if n, err := p.in.Read(make([]byte, 1)); n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("peer read = %d, %v", n, err)
	}
}

func TestProcessOneEndOfStream(t *testing.T) {
	p, stream := newPeer(t)
	s := New(stream)
	p.out.Close()
	if err := s.ProcessOne(context.Background()); !errors.Is(err, message.ErrEndOfStream) {
		t.Fatalf("err = %v, want ErrEndOfStream", err)
	}
	if !stream.Closed() {
		t.Fatal("stream left open")
	}
}

func TestUnknownProtocolIsFatal(t *testing.T) {
	p, stream := newPeer(t)
	s := New(stream)
	done := serve(s)

	p.send(t, "hello")
	err := wait(t, done)
	if !errors.Is(err, transport.ErrUnknownProtocol) {
		t.Fatalf("err = %v, want ErrUnknownProtocol", err)
	}
	if !stream.Closed() {
		t.Fatal("stream left open")
	}
}

func TestBrokenPipeEndsQuietly(t *testing.T) {
	p, stream := newPeer(t)
	s := New(stream)
	s.Register("add", add)

	p.send(t, `{"jsonrpc":"2.0","method":"add","params":[1,2],"id":1}`)
	p.in.Close()
	if err := s.ServeForever(context.Background()); err != nil {
		t.Fatalf("ServeForever = %v, want nil", err)
	}
}

func TestFixedProtocol(t *testing.T) {
	p, stream := newPeer(t)
	s := New(stream, WithProtocol(split.XML))
	s.Register("add", add)
	if s.Protocol() != "" {
		t.Fatalf("protocol before first request = %q", s.Protocol())
	}
	done := serve(s)

	// A JSON document on an XML connection is not a valid start.
	p.send(t, `{"method":"add"}`)
	if err := wait(t, done); !errors.Is(err, split.ErrInvalidDocument) {
		t.Fatalf("err = %v, want ErrInvalidDocument", err)
	}
}

func TestMaxDocumentSize(t *testing.T) {
	p, stream := newPeer(t)
	s := New(stream, WithMaxDocumentSize(32))
	s.Register("add", add)
	done := serve(s)

	p.send(t, `{"jsonrpc":"2.0","method":"add","params":[1,2],"id":1}`)
	if err := wait(t, done); !errors.Is(err, split.ErrDocumentTooLarge) {
		t.Fatalf("err = %v, want ErrDocumentTooLarge", err)
	}
}

func TestServeForeverContextCanceled(t *testing.T) {
	_, stream := newPeer(t)
	s := New(stream)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.ServeForever(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if !stream.Closed() {
		t.Fatal("stream left open")
	}
}

func TestFunc(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		fn      any
		args    []any
		kwargs  map[string]any
		want    any
		wantErr string
	}{
		{"ints", func(a, b int) int { return a + b }, []any{int64(1), int64(2)}, nil, 3, ""},
		{"context", func(ctx context.Context, s string) (string, error) { return strings.ToUpper(s), nil }, []any{"go"}, nil, "GO", ""},
		{"no result", func() {}, nil, nil, nil, ""},
		{"error only", func() error { return errors.New("bad") }, nil, nil, nil, "bad"},
		{"variadic", func(xs ...float64) float64 {
			var sum float64
			for _, x := range xs {
				sum += x
			}
			return sum
		}, []any{int64(1), 2.5}, nil, 3.5, ""},
		{"slice", func(xs []int) int { return len(xs) }, []any{[]any{int64(1), int64(2)}}, nil, 2, ""},
		{"pointer", func(p *int) int { return *p * 2 }, []any{int64(21)}, nil, 42, ""},
		{"map", func(m map[string]int) int { return m["a"] }, []any{map[string]any{"a": int64(5)}}, nil, 5, ""},
		{"kwargs", func(kw map[string]any) any { return kw["x"] }, nil, map[string]any{"x": "y"}, "y", ""},
		{"nil interface", func(v any) bool { return v == nil }, []any{nil}, nil, true, ""},
		{"arity", func(a int) int { return a }, []any{}, nil, nil, "takes 1 arguments (0 given)"},
		{"overflow", func(a int8) int8 { return a }, []any{int64(300)}, nil, nil, "cannot use int64 as int8"},
		{"whole float", func(a int) int { return a }, []any{float64(4)}, nil, 4, ""},
		{"fraction", func(a int) int { return a }, []any{1.5}, nil, nil, "cannot use float64 as int"},
		{"null", func(a string) string { return a }, []any{nil}, nil, nil, "cannot use null as string"},
		{"named rejected", func(a int) int { return a }, nil, map[string]any{"a": int64(1)}, nil, "named arguments are not accepted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Func(tt.fn)
			if err != nil {
				t.Fatal(err)
			}
			got, err := h(ctx, tt.args, tt.kwargs)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestFuncRejectsSignatures(t *testing.T) {
	for _, fn := range []any{
		42,
		(func())(nil),
		func() (int, int) { return 0, 0 },
		func() (int, int, error) { return 0, 0, nil },
	} {
		if _, err := Func(fn); err == nil {
			t.Errorf("Func(%T) accepted", fn)
		}
	}
}

type greeter struct{ greeting string }

func (g *greeter) Greet(name string) string { return fmt.Sprintf("%s, %s", g.greeting, name) }

func multiply(a, b int) int { return a * b }

func TestFuncName(t *testing.T) {
	g := &greeter{greeting: "hi"}
	if got := FuncName(multiply); got != "multiply" {
		t.Errorf("FuncName(multiply) = %q", got)
	}
	if got := FuncName(g.Greet); got != "Greet" {
		t.Errorf("FuncName(g.Greet) = %q", got)
	}
	if got := FuncName("nope"); got != "" {
		t.Errorf("FuncName(string) = %q", got)
	}
}

func TestRegisterFunc(t *testing.T) {
	p, stream := newPeer(t)
	s := New(stream)
	if err := s.RegisterFunc(multiply, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterFunc((&greeter{greeting: "hello"}).Greet, "greet"); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterFunc(7, "seven"); err == nil {
		t.Fatal("RegisterFunc accepted a non-function")
	}
	done := serve(s)

	responses := split.New(p.in, split.JSON)
	p.send(t, `{"jsonrpc":"2.0","method":"multiply","params":[6,7],"id":1}`)
	if doc, err := responses.Next(); err != nil || !strings.Contains(string(doc), `"result":42`) {
		t.Fatalf("multiply: %s %v", doc, err)
	}
	p.send(t, `{"jsonrpc":"2.0","method":"greet","params":["there"],"id":2}`)
	if doc, err := responses.Next(); err != nil || !strings.Contains(string(doc), `"result":"hello, there"`) {
		t.Fatalf("greet: %s %v", doc, err)
	}
	p.send(t, `{"jsonrpc":"2.0","method":"multiply","params":[6],"id":3}`)
	if doc, err := responses.Next(); err != nil || !strings.Contains(string(doc), `"code":-32000`) {
		t.Fatalf("bad arity: %s %v", doc, err)
	}

	p.out.Close()
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
}

func TestTCPServer(t *testing.T) {
	reg := registry.NewStaticRegistry()
	tcp := NewTCPServer(func(s *Server) { s.Register("add", add) })
	tcp.Announce(reg, "Arith", registry.ServiceInstance{Protocol: "json", Weight: 1}, 10)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- tcp.Serve(l) }()

	var instances []registry.ServiceInstance
	for i := 0; i < 100 && len(instances) == 0; i++ {
		time.Sleep(10 * time.Millisecond)
		instances, _ = reg.Discover("Arith")
	}
	if len(instances) != 1 || instances[0].Addr != l.Addr().String() {
		t.Fatalf("instances = %v", instances)
	}

	conn, err := net.Dial("tcp", instances[0].Addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, `{"jsonrpc":"2.0","method":"add","params":[40,2],"id":1}`); err != nil {
		t.Fatal(err)
	}
	doc, err := split.New(conn, split.JSON).Next()
	if err != nil || string(doc) != `{"jsonrpc":"2.0","result":42,"id":1}` {
		t.Fatalf("response = %s, %v", doc, err)
	}

	// The open connection is closed by Shutdown once the timeout passes.
	if err := tcp.Shutdown(50 * time.Millisecond); err == nil {
		t.Fatal("Shutdown should report connections left open")
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve = %v", err)
	}
	if left, _ := reg.Discover("Arith"); len(left) != 0 {
		t.Fatalf("instance not deregistered: %v", left)
	}
}

func TestJSONDispatchErrorsOnWire(t *testing.T) {
	p, stream := newPeer(t)
	s := New(stream)
	done := serve(s)

	responses := split.New(p.in, split.JSON)
	p.send(t, `{"jsonrpc":"2.0","method":"missing","params":[],"id":"a"}`)
	doc, err := responses.Next()
	if err != nil {
		t.Fatal(err)
	}
	var resp codec.JSONFailure
	if err := codec.DecodeJSON(doc, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error.Code != protocol.CodeMethodNotFound || resp.ID != "a" {
		t.Fatalf("response = %+v", resp)
	}

	p.out.Close()
	if err := wait(t, done); err != nil {
		t.Fatal(err)
	}
}
