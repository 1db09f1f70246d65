package client

import (
	"context"
	"net"
	"testing"

	"stream-rpc/codec"
	"stream-rpc/loadbalance"
	"stream-rpc/registry"
	"stream-rpc/server"
)

func benchmarkSerial(b *testing.B, newClient func(testing.TB) *Client) {
	c := newClient(b)
	b.Cleanup(func() { c.Close() })

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Call("math.add", 1, 2); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景1: 单连接串行调用
func BenchmarkSerialCallJSON(b *testing.B) {
	benchmarkSerial(b, func(t testing.TB) *Client {
		cs, ss := pipePair(t)
		startServer(t, ss)
		return NewJSON(cs)
	})
}

func BenchmarkSerialCallXML(b *testing.B) {
	benchmarkSerial(b, func(t testing.TB) *Client {
		cs, ss := pipePair(t)
		startServer(t, ss)
		return NewXML(cs)
	})
}

// 场景2: 多 goroutine 并发调用，每个调用独占池里的一条连接
func BenchmarkPoolConcurrentCall(b *testing.B) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	tcp := server.NewTCPServer(registerTestHandlers)
	go tcp.Serve(l)
	reg := registry.NewStaticRegistryFrom("Bench", registry.ServiceInstance{Addr: l.Addr().String(), Weight: 1})

	pool := NewPool(8, func() (*Client, error) {
		return Dial(context.Background(), reg, &loadbalance.RoundRobinBalancer{}, "Bench")
	})
	b.Cleanup(func() {
		pool.Close()
		tcp.Shutdown(0)
	})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := pool.Invoke("math.add", []any{1, 2}, nil); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// 场景3: 纯编解码，不走连接
func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCodec(b, codec.GetCodec(codec.CodecTypeJSON))
}

func BenchmarkCodecXML(b *testing.B) {
	benchmarkCodec(b, codec.GetCodec(codec.CodecTypeXML))
}

func benchmarkCodec(b *testing.B, cdc codec.Codec) {
	v := map[string]any{"a": int64(1), "b": []any{"x", 2.5, true}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.Marshal(v)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := cdc.Unmarshal(data); err != nil {
			b.Fatal(err)
		}
	}
}
