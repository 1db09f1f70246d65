package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stream-rpc/message"
	"stream-rpc/protocol"
	"stream-rpc/server"
)

// registrar is the registration surface shared by server.Server and
// piperpc.Server.
type registrar interface {
	Register(name string, h protocol.Handler)
}

func echo(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if len(kwargs) > 0 {
		return kwargs, nil
	}
	if len(args) == 1 {
		return args[0], nil
	}
	return args, nil
}

func add(xs ...float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum
}

func concat(parts []string, sep string) string {
	return strings.Join(parts, sep)
}

// fail returns the fault a caller asks for, to exercise fault handling.
func fail(code int, msg string) error {
	return message.NewFault(code, msg)
}

func sleep(ctx context.Context, seconds float64) (bool, error) {
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// registerDemo binds the demo methods. The set is static, so a failure is a
// programming error.
func registerDemo(r registrar, name string) {
	r.Register("echo", echo)
	funcs := map[string]any{
		"add":          add,
		"concat":       concat,
		"fault":        fail,
		"sleep":        sleep,
		"system.ping":  func() string { return "pong" },
		"system.name":  func() string { return name },
		"system.clock": func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
	for method, fn := range funcs {
		h, err := server.Func(fn)
		if err != nil {
			panic(fmt.Sprintf("demo handler %s: %v", method, err))
		}
		r.Register(method, h)
	}
}
