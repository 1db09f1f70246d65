// Package middleware wraps handler dispatch with cross-cutting behavior.
//
// A middleware sees every decoded request before its handler runs and the
// tagged response after. Errors placed in Response.Err are turned into
// wire faults by the protocol engine, so a middleware never writes to the
// stream itself.
package middleware

import (
	"context"

	"stream-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func failed(req *message.Request, err error) *message.Response {
	return &message.Response{ID: req.ID, Err: err}
}
