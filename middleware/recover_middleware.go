package middleware

import (
	"context"
	"fmt"

	"stream-rpc/message"
)

// RecoverMiddleware turns a handler panic into an internal error response,
// leaving the connection usable.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					resp = failed(req, fmt.Errorf("panic in %s: %v", req.Method, r))
				}
			}()
			return next(ctx, req)
		}
	}
}
