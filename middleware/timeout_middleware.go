package middleware

import (
	"context"
	"errors"
	"time"

	"stream-rpc/message"
)

var ErrTimeout = errors.New("request timed out")

// TimeOutMiddleware answers with ErrTimeout when the handler outlives timeout.
// The handler keeps running with a cancelled context; its late result is discarded.
// The connection moves on to the next request meanwhile, so a handler that
// ignores its context may still be running while the next one starts.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return failed(req, ErrTimeout)
			}
		}
	}
}
