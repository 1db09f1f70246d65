package middleware

import (
	"context"
	"time"

	"stream-rpc/message"
)

// RetryMiddleware re-runs a handler whose error is marked temporary with
// message.Temporary, backing off exponentially from baseDelay.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !resp.Failed() || !message.IsTemporary(resp.Err) {
					return resp
				}
				select {
				case <-ctx.Done():
					return resp
				case <-time.After(baseDelay * time.Duration(1<<i)):
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
