package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"stream-rpc/message"
)

// LoggingMiddleware logs every dispatched method with its duration.
// Failed calls are logged at warn level.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			if resp.Failed() {
				logger.Warn().
					Str("method", req.Method).
					Dur("duration", duration).
					Err(resp.Err).
					Msg("call failed")
				return resp
			}
			logger.Debug().
				Str("method", req.Method).
				Dur("duration", duration).
				Msg("call served")
			return resp
		}
	}
}
