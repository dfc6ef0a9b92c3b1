package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrRequestTimeout is the cause attached to a request context cancelled by
// Timeout.
var ErrRequestTimeout = errors.New("request exceeded server.request_timeout")

// Timeout bounds non-streaming routes to d. Handlers observe it through the
// request context; context.Cause reports ErrRequestTimeout. A non-positive d
// disables the bound.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeoutCause(r.Context(), d, ErrRequestTimeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
