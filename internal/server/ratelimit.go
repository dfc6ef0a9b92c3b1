package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
)

// rateLimitContextKey is the context key for rate limit info
type rateLimitContextKey struct{}

// RateLimitInfo is the admission state written back as x-ratelimit-* headers.
type RateLimitInfo struct {
	RequestsLimit     int
	RequestsRemaining int
	RequestsReset     string
}

// SetRateLimits stores rate limit info in context for the middleware to write as headers.
func SetRateLimits(ctx context.Context, rl *RateLimitInfo) context.Context {
	return context.WithValue(ctx, rateLimitContextKey{}, rl)
}

// GetRateLimits retrieves rate limit info from context.
// Returns nil if no rate limits are set.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	if rl, ok := ctx.Value(rateLimitContextKey{}).(*RateLimitInfo); ok {
		return rl
	}
	return nil
}

// RateLimitMiddleware asks policy to admit each request for the
// authenticated tenant. Rejected requests get 429 with Retry-After; admitted
// ones get x-ratelimit-* headers and the bucket state in their context.
func RateLimitMiddleware(policy ports.QualityPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if policy == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := policy.CheckRequest(r.Context(), &ports.PolicyRequest{
				TenantID: TenantID(r.Context()),
				Route:    r.URL.Path,
			})
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx := r.Context()
			if info := decision.RateLimitInfo; info != nil {
				rl := &RateLimitInfo{
					RequestsLimit:     info.Limit,
					RequestsRemaining: info.Remaining,
				}
				if info.ResetAt > 0 {
					rl.RequestsReset = time.Unix(info.ResetAt, 0).UTC().Format(time.RFC3339)
				}
				ctx = SetRateLimits(ctx, rl)
			}

			writeRateLimitHeaders(w.Header(), GetRateLimits(ctx))
			if !decision.Allow {
				if decision.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
				}
				AddLogField(ctx, "rate_limited", decision.Reason)
				WriteError(w, domain.ErrRateLimit(decision.Reason))
				return
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeRateLimitHeaders(h http.Header, rl *RateLimitInfo) {
	if rl == nil {
		return
	}
	if rl.RequestsLimit > 0 {
		h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.RequestsLimit))
		// 0 remaining is meaningful once a limit is known
		h.Set("x-ratelimit-remaining-requests", strconv.Itoa(rl.RequestsRemaining))
	}
	if rl.RequestsReset != "" {
		h.Set("x-ratelimit-reset-requests", rl.RequestsReset)
	}
}
