// Package ratelimit provides a per-tenant token bucket quality policy.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
)

// Policy implements ports.QualityPolicy with one token bucket per tenant.
type Policy struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// NewPolicy creates a policy admitting rps requests per second per tenant
// with the given burst.
func NewPolicy(rps float64, burst int) *Policy {
	if burst < 1 {
		burst = 1
	}
	return &Policy{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

func (p *Policy) limiter(tenantID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[tenantID] = l
	}
	return l
}

// CheckRequest consumes one token from the tenant's bucket.
func (p *Policy) CheckRequest(ctx context.Context, req *ports.PolicyRequest) (*ports.PolicyDecision, error) {
	tenantID := ""
	if req != nil {
		tenantID = req.TenantID
	}

	l := p.limiter(tenantID)
	now := p.now()
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return &ports.PolicyDecision{Allow: false, Reason: "burst is zero"}, nil
	}

	info := &ports.RateLimitInfo{
		Limit:     p.burst,
		Remaining: int(math.Max(0, math.Floor(l.TokensAt(now)))),
		ResetAt:   now.Add(p.refill()).Unix(),
	}

	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &ports.PolicyDecision{
			Allow:         false,
			Reason:        "rate limit exceeded",
			RetryAfter:    int(math.Ceil(delay.Seconds())),
			RateLimitInfo: info,
		}, nil
	}

	return &ports.PolicyDecision{Allow: true, RateLimitInfo: info}, nil
}

// refill is how long an empty bucket takes to fill.
func (p *Policy) refill() time.Duration {
	if p.limit <= 0 || p.limit == rate.Inf {
		return 0
	}
	return time.Duration(float64(p.burst) / float64(p.limit) * float64(time.Second))
}

// RecordUsage is a no-op; admission is request-based.
func (p *Policy) RecordUsage(ctx context.Context, usage *ports.UsageRecord) error {
	return nil
}
