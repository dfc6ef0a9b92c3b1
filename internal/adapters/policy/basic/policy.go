// Package basic provides the open admission policy used when rate limiting
// is disabled. It admits every request and keeps a running tally of the
// credits billed to each tenant since start.
package basic

import (
	"context"
	"sync"

	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
)

// Policy admits every request.
type Policy struct {
	mu      sync.Mutex
	credits map[string]int64
	runs    map[string]int64
}

// NewPolicy creates an open admission policy.
func NewPolicy() *Policy {
	return &Policy{
		credits: make(map[string]int64),
		runs:    make(map[string]int64),
	}
}

// CheckRequest admits the request.
func (p *Policy) CheckRequest(ctx context.Context, req *ports.PolicyRequest) (*ports.PolicyDecision, error) {
	return &ports.PolicyDecision{Allow: true, Reason: "open admission"}, nil
}

// RecordUsage adds a billed run to the tenant's tally.
func (p *Policy) RecordUsage(ctx context.Context, usage *ports.UsageRecord) error {
	if usage == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credits[usage.TenantID] += usage.Credits
	p.runs[usage.TenantID]++
	return nil
}

// Billed returns the credits and run count recorded for tenantID.
func (p *Policy) Billed(tenantID string) (credits, runs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.credits[tenantID], p.runs[tenantID]
}
