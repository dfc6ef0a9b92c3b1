// Package ports defines the core interfaces for the relay.
package ports

import (
	"context"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// AuthProvider manages authentication and authorization.
// Implementations: API key (default).
type AuthProvider interface {
	Authenticate(ctx context.Context, token string) (*AuthContext, error)
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
}

// AuthContext contains authenticated request context.
type AuthContext struct {
	TenantID string
	Metadata map[string]string
}

// Tenant represents a studio using the relay.
type Tenant struct {
	ID   string
	Name string
}

// EventPublisher publishes run lifecycle events.
// Implementations: in-process bus (default), direct storage.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.RunEvent) error
	Close() error
}

// EventSubscriber delivers published run events to live observers.
type EventSubscriber interface {
	// Subscribe returns a channel of events matching filter and a function
	// that releases the subscription.
	Subscribe(filter func(*domain.RunEvent) bool) (<-chan *domain.RunEvent, func())
}

// QualityPolicy enforces per-tenant request admission.
// Implementations: basic (no limits), token bucket.
type QualityPolicy interface {
	CheckRequest(ctx context.Context, req *PolicyRequest) (*PolicyDecision, error)
	RecordUsage(ctx context.Context, usage *UsageRecord) error
}

// PolicyRequest contains request context for policy checks.
type PolicyRequest struct {
	TenantID string
	Route    string
}

// PolicyDecision is the result of a policy check.
type PolicyDecision struct {
	Allow         bool
	Reason        string
	RetryAfter    int // seconds
	RateLimitInfo *RateLimitInfo
}

// RateLimitInfo contains rate limit information.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   int64 // Unix timestamp
}

// UsageRecord tracks billed resource usage for quota policies.
type UsageRecord struct {
	TenantID    string
	RunID       string
	TotalTokens int
	Credits     int64
}
