package ports

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// LedgerStore persists per-run usage and run lifecycle events.
// Implementations: SQL (sqlite, postgres, mysql), in-memory.
type LedgerStore interface {
	// UpsertUsage inserts or replaces the record keyed by RunID. Repeating
	// the call leaves exactly one record holding the latest values; the
	// original CreatedAt is preserved.
	UpsertUsage(ctx context.Context, rec *domain.UsageRecord) error

	// GetUsage retrieves the record for runID or ErrNotFound.
	GetUsage(ctx context.Context, runID string) (*domain.UsageRecord, error)

	// ListUsage lists records newest first.
	ListUsage(ctx context.Context, opts UsageListOptions) ([]*domain.UsageRecord, error)

	// TenantTotals aggregates records for a tenant.
	TenantTotals(ctx context.Context, tenantID string) (*domain.TenantTotals, error)

	// AppendRunEvent records a lifecycle event.
	AppendRunEvent(ctx context.Context, event *domain.RunEvent) error

	// ListRunEvents returns events for runID in timestamp order.
	ListRunEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error)

	Close() error
}

// UsageListOptions filters ListUsage.
type UsageListOptions struct {
	TenantID string
	ThreadID string
	Since    time.Time
	Limit    int
	Offset   int
}

// BlobStore persists generated media and returns a fetchable URL.
// Implementations: local directory, S3.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) (url string, err error)
}
