// Package direct provides a direct event publisher that writes to storage.
package direct

import (
	"context"
	"fmt"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
)

// Publisher implements ports.EventPublisher by appending run events to the
// ledger store.
type Publisher struct {
	store ports.LedgerStore
}

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.LedgerStore) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("storage provider required")
	}
	return &Publisher{store: store}, nil
}

// Publish writes a run event directly to storage.
func (p *Publisher) Publish(ctx context.Context, event *domain.RunEvent) error {
	if event == nil {
		return nil
	}
	return p.store.AppendRunEvent(ctx, event)
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}
