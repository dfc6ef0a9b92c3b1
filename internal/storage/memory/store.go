// Package memory provides an in-process ledger store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
)

// Store is an in-memory implementation of ports.LedgerStore.
type Store struct {
	mu     sync.RWMutex
	usage  map[string]*domain.UsageRecord
	events map[string][]*domain.RunEvent
}

var _ ports.LedgerStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		usage:  make(map[string]*domain.UsageRecord),
		events: make(map[string][]*domain.RunEvent),
	}
}

func (s *Store) UpsertUsage(ctx context.Context, rec *domain.UsageRecord) error {
	if rec == nil || rec.RunID == "" {
		return fmt.Errorf("usage record requires a run id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp := *rec
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	if existing, ok := s.usage[rec.RunID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	s.usage[rec.RunID] = &cp
	return nil
}

func (s *Store) GetUsage(ctx context.Context, runID string) (*domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.usage[runID]
	if !ok {
		return nil, fmt.Errorf("usage for run %s: %w", runID, ports.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) ListUsage(ctx context.Context, opts ports.UsageListOptions) ([]*domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.UsageRecord
	for _, rec := range s.usage {
		if opts.TenantID != "" && rec.TenantID != opts.TenantID {
			continue
		}
		if opts.ThreadID != "" && rec.ThreadID != opts.ThreadID {
			continue
		}
		if !opts.Since.IsZero() && rec.CreatedAt.Before(opts.Since) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TenantTotals(ctx context.Context, tenantID string) (*domain.TenantTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := &domain.TenantTotals{TenantID: tenantID, TotalCost: decimal.Zero}
	for _, rec := range s.usage {
		if rec.TenantID != tenantID {
			continue
		}
		totals.Runs++
		totals.TotalTokens += int64(rec.TotalTokens)
		totals.TotalCredits += rec.TotalCredits
		totals.TotalCost = totals.TotalCost.Add(rec.TotalCost)
	}
	return totals, nil
}

func (s *Store) AppendRunEvent(ctx context.Context, event *domain.RunEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("run event requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.events[event.RunID] = append(s.events[event.RunID], &cp)
	return nil
}

func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.events[runID]
	out := make([]*domain.RunEvent, len(src))
	for i, ev := range src {
		cp := *ev
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
