// Package state holds the relay's process-local keyed stores: the run table,
// staged uploads, image attribution and per-run flags. All stores are safe for
// concurrent use.
package state

import (
	"sync"
	"time"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
)

// Runs tracks the latest run per thread and every known run by ID.
type Runs struct {
	mu       sync.RWMutex
	byThread map[string]*domain.RunSnapshot
	byRun    map[string]*domain.RunSnapshot
	now      func() time.Time
}

// NewRuns creates an empty run table.
func NewRuns() *Runs {
	return &Runs{
		byThread: make(map[string]*domain.RunSnapshot),
		byRun:    make(map[string]*domain.RunSnapshot),
		now:      time.Now,
	}
}

// Upsert replaces the snapshot for snap's run and makes it the thread's latest.
func (r *Runs) Upsert(snap domain.RunSnapshot) domain.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap.UpdatedAt = r.now()
	stored := clone(snap)
	if snap.RunID != "" {
		if cur, ok := r.byRun[snap.RunID]; ok {
			*cur = *stored
			stored = cur
		} else {
			r.byRun[snap.RunID] = stored
		}
	}
	r.byThread[snap.ThreadID] = stored
	return *clone(*stored)
}

// SetStatus records status for a thread, and for runID when known.
func (r *Runs) SetStatus(threadID, runID string, status domain.RunStatus) domain.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var snap *domain.RunSnapshot
	if runID != "" {
		snap = r.byRun[runID]
	}
	if snap == nil {
		if cur, ok := r.byThread[threadID]; ok && (runID == "" || cur.RunID == runID) {
			snap = cur
		}
	}
	if snap == nil {
		snap = &domain.RunSnapshot{ThreadID: threadID, RunID: runID}
		if runID != "" {
			r.byRun[runID] = snap
		}
		r.byThread[threadID] = snap
	}
	snap.Status = status
	snap.UpdatedAt = r.now()
	return *clone(*snap)
}

// Update applies fn to the run's snapshot under the table lock.
func (r *Runs) Update(runID string, fn func(*domain.RunSnapshot)) (domain.RunSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.byRun[runID]
	if !ok {
		return domain.RunSnapshot{}, false
	}
	fn(snap)
	snap.UpdatedAt = r.now()
	return *clone(*snap), true
}

// ByThread returns the latest snapshot for a thread.
func (r *Runs) ByThread(threadID string) (domain.RunSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap, ok := r.byThread[threadID]
	if !ok {
		return domain.RunSnapshot{}, false
	}
	return *clone(*snap), true
}

// ByRun returns the snapshot for a run.
func (r *Runs) ByRun(runID string) (domain.RunSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap, ok := r.byRun[runID]
	if !ok {
		return domain.RunSnapshot{}, false
	}
	return *clone(*snap), true
}

// Len returns the number of tracked runs.
func (r *Runs) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRun)
}

// Evict drops terminal snapshots not updated since cutoff.
func (r *Runs) Evict(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, snap := range r.byRun {
		if snap.Status.IsTerminal() && snap.UpdatedAt.Before(cutoff) {
			delete(r.byRun, id)
			n++
		}
	}
	for id, snap := range r.byThread {
		if snap.Status.IsTerminal() && snap.UpdatedAt.Before(cutoff) {
			delete(r.byThread, id)
		}
	}
	return n
}

func clone(s domain.RunSnapshot) *domain.RunSnapshot {
	out := s
	if s.Usage != nil {
		u := *s.Usage
		out.Usage = &u
	}
	if s.Credits != nil {
		c := *s.Credits
		out.Credits = &c
	}
	return &out
}
