package relay

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tjfontaine/cinetech-relay/internal/api/assistants"
	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/state"
)

const defaultMessagesPageLimit = 100

// UsageSummary is reported for runs in a terminal state.
type UsageSummary struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Credits          *int64 `json:"credits,omitempty"`
	Billed           bool   `json:"billed"`
	LedgerError      string `json:"ledger_error,omitempty"`
}

// ThreadStatus is a thread's messages in chronological order plus the state
// of its latest or requested run.
type ThreadStatus struct {
	Messages []assistants.Message `json:"messages"`
	Status   domain.RunStatus     `json:"status,omitempty"`
	Usage    *UsageSummary        `json:"usage,omitempty"`
}

// CancelResult reports the outcome of a cancel request.
type CancelResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StatusService answers read-side queries about threads and runs.
type StatusService struct {
	backend     Backend
	runs        *state.Runs
	attribution *state.Attribution
	pageLimit   int
	logger      *slog.Logger
}

func NewStatusService(backend Backend, runs *state.Runs, attribution *state.Attribution, pageLimit int, logger *slog.Logger) *StatusService {
	if logger == nil {
		logger = slog.Default()
	}
	if pageLimit <= 0 || pageLimit > defaultMessagesPageLimit {
		pageLimit = defaultMessagesPageLimit
	}
	return &StatusService{
		backend:     backend,
		runs:        runs,
		attribution: attribution,
		pageLimit:   pageLimit,
		logger:      logger,
	}
}

// Owner returns the tenant that submitted runID, or the thread's latest run
// when runID is empty or unknown. ok is false when neither is tracked.
func (s *StatusService) Owner(threadID, runID string) (string, bool) {
	if runID != "" {
		if snap, ok := s.runs.ByRun(runID); ok {
			return snap.TenantID, true
		}
	}
	snap, ok := s.runs.ByThread(threadID)
	if !ok {
		return "", false
	}
	return snap.TenantID, true
}

// Thread returns every message of threadID and the status of runID, or of
// the thread's latest known run when runID is empty.
func (s *StatusService) Thread(ctx context.Context, threadID, runID string) (*ThreadStatus, error) {
	messages, err := s.messages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	out := &ThreadStatus{Messages: messages}

	var (
		snap  domain.RunSnapshot
		known bool
	)
	if runID != "" {
		snap, known = s.runs.ByRun(runID)
	} else {
		snap, known = s.runs.ByThread(threadID)
	}
	if known {
		out.Status = snap.Status
	}

	usage := snap.Usage
	if runID != "" {
		run, err := s.backend.GetRun(ctx, threadID, runID)
		if err != nil {
			s.logger.Warn("failed to fetch run status, using last known state",
				slog.String("thread_id", threadID),
				slog.String("run_id", runID),
				slog.String("error", err.Error()))
		} else {
			// Local terminal states are more specific than what the backend reports.
			if !(known && snap.Status == domain.RunStatusTimedOut) {
				out.Status = run.Status
			}
			if run.Usage != nil {
				usage = run.Usage
			}
		}
	}

	if out.Status.IsTerminal() {
		summary := &UsageSummary{
			Credits:     snap.Credits,
			Billed:      snap.Billed,
			LedgerError: snap.LedgerError,
		}
		if usage != nil {
			summary.PromptTokens = usage.PromptTokens
			summary.CompletionTokens = usage.CompletionTokens
			summary.TotalTokens = usage.TotalTokens
		}
		out.Usage = summary
	}
	return out, nil
}

func (s *StatusService) messages(ctx context.Context, threadID string) ([]assistants.Message, error) {
	var (
		all   []assistants.Message
		after string
	)
	for {
		page, err := s.backend.ListMessages(ctx, threadID, &assistants.ListOptions{
			Limit: s.pageLimit,
			After: after,
		})
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		all = append(all, page.Data...)
		if !page.HasMore || page.LastID == "" || page.LastID == after {
			break
		}
		after = page.LastID
	}
	// Pages arrive newest first.
	slices.Reverse(all)
	if all == nil {
		all = []assistants.Message{}
	}
	return all, nil
}

// EngineInfo returns the engine that produced imageURL, if it is still
// remembered.
func (s *StatusService) EngineInfo(imageURL string) *string {
	if s.attribution == nil {
		return nil
	}
	engine, ok := s.attribution.Engine(imageURL)
	if !ok {
		return nil
	}
	return &engine
}

// Cancel asks the backend to cancel a run.
func (s *StatusService) Cancel(ctx context.Context, threadID, runID string) CancelResult {
	run, err := s.backend.CancelRun(ctx, threadID, runID)
	if err != nil {
		s.logger.Warn("failed to cancel run",
			slog.String("thread_id", threadID),
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
		return CancelResult{Error: err.Error()}
	}
	status := run.Status
	if status == "" {
		status = domain.RunStatusCancelling
	}
	if _, ok := s.runs.Update(runID, func(snap *domain.RunSnapshot) { snap.Status = status }); !ok {
		s.runs.SetStatus(threadID, runID, status)
	}
	return CancelResult{Success: true}
}
