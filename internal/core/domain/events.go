package domain

import "time"

// RunEventType identifies a run lifecycle event published on the event bus.
type RunEventType string

const (
	RunEventDiscovered     RunEventType = "run.discovered"
	RunEventStatusChanged  RunEventType = "run.status_changed"
	RunEventToolsSubmitted RunEventType = "run.tools_submitted"
	RunEventBilled         RunEventType = "run.billed"
	RunEventBillingFailed  RunEventType = "run.billing_failed"
	RunEventTimedOut       RunEventType = "run.timed_out"
)

// RunEvent is emitted by the background reconciler so that status readers
// and persistence do not have to poll shared state.
type RunEvent struct {
	ID        string       `json:"id"`
	Type      RunEventType `json:"type"`
	ThreadID  string       `json:"thread_id"`
	RunID     string       `json:"run_id"`
	TenantID  string       `json:"tenant_id,omitempty"`
	Status    RunStatus    `json:"status"`
	Credits   *int64       `json:"credits,omitempty"`
	Tools     []ToolName   `json:"tools,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Final reports whether no more events will follow for the run.
func (e RunEvent) Final() bool {
	switch e.Type {
	case RunEventBilled, RunEventBillingFailed, RunEventTimedOut:
		return true
	case RunEventStatusChanged:
		return e.Status.IsTerminal() && e.Status != RunStatusCompleted
	}
	return false
}
