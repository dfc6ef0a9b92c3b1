// Package domain holds the relay's core types: runs, tool calls, the credit
// ledger and the events exchanged between components.
package domain

import (
	"encoding/json"
	"time"
)

// RunStatus is a run's lifecycle state as reported by the assistant backend.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCancelling     RunStatus = "cancelling"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusIncomplete     RunStatus = "incomplete"
	RunStatusExpired        RunStatus = "expired"

	// RunStatusTimedOut is set locally when reconciliation exceeds its deadline.
	// The backend never reports it.
	RunStatusTimedOut RunStatus = "timed_out"
)

// IsTerminal reports whether no further transitions are expected.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled,
		RunStatusIncomplete, RunStatusExpired, RunStatusTimedOut:
		return true
	}
	return false
}

// Usage holds the token counters the backend reports for a run.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RunSnapshot is the relay's last known view of a run.
type RunSnapshot struct {
	ThreadID       string    `json:"thread_id"`
	RunID          string    `json:"run_id,omitempty"`
	TenantID       string    `json:"tenant_id,omitempty"`
	Status         RunStatus `json:"status"`
	Usage          *Usage    `json:"usage,omitempty"`
	Credits        *int64    `json:"credits,omitempty"`
	ImageGenerated bool      `json:"image_generated"`
	Billed         bool      `json:"billed"`
	LedgerError    string    `json:"ledger_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ToolName identifies a locally executed tool the backend can request.
type ToolName string

const (
	ToolWebSearch      ToolName = "web_search"
	ToolGenerateImage  ToolName = "generate_image"
	ToolGenerateImage2 ToolName = "generate_image_alt"
	ToolRecognizeImage ToolName = "recognize_image"
)

// Engine names recorded in the attribution cache.
const (
	EngineStability = "Stability AI"
	EngineDallE     = "DALL-E"
)

// ToolCall is one pending function call from a run's required action.
type ToolCall struct {
	ID        string   `json:"id"`
	Name      ToolName `json:"name"`
	Arguments string   `json:"arguments"`
}

// ToolOutput answers a single tool call.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// ToolArgs is the decoded argument object of a tool call. The assistant is
// not consistent about the key it puts the request text under.
type ToolArgs map[string]any

// ParseToolArgs decodes a tool call's JSON arguments. Non-object arguments
// are treated as raw request text.
func ParseToolArgs(raw string) ToolArgs {
	var args ToolArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return ToolArgs{"request": raw}
	}
	return args
}

// Text returns the request text of the call.
func (a ToolArgs) Text() string {
	for _, key := range []string{"request", "query", "content", "prompt"} {
		if v, ok := a[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ImageResult is the output payload of an image-generation tool.
type ImageResult struct {
	ImageURL string `json:"image_url"`
	Engine   string `json:"engine"`
}

// Envelope is one newline-delimited JSON line on the relay stream.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EventProcessingCompleted is the relay's own final stream event.
const EventProcessingCompleted = "thread.processing.completed"

// ProcessingCompleted is the payload of the final envelope the relay emits.
type ProcessingCompleted struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
}
