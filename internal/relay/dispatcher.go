package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/cinetech-relay/internal/api/assistants"
	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
	"github.com/tjfontaine/cinetech-relay/internal/retry"
	"github.com/tjfontaine/cinetech-relay/internal/telemetry"
)

// Dispatcher answers the tool calls of runs that require action.
type Dispatcher struct {
	backend Backend
	tools   *Registry
	events  ports.EventPublisher
	submit  retry.Policy
	logger  *slog.Logger

	mu       sync.Mutex
	answered map[string]map[string]struct{}
}

// NewDispatcher creates a dispatcher. submit governs the tool output
// submission itself; per-tool retries are owned by the registry.
func NewDispatcher(backend Backend, tools *Registry, events ports.EventPublisher, submit retry.Policy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		backend:  backend,
		tools:    tools,
		events:   events,
		submit:   submit.WithLogger(logger),
		logger:   logger,
		answered: make(map[string]map[string]struct{}),
	}
}

// Handle reacts to an observed run state. Only requires_action does work:
// pending calls not seen before for the run are executed concurrently and
// the successful outputs are submitted in one batch.
func (d *Dispatcher) Handle(ctx context.Context, snap domain.RunSnapshot, run *assistants.Run) error {
	if run == nil || run.Status != domain.RunStatusRequiresAction {
		return nil
	}

	if run.RequiredAction == nil {
		detail, err := d.backend.GetRun(ctx, snap.ThreadID, run.ID)
		if err != nil {
			return fmt.Errorf("get run detail: %w", err)
		}
		run = detail
	}

	calls := d.claim(run.ID, run.PendingToolCalls())
	if len(calls) == 0 {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "relay.dispatch",
		telemetry.String("thread_id", snap.ThreadID),
		telemetry.String("run_id", run.ID))
	defer span.End()

	logger := d.logger.With(
		slog.String("thread_id", snap.ThreadID),
		slog.String("run_id", run.ID))

	results := make([]*domain.ToolOutput, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			out, ok := d.invoke(gctx, logger, snap.ThreadID, run.ID, call)
			if ok {
				results[i] = &domain.ToolOutput{ToolCallID: call.ID, Output: out}
			}
			return nil
		})
	}
	_ = g.Wait()

	outputs := make([]domain.ToolOutput, 0, len(results))
	names := make([]domain.ToolName, 0, len(results))
	for i, res := range results {
		if res == nil {
			continue
		}
		outputs = append(outputs, *res)
		names = append(names, calls[i].Name)
	}
	if len(outputs) == 0 {
		logger.Warn("no tool outputs to submit", slog.Int("calls", len(calls)))
		return nil
	}

	stream, err := retry.DoValue(ctx, d.submit, "submit tool outputs", func(ctx context.Context) (*assistants.EventStream, error) {
		return d.backend.SubmitToolOutputsStream(ctx, snap.ThreadID, run.ID, outputs)
	})
	if err != nil {
		return fmt.Errorf("submit tool outputs: %w", err)
	}
	go d.drain(logger, stream)

	logger.Info("tool outputs submitted",
		slog.Int("calls", len(calls)),
		slog.Int("outputs", len(outputs)))

	if d.events != nil {
		_ = d.events.Publish(ctx, &domain.RunEvent{
			Type:     domain.RunEventToolsSubmitted,
			ThreadID: snap.ThreadID,
			RunID:    run.ID,
			TenantID: snap.TenantID,
			Status:   run.Status,
			Tools:    names,
		})
	}
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, logger *slog.Logger, threadID, runID string, call domain.ToolCall) (string, bool) {
	logger = logger.With(
		slog.String("tool", string(call.Name)),
		slog.String("tool_call_id", call.ID))

	fn, ok := d.tools.Lookup(call.Name)
	if !ok {
		logger.Warn("unknown tool requested")
		return "", false
	}

	ctx, span := telemetry.StartSpan(ctx, "relay.tool."+string(call.Name),
		telemetry.String("tool_call_id", call.ID))
	defer span.End()

	out, err := fn(ctx, Invocation{
		ThreadID: threadID,
		RunID:    runID,
		Call:     call,
		Args:     domain.ParseToolArgs(call.Arguments),
	})
	telemetry.RecordError(span, err)
	switch {
	case errors.Is(err, ErrNoStagedFile):
		logger.Warn("image recognition requested without an uploaded file")
		return "", false
	case err != nil:
		logger.Error("tool call failed", slog.String("error", err.Error()))
		return "", false
	}
	return out, true
}

// claim returns the calls not previously claimed for runID and marks them.
func (d *Dispatcher) claim(runID string, calls []domain.ToolCall) []domain.ToolCall {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen, ok := d.answered[runID]
	if !ok {
		seen = make(map[string]struct{})
		d.answered[runID] = seen
	}
	fresh := calls[:0:0]
	for _, c := range calls {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		fresh = append(fresh, c)
	}
	return fresh
}

// Forget drops the de-duplication state of a finished run.
func (d *Dispatcher) Forget(runID string) {
	d.mu.Lock()
	delete(d.answered, runID)
	d.mu.Unlock()
}

func (d *Dispatcher) drain(logger *slog.Logger, stream *assistants.EventStream) {
	n, err := stream.Drain()
	if err != nil {
		logger.Warn("tool output stream ended with error",
			slog.Int("events", n),
			slog.String("error", err.Error()))
		return
	}
	logger.Debug("tool output stream drained", slog.Int("events", n))
}
