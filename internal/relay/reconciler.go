package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/cinetech-relay/internal/api/assistants"
	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
	"github.com/tjfontaine/cinetech-relay/internal/retry"
	"github.com/tjfontaine/cinetech-relay/internal/state"
	"github.com/tjfontaine/cinetech-relay/internal/telemetry"
	"github.com/tjfontaine/cinetech-relay/internal/tokens"
)

const (
	defaultPollInterval   = time.Second
	defaultMaxRunDuration = 10 * time.Minute
	ledgerWriteTimeout    = 30 * time.Second
	estimateMessageWindow = 20
)

// ReconcilerConfig tunes the per-run polling loop.
type ReconcilerConfig struct {
	PollInterval   time.Duration
	MaxRunDuration time.Duration
	Ledger         retry.Policy
	EstimateModel  string
	Pricing        domain.Pricing
}

// Reconciler follows each discovered run until it reaches a terminal state,
// drives the dispatcher while it requires action and bills it on completion.
type Reconciler struct {
	backend    Backend
	dispatcher *Dispatcher
	runs       *state.Runs
	flags      *state.Flags
	ledger     ports.LedgerStore
	events     ports.EventPublisher
	counter    *tokens.Counter
	cfg        ReconcilerConfig
	pricing    atomic.Pointer[domain.Pricing]
	logger     *slog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewReconciler creates a reconciler. Loops run until their run finishes,
// MaxRunDuration elapses or Stop is called.
func NewReconciler(backend Backend, dispatcher *Dispatcher, runs *state.Runs, flags *state.Flags,
	ledger ports.LedgerStore, events ports.EventPublisher, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxRunDuration <= 0 {
		cfg.MaxRunDuration = defaultMaxRunDuration
	}
	cfg.Ledger = cfg.Ledger.WithLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		backend:    backend,
		dispatcher: dispatcher,
		runs:       runs,
		flags:      flags,
		ledger:     ledger,
		events:     events,
		counter:    tokens.NewCounter(),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
	r.SetPricing(cfg.Pricing)
	return r
}

// SetPricing replaces the pricing applied to runs completing from now on.
func (r *Reconciler) SetPricing(p domain.Pricing) {
	r.pricing.Store(&p)
}

// Pricing returns the current pricing.
func (r *Reconciler) Pricing() domain.Pricing {
	return *r.pricing.Load()
}

// Start begins reconciling runID in the background. Concurrent starts for the
// same run share one loop.
func (r *Reconciler) Start(threadID, runID, tenantID string) {
	if r.ctx.Err() != nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, _, shared := r.group.Do(runID, func() (any, error) {
			r.active.Add(1)
			defer r.active.Add(-1)
			r.run(threadID, runID, tenantID)
			return nil, nil
		})
		if shared {
			r.logger.Debug("joined running reconciler", slog.String("run_id", runID))
		}
	}()
}

// Active returns the number of runs being reconciled.
func (r *Reconciler) Active() int {
	return int(r.active.Load())
}

// Stop cancels all loops and waits for them to exit or for ctx to end.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) run(threadID, runID, tenantID string) {
	logger := r.logger.With(
		slog.String("thread_id", threadID),
		slog.String("run_id", runID))

	var last domain.RunStatus
	if snap, ok := r.runs.ByRun(runID); ok {
		if snap.Billed || snap.Status == domain.RunStatusTimedOut {
			logger.Debug("run already settled")
			return
		}
		// A run seen ending unsuccessfully at discovery still gets its
		// terminal status_changed from the first poll.
		if snap.Status == domain.RunStatusCompleted || !snap.Status.IsTerminal() {
			last = snap.Status
		}
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.MaxRunDuration)
	defer cancel()
	defer r.dispatcher.Forget(runID)

	ctx, span := telemetry.StartSpan(ctx, "relay.reconcile",
		telemetry.String("thread_id", threadID),
		telemetry.String("run_id", runID))
	defer span.End()

	logger.Debug("reconciler started")
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if r.poll(ctx, logger, threadID, runID, tenantID, &last) {
			return
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				r.timeout(ctx, logger, threadID, runID, tenantID)
			} else {
				logger.Info("reconciler stopped before run finished", slog.String("status", string(last)))
			}
			return
		case <-ticker.C:
		}
	}
}

// poll observes the run once and reports whether the loop is done.
func (r *Reconciler) poll(ctx context.Context, logger *slog.Logger, threadID, runID, tenantID string, last *domain.RunStatus) bool {
	run, err := r.backend.GetRun(ctx, threadID, runID)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("failed to poll run", slog.String("error", err.Error()))
		}
		return false
	}

	snap := r.observe(threadID, runID, tenantID, run.Status)
	if run.Status != *last {
		logger.Info("run status changed",
			slog.String("from", string(*last)),
			slog.String("to", string(run.Status)))
		*last = run.Status
		r.publish(ctx, &domain.RunEvent{
			Type:     domain.RunEventStatusChanged,
			ThreadID: threadID,
			RunID:    runID,
			TenantID: tenantID,
			Status:   run.Status,
		})
	}

	switch {
	case run.Status == domain.RunStatusRequiresAction:
		if err := r.dispatcher.Handle(ctx, snap, run); err != nil {
			logger.Error("tool dispatch failed", slog.String("error", err.Error()))
		}
		return false
	case run.Status == domain.RunStatusCompleted:
		r.bill(ctx, logger, snap, run)
		return true
	case run.Status.IsTerminal():
		if run.LastError != nil {
			logger.Warn("run ended without completing",
				slog.String("status", string(run.Status)),
				slog.String("code", run.LastError.Code),
				slog.String("error", run.LastError.Message))
		}
		r.flags.Forget(runID)
		return true
	}
	return false
}

func (r *Reconciler) observe(threadID, runID, tenantID string, status domain.RunStatus) domain.RunSnapshot {
	snap, ok := r.runs.Update(runID, func(s *domain.RunSnapshot) {
		s.Status = status
		if s.TenantID == "" {
			s.TenantID = tenantID
		}
	})
	if !ok {
		snap = r.runs.Upsert(domain.RunSnapshot{
			ThreadID: threadID,
			RunID:    runID,
			TenantID: tenantID,
			Status:   status,
		})
	}
	return snap
}

func (r *Reconciler) bill(ctx context.Context, logger *slog.Logger, snap domain.RunSnapshot, run *assistants.Run) {
	usage := run.Usage
	if usage == nil || usage.TotalTokens == 0 {
		est := r.estimate(ctx, logger, snap.ThreadID, snap.RunID)
		usage = &est
		logger.Info("run usage estimated", slog.Int("total_tokens", est.TotalTokens))
	}

	imageGenerated := r.flags.TakeImage(snap.RunID)
	charge := r.Pricing().Charge(*usage, imageGenerated)

	snap, _ = r.runs.Update(snap.RunID, func(s *domain.RunSnapshot) {
		s.Usage = usage
		s.ImageGenerated = imageGenerated
		s.Credits = &charge.Credits
	})
	record := domain.NewUsageRecord(snap, *usage, charge, imageGenerated, r.now().UTC())

	// The ledger write outlives shutdown and the run deadline.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	err := r.cfg.Ledger.Do(wctx, "ledger upsert", func(ctx context.Context) error {
		return r.ledger.UpsertUsage(ctx, record)
	})

	event := &domain.RunEvent{
		ThreadID: snap.ThreadID,
		RunID:    snap.RunID,
		TenantID: snap.TenantID,
		Status:   domain.RunStatusCompleted,
		Credits:  &charge.Credits,
	}
	if err != nil {
		logger.Error("failed to record run usage",
			slog.Int64("credits", charge.Credits),
			slog.String("error", err.Error()))
		r.runs.Update(snap.RunID, func(s *domain.RunSnapshot) {
			s.Billed = false
			s.LedgerError = err.Error()
		})
		event.Type = domain.RunEventBillingFailed
		event.Error = err.Error()
		r.publish(wctx, event)
		return
	}

	r.runs.Update(snap.RunID, func(s *domain.RunSnapshot) {
		s.Billed = true
		s.LedgerError = ""
	})
	logger.Info("run billed",
		slog.String("tenant_id", snap.TenantID),
		slog.Int("prompt_tokens", usage.PromptTokens),
		slog.Int("completion_tokens", usage.CompletionTokens),
		slog.Int64("credits", charge.Credits),
		slog.Bool("image_generated", imageGenerated),
		slog.String("total_cost", charge.TotalCost.String()))
	event.Type = domain.RunEventBilled
	r.publish(wctx, event)
}

// estimate counts tokens over the thread's recent messages: user turns as
// prompt and the run's assistant replies as completion.
func (r *Reconciler) estimate(ctx context.Context, logger *slog.Logger, threadID, runID string) domain.Usage {
	list, err := r.backend.ListMessages(ctx, threadID, &assistants.ListOptions{Limit: estimateMessageWindow, Order: "desc"})
	if err != nil {
		logger.Warn("failed to list messages for usage estimate", slog.String("error", err.Error()))
		return domain.Usage{}
	}

	var prompt, completion []string
	for i := range list.Data {
		msg := &list.Data[i]
		switch {
		case msg.Role == "assistant" && msg.RunID == runID:
			completion = append(completion, msg.Text())
		case msg.Role == "user":
			prompt = append(prompt, msg.Text())
		}
	}
	return r.counter.EstimateUsage(r.cfg.EstimateModel, prompt, completion)
}

func (r *Reconciler) timeout(ctx context.Context, logger *slog.Logger, threadID, runID, tenantID string) {
	logger.Warn("run exceeded maximum duration", slog.Duration("max_run_duration", r.cfg.MaxRunDuration))
	r.runs.SetStatus(threadID, runID, domain.RunStatusTimedOut)
	r.flags.Forget(runID)
	r.publish(context.WithoutCancel(ctx), &domain.RunEvent{
		Type:     domain.RunEventTimedOut,
		ThreadID: threadID,
		RunID:    runID,
		TenantID: tenantID,
		Status:   domain.RunStatusTimedOut,
	})
}

func (r *Reconciler) publish(ctx context.Context, event *domain.RunEvent) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, event); err != nil {
		r.logger.Warn("failed to publish run event",
			slog.String("type", string(event.Type)),
			slog.String("run_id", event.RunID),
			slog.String("error", err.Error()))
	}
}
