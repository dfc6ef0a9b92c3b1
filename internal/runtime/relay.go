// Package runtime provides the Relay struct and lifecycle management for the
// assistant run relay.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/cinetech-relay/internal/adapters/auth/apikey"
	"github.com/tjfontaine/cinetech-relay/internal/adapters/events/direct"
	"github.com/tjfontaine/cinetech-relay/internal/adapters/policy/basic"
	"github.com/tjfontaine/cinetech-relay/internal/adapters/policy/ratelimit"
	"github.com/tjfontaine/cinetech-relay/internal/api/assistants"
	"github.com/tjfontaine/cinetech-relay/internal/api/search"
	"github.com/tjfontaine/cinetech-relay/internal/api/stability"
	"github.com/tjfontaine/cinetech-relay/internal/blob"
	"github.com/tjfontaine/cinetech-relay/internal/controlplane"
	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
	"github.com/tjfontaine/cinetech-relay/internal/events"
	"github.com/tjfontaine/cinetech-relay/internal/frontdoor"
	"github.com/tjfontaine/cinetech-relay/internal/frontdoor/assistant"
	"github.com/tjfontaine/cinetech-relay/internal/pkg/config"
	"github.com/tjfontaine/cinetech-relay/internal/relay"
	"github.com/tjfontaine/cinetech-relay/internal/server"
	"github.com/tjfontaine/cinetech-relay/internal/state"
	"github.com/tjfontaine/cinetech-relay/internal/storage"
)

// Relay is the main entry point for running the assistant relay. It owns
// configuration, the ledger, the run pipeline and the HTTP server. Relay can
// be embedded in larger applications or run standalone.
type Relay struct {
	// Dependencies (injected via options)
	config  ports.ConfigProvider
	auth    ports.AuthProvider
	ledger  ports.LedgerStore
	policy  ports.QualityPolicy
	blobs   ports.BlobStore
	backend relay.Backend
	sinks   []ports.EventPublisher
	logger  *slog.Logger

	// Built by Start
	bus         *events.Bus
	runs        *state.Runs
	staging     *state.Staging
	attribution *state.Attribution
	sweeper     *state.Sweeper
	reconciler  *relay.Reconciler
	initiator   *relay.Initiator
	status      *relay.StatusService
	handlers    []frontdoor.HandlerRegistration
	server      *server.Server

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	mu      sync.RWMutex
}

// New creates a Relay with the given options. A config provider is
// required; everything else defaults from the loaded configuration.
func New(opts ...Option) (*Relay, error) {
	r := &Relay{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if r.config == nil {
		return nil, errors.New("config provider required (use WithFileConfig or WithConfig)")
	}
	return r, nil
}

// Start loads configuration, builds the run pipeline and starts serving.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("relay already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	cfg, err := r.config.Load(r.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := r.initDependencies(cfg); err != nil {
		return fmt.Errorf("init dependencies: %w", err)
	}
	if err := r.initPipeline(cfg); err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	r.initServer(cfg)

	r.sweeper.Start()
	r.server.Start()
	r.started = true

	go r.watchConfig()

	r.logger.Info("relay started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("routes", len(r.handlers)),
		slog.Int("tenants", len(cfg.Tenants)))
	return nil
}

// Handler returns the root HTTP handler. It is nil before Start.
func (r *Relay) Handler() http.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.server == nil {
		return nil
	}
	return r.server.Router
}

// Shutdown stops the server, waits for in-flight reconcilers and releases
// resources.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info("shutting down relay")

	if r.cancel != nil {
		r.cancel()
	}

	var errs []error
	if r.server != nil {
		if err := r.server.Shutdown(ctx); err != nil {
			r.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if r.reconciler != nil {
		if err := r.reconciler.Stop(ctx); err != nil {
			r.logger.Warn("reconcilers still running at shutdown", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if r.sweeper != nil {
		r.sweeper.Stop()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil {
			r.logger.Error("failed to close event sink", slog.String("error", err.Error()))
		}
	}
	if r.ledger != nil {
		if err := r.ledger.Close(); err != nil {
			r.logger.Error("failed to close ledger", slog.String("error", err.Error()))
		}
	}
	if r.config != nil {
		if err := r.config.Close(); err != nil {
			r.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	r.started = false
	r.logger.Info("relay shutdown complete")
	return errors.Join(errs...)
}

// watchConfig watches for config changes and reloads.
func (r *Relay) watchConfig() {
	onChange := func(newCfg *config.Config) {
		r.logger.Info("config changed, reloading")
		if err := r.reload(newCfg); err != nil {
			r.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := r.config.Watch(r.ctx, onChange); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("config watch failed", slog.String("error", err.Error()))
	}
}

// reload applies the settings that can change without a restart: tenant
// API keys and pricing.
func (r *Relay) reload(cfg *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reloader, ok := r.auth.(interface{ ReloadFromConfig(*config.Config) error }); ok {
		if err := reloader.ReloadFromConfig(cfg); err != nil {
			return fmt.Errorf("reload auth: %w", err)
		}
	} else if r.auth == nil && len(cfg.Tenants) > 0 {
		r.logger.Warn("tenants added to a relay started without authentication; restart to enable it")
	}

	pricing, err := pricingFromConfig(cfg.Pricing)
	if err != nil {
		return fmt.Errorf("reload pricing: %w", err)
	}
	if r.reconciler != nil {
		r.reconciler.SetPricing(pricing)
	}

	r.logger.Info("reload complete",
		slog.Int("tenants", len(cfg.Tenants)),
		slog.String("credit_price", pricing.CreditPrice.String()))
	return nil
}

// initDependencies fills in every dependency not injected via options.
func (r *Relay) initDependencies(cfg *config.Config) error {
	if r.ledger == nil {
		store, err := storage.New(cfg.Storage)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		r.ledger = store
		r.logger.Info("ledger opened", slog.String("driver", cfg.Storage.Driver))
	}

	if r.auth == nil && len(cfg.Tenants) > 0 {
		provider, err := apikey.NewProvider(cfg)
		if err != nil {
			return fmt.Errorf("create apikey auth provider: %w", err)
		}
		r.auth = provider
		r.logger.Info("multi-tenant mode", slog.Int("tenant_count", provider.Tenants()))
	} else if r.auth == nil {
		r.logger.Info("single-tenant mode (no authentication)")
	}

	if r.policy == nil {
		if cfg.RateLimit.Enabled {
			r.policy = ratelimit.NewPolicy(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
			r.logger.Info("rate limiting enabled",
				slog.Float64("rps", cfg.RateLimit.RequestsPerSecond),
				slog.Int("burst", cfg.RateLimit.Burst))
		} else {
			r.policy = basic.NewPolicy()
		}
	}

	if r.blobs == nil {
		store, err := blob.New(r.ctx, cfg.Blob, r.logger)
		if err != nil {
			return fmt.Errorf("open blob store: %w", err)
		}
		r.blobs = store
	}

	return nil
}

// initPipeline builds the stores, tools, dispatcher, reconciler, initiator
// and status service.
func (r *Relay) initPipeline(cfg *config.Config) error {
	pricing, err := pricingFromConfig(cfg.Pricing)
	if err != nil {
		return err
	}

	r.bus = events.New(r.logger)
	ledgerSink, err := direct.NewPublisher(r.ledger)
	if err != nil {
		return fmt.Errorf("create ledger event sink: %w", err)
	}
	r.subscribeSink(ledgerSink)
	r.bus.On(domain.RunEventBilled, r.recordUsage)
	for _, sink := range r.sinks {
		r.subscribeSink(sink)
	}

	client := assistants.NewClient(cfg.Assistant.APIKey, assistantOptions(cfg.Assistant)...)
	if r.backend == nil {
		r.backend = client
	}

	r.runs = state.NewRuns()
	flags := state.NewFlags()
	r.attribution = state.NewAttribution(cfg.Relay.AttributionSize, cfg.Relay.AttributionTTL)
	r.staging, err = state.NewStaging(cfg.Relay.StagingDir, r.logger)
	if err != nil {
		return fmt.Errorf("create staging: %w", err)
	}
	r.sweeper, err = state.NewSweeper(r.staging, r.runs, state.SweeperConfig{
		Schedule:     cfg.Relay.SweepSchedule,
		StagingTTL:   cfg.Relay.StagingTTL,
		RunRetention: cfg.Relay.RunRetention,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("create sweeper: %w", err)
	}

	policies := retryPolicies(cfg.Relay, r.logger)

	primary := relay.NewBreakerEngine(
		relay.NewStabilityEngine(stability.NewClient(cfg.Stability.APIKey, stabilityOptions(cfg.Stability)...), r.blobs),
		cfg.CircuitBreaker, r.logger)
	alternate := relay.NewBreakerEngine(
		relay.NewDallEEngine(client, r.blobs, cfg.DallE.Model, cfg.DallE.Size),
		cfg.CircuitBreaker, r.logger)

	tools := relay.NewRegistry(relay.ToolDeps{
		Searcher:    search.NewClient(cfg.Search.APIKey, searchOptions(cfg.Search)...),
		Analyzer:    relay.NewChatAnalyzer(client, cfg.Assistant.AnalysisModel),
		Vision:      relay.NewChatVision(client, cfg.Assistant.VisionModel),
		Primary:     primary,
		Alternate:   alternate,
		Staging:     r.staging,
		Attribution: r.attribution,
		Flags:       flags,
		Retry:       policies.tool,
		Logger:      r.logger,
	})

	dispatcher := relay.NewDispatcher(r.backend, tools, r.bus, policies.tool, r.logger)
	r.reconciler = relay.NewReconciler(r.backend, dispatcher, r.runs, flags, r.ledger, r.bus, relay.ReconcilerConfig{
		PollInterval:   cfg.Relay.PollInterval,
		MaxRunDuration: cfg.Relay.MaxRunDuration,
		Ledger:         policies.ledger,
		EstimateModel:  cfg.Relay.EstimateUsageModel,
		Pricing:        pricing,
	}, r.logger)
	r.initiator = relay.NewInitiator(r.backend, r.runs, r.staging, r.reconciler, r.bus, relay.InitiatorConfig{
		AssistantID:     cfg.Assistant.AssistantID,
		RecognitionHint: cfg.Relay.RecognitionHint,
		Discovery:       policies.discovery,
	}, r.logger)
	r.status = relay.NewStatusService(r.backend, r.runs, r.attribution, cfg.Relay.MessagesPageLimit, r.logger)

	fdCfg := assistant.Config{MaxUploadBytes: cfg.Relay.MaxUploadBytes}
	if local, ok := r.blobs.(*blob.LocalStore); ok {
		fdCfg.MediaDir = local.Dir()
	}
	r.handlers = assistant.NewHandler(r.initiator, r.status, r.bus, fdCfg, r.logger).Registrations()

	return nil
}

// subscribeSink forwards every bus event to sink.
func (r *Relay) subscribeSink(sink ports.EventPublisher) {
	r.bus.OnAll(func(ctx context.Context, ev *domain.RunEvent) {
		if err := sink.Publish(ctx, ev); err != nil {
			r.logger.Error("failed to publish run event",
				slog.String("type", string(ev.Type)),
				slog.String("run_id", ev.RunID),
				slog.String("error", err.Error()))
		}
	})
}

// recordUsage reports a billed run to the admission policy.
func (r *Relay) recordUsage(ctx context.Context, ev *domain.RunEvent) {
	usage := &ports.UsageRecord{TenantID: ev.TenantID, RunID: ev.RunID}
	if ev.Credits != nil {
		usage.Credits = *ev.Credits
	}
	if err := r.policy.RecordUsage(ctx, usage); err != nil {
		r.logger.Warn("failed to record usage with policy",
			slog.String("run_id", ev.RunID),
			slog.String("error", err.Error()))
	}
}

// initServer builds the router. Each registration gets authentication
// unless public, admission control when limited and the request timeout
// unless streaming.
func (r *Relay) initServer(cfg *config.Config) {
	r.server = server.New(cfg.Server.Port, r.logger)
	router := r.server.Router

	for _, reg := range r.handlers {
		method := reg.Method
		if method == "" {
			method = http.MethodPost
		}

		var mws []func(http.Handler) http.Handler
		if !reg.Public {
			mws = append(mws, server.AuthMiddleware(r.auth))
		}
		if reg.Limited {
			mws = append(mws, server.RateLimitMiddleware(r.policy))
		}
		if !reg.Streaming && cfg.Server.RequestTimeout > 0 {
			mws = append(mws, server.Timeout(cfg.Server.RequestTimeout))
		}
		router.With(mws...).Method(method, reg.Path, http.HandlerFunc(reg.Handler))

		r.logger.Debug("registered handler",
			slog.String("method", method),
			slog.String("path", reg.Path))
	}

	cp := controlplane.NewServer(controlplane.Sources{
		Runs:        r.runs,
		Staging:     r.staging,
		Attribution: r.attribution,
		Reconciler:  r.reconciler,
		Ledger:      r.ledger,
	}, r.logger)
	router.Group(func(admin chi.Router) {
		admin.Use(server.AuthMiddleware(r.auth))
		admin.Mount("/admin", cp)
	})
	r.logger.Info("registered control plane", slog.String("path", "/admin"))
}
