// Package controlplane serves the operator API mounted under /admin: process
// and relay statistics plus read access to the credit ledger.
package controlplane

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
	"github.com/tjfontaine/cinetech-relay/internal/server"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Counter reports the size of a keyed store.
type Counter interface {
	Len() int
}

// ActiveCounter reports running background loops.
type ActiveCounter interface {
	Active() int
}

// Sources are the live components the stats endpoint reads. Nil entries are
// reported as zero.
type Sources struct {
	Runs        Counter
	Staging     Counter
	Attribution Counter
	Reconciler  ActiveCounter
	Ledger      ports.LedgerStore
}

type Server struct {
	router    *chi.Mux
	startTime time.Time
	src       Sources
	logger    *slog.Logger
}

func NewServer(src Sources, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		startTime: time.Now(),
		src:       src,
		logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/usage", s.handleListUsage)
	s.router.Get("/api/usage/{tenant}", s.handleTenantTotals)
	s.router.Get("/api/runs/{run_id}", s.handleRun)
	s.router.Get("/api/runs/{run_id}/events", s.handleRunEvents)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type StatsResponse struct {
	Uptime       string      `json:"uptime"`
	GoVersion    string      `json:"go_version"`
	NumGoroutine int         `json:"num_goroutine"`
	Memory       MemoryStats `json:"memory"`
	Relay        RelayStats  `json:"relay"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

type RelayStats struct {
	TrackedRuns        int `json:"tracked_runs"`
	StagedFiles        int `json:"staged_files"`
	AttributionEntries int `json:"attribution_entries"`
	ActiveReconcilers  int `json:"active_reconcilers"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := StatsResponse{
		Uptime:       time.Since(s.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
		Relay: RelayStats{
			TrackedRuns:        count(s.src.Runs),
			StagedFiles:        count(s.src.Staging),
			AttributionEntries: count(s.src.Attribution),
		},
	}
	if s.src.Reconciler != nil {
		stats.Relay.ActiveReconcilers = s.src.Reconciler.Active()
	}

	server.WriteJSON(w, http.StatusOK, stats)
}

func count(c Counter) int {
	if c == nil {
		return 0
	}
	return c.Len()
}

// handleListUsage lists ledger rows newest first, filtered by tenant_id,
// thread_id and since (RFC 3339).
func (s *Server) handleListUsage(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	q := r.URL.Query()
	opts := ports.UsageListOptions{
		TenantID: q.Get("tenant_id"),
		ThreadID: q.Get("thread_id"),
		Limit:    defaultListLimit,
	}
	if tenant := server.TenantID(r.Context()); tenant != "" {
		if opts.TenantID != "" && opts.TenantID != tenant {
			server.WriteError(w, domain.NewAPIError(domain.ErrorTypePermission, "usage of another tenant"))
			return
		}
		opts.TenantID = tenant
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			server.WriteError(w, domain.ErrInvalidRequest("limit must be a positive integer").WithParam("limit"))
			return
		}
		opts.Limit = min(n, maxListLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			server.WriteError(w, domain.ErrInvalidRequest("offset must be a non-negative integer").WithParam("offset"))
			return
		}
		opts.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			server.WriteError(w, domain.ErrInvalidRequest("since must be RFC 3339").WithParam("since"))
			return
		}
		opts.Since = t
	}

	records, err := s.src.Ledger.ListUsage(r.Context(), opts)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if records == nil {
		records = []*domain.UsageRecord{}
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"data": records})
}

func (s *Server) handleTenantTotals(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	tenantID := chi.URLParam(r, "tenant")
	if caller := server.TenantID(r.Context()); caller != "" && caller != tenantID {
		server.WriteError(w, domain.NewAPIError(domain.ErrorTypePermission, "usage of another tenant"))
		return
	}

	totals, err := s.src.Ledger.TenantTotals(r.Context(), tenantID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, totals)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	runID := chi.URLParam(r, "run_id")
	rec, err := s.src.Ledger.GetUsage(r.Context(), runID)
	if errors.Is(err, ports.ErrNotFound) {
		server.WriteError(w, domain.ErrNotFound("no ledger record for run "+runID))
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if caller := server.TenantID(r.Context()); caller != "" && caller != rec.TenantID {
		server.WriteError(w, domain.ErrNotFound("no ledger record for run "+runID))
		return
	}
	server.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	events, err := s.src.Ledger.ListRunEvents(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if caller := server.TenantID(r.Context()); caller != "" {
		visible := events[:0]
		for _, ev := range events {
			if ev.TenantID == caller {
				visible = append(visible, ev)
			}
		}
		events = visible
	}
	if events == nil {
		events = []*domain.RunEvent{}
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"data": events})
}

func (s *Server) requireLedger(w http.ResponseWriter) bool {
	if s.src.Ledger == nil {
		server.WriteError(w, domain.NewAPIError(domain.ErrorTypeServer, "ledger not configured").
			WithStatusCode(http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("control plane request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))
	server.AddError(r.Context(), err)
	server.WriteError(w, domain.ErrServer("ledger unavailable"))
}
