package state

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweeperConfig controls periodic cleanup.
type SweeperConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule     string
	StagingTTL   time.Duration
	RunRetention time.Duration
}

// Sweeper periodically removes stale staged files and terminal runs.
type Sweeper struct {
	cron    *cron.Cron
	staging *Staging
	runs    *Runs
	cfg     SweeperConfig
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewSweeper schedules cleanup of staging and runs.
func NewSweeper(staging *Staging, runs *Runs, cfg SweeperConfig, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.StagingTTL <= 0 {
		cfg.StagingTTL = time.Hour
	}
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sweeper{
		cron:    cron.New(),
		staging: staging,
		runs:    runs,
		cfg:     cfg,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, func() { s.SweepOnce() }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// SweepOnce runs a single cleanup pass.
func (s *Sweeper) SweepOnce() (files, runs int) {
	start := time.Now()
	if s.staging != nil {
		files = s.staging.Sweep(s.cfg.StagingTTL)
	}
	if s.runs != nil {
		runs = s.runs.Evict(time.Now().Add(-s.cfg.RunRetention))
	}
	if files > 0 || runs > 0 {
		s.logger.Info("state sweep completed",
			slog.Int("staged_files_removed", files),
			slog.Int("runs_evicted", runs),
			slog.Duration("duration", time.Since(start)))
	}
	return files, runs
}

// Start begins the schedule.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
}
