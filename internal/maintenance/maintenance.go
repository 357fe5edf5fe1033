// Package maintenance runs the periodic housekeeping jobs: durable log
// retention, ask timeout sweeps, and idle session state eviction.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/streamhub/internal/ask"
	"github.com/user/streamhub/internal/bus"
	"github.com/user/streamhub/internal/sessionstate"
)

// Config tunes the housekeeping jobs. Zero values select defaults.
type Config struct {
	// CleanupSchedule is the cron expression for log retention. Defaults to
	// hourly.
	CleanupSchedule string
	// Retention is how long durable events are kept. Defaults to 7 days.
	Retention time.Duration
	// SweepSchedule is the cron expression for the ask sweep and idle state
	// eviction. Defaults to every 5 minutes.
	SweepSchedule string
	// AskMaxAge is the age past which stuck questions are rejected.
	// Defaults to 30 minutes.
	AskMaxAge time.Duration
	// SessionMaxIdle is the idle duration past which in-memory session
	// state is evicted. Defaults to 1 hour.
	SessionMaxIdle time.Duration
}

func (c *Config) defaults() {
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = "@hourly"
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 5m"
	}
	if c.AskMaxAge <= 0 {
		c.AskMaxAge = 30 * time.Minute
	}
	if c.SessionMaxIdle <= 0 {
		c.SessionMaxIdle = time.Hour
	}
}

// Scheduler owns the cron ticker for the housekeeping jobs.
type Scheduler struct {
	cfg      Config
	bus      *bus.Bus
	asks     *ask.Service
	registry *sessionstate.Registry
	cron     *cron.Cron
}

// New builds a scheduler. Jobs are registered at Start.
func New(cfg Config, b *bus.Bus, asks *ask.Service, registry *sessionstate.Registry) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		cfg:      cfg,
		bus:      b,
		asks:     asks,
		registry: registry,
		cron:     cron.New(),
	}
}

// Start registers the jobs and starts the ticker.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.CleanupSchedule, s.cleanup); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.SweepSchedule, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("maintenance scheduler started",
		"cleanup", s.cfg.CleanupSchedule,
		"sweep", s.cfg.SweepSchedule,
		"retention", s.cfg.Retention)
	return nil
}

// Stop stops the ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := s.bus.Cleanup(ctx, time.Now().Add(-s.cfg.Retention))
	if err != nil {
		slog.Error("event log cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("event log cleanup", "removed", removed)
	}
}

func (s *Scheduler) sweep() {
	if n := s.asks.Sweep(s.cfg.AskMaxAge); n > 0 {
		slog.Info("swept stuck questions", "count", n)
	}
	if n := s.registry.DeleteIdle(s.cfg.SessionMaxIdle); n > 0 {
		slog.Info("evicted idle session state", "count", n)
	}
}
