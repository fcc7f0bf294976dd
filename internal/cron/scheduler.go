// Package cron fires per-agent heartbeat schedules. A heartbeat wakes its
// agent on the tasks it still has open.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Waker is satisfied by *engine.Engine.
type Waker interface {
	OnHeartbeat(ctx context.Context, agent *persistence.Agent) (int, error)
}

type Config struct {
	Store  *persistence.Store
	Waker  Waker
	Logger *slog.Logger
	// Interval is the polling tick; defaults to 1 minute.
	Interval time.Duration
}

// Scheduler polls the heartbeats table and fires the due entries.
type Scheduler struct {
	store    *persistence.Store
	waker    Waker
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		waker:    cfg.Waker,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// WithClock replaces the scheduler's clock.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Register validates expr and stores a heartbeat for the agent, first due
// at the next matching minute.
func (s *Scheduler) Register(ctx context.Context, scope, agentID, expr string) (*persistence.Heartbeat, error) {
	next, err := NextRunTime(expr, s.now())
	if err != nil {
		return nil, shared.NewValidationError("cron", "invalid expression %q: %v", expr, err)
	}
	h := &persistence.Heartbeat{ScopeID: scope, AgentID: agentID, CronExpr: expr, Enabled: true, NextRunAt: &next}
	if err := s.store.InsertHeartbeat(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// Start primes heartbeats that have never been scheduled, then runs the
// loop in the background until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.prime(ctx)
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("heartbeat scheduler started", "interval", s.interval)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("heartbeat scheduler stopped")
}

func (s *Scheduler) prime(ctx context.Context) {
	all, err := s.store.ListHeartbeats(ctx, "")
	if err != nil {
		s.logger.Error("heartbeat: list failed", "error", err)
		return
	}
	for _, h := range all {
		if !h.Enabled || h.NextRunAt != nil {
			continue
		}
		next, err := NextRunTime(h.CronExpr, s.now())
		if err != nil {
			s.logger.Warn("heartbeat: invalid cron expression", "heartbeat_id", h.ID, "cron_expr", h.CronExpr, "error", err)
			continue
		}
		if err := s.store.SetHeartbeatNextRun(ctx, h.ID, next); err != nil {
			s.logger.Error("heartbeat: prime failed", "heartbeat_id", h.ID, "error", err)
		}
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueHeartbeats(ctx, now)
	if err != nil {
		s.logger.Error("heartbeat: failed to query due heartbeats", "error", err)
		return
	}
	for _, h := range due {
		s.fire(ctx, h, now)
	}
}

// fire advances the schedule before waking so a failing wake does not
// re-fire every tick.
func (s *Scheduler) fire(ctx context.Context, h persistence.Heartbeat, now time.Time) {
	logger := s.logger.With("heartbeat_id", h.ID, "agent", h.AgentID, "scope", h.ScopeID)
	nextRun, err := NextRunTime(h.CronExpr, now)
	if err != nil {
		logger.Error("heartbeat: failed to compute next run time", "cron_expr", h.CronExpr, "error", err)
		return
	}
	if err := s.store.UpdateHeartbeatRun(ctx, h.ID, now, nextRun); err != nil {
		logger.Error("heartbeat: failed to update run", "error", err)
		return
	}

	agent, err := s.store.GetAgent(ctx, h.AgentID)
	if err != nil {
		logger.Error("heartbeat: load agent failed", "error", err)
		return
	}
	if agent == nil {
		logger.Warn("heartbeat: agent no longer exists")
		return
	}
	woken, err := s.waker.OnHeartbeat(shared.WithActor(shared.EnsureTraceID(ctx), shared.SystemActor), agent)
	if err != nil {
		logger.Error("heartbeat: wake failed", "error", err)
	}
	logger.Info("heartbeat fired", "tasks", woken, "next_run_at", nextRun)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", cronExpr, err)
	}
	return sched.Next(after), nil
}
