package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SessionSweeper drops expired sessions.
type SessionSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// LogPruner deletes request logs older than a retention window.
type LogPruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// MaintenanceConfig holds the cron schedules of the background jobs. An
// empty schedule disables its job.
type MaintenanceConfig struct {
	SweepSchedule string
	PruneSchedule string
	LogRetention  time.Duration
}

// Maintenance runs the session sweep and request log pruning on cron
// schedules.
type Maintenance struct {
	cfg     MaintenanceConfig
	sweeper SessionSweeper
	pruner  LogPruner
	cron    *cron.Cron
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewMaintenance creates a scheduler. pruner may be nil when request logs
// are not persisted.
func NewMaintenance(cfg MaintenanceConfig, sweeper SessionSweeper, pruner LogPruner, logger *zap.Logger) *Maintenance {
	return &Maintenance{
		cfg:     cfg,
		sweeper: sweeper,
		pruner:  pruner,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
	}
}

// Start validates the schedules and starts the jobs. They stop when ctx
// ends or Stop is called.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	jobs := 0
	if m.cfg.SweepSchedule != "" && m.sweeper != nil {
		if _, err := m.cron.AddFunc(m.cfg.SweepSchedule, func() { m.SweepSessions(ctx) }); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", m.cfg.SweepSchedule, err)
		}
		jobs++
	}
	if m.cfg.PruneSchedule != "" && m.pruner != nil && m.cfg.LogRetention > 0 {
		if _, err := m.cron.AddFunc(m.cfg.PruneSchedule, func() { m.PruneLogs(ctx) }); err != nil {
			return fmt.Errorf("invalid prune schedule %q: %w", m.cfg.PruneSchedule, err)
		}
		jobs++
	}
	if jobs == 0 {
		m.logger.Info("no maintenance jobs scheduled")
		return nil
	}

	m.cron.Start()
	m.running = true
	m.logger.Info("maintenance scheduler started",
		zap.String("sweep_schedule", m.cfg.SweepSchedule),
		zap.String("prune_schedule", m.cfg.PruneSchedule),
		zap.Duration("log_retention", m.cfg.LogRetention))

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	<-m.cron.Stop().Done()
	m.running = false
	m.logger.Info("maintenance scheduler stopped")
}

// Running reports whether any job is scheduled.
func (m *Maintenance) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SweepSessions runs one session sweep.
func (m *Maintenance) SweepSessions(ctx context.Context) {
	removed, err := m.sweeper.SweepExpired(ctx)
	if err != nil {
		m.logger.Error("session sweep failed", zap.Error(err))
		return
	}
	m.logger.Debug("session sweep finished", zap.Int("removed", removed))
}

// PruneLogs runs one request log pruning pass.
func (m *Maintenance) PruneLogs(ctx context.Context) {
	deleted, err := m.pruner.Prune(ctx, m.cfg.LogRetention)
	if err != nil {
		m.logger.Error("request log pruning failed", zap.Error(err))
		return
	}
	m.logger.Debug("request log pruning finished", zap.Int64("deleted", deleted))
}
