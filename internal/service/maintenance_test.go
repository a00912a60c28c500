//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) SweepExpired(context.Context) (int, error) {
	s.calls.Add(1)
	return 1, s.err
}

type countingPruner struct {
	calls     atomic.Int32
	retention atomic.Int64
}

func (p *countingPruner) Prune(_ context.Context, retention time.Duration) (int64, error) {
	p.calls.Add(1)
	p.retention.Store(int64(retention))
	return 2, nil
}

func TestMaintenance_RunsScheduledJobs(t *testing.T) {
	sweeper := &countingSweeper{}
	pruner := &countingPruner{}
	m := NewMaintenance(MaintenanceConfig{
		SweepSchedule: "@every 1s",
		PruneSchedule: "@every 1s",
		LogRetention:  24 * time.Hour,
	}, sweeper, pruner, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()
	assert.True(t, m.Running())

	assert.Eventually(t, func() bool {
		return sweeper.calls.Load() > 0 && pruner.calls.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, int64(24*time.Hour), pruner.retention.Load())
}

func TestMaintenance_InvalidSchedule(t *testing.T) {
	m := NewMaintenance(MaintenanceConfig{SweepSchedule: "every tuesday"}, &countingSweeper{}, nil, zap.NewNop())

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sweep schedule")
	assert.False(t, m.Running())
}

func TestMaintenance_NothingToSchedule(t *testing.T) {
	// Pruning needs a retention window.
	m := NewMaintenance(MaintenanceConfig{PruneSchedule: "@daily"}, &countingSweeper{}, &countingPruner{}, zap.NewNop())

	require.NoError(t, m.Start(context.Background()))
	assert.False(t, m.Running())
	m.Stop()
}

func TestMaintenance_StopsWithContext(t *testing.T) {
	m := NewMaintenance(MaintenanceConfig{SweepSchedule: "@hourly"}, &countingSweeper{}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	require.True(t, m.Running())

	cancel()
	assert.Eventually(t, func() bool { return !m.Running() }, time.Second, 10*time.Millisecond)
}

func TestMaintenance_SweepErrorIsLogged(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("database is locked")}
	m := NewMaintenance(MaintenanceConfig{}, sweeper, nil, zap.NewNop())

	assert.NotPanics(t, func() { m.SweepSessions(context.Background()) })
	assert.Equal(t, int32(1), sweeper.calls.Load())
}
