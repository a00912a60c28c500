//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/session-proxy/internal/models"
	"github.com/user/session-proxy/internal/repository"
	"github.com/user/session-proxy/tests/testutil"
	"go.uber.org/zap"
)

func countLogs(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM request_logs`).Scan(&n))
	return n
}

func TestNewLogService(t *testing.T) {
	db := testutil.NewTestDB(t)
	logger := zap.NewNop()

	ls := NewLogService(repository.NewRequestLogRepositoryImpl(db, logger), logger)
	require.NotNil(t, ls)
	assert.NotNil(t, ls.repo)
	assert.NotNil(t, ls.logChan)
	assert.Equal(t, 100, ls.batchSize)
	assert.Equal(t, 5*time.Second, ls.flushInterval)

	ls.Stop()
	ls.Stop()
}

func TestLogService_StopFlushesQueue(t *testing.T) {
	db := testutil.NewTestDB(t)
	logger := zap.NewNop()
	ls := NewLogService(repository.NewRequestLogRepositoryImpl(db, logger), logger)

	for i := range 7 {
		ls.LogRequest(testutil.SampleRequestLogEntry(fmt.Sprintf("req_stop_%d", i)))
	}
	ls.Stop()

	assert.Equal(t, 7, countLogs(t, db))
}

func TestLogService_FlushesOnBatchSize(t *testing.T) {
	db := testutil.NewTestDB(t)
	logger := zap.NewNop()
	ls := newLogService(repository.NewRequestLogRepositoryImpl(db, logger), logger, 3, time.Hour)
	defer ls.Stop()

	for i := range 3 {
		ls.LogRequest(testutil.SampleRequestLogEntry(fmt.Sprintf("req_size_%d", i)))
	}

	assert.Eventually(t, func() bool { return countLogs(t, db) == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestLogService_FlushesOnInterval(t *testing.T) {
	db := testutil.NewTestDB(t)
	logger := zap.NewNop()
	ls := newLogService(repository.NewRequestLogRepositoryImpl(db, logger), logger, 100, 20*time.Millisecond)
	defer ls.Stop()

	ls.LogRequest(testutil.SampleRequestLogEntry("req_tick"))

	assert.Eventually(t, func() bool { return countLogs(t, db) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestLogService_BadRowDoesNotLoseBatch(t *testing.T) {
	db := testutil.NewTestDB(t)
	logger := zap.NewNop()
	repo := repository.NewRequestLogRepositoryImpl(db, logger)

	_, err := repo.Insert(context.Background(), testutil.SampleRequestLogEntry("req_taken"))
	require.NoError(t, err)

	ls := NewLogService(repo, logger)
	ls.LogRequest(testutil.SampleRequestLogEntry("req_new_1"))
	ls.LogRequest(testutil.SampleRequestLogEntry("req_taken"))
	ls.LogRequest(testutil.SampleRequestLogEntry("req_new_2"))
	ls.Stop()

	assert.Equal(t, 3, countLogs(t, db))
}

func TestLogService_LogAfterStop(t *testing.T) {
	db := testutil.NewTestDB(t)
	logger := zap.NewNop()
	ls := NewLogService(repository.NewRequestLogRepositoryImpl(db, logger), logger)
	ls.Stop()

	ls.LogRequest(testutil.SampleRequestLogEntry("req_late"))
	assert.Equal(t, 1, countLogs(t, db))
}

func TestLogService_LookupAndPrune(t *testing.T) {
	db := testutil.NewTestDB(t)
	logger := zap.NewNop()
	repo := repository.NewRequestLogRepositoryImpl(db, logger)
	ctx := context.Background()

	old := testutil.SampleRequestLogEntry("req_old")
	old.CreatedAt = time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, repo.InsertBatch(ctx, []*models.RequestLogEntry{old, testutil.SampleRequestLogEntry("req_new")}))

	ls := NewLogService(repo, logger)
	defer ls.Stop()

	log, err := ls.Lookup(ctx, "req_new")
	require.NoError(t, err)
	assert.Equal(t, "req_new", log.RequestID)

	deleted, err := ls.Prune(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = ls.Lookup(ctx, "req_old")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
