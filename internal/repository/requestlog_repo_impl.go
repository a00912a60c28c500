package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/session-proxy/internal/models"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const insertRequestLogSQL = `INSERT INTO request_logs (
	request_id, session_prefix, model_name, stream, status_code, outcome,
	chunks, prompt_tokens, output_tokens, latency_ms, ttfb_ms,
	error_message, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// RequestLogRepositoryImpl implements request log data access.
type RequestLogRepositoryImpl struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ RequestLogRepository = (*RequestLogRepositoryImpl)(nil)

// NewRequestLogRepositoryImpl creates a new RequestLogRepositoryImpl.
func NewRequestLogRepositoryImpl(db *sql.DB, logger *zap.Logger) *RequestLogRepositoryImpl {
	return &RequestLogRepositoryImpl{db: db, logger: logger}
}

func insertArgs(entry *models.RequestLogEntry) []any {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return []any{
		entry.RequestID, entry.SessionPrefix, entry.Model, boolToInt(entry.Stream),
		entry.StatusCode, entry.Outcome, entry.Chunks, entry.PromptTokens,
		entry.OutputTokens, entry.LatencyMs, entry.TTFBMs, entry.ErrorMessage,
		formatTime(createdAt),
	}
}

// Insert inserts a new request log entry.
func (r *RequestLogRepositoryImpl) Insert(ctx context.Context, entry *models.RequestLogEntry) (int64, error) {
	result, err := r.db.ExecContext(ctx, insertRequestLogSQL, insertArgs(entry)...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert request log: %w", err)
	}
	return result.LastInsertId()
}

// InsertBatch writes entries in one transaction. A failing row aborts
// the whole batch.
func (r *RequestLogRepositoryImpl) InsertBatch(ctx context.Context, entries []*models.RequestLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertRequestLogSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		if _, err := stmt.ExecContext(ctx, insertArgs(entry)...); err != nil {
			return fmt.Errorf("failed to insert request log %s: %w", entry.RequestID, err)
		}
	}
	return tx.Commit()
}

// FindByRequestID returns the log row for requestID or ErrNotFound.
func (r *RequestLogRepositoryImpl) FindByRequestID(ctx context.Context, requestID string) (*models.RequestLog, error) {
	var (
		log       models.RequestLog
		stream    int
		createdAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, request_id, session_prefix, model_name, stream, status_code,
			outcome, chunks, prompt_tokens, output_tokens, latency_ms, ttfb_ms,
			error_message, created_at
		FROM request_logs
		WHERE request_id = ?
	`, requestID).Scan(
		&log.ID, &log.RequestID, &log.SessionPrefix, &log.Model, &stream, &log.StatusCode,
		&log.Outcome, &log.Chunks, &log.PromptTokens, &log.OutputTokens, &log.LatencyMs, &log.TTFBMs,
		&log.ErrorMessage, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find request log: %w", err)
	}
	log.Stream = stream == 1
	log.CreatedAt = parseTime(createdAt)
	return &log, nil
}

// DeleteBefore removes rows created before cutoff.
func (r *RequestLogRepositoryImpl) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM request_logs WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete request logs: %w", err)
	}
	return result.RowsAffected()
}
