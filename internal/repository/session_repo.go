package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/session-proxy/internal/models"
	"github.com/user/session-proxy/internal/secret"
	"go.uber.org/zap"
)

// SessionRepo handles session data access.
type SessionRepo struct {
	db     *sql.DB
	sealer *secret.Sealer
	logger *zap.Logger
}

var _ SessionRepository = (*SessionRepo)(nil)

// NewSessionRepo creates a new SessionRepo. sealer protects credentials
// at rest.
func NewSessionRepo(db *sql.DB, sealer *secret.Sealer, logger *zap.Logger) *SessionRepo {
	return &SessionRepo{db: db, sealer: sealer, logger: logger}
}

// Save inserts or replaces a session row.
func (r *SessionRepo) Save(ctx context.Context, s *models.Session) error {
	sealed, err := r.sealer.Seal(s.Credential)
	if err != nil {
		return fmt.Errorf("failed to seal credential: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (key_hash, key_prefix, credential_sealed, source, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key_hash) DO UPDATE SET
			key_prefix = excluded.key_prefix,
			credential_sealed = excluded.credential_sealed,
			source = excluded.source,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, s.KeyHash, s.KeyPrefix, sealed, s.Source, formatTime(s.CreatedAt), nullTime(s.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes a session by key hash. Deleting a missing row is not an
// error.
func (r *SessionRepo) Delete(ctx context.Context, keyHash string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE key_hash = ?`, keyHash)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// LoadAll returns every stored session. Rows whose credential no longer
// opens (the secret key changed) are skipped with a warning.
func (r *SessionRepo) LoadAll(ctx context.Context) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT key_hash, key_prefix, credential_sealed, source, created_at, expires_at
		FROM sessions
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		var (
			s                 models.Session
			sealed, createdAt string
			expiresAt         sql.NullString
		)
		if err := rows.Scan(&s.KeyHash, &s.KeyPrefix, &sealed, &s.Source, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		s.Credential, err = r.sealer.Open(sealed)
		if err != nil {
			r.logger.Warn("skipping session with unreadable credential",
				zap.String("key_prefix", s.KeyPrefix), zap.Error(err))
			continue
		}
		s.CreatedAt = parseTime(createdAt)
		if expiresAt.Valid {
			t := parseTime(expiresAt.String)
			s.ExpiresAt = &t
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// DeleteExpired removes sessions whose lease ended at or before now.
func (r *SessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		r.logger.Info("cleaned up expired sessions", zap.Int64("count", rows))
	}
	return rows, nil
}
