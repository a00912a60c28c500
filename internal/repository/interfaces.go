// Package repository defines data access interfaces and implementations.
package repository

import (
	"context"
	"time"

	"github.com/user/session-proxy/internal/models"
)

// SessionRepository persists registered sessions. Credentials are sealed
// before they reach the database.
type SessionRepository interface {
	Save(ctx context.Context, s *models.Session) error
	Delete(ctx context.Context, keyHash string) error
	LoadAll(ctx context.Context) ([]*models.Session, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// RequestLogRepository provides access to request log data.
type RequestLogRepository interface {
	Insert(ctx context.Context, entry *models.RequestLogEntry) (int64, error)
	InsertBatch(ctx context.Context, entries []*models.RequestLogEntry) error
	FindByRequestID(ctx context.Context, requestID string) (*models.RequestLog, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
