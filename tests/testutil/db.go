// Package testutil provides database and HTTP helpers for package tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/user/session-proxy/internal/database"
	"github.com/user/session-proxy/internal/models"
	"github.com/user/session-proxy/internal/secret"
	"go.uber.org/zap"
)

// TestSecretKey seals credentials in test databases.
const TestSecretKey = "test-secret-key-0123456789abcdef"

// NewTestDB creates an in-memory SQLite database with the full schema.
// The database is automatically closed when the test completes.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.New(database.MemoryPath)
	require.NoError(t, err, "failed to open test database")

	t.Cleanup(func() {
		db.Close()
	})

	err = database.RunMigrations(context.Background(), db, zap.NewNop())
	require.NoError(t, err, "failed to create schema")

	return db
}

// NewTestSealer returns a sealer keyed with TestSecretKey.
func NewTestSealer(t *testing.T) *secret.Sealer {
	t.Helper()
	sealer, err := secret.NewSealer(TestSecretKey)
	require.NoError(t, err)
	return sealer
}

// SampleRequestLogEntry returns a finished streaming request.
func SampleRequestLogEntry(requestID string) *models.RequestLogEntry {
	return &models.RequestLogEntry{
		RequestID:     requestID,
		SessionPrefix: "sk-sess-0123...",
		Model:         "gpt-4o",
		Stream:        true,
		StatusCode:    200,
		Outcome:       models.OutcomeSuccess,
		Chunks:        5,
		PromptTokens:  5,
		OutputTokens:  5,
		LatencyMs:     120.5,
		TTFBMs:        40.25,
	}
}
