package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/user/session-proxy/internal/models"
	"github.com/user/session-proxy/internal/secret"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileEntry is one session declared in the sessions file.
type FileEntry struct {
	Key        string        `yaml:"key"`
	Credential string        `yaml:"credential"`
	TTL        time.Duration `yaml:"ttl,omitempty"`
}

type sessionsFile struct {
	Sessions []FileEntry `yaml:"sessions"`
}

// LoadFile reads a sessions file. Credentials may reference environment
// variables as ${NAME}.
func LoadFile(path string) ([]FileEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sessions file: %w", err)
	}

	var f sessionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sessions file %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(f.Sessions))
	for i := range f.Sessions {
		e := &f.Sessions[i]
		e.Key = strings.TrimSpace(e.Key)
		e.Credential = strings.TrimSpace(os.ExpandEnv(e.Credential))
		if e.Key == "" || e.Credential == "" {
			return nil, fmt.Errorf("sessions file %s: entry %d: key and credential are required", path, i)
		}
		if _, dup := seen[e.Key]; dup {
			return nil, fmt.Errorf("sessions file %s: entry %d: duplicate key %s", path, i, secret.DisplayPrefix(e.Key))
		}
		seen[e.Key] = struct{}{}
	}
	return f.Sessions, nil
}

// ApplyResult summarises one ApplyFile call.
type ApplyResult struct {
	Applied   int
	Removed   int
	Conflicts int
}

// ApplyFile makes the file-sourced part of the table match entries.
// A key already registered from another source with a different
// credential is a conflict and is left untouched.
func (m *Mapper) ApplyFile(ctx context.Context, entries []FileEntry) ApplyResult {
	var res ApplyResult
	keep := make(map[string]struct{}, len(entries))

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	for _, e := range entries {
		hash := secret.HashKey(e.Key)
		err := m.register(ctx, e.Key, e.Credential, RegisterOptions{TTL: e.TTL, Source: models.SessionSourceFile}, true)
		switch {
		case err == nil:
			keep[hash] = struct{}{}
			res.Applied++
		case errors.Is(err, ErrDuplicateSession):
			res.Conflicts++
			m.logger.Warn("sessions file entry conflicts with existing session",
				zap.String("session", secret.DisplayPrefix(e.Key)))
		default:
			m.logger.Error("failed to apply sessions file entry",
				zap.String("session", secret.DisplayPrefix(e.Key)), zap.Error(err))
		}
	}

	res.Removed = m.removeSource(models.SessionSourceFile, keep)
	return res
}

// ReloadFile loads path and applies it.
func (m *Mapper) ReloadFile(ctx context.Context, path string) (ApplyResult, error) {
	entries, err := LoadFile(path)
	if err != nil {
		return ApplyResult{}, err
	}
	res := m.ApplyFile(ctx, entries)
	m.logger.Info("sessions file applied",
		zap.String("path", path),
		zap.Int("applied", res.Applied),
		zap.Int("removed", res.Removed),
		zap.Int("conflicts", res.Conflicts))
	return res, nil
}
