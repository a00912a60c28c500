// Package session maps opaque client session keys to upstream credentials.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/user/session-proxy/internal/models"
	"github.com/user/session-proxy/internal/secret"
	"go.uber.org/zap"
)

var (
	// ErrUnknownSession is returned for keys that are not registered or
	// whose lease has expired.
	ErrUnknownSession = errors.New("unknown session")
	// ErrDuplicateSession is returned when a key is already bound to a
	// different credential.
	ErrDuplicateSession = errors.New("session already bound to a different credential")
	// ErrInvalidSession is returned for an empty key or credential.
	ErrInvalidSession = errors.New("session key and credential are required")
)

// Store persists registered sessions across restarts.
type Store interface {
	Save(ctx context.Context, s *models.Session) error
	Delete(ctx context.Context, keyHash string) error
	LoadAll(ctx context.Context) ([]*models.Session, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// RegisterOptions tune a single registration.
type RegisterOptions struct {
	TTL    time.Duration
	Source string
}

// Enrollment registers unknown keys on first use when they match Pattern.
type Enrollment struct {
	Pattern    *regexp.Regexp
	Credential string
	TTL        time.Duration
}

// Mapper is the in-memory session table. Lookups take a read lock only.
// Writers are serialized by writeMu and hold mu just long enough to swap
// map entries, so store I/O never blocks Resolve.
type Mapper struct {
	writeMu  sync.Mutex
	mu       sync.RWMutex
	sessions map[string]*models.Session

	store  Store
	enroll *Enrollment
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Mapper.
type Option func(*Mapper)

// WithStore makes API registrations write through to s.
func WithStore(s Store) Option {
	return func(m *Mapper) { m.store = s }
}

// WithEnrollment enables first-use registration.
func WithEnrollment(e *Enrollment) Option {
	return func(m *Mapper) { m.enroll = e }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Mapper) { m.now = now }
}

// NewMapper creates an empty Mapper.
func NewMapper(logger *zap.Logger, opts ...Option) *Mapper {
	m := &Mapper{
		sessions: make(map[string]*models.Session),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve returns the credential bound to key.
func (m *Mapper) Resolve(key string) (string, error) {
	if key == "" {
		return "", ErrUnknownSession
	}
	hash := secret.HashKey(key)

	m.mu.RLock()
	s, ok := m.sessions[hash]
	m.mu.RUnlock()

	if ok {
		if s.Expired(m.now()) {
			return "", fmt.Errorf("%w: session expired", ErrUnknownSession)
		}
		return s.Credential, nil
	}

	if m.enroll == nil || !m.enroll.Pattern.MatchString(key) {
		return "", ErrUnknownSession
	}
	err := m.Register(context.Background(), key, m.enroll.Credential, RegisterOptions{
		TTL:    m.enroll.TTL,
		Source: models.SessionSourceAuto,
	})
	if err != nil {
		return "", fmt.Errorf("%w: enrollment failed: %v", ErrUnknownSession, err)
	}
	m.logger.Info("session enrolled on first use", zap.String("session", secret.DisplayPrefix(key)))
	return m.enroll.Credential, nil
}

// Register binds key to credential. Registering the same pair again is a
// no-op; an expired binding is replaced.
func (m *Mapper) Register(ctx context.Context, key, credential string, opts RegisterOptions) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.register(ctx, key, credential, opts, false)
}

// register requires writeMu. With replace set, a live binding owned by
// opts.Source is swapped for the new credential in one step.
func (m *Mapper) register(ctx context.Context, key, credential string, opts RegisterOptions, replace bool) error {
	if key == "" || credential == "" {
		return ErrInvalidSession
	}
	if opts.Source == "" {
		opts.Source = models.SessionSourceAPI
	}
	hash := secret.HashKey(key)
	now := m.now()

	m.mu.RLock()
	existing, ok := m.sessions[hash]
	m.mu.RUnlock()

	if ok && !existing.Expired(now) {
		if existing.Credential == credential {
			return nil
		}
		if !replace || existing.Source != opts.Source {
			return ErrDuplicateSession
		}
	}

	s := &models.Session{
		KeyHash:    hash,
		KeyPrefix:  secret.DisplayPrefix(key),
		Credential: credential,
		Source:     opts.Source,
		CreatedAt:  now.UTC(),
	}
	if opts.TTL > 0 {
		exp := now.Add(opts.TTL).UTC()
		s.ExpiresAt = &exp
	}

	if m.store != nil && persisted(s.Source) {
		if err := m.store.Save(ctx, s); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
	}

	m.mu.Lock()
	m.sessions[hash] = s
	m.mu.Unlock()
	return nil
}

// Invalidate removes key from the table.
func (m *Mapper) Invalidate(ctx context.Context, key string) error {
	hash := secret.HashKey(key)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	s, ok := m.sessions[hash]
	m.mu.RUnlock()

	if !ok {
		return ErrUnknownSession
	}
	if m.store != nil && persisted(s.Source) {
		if err := m.store.Delete(ctx, hash); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}

	m.mu.Lock()
	delete(m.sessions, hash)
	m.mu.Unlock()
	return nil
}

// List returns credential-free views of all live sessions, oldest first.
func (m *Mapper) List() []models.SessionInfo {
	now := m.now()

	m.mu.RLock()
	out := make([]models.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.Expired(now) {
			out = append(out, s.Info())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].KeyPrefix < out[j].KeyPrefix
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of entries in the table, expired ones included.
func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Load fills the table from the store. Expired rows are skipped.
func (m *Mapper) Load(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	sessions, err := m.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}
	now := m.now()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	loaded := 0
	for _, s := range sessions {
		if s.Expired(now) {
			continue
		}
		m.sessions[s.KeyHash] = s
		loaded++
	}
	return loaded, nil
}

// SweepExpired drops expired entries from memory and the store.
func (m *Mapper) SweepExpired(ctx context.Context) (int, error) {
	now := m.now()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	removed := 0
	for hash, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, hash)
			removed++
		}
	}
	m.mu.Unlock()

	if m.store != nil {
		if _, err := m.store.DeleteExpired(ctx, now); err != nil {
			return removed, fmt.Errorf("sweep store: %w", err)
		}
	}
	if removed > 0 {
		m.logger.Info("swept expired sessions", zap.Int("count", removed))
	}
	return removed, nil
}

// removeSource drops every entry from source whose hash is not in keep.
// Callers hold writeMu.
func (m *Mapper) removeSource(source string, keep map[string]struct{}) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for hash, s := range m.sessions {
		if s.Source != source {
			continue
		}
		if _, ok := keep[hash]; ok {
			continue
		}
		delete(m.sessions, hash)
		removed++
	}
	return removed
}

func persisted(source string) bool {
	return source == models.SessionSourceAPI
}
