// Package trace creates the per-request identifiers used to correlate a
// client interaction across logs, headers and bodies.
package trace

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/user/session-proxy/internal/models"
)

// IDPrefix marks proxy-issued request ids.
const IDPrefix = "req_"

// Tracer issues request traces. The zero value is not usable; use New.
type Tracer struct {
	newID func() string
	now   func() time.Time
}

// New creates a Tracer backed by random UUIDs and the wall clock.
func New() *Tracer {
	return &Tracer{
		newID: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
		now:   time.Now,
	}
}

// NewTrace returns a fresh trace. Ids never repeat within a process.
func (t *Tracer) NewTrace() models.RequestTrace {
	return models.RequestTrace{
		RequestID: IDPrefix + t.newID(),
		CreatedAt: t.now().UTC(),
	}
}

type ctxKey struct{}

// WithTrace returns a context carrying tr.
func WithTrace(ctx context.Context, tr models.RequestTrace) context.Context {
	return context.WithValue(ctx, ctxKey{}, tr)
}

// FromContext returns the trace stored in ctx, if any.
func FromContext(ctx context.Context) (models.RequestTrace, bool) {
	tr, ok := ctx.Value(ctxKey{}).(models.RequestTrace)
	return tr, ok
}
