//go:build !integration && !e2e
// +build !integration,!e2e

package trace

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTrace_Format(t *testing.T) {
	tr := New().NewTrace()

	require.True(t, strings.HasPrefix(tr.RequestID, IDPrefix))
	hexPart := strings.TrimPrefix(tr.RequestID, IDPrefix)
	assert.Len(t, hexPart, 32)
	for _, r := range hexPart {
		assert.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'), "unexpected rune %q", r)
	}
	assert.Equal(t, time.UTC, tr.CreatedAt.Location())
	assert.WithinDuration(t, time.Now(), tr.CreatedAt, time.Second)
}

func TestNewTrace_UniqueUnderConcurrency(t *testing.T) {
	tracer := New()
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]string, 0, perWorker)
			for range perWorker {
				ids = append(ids, tracer.NewTrace().RequestID)
			}
			mu.Lock()
			for _, id := range ids {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestNewTrace_InjectedClock(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	tracer := &Tracer{
		newID: func() string { return "0123456789abcdef0123456789abcdef" },
		now:   func() time.Time { return fixed },
	}

	tr := tracer.NewTrace()
	assert.Equal(t, "req_0123456789abcdef0123456789abcdef", tr.RequestID)
	assert.True(t, tr.CreatedAt.Equal(fixed))
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	tr := New().NewTrace()
	got, ok := FromContext(WithTrace(context.Background(), tr))
	require.True(t, ok)
	assert.Equal(t, tr, got)
}
