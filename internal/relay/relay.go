// Package relay copies an upstream chunk stream to a client sink, one chunk
// at a time, and guarantees the stream ends in exactly one terminal state.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/user/session-proxy/internal/models"
	"github.com/user/session-proxy/internal/wire"
	"go.uber.org/zap"
)

// ErrShuttingDown is the context cause used to abort streams on shutdown.
var ErrShuttingDown = errors.New("server shutting down")

// State is the relay lifecycle position.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AbortReason says why a relay ended in StateAborted.
type AbortReason string

const (
	AbortNone     AbortReason = ""
	AbortClient   AbortReason = "client"
	AbortUpstream AbortReason = "upstream"
	AbortShutdown AbortReason = "shutdown"
)

// Source yields upstream chunks. Next returns io.EOF at the end of the
// stream.
type Source interface {
	Next() (models.StreamChunk, error)
	Close() error
}

// Sink is the client side of a stream.
type Sink interface {
	// Open commits the stream to the client. It is called at most once,
	// before the first Send.
	Open() error
	// Send writes one chunk payload and flushes it.
	Send(data []byte) error
	// Done writes the terminal marker.
	Done() error
	// Fail writes a best-effort terminal error frame.
	Fail(err error) error
}

// Result describes a finished relay. It holds accounting only.
type Result struct {
	State        State
	Reason       AbortReason
	Started      bool
	Chunks       int
	ContentBytes int
	Usage        *models.Usage
	FirstChunkAt time.Time
	Err          error
}

// Relay drives one stream at a time per Run call. It is safe to share.
type Relay struct {
	logger *zap.Logger
}

// New creates a Relay.
func New(logger *zap.Logger) *Relay {
	return &Relay{logger: logger}
}

// Run copies src to sink until the stream completes or aborts. src is
// always closed before Run returns. If the stream fails before its first
// chunk, nothing is written to sink and Result.Started is false so the
// caller can answer with a plain error instead.
func (r *Relay) Run(ctx context.Context, src Source, sink Sink) *Result {
	res := &Result{State: StateIdle}
	defer func() {
		if err := src.Close(); err != nil {
			r.logger.Debug("close upstream stream", zap.Error(err))
		}
	}()

	for {
		if ctx.Err() != nil {
			return r.abort(res, sink, contextReason(ctx), context.Cause(ctx))
		}

		chunk, err := src.Next()
		if errors.Is(err, io.EOF) {
			if res.State == StateIdle {
				if err := r.open(res, sink); err != nil {
					return r.abort(res, sink, AbortClient, err)
				}
			}
			if err := sink.Done(); err != nil {
				return r.abort(res, sink, AbortClient, err)
			}
			res.State = StateCompleted
			return res
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.abort(res, sink, contextReason(ctx), err)
			}
			return r.abort(res, sink, AbortUpstream, err)
		}

		if res.State == StateIdle {
			if err := r.open(res, sink); err != nil {
				return r.abort(res, sink, AbortClient, err)
			}
			res.FirstChunkAt = time.Now()
		}
		if err := sink.Send(chunk.Data); err != nil {
			return r.abort(res, sink, AbortClient, err)
		}
		res.Chunks++
		res.ContentBytes += len(wire.ChunkContent(chunk.Data))
		if usage, ok := wire.ChunkUsage(chunk.Data); ok {
			res.Usage = &usage
		}
	}
}

func (r *Relay) open(res *Result, sink Sink) error {
	if err := sink.Open(); err != nil {
		return err
	}
	res.State = StateStreaming
	res.Started = true
	return nil
}

// abort moves res to StateAborted. An error frame is attempted only on a
// started stream whose client is still there.
func (r *Relay) abort(res *Result, sink Sink, reason AbortReason, err error) *Result {
	res.State = StateAborted
	res.Reason = reason
	res.Err = err

	if res.Started && (reason == AbortUpstream || reason == AbortShutdown) {
		if ferr := sink.Fail(err); ferr != nil {
			r.logger.Debug("error frame not delivered", zap.Error(ferr))
		}
	}
	return res
}

func contextReason(ctx context.Context) AbortReason {
	if errors.Is(context.Cause(ctx), ErrShuttingDown) {
		return AbortShutdown
	}
	return AbortClient
}
