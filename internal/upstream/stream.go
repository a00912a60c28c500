package upstream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/session-proxy/internal/models"
	"github.com/user/session-proxy/internal/wire"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// StreamHandle is a lazy, non-restartable sequence of upstream chunks.
// Next reads from the network only when called, so at most one chunk is
// held at a time. Close may be called at any point and more than once.
type StreamHandle struct {
	ctx       context.Context
	streamCtx context.Context
	cancel    context.CancelCauseFunc
	body      io.ReadCloser
	reader    *bufio.Reader
	header    http.Header
	idle      time.Duration
	timer     *time.Timer
	span      oteltrace.Span

	seq       int
	finished  atomic.Bool
	closeOnce sync.Once
}

func newStreamHandle(ctx, streamCtx context.Context, cancel context.CancelCauseFunc, resp *http.Response, idle time.Duration, span oteltrace.Span) *StreamHandle {
	h := &StreamHandle{
		ctx:       ctx,
		streamCtx: streamCtx,
		cancel:    cancel,
		body:      resp.Body,
		reader:    bufio.NewReader(resp.Body),
		header:    passthroughHeaders(resp.Header),
		idle:      idle,
		span:      span,
	}
	if idle > 0 {
		h.timer = time.AfterFunc(idle, func() { cancel(errIdleTimeout) })
		h.timer.Stop()
	}
	return h
}

// Header returns the upstream response headers worth passing on.
func (h *StreamHandle) Header() http.Header {
	return h.header
}

// Next returns the next chunk, or io.EOF once the upstream signalled the
// end of the stream. Any other error is one of the upstream error kinds
// or wraps ErrCanceled.
func (h *StreamHandle) Next() (models.StreamChunk, error) {
	for {
		if h.finished.Load() {
			return models.StreamChunk{}, io.EOF
		}

		line, err := h.readLine()
		if payload, ok := wire.ParseDataLine(line); ok {
			switch {
			case wire.IsDone(payload):
				h.finished.Store(true)
				return models.StreamChunk{}, io.EOF
			case wire.IsErrorPayload(payload):
				h.finished.Store(true)
				return models.StreamChunk{}, &RejectedError{
					StatusCode: http.StatusBadGateway,
					Header:     http.Header{"Content-Type": []string{"application/json"}},
					Body:       append([]byte(nil), payload...),
				}
			case len(payload) > 0:
				chunk := models.StreamChunk{Seq: h.seq, Data: append([]byte(nil), payload...)}
				h.seq++
				return chunk, nil
			}
		}

		if err != nil {
			h.finished.Store(true)
			if errors.Is(err, io.EOF) && h.streamCtx.Err() == nil {
				return models.StreamChunk{}, io.EOF
			}
			return models.StreamChunk{}, classify(h.ctx, h.streamCtx, "stream read", err)
		}
	}
}

func (h *StreamHandle) readLine() ([]byte, error) {
	if h.timer != nil {
		h.timer.Reset(h.idle)
		defer h.timer.Stop()
	}
	return h.reader.ReadBytes('\n')
}

// Close releases the upstream connection.
func (h *StreamHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.finished.Store(true)
		if h.timer != nil {
			h.timer.Stop()
		}
		h.cancel(errHandleClosed)
		err = h.body.Close()
		endSpan(h.span, nil)
	})
	return err
}
