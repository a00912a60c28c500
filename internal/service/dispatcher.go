package service

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/user/session-proxy/internal/metrics"
	"github.com/user/session-proxy/internal/models"
	"github.com/user/session-proxy/internal/relay"
	"github.com/user/session-proxy/internal/secret"
	"github.com/user/session-proxy/internal/trace"
	"github.com/user/session-proxy/internal/upstream"
	"github.com/user/session-proxy/internal/wire"
	"go.uber.org/zap"
)

// CredentialResolver maps a session key to its upstream credential.
type CredentialResolver interface {
	Resolve(key string) (string, error)
}

// Forwarder sends one request upstream.
type Forwarder interface {
	Send(ctx context.Context, req *models.ForwardRequest, credential string) (*upstream.Response, error)
}

// RequestLogger receives one entry per finished request.
type RequestLogger interface {
	LogRequest(entry *models.RequestLogEntry)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMetrics records request metrics on c.
func WithMetrics(c *metrics.Collector) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithRequestLog queues a log entry per request on l.
func WithRequestLog(l RequestLogger) DispatcherOption {
	return func(d *Dispatcher) { d.requestLog = l }
}

// WithAllowedModels restricts requests to models. An empty list allows
// every model.
func WithAllowedModels(models []string) DispatcherOption {
	return func(d *Dispatcher) {
		if len(models) == 0 {
			d.allowedModels = nil
			return
		}
		d.allowedModels = make(map[string]struct{}, len(models))
		for _, m := range models {
			d.allowedModels[m] = struct{}{}
		}
	}
}

// WithTracer replaces the default request tracer.
func WithTracer(t *trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// Dispatcher drives one client interaction: it resolves the session,
// forwards the request and writes exactly one response to the client.
type Dispatcher struct {
	sessions CredentialResolver
	upstream Forwarder
	tracer   *trace.Tracer
	relay    *relay.Relay
	logger   *zap.Logger

	metrics       *metrics.Collector
	requestLog    RequestLogger
	allowedModels map[string]struct{}

	root     context.Context
	abortAll context.CancelCauseFunc
	active   atomic.Int64 // streams relaying chunks
	inflight atomic.Int64 // streams from upstream dispatch to finish
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(sessions CredentialResolver, up Forwarder, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	root, abortAll := context.WithCancelCause(context.Background())
	d := &Dispatcher{
		sessions: sessions,
		upstream: up,
		tracer:   trace.New(),
		relay:    relay.New(logger),
		logger:   logger,
		root:     root,
		abortAll: abortAll,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ActiveStreams returns the number of streams being relayed.
func (d *Dispatcher) ActiveStreams() int {
	return int(d.active.Load())
}

// AbortStreams aborts every in-flight stream as if its client had gone
// away, and waits for them to finish or for ctx to end. Streams started
// afterwards are aborted immediately.
func (d *Dispatcher) AbortStreams(ctx context.Context) error {
	d.abortAll(relay.ErrShuttingDown)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for d.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// outcome is the accounting for one finished request.
type outcome struct {
	name       string
	statusCode int
	chunks     int
	usage      *models.Usage
	upstream   time.Duration
	ttfb       time.Duration
	reason     relay.AbortReason
	err        error
}

// Handle serves req, writing the response to w. Nothing is returned: every
// outcome, success or failure, is written to w exactly once.
func (d *Dispatcher) Handle(ctx context.Context, req *models.ForwardRequest, w http.ResponseWriter) {
	credential, err := d.sessions.Resolve(req.SessionKey)
	if err != nil {
		d.logger.Debug("session rejected",
			zap.String("session", secret.DisplayPrefix(req.SessionKey)), zap.Error(err))
		writeError(w, http.StatusUnauthorized, "Invalid session key", "invalid_api_key", "")
		return
	}
	if !d.modelAllowed(req.Model) {
		writeError(w, http.StatusBadRequest, "invalid model ID", "model_not_found", "")
		return
	}

	tr := d.tracer.NewTrace()
	ctx = trace.WithTrace(ctx, tr)
	w.Header().Set(wire.RequestIDHeader, tr.RequestID)

	logger := d.logger.With(
		zap.String("request_id", tr.RequestID),
		zap.String("session", secret.DisplayPrefix(req.SessionKey)),
		zap.String("model", req.Model),
		zap.Bool("stream", req.Stream),
	)

	var out outcome
	if req.Stream {
		out = d.handleStream(ctx, req, credential, tr, w, logger)
	} else {
		out = d.handleBuffered(ctx, req, credential, tr, w, logger)
	}
	d.finish(req, tr, out, logger)
}

func (d *Dispatcher) handleBuffered(ctx context.Context, req *models.ForwardRequest, credential string,
	tr models.RequestTrace, w http.ResponseWriter, logger *zap.Logger) outcome {
	start := time.Now()
	resp, err := d.upstream.Send(ctx, req, credential)
	elapsed := time.Since(start)
	if err != nil {
		out := d.failure(err)
		out.upstream = elapsed
		out.statusCode = writeUpstreamError(w, err, tr.RequestID)
		logger.Warn("upstream request failed", zap.Int("status", out.statusCode), zap.Error(err))
		return out
	}

	buf := resp.Buffered
	copyHeaders(w.Header(), buf.Header)
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(buf.StatusCode)
	if _, err := w.Write(wire.InjectRequestID(buf.Body, tr.RequestID)); err != nil {
		logger.Debug("client gone before response was written", zap.Error(err))
	}

	out := outcome{
		name:       models.OutcomeSuccess,
		statusCode: buf.StatusCode,
		upstream:   elapsed,
		ttfb:       elapsed,
	}
	if usage, ok := wire.BodyUsage(buf.Body); ok {
		out.usage = &usage
	}
	return out
}

func (d *Dispatcher) handleStream(ctx context.Context, req *models.ForwardRequest, credential string,
	tr models.RequestTrace, w http.ResponseWriter, logger *zap.Logger) outcome {
	d.inflight.Add(1)
	defer d.inflight.Add(-1)

	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if d.root.Err() != nil {
		cancel(context.Cause(d.root))
	}
	stop := context.AfterFunc(d.root, func() { cancel(context.Cause(d.root)) })
	defer stop()

	start := time.Now()
	resp, err := d.upstream.Send(streamCtx, req, credential)
	if err != nil {
		out := d.failure(err)
		out.upstream = time.Since(start)
		out.statusCode = writeUpstreamError(w, err, tr.RequestID)
		if out.statusCode > 0 {
			logger.Warn("upstream stream failed to open", zap.Int("status", out.statusCode), zap.Error(err))
		}
		return out
	}

	d.active.Add(1)
	d.metrics.StreamStarted()
	defer func() {
		d.active.Add(-1)
		d.metrics.StreamEnded()
	}()

	sink := newSSESink(w, resp.Stream.Header(), tr.RequestID, logger)
	res := d.relay.Run(streamCtx, resp.Stream, sink)

	out := outcome{
		chunks:   res.Chunks,
		usage:    res.Usage,
		upstream: time.Since(start),
		reason:   res.Reason,
		err:      res.Err,
	}
	if !res.FirstChunkAt.IsZero() {
		out.ttfb = res.FirstChunkAt.Sub(start)
	}

	switch {
	case res.State == relay.StateCompleted:
		out.name = models.OutcomeSuccess
		out.statusCode = http.StatusOK
	case !res.Started && res.Reason == relay.AbortClient:
		out.name = models.OutcomeClientGone
	case !res.Started:
		// Nothing reached the client yet: answer like the buffered path.
		out.name = d.failure(res.Err).name
		out.statusCode = writeUpstreamError(w, res.Err, tr.RequestID)
	default:
		out.statusCode = http.StatusOK
		out.name = models.OutcomeAborted
		if res.Reason == relay.AbortClient {
			out.name = models.OutcomeClientGone
		}
	}

	logger.Debug("stream finished",
		zap.String("state", res.State.String()),
		zap.String("reason", string(res.Reason)),
		zap.Int("chunks", res.Chunks),
		zap.Error(res.Err))
	return out
}

func (d *Dispatcher) modelAllowed(model string) bool {
	if d.allowedModels == nil {
		return true
	}
	_, ok := d.allowedModels[model]
	return ok
}

// failure names the outcome of an upstream error.
func (d *Dispatcher) failure(err error) outcome {
	var (
		rejected *upstream.RejectedError
		timeout  *upstream.TimeoutError
	)
	switch {
	case errors.Is(err, relay.ErrShuttingDown):
		return outcome{name: models.OutcomeAborted, reason: relay.AbortShutdown, err: err}
	case errors.Is(err, upstream.ErrCanceled), errors.Is(err, context.Canceled):
		return outcome{name: models.OutcomeClientGone, reason: relay.AbortClient, err: err}
	case errors.As(err, &rejected):
		return outcome{name: models.OutcomeRejected, err: err}
	case errors.As(err, &timeout):
		return outcome{name: models.OutcomeTimeout, err: err}
	}
	return outcome{name: models.OutcomeUnavailable, err: err}
}

func (d *Dispatcher) finish(req *models.ForwardRequest, tr models.RequestTrace, out outcome, logger *zap.Logger) {
	mode := metrics.ModeBuffered
	if req.Stream {
		mode = metrics.ModeStream
		d.metrics.RecordStream(out.chunks, string(out.reason))
	}
	d.metrics.RecordRequest(mode, out.name, out.upstream)

	latency := time.Since(tr.CreatedAt)
	logger.Info("request completed",
		zap.String("outcome", out.name),
		zap.Int("status", out.statusCode),
		zap.Duration("latency", latency))

	if d.requestLog == nil {
		return
	}
	entry := &models.RequestLogEntry{
		RequestID:     tr.RequestID,
		SessionPrefix: secret.DisplayPrefix(req.SessionKey),
		Model:         req.Model,
		Stream:        req.Stream,
		StatusCode:    out.statusCode,
		Outcome:       out.name,
		Chunks:        out.chunks,
		LatencyMs:     float64(latency.Microseconds()) / 1000,
		TTFBMs:        float64(out.ttfb.Microseconds()) / 1000,
		CreatedAt:     tr.CreatedAt,
	}
	if out.usage != nil {
		entry.PromptTokens = out.usage.PromptTokens
		entry.OutputTokens = out.usage.CompletionTokens
	}
	if out.err != nil {
		entry.ErrorMessage = out.err.Error()
	}
	d.requestLog.LogRequest(entry)
}
