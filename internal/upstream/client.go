// Package upstream sends chat completion requests to the OpenAI-compatible
// upstream and surfaces either a buffered body or a pull-based stream.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/user/session-proxy/internal/models"
	"github.com/user/session-proxy/internal/trace"
	"github.com/user/session-proxy/internal/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	chatCompletionsPath = "/chat/completions"
	maxErrorBody        = 4 << 20
)

// Config holds upstream connection settings.
type Config struct {
	BaseURL          string
	RequestTimeout   time.Duration
	FirstByteTimeout time.Duration
	IdleTimeout      time.Duration
}

// Buffered is a complete upstream response.
type Buffered struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Response holds exactly one of Buffered or Stream.
type Response struct {
	Buffered *Buffered
	Stream   *StreamHandle
}

// Client talks to the upstream chat completions endpoint.
type Client struct {
	endpoint     string
	client       *http.Client
	streamClient *http.Client
	idleTimeout  time.Duration
	tracer       oteltrace.Tracer
	logger       *zap.Logger
}

// NewClient creates a Client. Buffered calls are bounded by
// RequestTimeout; streams are bounded by FirstByteTimeout for headers
// and IdleTimeout between chunks.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		endpoint:    strings.TrimRight(cfg.BaseURL, "/") + chatCompletionsPath,
		idleTimeout: cfg.IdleTimeout,
		tracer:      otel.Tracer("github.com/user/session-proxy/internal/upstream"),
		logger:      logger,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   20,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: cfg.FirstByteTimeout,
			},
		},
		streamClient: &http.Client{
			Timeout: 0, // streams are bounded by the idle timer instead
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   20,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: cfg.FirstByteTimeout,
			},
		},
	}
}

// Endpoint returns the full upstream URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Send forwards req with credential. Streaming requests return a
// StreamHandle that the caller must Close.
func (c *Client) Send(ctx context.Context, req *models.ForwardRequest, credential string) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.chat_completions",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("llm.model", req.Model),
			attribute.Bool("llm.stream", req.Stream),
		))
	if tr, ok := trace.FromContext(ctx); ok {
		span.SetAttributes(attribute.String("request_id", tr.RequestID))
	}

	if req.Stream {
		handle, err := c.openStream(ctx, req, credential, span)
		if err != nil {
			endSpan(span, err)
			return nil, err
		}
		return &Response{Stream: handle}, nil
	}

	buf, err := c.sendBuffered(ctx, req, credential)
	if err == nil {
		span.SetAttributes(attribute.Int("http.status_code", buf.StatusCode))
	}
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return &Response{Buffered: buf}, nil
}

func (c *Client) sendBuffered(ctx context.Context, req *models.ForwardRequest, credential string) (*Buffered, error) {
	httpReq, err := c.newRequest(ctx, req, credential)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, nil, "response headers", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, readRejected(ctx, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, nil, "response body", err)
	}

	return &Buffered{
		StatusCode: resp.StatusCode,
		Header:     passthroughHeaders(resp.Header),
		Body:       body,
	}, nil
}

func (c *Client) openStream(ctx context.Context, req *models.ForwardRequest, credential string, span oteltrace.Span) (*StreamHandle, error) {
	streamCtx, cancel := context.WithCancelCause(ctx)

	httpReq, err := c.newRequest(streamCtx, req, credential)
	if err != nil {
		cancel(err)
		return nil, err
	}

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		err = classify(ctx, streamCtx, "response headers", err)
		cancel(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 400 {
		rejected := readRejected(ctx, resp)
		resp.Body.Close()
		cancel(rejected)
		return nil, rejected
	}

	if !isEventStream(resp.Header.Get("Content-Type")) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		err := &UnavailableError{Err: fmt.Errorf("unexpected content type %q for stream", resp.Header.Get("Content-Type"))}
		cancel(err)
		return nil, err
	}

	return newStreamHandle(ctx, streamCtx, cancel, resp, c.idleTimeout, span), nil
}

func (c *Client) newRequest(ctx context.Context, req *models.ForwardRequest, credential string) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &UnavailableError{Err: fmt.Errorf("create upstream request: %w", err)}
	}

	copyOpenAIHeaders(req.Header, httpReq.Header)
	httpReq.Header.Set("Authorization", "Bearer "+credential)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	if ua := req.Header.Get("User-Agent"); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}
	if tr, ok := trace.FromContext(ctx); ok {
		httpReq.Header.Set(wire.RequestIDHeader, tr.RequestID)
	}
	return httpReq, nil
}

func readRejected(ctx context.Context, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		if ctx.Err() != nil {
			return classify(ctx, nil, "error body", err)
		}
		return &UnavailableError{Err: fmt.Errorf("read upstream error response (status %d): %w", resp.StatusCode, err)}
	}
	return &RejectedError{
		StatusCode: resp.StatusCode,
		Header:     passthroughHeaders(resp.Header),
		Body:       body,
	}
}

// copyOpenAIHeaders forwards OpenAI-* request headers. Client credentials
// are never copied.
func copyOpenAIHeaders(src, dst http.Header) {
	for k, vs := range src {
		if !strings.HasPrefix(strings.ToLower(k), "openai-") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// passthroughHeaders keeps the response headers clients rely on.
func passthroughHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for k, vs := range src {
		lk := strings.ToLower(k)
		if lk == "content-type" || strings.HasPrefix(lk, "openai-") || strings.HasPrefix(lk, "x-ratelimit-") {
			dst[k] = append([]string(nil), vs...)
		}
	}
	return dst
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}

func endSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
