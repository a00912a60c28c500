// Package metrics exposes the proxy's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "session_proxy"

// Modes label values.
const (
	ModeBuffered = "buffered"
	ModeStream   = "stream"
)

// Collector owns a private registry and the proxy's metric families.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	streamChunks     prometheus.Counter
	streamAborts     *prometheus.CounterVec
	activeStreams    prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector registers all metric families on registry. A nil registry
// gets a fresh one with the Go runtime and process collectors attached.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Chat completion requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		upstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Time from upstream dispatch to the end of the response.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"mode"}),
		streamChunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stream_chunks_total",
			Help:      "Stream chunks relayed to clients.",
		}),
		streamAborts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stream_aborts_total",
			Help:      "Streams that ended without the terminal marker, by reason.",
		}, []string{"reason"}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_streams",
			Help:      "Streams currently being relayed.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies by route.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 1.5, 5),
		}, []string{"route", "method"}),
	}
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordRequest counts one finished chat completion request.
func (c *Collector) RecordRequest(mode, outcome string, upstream time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(mode, outcome).Inc()
	if upstream > 0 {
		c.upstreamDuration.WithLabelValues(mode).Observe(upstream.Seconds())
	}
}

// RecordStream accounts a finished stream. reason is empty for streams
// that completed.
func (c *Collector) RecordStream(chunks int, reason string) {
	if c == nil {
		return
	}
	c.streamChunks.Add(float64(chunks))
	if reason != "" {
		c.streamAborts.WithLabelValues(reason).Inc()
	}
}

// StreamStarted and StreamEnded bracket one relayed stream.
func (c *Collector) StreamStarted() {
	if c != nil {
		c.activeStreams.Inc()
	}
}

func (c *Collector) StreamEnded() {
	if c != nil {
		c.activeStreams.Dec()
	}
}

// TrackSessions exposes the live session count through count.
func (c *Collector) TrackSessions(count func() int) {
	if c == nil {
		return
	}
	promauto.With(c.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "sessions",
		Help:      "Sessions currently registered.",
	}, func() float64 { return float64(count()) })
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Middleware records per-route HTTP metrics. Unmatched routes share the
// "unmatched" label so scanners cannot blow up cardinality.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if c == nil {
			ctx.Next()
			return
		}
		start := time.Now()
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := ctx.Request.Method
		c.httpRequests.WithLabelValues(route, method, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}
