// Package metrics owns the Prometheus registry for the process and adapts it
// to the observer hooks exposed by sessions, mcpservice and streaminghttp.
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/ggoodman/mcp-exchange-server/mcpservice"
	"github.com/ggoodman/mcp-exchange-server/sessions"
	"github.com/ggoodman/mcp-exchange-server/streaminghttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_exchange"

// Metrics is a set of collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsOpened  *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	rpcRequests     *prometheus.CounterVec
	rpcDuration     *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpWrittenSize prometheus.Counter
}

var (
	_ sessions.MetricsSink   = (*Metrics)(nil)
	_ mcpservice.Observer    = (*Metrics)(nil)
	_ streaminghttp.Observer = (*Metrics)(nil)
)

// New builds and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Sessions currently registered.",
		}),
		sessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_opened_total",
			Help: "Sessions created, labelled by whether they were fabricated in compatibility mode.",
		}, []string{"auto_recreated"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_closed_total",
			Help: "Sessions torn down, by reason.",
		}, []string{"reason"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tool_invocations_total",
			Help: "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tool_invocation_duration_seconds",
			Help:    "Tool invocation latency.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"tool"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rpc_requests_total",
			Help: "JSON-RPC messages handled on /mcp by method and HTTP status.",
		}, []string{"method", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rpc_request_duration_seconds",
			Help:    "JSON-RPC handling latency on /mcp.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		httpWrittenSize: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_response_bytes_total",
			Help: "Bytes written in HTTP response bodies.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive, m.sessionsOpened, m.sessionsClosed,
		m.toolCalls, m.toolDuration,
		m.rpcRequests, m.rpcDuration,
		m.httpRequests, m.httpDuration, m.httpWrittenSize,
	)
	return m
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionOpened(autoRecreated bool) {
	m.sessionsActive.Inc()
	m.sessionsOpened.WithLabelValues(strconv.FormatBool(autoRecreated)).Inc()
}

func (m *Metrics) SessionClosed(reason sessions.Reason) {
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) ObserveInvocation(tool string, outcome mcpservice.Outcome, elapsed time.Duration) {
	// Unknown names are caller input; keep them out of the label space.
	if outcome == mcpservice.OutcomeUnknownTool {
		tool = "unknown"
	}
	m.toolCalls.WithLabelValues(tool, string(outcome)).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	m.rpcRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Middleware records request metrics and writes one access log line per
// request.
func (m *Metrics) Middleware(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snoop := httpsnoop.CaptureMetrics(next, w, r)

			m.httpRequests.WithLabelValues(r.Method, strconv.Itoa(snoop.Code)).Inc()
			m.httpDuration.WithLabelValues(r.Method).Observe(snoop.Duration.Seconds())
			m.httpWrittenSize.Add(float64(snoop.Written))

			log.InfoContext(r.Context(), "http.request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", snoop.Code),
				slog.Int64("bytes", snoop.Written),
				slog.Duration("dur", snoop.Duration),
			)
		})
	}
}
