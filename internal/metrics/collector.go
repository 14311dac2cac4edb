// Package metrics exposes Prometheus metrics for the agent: tool executions,
// planning steps, LLM calls and active sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests and multiple servers in one
// process do not collide. All methods are safe on a nil receiver.
type Collector struct {
	registry *prometheus.Registry

	toolExecutions *prometheus.CounterVec
	toolLatency    *prometheus.HistogramVec
	llmRequests    *prometheus.CounterVec
	llmLatency     *prometheus.HistogramVec
	requests       *prometheus.CounterVec
	planningSteps  prometheus.Histogram
	activeSessions prometheus.Gauge
	sseConnections prometheus.Gauge
	uploads        *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetagent_tool_executions_total",
			Help: "Tool executions by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sheetagent_tool_latency_seconds",
			Help:    "Tool execution latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetagent_llm_requests_total",
			Help: "LLM requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sheetagent_llm_latency_seconds",
			Help:    "LLM request latency in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetagent_chat_requests_total",
			Help: "Chat requests by outcome (ok, degraded, failed).",
		}, []string{"outcome"}),
		planningSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sheetagent_planning_steps",
			Help:    "Tool executions per chat request.",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8, 13, 21},
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sheetagent_active_sessions",
			Help: "Sessions currently held in memory.",
		}),
		sseConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sheetagent_sse_connections",
			Help: "Open SSE event streams.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetagent_uploads_total",
			Help: "Workbook uploads by outcome.",
		}, []string{"outcome"}),
	}
	c.registry.MustRegister(
		c.toolExecutions, c.toolLatency,
		c.llmRequests, c.llmLatency,
		c.requests, c.planningSteps,
		c.activeSessions, c.sseConnections, c.uploads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) ObserveTool(tool, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.toolExecutions.WithLabelValues(tool, outcome).Inc()
	c.toolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

func (c *Collector) ObserveLLM(provider string, err error, d time.Duration) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.llmRequests.WithLabelValues(provider, outcome).Inc()
	c.llmLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveRequest records one finished chat request.
func (c *Collector) ObserveRequest(outcome string, steps int) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(outcome).Inc()
	c.planningSteps.Observe(float64(steps))
}

func (c *Collector) ObserveUpload(outcome string) {
	if c == nil {
		return
	}
	c.uploads.WithLabelValues(outcome).Inc()
}

func (c *Collector) SetActiveSessions(n int) {
	if c == nil {
		return
	}
	c.activeSessions.Set(float64(n))
}

func (c *Collector) SSEOpened() {
	if c == nil {
		return
	}
	c.sseConnections.Inc()
}

func (c *Collector) SSEClosed() {
	if c == nil {
		return
	}
	c.sseConnections.Dec()
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
