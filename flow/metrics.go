package flow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dshills/agentflow-go/flow/provider"
)

// Metrics exports Prometheus metrics for workflow execution, all namespaced
// "agentflow":
//
//   - runs_total (counter; status): completed vs failed runs
//   - run_duration_seconds (histogram): wall-clock run duration
//   - nodes_total (counter; kind, status): node completions and failures
//   - node_duration_seconds (histogram; kind): per-node execution time
//   - llm_calls_total (counter; model): provider invocations
//   - tokens_total (counter; model, direction): prompt/completion tokens
//   - frontier_depth (gauge): pending items in the scheduler queue
//
// Construct with a custom registry for isolation and expose it via
// promhttp.HandlerFor; a nil registerer creates unregistered metrics, which
// suits tests:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewMetrics(registry)
//	engine, err := flow.New(p, flow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	nodesTotal    *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	llmCalls      *prometheus.CounterVec
	tokensTotal   *prometheus.CounterVec
	frontierDepth prometheus.Gauge

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates the collector and registers everything with the given
// registerer. Pass prometheus.DefaultRegisterer for the global registry or
// nil for unregistered metrics.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	m := &Metrics{enabled: true}

	m.runsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Name:      "runs_total",
		Help:      "Workflow runs by terminal status",
	}, []string{"status"}) // status: completed, failed

	m.runDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentflow",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of workflow runs",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})

	m.nodesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Name:      "nodes_total",
		Help:      "Node executions by kind and terminal status",
	}, []string{"kind", "status"}) // status: completed, error

	m.nodeDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentflow",
		Name:      "node_duration_seconds",
		Help:      "Node execution duration from dispatch to completion",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60},
	}, []string{"kind"})

	m.llmCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Name:      "llm_calls_total",
		Help:      "Provider chat calls by model",
	}, []string{"model"})

	m.tokensTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Name:      "tokens_total",
		Help:      "Tokens consumed by model and direction",
	}, []string{"model", "direction"}) // direction: prompt, completion

	m.frontierDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentflow",
		Name:      "frontier_depth",
		Help:      "Pending items in the scheduler work queue",
	})

	return m
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string, d time.Duration) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

// ObserveNode records a finished node execution.
func (m *Metrics) ObserveNode(kind NodeKind, status Status, d time.Duration) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.nodesTotal.WithLabelValues(string(kind), string(status)).Inc()
	m.nodeDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// ObserveLLMCall records one provider invocation with its token usage.
func (m *Metrics) ObserveLLMCall(model string, usage provider.Usage) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.llmCalls.WithLabelValues(model).Inc()
	m.tokensTotal.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	m.tokensTotal.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
}

// SetFrontierDepth updates the pending-work gauge.
func (m *Metrics) SetFrontierDepth(depth int) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.frontierDepth.Set(float64(depth))
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable temporarily stops metric recording (useful for testing).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable resumes metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
