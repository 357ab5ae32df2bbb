package flow

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dshills/agentflow-go/flow/provider"
)

func TestMetrics(t *testing.T) {
	t.Run("records observations under the agentflow namespace", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		m := NewMetrics(registry)

		m.ObserveRun("completed", 50*time.Millisecond)
		m.ObserveNode(KindAgent, StatusCompleted, 10*time.Millisecond)
		m.ObserveNode(KindAgent, StatusError, 5*time.Millisecond)
		m.ObserveLLMCall("gpt-4o", provider.Usage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19})
		m.SetFrontierDepth(3)

		if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("completed")); got != 1 {
			t.Errorf("runs_total{completed} = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.nodesTotal.WithLabelValues("agent", "completed")); got != 1 {
			t.Errorf("nodes_total{agent,completed} = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.nodesTotal.WithLabelValues("agent", "error")); got != 1 {
			t.Errorf("nodes_total{agent,error} = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.llmCalls.WithLabelValues("gpt-4o")); got != 1 {
			t.Errorf("llm_calls_total{gpt-4o} = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.tokensTotal.WithLabelValues("gpt-4o", "prompt")); got != 12 {
			t.Errorf("tokens_total{gpt-4o,prompt} = %v, want 12", got)
		}
		if got := testutil.ToFloat64(m.tokensTotal.WithLabelValues("gpt-4o", "completion")); got != 7 {
			t.Errorf("tokens_total{gpt-4o,completion} = %v, want 7", got)
		}
		if got := testutil.ToFloat64(m.frontierDepth); got != 3 {
			t.Errorf("frontier_depth = %v, want 3", got)
		}
	})

	t.Run("nil metrics are safe to observe", func(t *testing.T) {
		var m *Metrics
		m.ObserveRun("completed", time.Millisecond)
		m.ObserveNode(KindAgent, StatusCompleted, time.Millisecond)
		m.ObserveLLMCall("gpt-4o", provider.Usage{})
		m.SetFrontierDepth(1)
	})

	t.Run("disable drops observations until re-enabled", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.Disable()
		m.ObserveRun("completed", time.Millisecond)
		if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("completed")); got != 0 {
			t.Errorf("runs_total{completed} = %v after Disable, want 0", got)
		}

		m.Enable()
		m.ObserveRun("completed", time.Millisecond)
		if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("completed")); got != 1 {
			t.Errorf("runs_total{completed} = %v after Enable, want 1", got)
		}
	})
}

func TestMetricsDuringRun(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	mock := provider.NewMockProvider("Echo: hello")

	eng := newTestEngine(t, mock, WithMetrics(m))
	if _, err := eng.Run(context.Background(), linearWorkflow(), Input{Text: "hello"}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("runs_total{completed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.nodesTotal.WithLabelValues("start", "completed")); got != 1 {
		t.Errorf("nodes_total{start,completed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.nodesTotal.WithLabelValues("agent", "completed")); got != 1 {
		t.Errorf("nodes_total{agent,completed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.llmCalls.WithLabelValues("test-model")); got != 1 {
		t.Errorf("llm_calls_total{test-model} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.frontierDepth); got != 0 {
		t.Errorf("frontier_depth = %v after run, want 0", got)
	}
}
