package flow

import (
	"context"
	"math"
	"testing"

	"github.com/dshills/agentflow-go/flow/provider"
)

func closeTo(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCostTracker(t *testing.T) {
	t.Run("prices known models from the table", func(t *testing.T) {
		ct := NewCostTracker()
		ct.Record("gpt-4o", 500_000, 100_000, "a")

		// 0.5M input at $2.50/1M plus 0.1M output at $10.00/1M.
		if got := ct.TotalCost(); !closeTo(got, 1.25+1.00) {
			t.Errorf("TotalCost() = %v, want 2.25", got)
		}
		in, out := ct.TokenTotals()
		if in != 500_000 || out != 100_000 {
			t.Errorf("TokenTotals() = %d, %d, want the recorded counts", in, out)
		}
		calls := ct.Calls()
		if len(calls) != 1 || calls[0].NodeID != "a" || calls[0].Model != "gpt-4o" {
			t.Errorf("Calls() = %+v, want the attributed call", calls)
		}
	})

	t.Run("unknown models record tokens at zero cost", func(t *testing.T) {
		ct := NewCostTracker()
		ct.Record("house-model", 1000, 1000, "a")

		if got := ct.TotalCost(); got != 0 {
			t.Errorf("TotalCost() = %v, want 0 for an unpriced model", got)
		}
		in, out := ct.TokenTotals()
		if in != 1000 || out != 1000 {
			t.Errorf("TokenTotals() = %d, %d, want tokens still counted", in, out)
		}
	})

	t.Run("pricing overrides apply to later calls", func(t *testing.T) {
		ct := NewCostTracker()
		ct.SetPricing("house-model", 1.00, 2.00)
		ct.Record("house-model", 1_000_000, 500_000, "a")

		if got := ct.TotalCost(); !closeTo(got, 1.00+1.00) {
			t.Errorf("TotalCost() = %v, want 2.00 with the override", got)
		}
	})

	t.Run("breaks costs down by model", func(t *testing.T) {
		ct := NewCostTracker()
		ct.Record("gpt-4o", 1_000_000, 0, "a")
		ct.Record("gpt-4o-mini", 1_000_000, 0, "b")

		byModel := ct.CostByModel()
		if !closeTo(byModel["gpt-4o"], 2.50) || !closeTo(byModel["gpt-4o-mini"], 0.15) {
			t.Errorf("CostByModel() = %v, want per-model totals", byModel)
		}
	})

	t.Run("disable stops recording and reset keeps pricing", func(t *testing.T) {
		ct := NewCostTracker()
		ct.SetPricing("house-model", 1.00, 1.00)

		ct.Disable()
		ct.Record("house-model", 1_000_000, 0, "a")
		if got := ct.TotalCost(); got != 0 {
			t.Errorf("TotalCost() = %v after Disable, want 0", got)
		}

		ct.Enable()
		ct.Record("house-model", 1_000_000, 0, "a")
		ct.Reset()
		if got := ct.TotalCost(); got != 0 {
			t.Errorf("TotalCost() = %v after Reset, want 0", got)
		}
		if len(ct.Calls()) != 0 {
			t.Error("Calls() non-empty after Reset")
		}

		ct.Record("house-model", 1_000_000, 0, "a")
		if got := ct.TotalCost(); !closeTo(got, 1.00) {
			t.Errorf("TotalCost() = %v, want the override to survive Reset", got)
		}
	})
}

func TestCostTrackerDuringRun(t *testing.T) {
	ct := NewCostTracker()
	mock := provider.NewMockProvider("Echo: hello")

	eng := newTestEngine(t, mock, WithCostTracker(ct))
	if _, err := eng.Run(context.Background(), linearWorkflow(), Input{Text: "hello"}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	calls := ct.Calls()
	if len(calls) != 1 {
		t.Fatalf("recorded %d calls, want the agent's single call", len(calls))
	}
	if calls[0].NodeID != "a" || calls[0].Model != "test-model" {
		t.Errorf("call = %+v, want attribution to the agent node", calls[0])
	}
	in, out := ct.TokenTotals()
	if in == 0 || out == 0 {
		t.Errorf("TokenTotals() = %d, %d, want the mock's estimated usage", in, out)
	}
}
