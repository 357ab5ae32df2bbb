package flow

import (
	"fmt"
	"sync"
	"time"
)

// ModelPricing is the USD cost per million input and output tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultModelPricing carries published list prices for common models.
// Unknown models record calls at zero cost; override with SetPricing.
var defaultModelPricing = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":        {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":   {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4.1":       {InputPer1M: 2.00, OutputPer1M: 8.00},
	"gpt-4.1-mini":  {InputPer1M: 0.40, OutputPer1M: 1.60},
	"gpt-4-turbo":   {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo": {InputPer1M: 0.50, OutputPer1M: 1.50},

	// Anthropic
	"claude-sonnet-4-20250514": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-sonnet":        {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus":            {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku":           {InputPer1M: 0.25, OutputPer1M: 1.25},

	// Google
	"gemini-2.0-flash": {InputPer1M: 0.10, OutputPer1M: 0.40},
	"gemini-1.5-pro":   {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash": {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// LLMCall records one provider invocation for cost attribution.
type LLMCall struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Timestamp    time.Time
	NodeID       string
}

// CostTracker accumulates per-call LLM costs across a run. The engine
// records a call after every provider response when a tracker is configured
// via WithCostTracker; the same tracker may be shared across runs for
// process-level accounting.
//
// Safe for concurrent use: parallel branches record from their own
// goroutines.
type CostTracker struct {
	mu sync.RWMutex

	pricing      map[string]ModelPricing
	calls        []LLMCall
	totalCost    float64
	modelCosts   map[string]float64
	inputTokens  int64
	outputTokens int64
	enabled      bool
}

// NewCostTracker creates a tracker seeded with the default pricing table.
func NewCostTracker() *CostTracker {
	pricing := make(map[string]ModelPricing, len(defaultModelPricing))
	for model, p := range defaultModelPricing {
		pricing[model] = p
	}
	return &CostTracker{
		pricing:    pricing,
		modelCosts: make(map[string]float64),
		enabled:    true,
	}
}

// Record logs one LLM call and updates cumulative totals. Models absent
// from the pricing table are recorded with zero cost so token counts stay
// accurate even without pricing data.
func (ct *CostTracker) Record(model string, inputTokens, outputTokens int, nodeID string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if !ct.enabled {
		return
	}

	pricing := ct.pricing[model]
	cost := (float64(inputTokens)/1_000_000.0)*pricing.InputPer1M +
		(float64(outputTokens)/1_000_000.0)*pricing.OutputPer1M

	ct.calls = append(ct.calls, LLMCall{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		Timestamp:    time.Now(),
		NodeID:       nodeID,
	})
	ct.totalCost += cost
	ct.modelCosts[model] += cost
	ct.inputTokens += int64(inputTokens)
	ct.outputTokens += int64(outputTokens)
}

// TotalCost returns the cumulative cost in USD across all recorded calls.
func (ct *CostTracker) TotalCost() float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.totalCost
}

// CostByModel returns a copy of the per-model cost breakdown.
func (ct *CostTracker) CostByModel() map[string]float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make(map[string]float64, len(ct.modelCosts))
	for model, cost := range ct.modelCosts {
		out[model] = cost
	}
	return out
}

// Calls returns a copy of all recorded calls in chronological order.
func (ct *CostTracker) Calls() []LLMCall {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make([]LLMCall, len(ct.calls))
	copy(out, ct.calls)
	return out
}

// TokenTotals returns cumulative input and output token counts.
func (ct *CostTracker) TokenTotals() (inputTokens, outputTokens int64) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.inputTokens, ct.outputTokens
}

// SetPricing overrides or adds pricing for a model. Useful for enterprise
// rates and models newer than the built-in table.
func (ct *CostTracker) SetPricing(model string, inputPer1M, outputPer1M float64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.pricing[model] = ModelPricing{InputPer1M: inputPer1M, OutputPer1M: outputPer1M}
}

// Disable stops recording; Record becomes a no-op until Enable.
func (ct *CostTracker) Disable() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.enabled = false
}

// Enable resumes recording after Disable.
func (ct *CostTracker) Enable() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.enabled = true
}

// Reset clears recorded calls and totals, keeping pricing configuration.
func (ct *CostTracker) Reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.calls = nil
	ct.totalCost = 0
	ct.modelCosts = make(map[string]float64)
	ct.inputTokens = 0
	ct.outputTokens = 0
}

// String returns a one-line summary for logs.
func (ct *CostTracker) String() string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return fmt.Sprintf("CostTracker{Calls: %d, TotalCost: $%.4f, InputTokens: %d, OutputTokens: %d}",
		len(ct.calls), ct.totalCost, ct.inputTokens, ct.outputTokens)
}
