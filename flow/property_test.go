package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dshills/agentflow-go/flow/provider"
)

// chainWorkflow builds start -> a1 -> ... -> an -> out.
func chainWorkflow(n int) *Workflow {
	nodes := []Node{{ID: "start", Kind: KindStart}}
	edges := make([]Edge, 0, n+1)
	prev := "start"
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("a%d", i)
		nodes = append(nodes, Node{ID: id, Kind: KindAgent, Data: NodeData{Prompt: "step"}})
		edges = append(edges, Edge{ID: fmt.Sprintf("e%d", i), Source: prev, Target: id})
		prev = id
	}
	nodes = append(nodes, Node{ID: "out", Kind: KindOutput})
	edges = append(edges, Edge{ID: fmt.Sprintf("e%d", n+1), Source: prev, Target: "out"})
	return testWorkflow(nodes, edges)
}

func TestChainRunProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every chain node completes exactly once", prop.ForAll(
		func(n int) bool {
			mock := provider.NewMockProvider("step output")
			eng := newTestEngine(t, mock)

			res, err := eng.Run(context.Background(), chainWorkflow(n), Input{Text: "go"})
			if err != nil || res == nil || res.Output == "" {
				return false
			}
			if len(res.NodeChain) != n+2 {
				return false
			}
			for _, id := range res.NodeChain {
				if res.Statuses[id] != StatusCompleted || res.ExecutionCounts[id] != 1 {
					return false
				}
				if _, ok := res.Outputs[id]; !ok {
					return false
				}
			}
			return mock.CallCount() == n
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func TestCircuitBreakerProperty(t *testing.T) {
	// The agent feeds itself, so every run must end at the breaker and the
	// completion count must match the configured cap exactly.
	wf := testWorkflow(
		[]Node{
			{ID: "start", Kind: KindStart},
			{ID: "a", Kind: KindAgent, Data: NodeData{Prompt: "loop"}},
		},
		[]Edge{
			{ID: "e1", Source: "start", Target: "a"},
			{ID: "e2", Source: "a", Target: "a"},
		},
	)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("the breaker stops self-feeding nodes at the cap", prop.ForAll(
		func(limit int) bool {
			mock := provider.NewMockProvider("again")
			eng := newTestEngine(t, mock, WithMaxNodeExecutions(limit))

			res, err := eng.Run(context.Background(), wf, Input{Text: "go"})
			if !errors.Is(err, ErrCircuitBreaker) || res == nil {
				return false
			}
			completions := 0
			for _, id := range res.NodeChain {
				if id == "a" {
					completions++
				}
			}
			return completions == limit && res.ExecutionCounts["a"] == limit+1
		},
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}

func TestRouterFallbackProperty(t *testing.T) {
	h := &RouterHandler{}
	wf := routerWorkflow(NodeData{Prompt: "route it"})
	routeIDs := []string{"billing", "support"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("unparseable responses fall back to the first route", prop.ForAll(
		func(garbage string) bool {
			// Letters only: never a JSON object, never a route number.
			mock := &provider.MockProvider{Responses: []provider.Response{{Content: garbage}}}
			ec := newTestContext(t, wf, "r", "question", mock)

			res, err := h.Execute(context.Background(), ec)
			if err != nil || res == nil {
				return false
			}
			return res.Metadata["fallbackUsed"] == true &&
				len(res.NextNodes) == 1 && res.NextNodes[0] == routeIDs[0]
		},
		gen.AlphaString(),
	))

	properties.Property("valid tool-call selections never fall back", prop.ForAll(
		func(i int) bool {
			mock := &provider.MockProvider{Responses: []provider.Response{*routeCall(routeIDs[i], "picked")}}
			ec := newTestContext(t, wf, "r", "question", mock)

			res, err := h.Execute(context.Background(), ec)
			if err != nil || res == nil {
				return false
			}
			return res.Metadata["fallbackUsed"] == false &&
				len(res.NextNodes) == 1 && res.NextNodes[0] == routeIDs[i]
		},
		gen.IntRange(0, len(routeIDs)-1),
	))

	properties.TestingRun(t)
}
