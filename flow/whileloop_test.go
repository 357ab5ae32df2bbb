package flow

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/dshills/agentflow-go/flow/provider"
)

func intPtr(n int) *int { return &n }

// loopWorkflow wires a while node to a single-node body agent and a done
// target. The body agent answers on model "am", the condition on "cm".
func loopWorkflow(data NodeData) *Workflow {
	data.ConditionModel = "cm"
	return testWorkflow(
		[]Node{
			{ID: "w", Kind: KindWhileLoop, Data: data},
			{ID: "body", Kind: KindAgent, Data: NodeData{Model: "am", Prompt: "Add a dot."}},
			{ID: "final", Kind: KindOutput},
		},
		[]Edge{
			{ID: "e1", Source: "w", Target: "body", SourceHandle: HandleBody},
			{ID: "e2", Source: "w", Target: "final", SourceHandle: HandleDone},
		},
	)
}

// loopMock appends a dot per body call and answers the condition from a
// scripted verdict list, repeating the last verdict.
func loopMock(t *testing.T, verdicts []string, bodyCalls, condCalls *int32) *provider.MockProvider {
	t.Helper()
	return &provider.MockProvider{ChatFunc: func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		switch req.Model {
		case "am":
			atomic.AddInt32(bodyCalls, 1)
			var last string
			for _, m := range req.Messages {
				if m.Role == provider.RoleUser {
					last = m.Content
				}
			}
			return &provider.Response{Content: last + "."}, nil
		case "cm":
			n := int(atomic.AddInt32(condCalls, 1)) - 1
			if n >= len(verdicts) {
				n = len(verdicts) - 1
			}
			return &provider.Response{Content: verdicts[n]}, nil
		default:
			t.Errorf("unexpected model %q", req.Model)
			return nil, errors.New("unexpected model")
		}
	}}
}

func TestWhileLoopHandler(t *testing.T) {
	h := &WhileLoopHandler{}

	t.Run("iterates until the condition says done", func(t *testing.T) {
		var bodyCalls, condCalls int32
		mock := loopMock(t, []string{"continue", "continue", "done"}, &bodyCalls, &condCalls)
		ec := newTestContext(t, loopWorkflow(NodeData{}), "w", "seed", mock)

		res, err := h.Execute(context.Background(), ec)
		if err != nil {
			t.Fatalf("Execute() failed: %v", err)
		}
		if res.Output != "seed..." {
			t.Errorf("Output = %q, want three iterations of dots", res.Output)
		}
		if res.Metadata["iterations"] != 3 {
			t.Errorf("iterations = %v, want 3", res.Metadata["iterations"])
		}
		if n := atomic.LoadInt32(&bodyCalls); n != 3 {
			t.Errorf("body ran %d times, want 3", n)
		}
		if n := atomic.LoadInt32(&condCalls); n != 3 {
			t.Errorf("condition asked %d times, want 3", n)
		}
		if len(res.NextNodes) != 1 || res.NextNodes[0] != "final" {
			t.Errorf("NextNodes = %v, want the done target", res.NextNodes)
		}
	})

	t.Run("first iteration runs unconditionally", func(t *testing.T) {
		var bodyCalls, condCalls int32
		mock := loopMock(t, []string{"continue"}, &bodyCalls, &condCalls)
		ec := newTestContext(t, loopWorkflow(NodeData{MaxIterations: intPtr(1)}), "w", "seed", mock)

		res, err := h.Execute(context.Background(), ec)
		if err != nil {
			t.Fatalf("Execute() failed: %v", err)
		}
		if res.Output != "seed." {
			t.Errorf("Output = %q, want one iteration", res.Output)
		}
		if n := atomic.LoadInt32(&condCalls); n != 0 {
			t.Errorf("condition asked %d times, want 0 for a one-iteration cap", n)
		}
	})

	t.Run("stops at the cap with a warning by default", func(t *testing.T) {
		var bodyCalls, condCalls int32
		mock := loopMock(t, []string{"continue"}, &bodyCalls, &condCalls)
		ec := newTestContext(t, loopWorkflow(NodeData{MaxIterations: intPtr(2)}), "w", "seed", mock)

		res, err := h.Execute(context.Background(), ec)
		if err != nil {
			t.Fatalf("Execute() failed: %v", err)
		}
		if res.Output != "seed.." {
			t.Errorf("Output = %q, want the capped result", res.Output)
		}
		if res.Metadata["iterations"] != 2 {
			t.Errorf("iterations = %v, want 2", res.Metadata["iterations"])
		}
	})

	t.Run("fails at the cap in error mode", func(t *testing.T) {
		var bodyCalls, condCalls int32
		mock := loopMock(t, []string{"continue"}, &bodyCalls, &condCalls)
		ec := newTestContext(t, loopWorkflow(NodeData{
			MaxIterations:   intPtr(2),
			OnMaxIterations: OnMaxError,
		}), "w", "seed", mock)

		_, err := h.Execute(context.Background(), ec)
		var nerr *NodeError
		if !errors.As(err, &nerr) || !strings.Contains(nerr.Message, "iteration limit") {
			t.Fatalf("Execute() error = %v, want the iteration-limit failure", err)
		}
	})

	t.Run("passes through without a body handle", func(t *testing.T) {
		wf := testWorkflow(
			[]Node{
				{ID: "w", Kind: KindWhileLoop},
				{ID: "final", Kind: KindOutput},
			},
			[]Edge{{ID: "e1", Source: "w", Target: "final", SourceHandle: HandleDone}},
		)
		ec := newTestContext(t, wf, "w", "seed", provider.NewMockProvider("x"))

		res, err := h.Execute(context.Background(), ec)
		if err != nil {
			t.Fatalf("Execute() failed: %v", err)
		}
		if res.Output != "seed" {
			t.Errorf("Output = %q, want the input unchanged", res.Output)
		}
		if res.Metadata["iterations"] != 0 {
			t.Errorf("iterations = %v, want 0", res.Metadata["iterations"])
		}
	})
}

func TestWhileLoopCustomEvaluator(t *testing.T) {
	h := &WhileLoopHandler{}

	t.Run("a registered evaluator replaces the LLM condition", func(t *testing.T) {
		var bodyCalls, condCalls int32
		mock := loopMock(t, []string{"continue"}, &bodyCalls, &condCalls)

		var seen []EvaluatorInput
		eval := func(ctx context.Context, in EvaluatorInput) (bool, error) {
			seen = append(seen, in)
			return in.Iteration < 2, nil
		}
		ec := newTestContext(t, loopWorkflow(NodeData{CustomEvaluator: "twice"}), "w", "seed", mock,
			WithEvaluator("twice", eval))

		res, err := h.Execute(context.Background(), ec)
		if err != nil {
			t.Fatalf("Execute() failed: %v", err)
		}
		if res.Output != "seed.." {
			t.Errorf("Output = %q, want two iterations", res.Output)
		}
		if n := atomic.LoadInt32(&condCalls); n != 0 {
			t.Errorf("LLM condition asked %d times, want 0 with an evaluator", n)
		}
		if len(seen) != 2 {
			t.Fatalf("evaluator ran %d times, want 2", len(seen))
		}
		if seen[0].Iteration != 1 || seen[0].CurrentInput != "seed." || seen[0].LastOutput != "seed." {
			t.Errorf("first evaluator input = %+v, want iteration 1 with the body output", seen[0])
		}
	})

	t.Run("an expression evaluator decides the condition", func(t *testing.T) {
		var bodyCalls, condCalls int32
		mock := loopMock(t, []string{"continue"}, &bodyCalls, &condCalls)

		eval, err := ExprEvaluator("iteration < 3")
		if err != nil {
			t.Fatalf("ExprEvaluator() failed: %v", err)
		}
		ec := newTestContext(t, loopWorkflow(NodeData{CustomEvaluator: "expr"}), "w", "seed", mock,
			WithEvaluator("expr", eval))

		res, err := h.Execute(context.Background(), ec)
		if err != nil {
			t.Fatalf("Execute() failed: %v", err)
		}
		if res.Metadata["iterations"] != 3 {
			t.Errorf("iterations = %v, want 3", res.Metadata["iterations"])
		}
	})

	t.Run("an unregistered evaluator falls back to the LLM", func(t *testing.T) {
		var bodyCalls, condCalls int32
		mock := loopMock(t, []string{"done"}, &bodyCalls, &condCalls)
		ec := newTestContext(t, loopWorkflow(NodeData{CustomEvaluator: "nosuch"}), "w", "seed", mock)

		res, err := h.Execute(context.Background(), ec)
		if err != nil {
			t.Fatalf("Execute() failed: %v", err)
		}
		if n := atomic.LoadInt32(&condCalls); n != 1 {
			t.Errorf("LLM condition asked %d times, want the fallback", n)
		}
		if res.Metadata["iterations"] != 1 {
			t.Errorf("iterations = %v, want 1", res.Metadata["iterations"])
		}
	})
}

func TestWhileLoopEndToEnd(t *testing.T) {
	wf := testWorkflow(
		[]Node{
			{ID: "start", Kind: KindStart},
			{ID: "w", Kind: KindWhileLoop, Data: NodeData{ConditionModel: "cm", MaxIterations: intPtr(5)}},
			{ID: "body", Kind: KindAgent, Data: NodeData{Model: "am", Prompt: "Add a dot."}},
			{ID: "final", Kind: KindOutput},
		},
		[]Edge{
			{ID: "e0", Source: "start", Target: "w"},
			{ID: "e1", Source: "w", Target: "body", SourceHandle: HandleBody},
			{ID: "e2", Source: "w", Target: "final", SourceHandle: HandleDone},
		},
	)

	var bodyCalls, condCalls int32
	mock := loopMock(t, []string{"continue", "done"}, &bodyCalls, &condCalls)

	res, err := newTestEngine(t, mock).Run(context.Background(), wf, Input{Text: "seed"})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Outputs["final"] != "seed.." {
		t.Errorf("final output = %q, want two iterations", res.Outputs["final"])
	}
	if res.ExecutionCounts["body"] != 2 {
		t.Errorf("body dispatched %d times, want 2", res.ExecutionCounts["body"])
	}
	if res.Statuses["w"] != StatusCompleted {
		t.Errorf("loop status = %q, want completed", res.Statuses["w"])
	}
}
