package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/agentflow-go/flow/provider"
)

// WhileLoopHandler repeats its body subgraph while a condition holds. The
// first iteration always runs; from the second on, a custom evaluator or
// an LLM check decides whether to continue. The body executes on the
// parent run's state, so the circuit breaker counts every iteration.
type WhileLoopHandler struct{}

// Execute implements Handler.
func (h *WhileLoopHandler) Execute(ctx context.Context, ec *ExecutionContext) (*HandlerResult, error) {
	node := ec.Node()

	maxIterations := DefaultMaxLoopIterations
	if node.Data.MaxIterations != nil && *node.Data.MaxIterations > 0 {
		maxIterations = *node.Data.MaxIterations
	}
	onMax := node.Data.OnMaxIterations
	if onMax == "" {
		onMax = OnMaxWarning
	}

	current := ec.Input
	lastOutput := ""
	iteration := 0

	if bodyTargets := ec.wf.TargetsOn(node.ID, HandleBody); len(bodyTargets) > 0 {
		bodyStart := bodyTargets[0]
		for iteration < maxIterations {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if iteration > 0 {
				cont, err := h.shouldContinue(ctx, ec, current, lastOutput, iteration)
				if err != nil {
					return nil, err
				}
				if !cont {
					break
				}
			}
			res, err := ec.ExecuteSubgraph(ctx, bodyStart, current)
			if err != nil {
				return nil, err
			}
			current = res.Output
			lastOutput = res.Output
			iteration++
		}
	}

	if iteration >= maxIterations && onMax == OnMaxError {
		return nil, &NodeError{
			Message: fmt.Sprintf("loop reached the iteration limit of %d", maxIterations),
			Code:    CodeNodeFailed,
			NodeID:  node.ID,
		}
	}

	return &HandlerResult{
		Output:    current,
		NextNodes: ec.wf.TargetsOn(node.ID, HandleDone),
		Metadata:  map[string]interface{}{"iterations": iteration},
	}, nil
}

// shouldContinue decides whether another iteration runs. A named evaluator
// that is actually registered wins; otherwise the condition model answers
// "continue" or "done".
func (h *WhileLoopHandler) shouldContinue(ctx context.Context, ec *ExecutionContext, current, lastOutput string, iteration int) (bool, error) {
	node := ec.Node()

	if name := node.Data.CustomEvaluator; name != "" {
		if eval, ok := ec.Evaluators[name]; ok {
			return eval(ctx, EvaluatorInput{
				CurrentInput: current,
				Iteration:    iteration,
				LastOutput:   lastOutput,
				Outputs:      ec.Outputs(),
				SessionID:    ec.SessionID,
				Memory:       ec.Memory,
			})
		}
		ec.emitEvent("evaluator missing", map[string]interface{}{"evaluator": name})
	}

	model := node.Data.ConditionModel
	if model == "" {
		model = node.Data.Model
	}
	if model == "" {
		model = ec.DefaultModel
	}
	if model == "" {
		return false, &NodeError{
			Message: "loop condition has no model and no default model is configured",
			Code:    CodeNodeFailed,
			NodeID:  node.ID,
		}
	}

	system := "You evaluate whether a loop should run another iteration.\n"
	if node.Data.ConditionPrompt != "" {
		system += "Condition: " + node.Data.ConditionPrompt + "\n"
	}
	system += `Reply with exactly one word: "continue" to run another iteration, or "done" to stop.`

	resp, err := ec.chat(ctx, provider.Request{
		Model: model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: system},
			{Role: provider.RoleUser, Content: fmt.Sprintf("Iterations completed: %d\nCurrent value:\n%s", iteration, current)},
		},
		MaxTokens: 10,
	})
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(resp.Content), "continue"), nil
}
