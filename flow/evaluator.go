package flow

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dshills/agentflow-go/flow/memory"
)

// EvaluatorInput is the view a while-loop condition evaluator receives.
type EvaluatorInput struct {
	// CurrentInput is the value flowing through the loop: the node input on
	// the first pass, then each body iteration's output.
	CurrentInput string

	// Iteration is the number of body iterations completed so far.
	Iteration int

	// LastOutput is the most recent body output, empty before the first
	// iteration.
	LastOutput string

	// Outputs is a snapshot of all node outputs recorded so far.
	Outputs map[string]string

	// SessionID scopes memory lookups the evaluator may perform.
	SessionID string

	// Memory is the run's memory adapter, nil when none is configured.
	Memory memory.Adapter
}

// Evaluator decides whether a while-loop should run another iteration.
// Returning true continues the loop. Evaluators registered under a name are
// selected by NodeData.CustomEvaluator; when the named evaluator is absent
// the loop falls back to its LLM condition check.
type Evaluator func(ctx context.Context, in EvaluatorInput) (bool, error)

// ExprEvaluator compiles an expr-lang expression into an Evaluator. The
// expression must produce a boolean and may reference:
//
//	input      the current loop value (string)
//	iteration  completed body iterations (int)
//	lastOutput most recent body output (string)
//	outputs    node outputs recorded so far (map[string]string)
//	sessionId  the run's session id (string)
//
// Example: `iteration < 3 && len(input) < 100`.
func ExprEvaluator(code string) (Evaluator, error) {
	program, err := expr.Compile(code, expr.Env(map[string]interface{}{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile evaluator expression: %w", err)
	}
	return func(_ context.Context, in EvaluatorInput) (bool, error) {
		return runExprProgram(program, in)
	}, nil
}

func runExprProgram(program *vm.Program, in EvaluatorInput) (bool, error) {
	env := map[string]interface{}{
		"input":      in.CurrentInput,
		"iteration":  in.Iteration,
		"lastOutput": in.LastOutput,
		"outputs":    in.Outputs,
		"sessionId":  in.SessionID,
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("evaluator expression returned %T, want bool", out)
	}
	return b, nil
}
