package flow

import (
	"context"
	"testing"
)

func TestExprEvaluator(t *testing.T) {
	t.Run("evaluates against the loop environment", func(t *testing.T) {
		eval, err := ExprEvaluator(`iteration < 3 && input != "stop"`)
		if err != nil {
			t.Fatalf("ExprEvaluator() failed: %v", err)
		}

		cases := []struct {
			in   EvaluatorInput
			want bool
		}{
			{EvaluatorInput{CurrentInput: "go", Iteration: 1}, true},
			{EvaluatorInput{CurrentInput: "go", Iteration: 3}, false},
			{EvaluatorInput{CurrentInput: "stop", Iteration: 1}, false},
		}
		for _, tc := range cases {
			got, err := eval(context.Background(), tc.in)
			if err != nil {
				t.Fatalf("eval(%+v) failed: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("eval(%+v) = %v, want %v", tc.in, got, tc.want)
			}
		}
	})

	t.Run("reads recorded outputs and the session", func(t *testing.T) {
		eval, err := ExprEvaluator(`outputs["check"] == "pass" && sessionId == "s1"`)
		if err != nil {
			t.Fatalf("ExprEvaluator() failed: %v", err)
		}
		got, err := eval(context.Background(), EvaluatorInput{
			Outputs:   map[string]string{"check": "pass"},
			SessionID: "s1",
		})
		if err != nil {
			t.Fatalf("eval() failed: %v", err)
		}
		if !got {
			t.Error("eval() = false, want the outputs and session visible")
		}
	})

	t.Run("string helpers are available", func(t *testing.T) {
		eval, err := ExprEvaluator(`len(lastOutput) > 5`)
		if err != nil {
			t.Fatalf("ExprEvaluator() failed: %v", err)
		}
		got, err := eval(context.Background(), EvaluatorInput{LastOutput: "long enough"})
		if err != nil {
			t.Fatalf("eval() failed: %v", err)
		}
		if !got {
			t.Error("eval() = false, want len() usable")
		}
	})

	t.Run("rejects expressions that do not compile", func(t *testing.T) {
		if _, err := ExprEvaluator(`iteration <`); err == nil {
			t.Error("ExprEvaluator() accepted a malformed expression")
		}
	})
}
