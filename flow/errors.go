// Package flow provides the core execution engine for graph-based LLM
// workflows: a FIFO scheduler over typed nodes, per-kind handlers, token
// streaming, tool-calling loops, parallel fan-out, while-loops, embedded
// sub-workflows, memory operations, and human-in-the-loop gates.
package flow

import (
	"errors"
	"fmt"
)

// Sentinel errors classify run failures. Engine and node errors wrap these,
// so callers can branch with errors.Is regardless of which node or depth the
// failure originated at.
var (
	// ErrValidation indicates the workflow failed pre-flight validation.
	ErrValidation = errors.New("workflow validation failed")

	// ErrCancelled indicates the run observed cancellation before or during
	// a dispatch.
	ErrCancelled = errors.New("execution cancelled")

	// ErrCircuitBreaker indicates a node exceeded its per-run execution cap.
	ErrCircuitBreaker = errors.New("node execution limit exceeded")

	// ErrNodeFailed indicates a node handler returned an error that no error
	// handle absorbed.
	ErrNodeFailed = errors.New("node execution failed")

	// ErrProvider indicates an LLM provider call failed.
	ErrProvider = errors.New("provider call failed")

	// ErrTool indicates a tool invocation failed.
	ErrTool = errors.New("tool execution failed")

	// ErrBranchTimeout indicates a parallel branch exceeded its timeout.
	// Sibling branches are unaffected.
	ErrBranchTimeout = errors.New("branch timed out")

	// ErrMaxSubflowDepth indicates nested sub-workflow execution exceeded
	// the configured depth limit.
	ErrMaxSubflowDepth = errors.New("maximum subflow depth exceeded")

	// ErrMaxToolIterations indicates an agent's tool loop hit its iteration
	// cap with on-max behavior set to error.
	ErrMaxToolIterations = errors.New("maximum tool iterations reached")

	// ErrHITLRejected indicates a human reviewer rejected a gate request.
	ErrHITLRejected = errors.New("request rejected by reviewer")

	// ErrHITLTimeout indicates a gate request expired before resolution.
	ErrHITLTimeout = errors.New("review request timed out")
)

// Machine-readable error codes carried by EngineError and NodeError.
const (
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeCancelled         = "CANCELLED"
	CodeCircuitBreaker    = "CIRCUIT_BREAKER_TRIPPED"
	CodeNodeFailed        = "NODE_FAILED"
	CodeProviderError     = "PROVIDER_ERROR"
	CodeToolError         = "TOOL_ERROR"
	CodeBranchTimeout     = "BRANCH_TIMEOUT"
	CodeMaxSubflowDepth   = "MAX_SUBFLOW_DEPTH_EXCEEDED"
	CodeMaxToolIterations = "MAX_TOOL_ITERATIONS_REACHED"
	CodeHITLRejected      = "HITL_REJECTED"
	CodeHITLTimeout       = "HITL_TIMED_OUT"
)

// EngineError is a run-level failure: cancellation, a tripped circuit
// breaker, depth exhaustion, or an unrecovered node failure surfacing to the
// caller.
type EngineError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// Err is the underlying cause, typically one of the package sentinels.
	Err error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is / errors.As chains.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NodeError is a failure attributed to a specific node. Handlers return it
// from Execute; the scheduler either routes it through the node's error
// handle or surfaces it to the caller.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// NodeID identifies which node produced this error.
	NodeID string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}

// ValidationError aggregates the issues found during pre-flight validation.
// Only error-severity issues fail a run; warnings ride along for reporting.
type ValidationError struct {
	Issues []ValidationIssue
}

// Error implements the error interface. It names the first error-severity
// issue and the total count.
func (e *ValidationError) Error() string {
	n := 0
	first := ""
	for _, issue := range e.Issues {
		if issue.Severity != SeverityError {
			continue
		}
		if first == "" {
			first = issue.Code + ": " + issue.Message
		}
		n++
	}
	if n == 0 {
		return "workflow validation failed"
	}
	if n == 1 {
		return "workflow validation failed: " + first
	}
	return fmt.Sprintf("workflow validation failed: %s (and %d more)", first, n-1)
}

// Unwrap lets errors.Is(err, ErrValidation) classify validation failures.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
