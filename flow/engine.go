package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/agentflow-go/flow/emit"
	"github.com/dshills/agentflow-go/flow/provider"
)

// Engine executes workflow graphs against an LLM provider.
//
// The Engine is the core runtime that:
//   - Validates the graph before execution
//   - Drives the FIFO frontier of pending node dispatches
//   - Routes node outputs along source handles
//   - Enforces the per-node circuit breaker and subflow depth limits
//   - Streams tokens, usage, and lifecycle callbacks to the host
//   - Recurses into parallel branches, loop bodies, and sub-workflows
//
// Construct once with New, then call Run per execution. An Engine is safe
// for concurrent Runs; per-run options overlay the engine configuration
// without mutating it.
//
// Example:
//
//	p, _ := openai.New(os.Getenv("OPENAI_API_KEY"))
//	engine, _ := flow.New(p, flow.WithDefaultModel("gpt-4o-mini"))
//
//	wf, _ := flow.ParseWorkflow(doc)
//	result, err := engine.Run(ctx, wf, flow.Input{Text: "hello"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result.Output)
type Engine struct {
	provider provider.Provider
	cfg      engineConfig
}

// New creates an Engine bound to the given provider. Options set engine-wide
// defaults; Run accepts the same options for per-run overrides.
func New(p provider.Provider, opts ...Option) (*Engine, error) {
	if p == nil {
		return nil, &EngineError{Message: "provider is required", Code: CodeValidationFailed, Err: ErrValidation}
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Engine{provider: p, cfg: cfg}, nil
}

// Validate runs pre-flight checks on a workflow with the engine's registries
// and returns every issue found. Run performs the same checks and refuses
// workflows with error-severity issues.
func (e *Engine) Validate(wf *Workflow) []ValidationIssue {
	v := &Validator{Subflows: e.cfg.subflows, DefaultModel: e.cfg.defaultModel, Handlers: e.cfg.handlers}
	return v.Validate(wf)
}

// RunResult is the outcome of a workflow execution.
//
// When Run returns an error it still returns a non-nil RunResult carrying
// everything observed up to the failure, so partial outputs and the executed
// chain stay available for post-mortem inspection.
type RunResult struct {
	// Output is the output of the last node that completed.
	Output string

	// Outputs maps node ids to their last recorded output. Parallel branch
	// outputs appear under the composite key "{parallelNodeId}:{branchId}".
	Outputs map[string]string

	// Statuses maps node ids to their final lifecycle state.
	Statuses map[string]Status

	// NodeChain lists the ids of nodes that completed, in completion order.
	NodeChain []string

	// ExecutionCounts maps node ids to how many times each was dispatched.
	ExecutionCounts map[string]int

	// Metadata carries per-node handler metadata, such as a router's
	// selected route.
	Metadata map[string]map[string]interface{}

	// Usage is the cumulative token usage across every LLM call in the run,
	// including branches and sub-workflows that shared this run's state.
	Usage provider.Usage

	// RunID is the ULID assigned to this run.
	RunID string

	// SessionID is the session the run executed under.
	SessionID string
}

// Run executes a workflow from its start node until the frontier drains.
//
// The returned result is non-nil even on failure; see RunResult. Run fails
// with a *ValidationError before any node executes when the graph has
// error-severity issues, and afterwards with errors matching ErrCancelled,
// ErrCircuitBreaker, or ErrNodeFailed via errors.Is.
func (e *Engine) Run(ctx context.Context, wf *Workflow, input Input, opts ...Option) (*RunResult, error) {
	if wf == nil {
		return nil, &EngineError{Message: "workflow is required", Code: CodeValidationFailed, Err: ErrValidation}
	}

	cfg := e.cfg.clone()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	v := &Validator{Subflows: cfg.subflows, DefaultModel: cfg.defaultModel, Handlers: cfg.handlers}
	if issues := v.Validate(wf); hasErrors(issues) {
		return nil, &ValidationError{Issues: issues}
	}

	state := newRunState(cfg.sessionID)
	r := &runner{provider: e.provider, cfg: cfg}
	start := wf.StartNode()

	cfg.emitter.Emit(emit.Event{
		RunID: state.runID,
		Msg:   "run start",
		Meta:  map[string]interface{}{"workflow": wf.Name, "nodes": len(wf.Nodes), "session": state.sessionID},
	})

	began := time.Now()
	res, err := r.run(ctx, wf, state, start.ID, input.Text, input.Attachments)
	if err != nil {
		cfg.metrics.ObserveRun("failed", time.Since(began))
		cfg.emitter.Emit(emit.Event{
			RunID: state.runID,
			Step:  state.steps,
			Msg:   "run failed",
			Meta:  map[string]interface{}{"error": err.Error()},
		})
		return res, err
	}

	cfg.metrics.ObserveRun("completed", time.Since(began))
	cfg.emitter.Emit(emit.Event{
		RunID: state.runID,
		Step:  state.steps,
		Msg:   "run complete",
		Meta:  map[string]interface{}{"nodes": len(res.NodeChain), "duration": time.Since(began).String()},
	})
	return res, nil
}

// runner drives one run and any subgraph or sub-workflow runs it spawns.
// It carries the effective configuration and the provider; per-run state
// lives in runState so nested runs can share or fork it as needed.
type runner struct {
	provider provider.Provider
	cfg      engineConfig
}

// run is the scheduler loop: dequeue, check cancellation, trip the circuit
// breaker, dispatch to the kind handler, record the result, enqueue the
// successors. It returns when the frontier drains or a failure surfaces
// that no error handle absorbs.
func (r *runner) run(ctx context.Context, wf *Workflow, state *runState, startID, input string, attachments []Attachment) (*RunResult, error) {
	fr := newFrontier()
	r.enqueue(fr, state, workItem{NodeID: startID, Input: input})

	var lastCompleted string

	for {
		item, ok := fr.Dequeue()
		if !ok {
			break
		}
		r.cfg.metrics.SetFrontierDepth(fr.Len())

		if err := ctx.Err(); err != nil {
			return r.result(state, lastCompleted), cancelError(err)
		}

		node := wf.Node(item.NodeID)
		if node == nil {
			return r.result(state, lastCompleted), &NodeError{
				Message: "node not found in workflow",
				Code:    CodeNodeFailed,
				NodeID:  item.NodeID,
			}
		}
		if data, ok := r.cfg.nodeOverrides[node.ID]; ok {
			overridden, err := overrideNode(node, data)
			if err != nil {
				return r.result(state, lastCompleted), &NodeError{
					Message: "invalid node override: " + err.Error(),
					Code:    CodeNodeFailed,
					NodeID:  node.ID,
					Cause:   err,
				}
			}
			node = overridden
		}

		count := state.incrementCount(node.ID)
		if count > r.cfg.maxNodeExecutions {
			return r.result(state, lastCompleted), &EngineError{
				Message: fmt.Sprintf("node %q exceeded the execution limit of %d", node.ID, r.cfg.maxNodeExecutions),
				Code:    CodeCircuitBreaker,
				Err:     ErrCircuitBreaker,
			}
		}

		step := state.nextStep()
		state.setStatus(node.ID, StatusActive)
		r.cfg.callbacks.emitStatus(node.ID, StatusActive)
		r.emitNode(state, step, node, "node active", nil)

		ec := r.newContext(wf, state, node, item.Input, attachments)

		var res *HandlerResult
		var err error
		began := time.Now()
		if h, ok := r.cfg.handlers[node.Kind]; ok {
			res, err = h.Execute(ctx, ec)
		} else {
			err = &NodeError{
				Message: fmt.Sprintf("no handler registered for node kind %q", node.Kind),
				Code:    CodeNodeFailed,
				NodeID:  node.ID,
			}
		}

		if err != nil {
			state.setStatus(node.ID, StatusError)
			r.cfg.callbacks.emitStatus(node.ID, StatusError)
			r.cfg.metrics.ObserveNode(node.Kind, StatusError, time.Since(began))
			r.emitNode(state, step, node, "node error", map[string]interface{}{"error": err.Error()})

			// An error handle absorbs the failure: its targets receive the
			// error message as input and the run continues.
			if targets := wf.TargetsOn(node.ID, HandleError); len(targets) > 0 {
				for _, t := range targets {
					r.enqueue(fr, state, workItem{NodeID: t, Input: err.Error()})
				}
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return r.result(state, lastCompleted), cancelError(err)
			}
			return r.result(state, lastCompleted), asNodeError(node.ID, err)
		}

		if res == nil {
			res = &HandlerResult{}
		}

		state.recordOutput(node.ID, res.Output)
		state.recordMetadata(node.ID, res.Metadata)
		state.setStatus(node.ID, StatusCompleted)
		lastCompleted = node.ID
		r.cfg.callbacks.emitStatus(node.ID, StatusCompleted)
		r.cfg.metrics.ObserveNode(node.Kind, StatusCompleted, time.Since(began))

		meta := map[string]interface{}{"kind": string(node.Kind), "outputLen": len(res.Output)}
		if r.cfg.debug {
			meta["output"] = res.Output
			meta["next"] = res.NextNodes
		}
		r.emitNode(state, step, node, "node completed", meta)

		for _, target := range res.NextNodes {
			r.enqueue(fr, state, workItem{NodeID: target, Input: res.Output})
		}
		for _, tr := range res.Transitions {
			r.enqueue(fr, state, workItem{NodeID: tr.Target, Input: tr.Input})
		}
		r.cfg.metrics.SetFrontierDepth(fr.Len())
	}

	return r.result(state, lastCompleted), nil
}

// executeSubgraph runs the region rooted at startID on the caller's own
// state: outputs, statuses, counts, chain, session, and history are shared,
// so the circuit breaker spans loop iterations and recorded outputs stay
// visible to the parent run.
func (r *runner) executeSubgraph(ctx context.Context, wf *Workflow, state *runState, startID, input string, attachments []Attachment) (*RunResult, error) {
	if wf.Node(startID) == nil {
		return nil, &NodeError{
			Message: "subgraph start node not found in workflow",
			Code:    CodeNodeFailed,
			NodeID:  startID,
		}
	}
	return r.run(ctx, wf, state, startID, input, attachments)
}

// executeWorkflow runs an embedded workflow one nesting level deeper on a
// fresh frontier and fresh bookkeeping. With share set, the nested run
// inherits the parent's session id and appends to the same conversation
// history; otherwise it gets a fresh session.
func (r *runner) executeWorkflow(ctx context.Context, parent *runState, wf *Workflow, input Input, share bool) (*RunResult, error) {
	depth := parent.depth + 1
	if depth > r.cfg.maxSubflowDepth {
		return nil, &EngineError{
			Message: fmt.Sprintf("maximum subflow depth of %d exceeded", r.cfg.maxSubflowDepth),
			Code:    CodeMaxSubflowDepth,
			Err:     ErrMaxSubflowDepth,
		}
	}
	if wf == nil {
		return nil, &EngineError{Message: "workflow is required", Code: CodeValidationFailed, Err: ErrValidation}
	}

	v := &Validator{Subflows: r.cfg.subflows, DefaultModel: r.cfg.defaultModel, Handlers: r.cfg.handlers}
	if issues := v.Validate(wf); hasErrors(issues) {
		return nil, &ValidationError{Issues: issues}
	}

	sessionID := ""
	if share {
		sessionID = parent.sessionID
	}
	state := newRunState(sessionID)
	state.depth = depth
	if share {
		state.history = parent.history
	}

	start := wf.StartNode()
	r.cfg.emitter.Emit(emit.Event{
		RunID: state.runID,
		Msg:   "run start",
		Meta:  map[string]interface{}{"workflow": wf.Name, "depth": depth, "parent": parent.runID},
	})

	res, err := r.run(ctx, wf, state, start.ID, input.Text, input.Attachments)
	if err != nil {
		r.cfg.emitter.Emit(emit.Event{
			RunID: state.runID,
			Step:  state.steps,
			Msg:   "run failed",
			Meta:  map[string]interface{}{"error": err.Error(), "depth": depth},
		})
		return res, err
	}

	// Fold nested usage into the parent so top-level accounting covers the
	// whole tree even though the sub-run had its own state.
	parent.addUsage(res.Usage)

	r.cfg.emitter.Emit(emit.Event{
		RunID: state.runID,
		Step:  state.steps,
		Msg:   "run complete",
		Meta:  map[string]interface{}{"nodes": len(res.NodeChain), "depth": depth},
	})
	return res, nil
}

// newContext builds the per-dispatch execution context bound to one node.
func (r *runner) newContext(wf *Workflow, state *runState, node *Node, input string, attachments []Attachment) *ExecutionContext {
	return &ExecutionContext{
		Input:               input,
		Attachments:         attachments,
		SessionID:           state.sessionID,
		DefaultModel:        r.cfg.defaultModel,
		Debug:               r.cfg.debug,
		Memory:              r.cfg.memory,
		Subflows:            r.cfg.subflows,
		Tools:               r.cfg.tools,
		Evaluators:          r.cfg.evaluators,
		TokenCounter:        r.cfg.tokenCounter,
		Compaction:          r.cfg.compaction,
		Callbacks:           r.cfg.callbacks,
		MaxToolIterations:   r.cfg.maxToolIterations,
		OnMaxToolIterations: r.cfg.onMaxToolIterations,
		run:                 r,
		wf:                  wf,
		state:               state,
		node:                node,
	}
}

// enqueue adds a work item and reports the idle transition the first time a
// node enters the run.
func (r *runner) enqueue(fr *frontier, state *runState, item workItem) {
	fr.Enqueue(item)
	if state.markIdle(item.NodeID) {
		r.cfg.callbacks.emitStatus(item.NodeID, StatusIdle)
	}
}

// emitNode publishes a node lifecycle event.
func (r *runner) emitNode(state *runState, step int, node *Node, msg string, meta map[string]interface{}) {
	r.cfg.emitter.Emit(emit.Event{
		RunID:  state.runID,
		Step:   step,
		NodeID: node.ID,
		Msg:    msg,
		Meta:   meta,
	})
}

// result snapshots the run state into a RunResult. lastCompleted selects
// which recorded output becomes the run's Output.
func (r *runner) result(state *runState, lastCompleted string) *RunResult {
	output := ""
	if lastCompleted != "" {
		output, _ = state.output(lastCompleted)
	}
	return &RunResult{
		Output:          output,
		Outputs:         state.outputsSnapshot(),
		Statuses:        state.statusesSnapshot(),
		NodeChain:       state.chainSnapshot(),
		ExecutionCounts: state.countsSnapshot(),
		Metadata:        state.metadataSnapshot(),
		Usage:           state.usageSnapshot(),
		RunID:           state.runID,
		SessionID:       state.sessionID,
	}
}

// cancelError wraps a context error as the run-level cancellation failure.
// The chain matches both ErrCancelled and the original context error.
func cancelError(cause error) *EngineError {
	return &EngineError{
		Message: "execution cancelled",
		Code:    CodeCancelled,
		Err:     errors.Join(ErrCancelled, cause),
	}
}

// asNodeError returns err as a *NodeError, wrapping it when the handler
// returned something else.
func asNodeError(nodeID string, err error) *NodeError {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne
	}
	return &NodeError{
		Message: err.Error(),
		Code:    CodeNodeFailed,
		NodeID:  nodeID,
		Cause:   err,
	}
}

// overrideNode overlays partial data onto a copy of the node. The overlay
// uses the NodeData JSON names, so callers override exactly the fields the
// workflow document would carry.
func overrideNode(node *Node, data map[string]interface{}) (*Node, error) {
	base, err := json.Marshal(node.Data)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for name, val := range data {
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		merged[name] = raw
	}
	patched, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}

	out := *node
	out.Data = NodeData{}
	if err := json.Unmarshal(patched, &out.Data); err != nil {
		return nil, err
	}
	return &out, nil
}
