package flow

import (
	"context"
	"fmt"

	"github.com/dshills/agentflow-go/flow/emit"
	"github.com/dshills/agentflow-go/flow/memory"
	"github.com/dshills/agentflow-go/flow/provider"
	"github.com/dshills/agentflow-go/flow/tool"
)

// Attachment is a binary or referenced payload that travels with the run
// input, typically an image or a document.
type Attachment struct {
	// Kind is "image" or "file".
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	// MediaType is the MIME type, e.g. "image/png".
	MediaType string `json:"mediaType,omitempty"`
	// URL references remote content; Data carries it inline. One of the two
	// is set.
	URL  string `json:"url,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Input is the initial payload of a run: the text plus any attachments.
type Input struct {
	Text        string
	Attachments []Attachment
}

// ToolCallEvent describes one tool invocation for observers.
type ToolCallEvent struct {
	NodeID    string
	Name      string
	Args      map[string]interface{}
	Result    string
	Err       string
	Iteration int
}

// Callbacks are the streaming and lifecycle hooks delivered during a run.
// Every field is optional; unset hooks are skipped. Hooks must be safe for
// concurrent use, since parallel branches invoke them from their own
// goroutines.
type Callbacks struct {
	// OnToken receives content deltas of top-level LLM calls in emission
	// order.
	OnToken func(token string)

	// OnReasoning receives reasoning deltas. Reasoning is never part of the
	// final content.
	OnReasoning func(text string)

	// Branch hooks observe parallel-branch activity. Tokens are ordered
	// within a branch and unordered across branches.
	OnBranchStart     func(branchID, label string)
	OnBranchToken     func(branchID, label, token string)
	OnBranchReasoning func(branchID, label, text string)
	OnBranchComplete  func(branchID, label, output string)

	// OnTokenUsage receives per-call usage as reported by the provider.
	OnTokenUsage func(usage provider.Usage)

	// OnToolCallEvent observes every tool invocation, including failures.
	OnToolCallEvent func(ev ToolCallEvent)

	// OnToolCall executes tools the registry does not know. It is the
	// fallback handler for model-requested calls.
	OnToolCall func(ctx context.Context, name string, args map[string]interface{}) (string, error)

	// OnHITLRequest resolves human-in-the-loop gates.
	OnHITLRequest HITLCallback

	// OnStatus observes node lifecycle transitions.
	OnStatus func(nodeID string, status Status)
}

func (c Callbacks) emitToken(tok string) {
	if c.OnToken != nil {
		c.OnToken(tok)
	}
}

func (c Callbacks) emitReasoning(text string) {
	if c.OnReasoning != nil {
		c.OnReasoning(text)
	}
}

func (c Callbacks) emitBranchStart(id, label string) {
	if c.OnBranchStart != nil {
		c.OnBranchStart(id, label)
	}
}

func (c Callbacks) emitBranchToken(id, label, tok string) {
	if c.OnBranchToken != nil {
		c.OnBranchToken(id, label, tok)
	}
}

func (c Callbacks) emitBranchReasoning(id, label, text string) {
	if c.OnBranchReasoning != nil {
		c.OnBranchReasoning(id, label, text)
	}
}

func (c Callbacks) emitBranchComplete(id, label, output string) {
	if c.OnBranchComplete != nil {
		c.OnBranchComplete(id, label, output)
	}
}

func (c Callbacks) emitUsage(u provider.Usage) {
	if c.OnTokenUsage != nil {
		c.OnTokenUsage(u)
	}
}

func (c Callbacks) emitToolEvent(ev ToolCallEvent) {
	if c.OnToolCallEvent != nil {
		c.OnToolCallEvent(ev)
	}
}

func (c Callbacks) emitStatus(nodeID string, st Status) {
	if c.OnStatus != nil {
		c.OnStatus(nodeID, st)
	}
}

// ExecutionContext is the read/append-only view a node handler receives.
// It exposes the node's input, the shared conversation history, recorded
// outputs, subsystem handles, and re-entrant execution for handlers that
// drive nested graphs. The scheduler builds a fresh one per dispatch.
type ExecutionContext struct {
	// Input is the string this node was enqueued with.
	Input string

	// Attachments carry the run input's binary payloads.
	Attachments []Attachment

	// SessionID scopes memory operations and shared sub-workflow state.
	SessionID string

	// DefaultModel is used when the node names no model.
	DefaultModel string

	// Debug enables verbose event metadata.
	Debug bool

	// Subsystem handles; each may be nil when not configured.
	Memory       memory.Adapter
	Subflows     *SubflowRegistry
	Tools        *tool.Registry
	Evaluators   map[string]Evaluator
	TokenCounter TokenCounter
	Compaction   *Compaction

	// Callbacks are always usable; unset hooks are skipped.
	Callbacks Callbacks

	// MaxToolIterations and OnMaxToolIterations are the engine defaults;
	// node data overrides them per node.
	MaxToolIterations   int
	OnMaxToolIterations string

	run   *runner
	wf    *Workflow
	state *runState
	node  *Node
}

// Node returns the node being executed.
func (ec *ExecutionContext) Node() *Node {
	return ec.node
}

// History returns a snapshot of the shared conversation history.
func (ec *ExecutionContext) History() []provider.Message {
	return ec.state.history.Snapshot()
}

// AppendHistory appends messages to the shared conversation history.
func (ec *ExecutionContext) AppendHistory(msgs ...provider.Message) {
	ec.state.history.Append(msgs...)
}

// Output returns the recorded output for a node id or composite branch key.
func (ec *ExecutionContext) Output(nodeID string) (string, bool) {
	return ec.state.output(nodeID)
}

// Outputs returns a snapshot of all recorded outputs.
func (ec *ExecutionContext) Outputs() map[string]string {
	return ec.state.outputsSnapshot()
}

// NodeChain returns the ordered ids of nodes that have completed so far.
func (ec *ExecutionContext) NodeChain() []string {
	return ec.state.chainSnapshot()
}

// GetNode looks up a node in the executing workflow.
func (ec *ExecutionContext) GetNode(id string) *Node {
	return ec.wf.Node(id)
}

// GetOutgoingEdges returns the current node's outgoing edges on the given
// handle; an empty handle returns all outgoing edges.
func (ec *ExecutionContext) GetOutgoingEdges(nodeID, handle string) []Edge {
	if handle == "" {
		return ec.wf.Outgoing(nodeID)
	}
	return ec.wf.OutgoingOn(nodeID, handle)
}

// SubflowDepth reports the current sub-workflow nesting depth; the top-level
// run is depth zero.
func (ec *ExecutionContext) SubflowDepth() int {
	return ec.state.depth
}

// ExecuteSubgraph runs the region of the current workflow rooted at
// startNodeID with the given input, sharing this run's state: outputs,
// statuses, chain, execution counts, session, and history. While-loop bodies
// run through this.
func (ec *ExecutionContext) ExecuteSubgraph(ctx context.Context, startNodeID, input string) (*RunResult, error) {
	return ec.run.executeSubgraph(ctx, ec.wf, ec.state, startNodeID, input, ec.Attachments)
}

// SubrunOptions adjust how ExecuteWorkflow binds the nested run to its
// parent.
type SubrunOptions struct {
	// ShareSession carries the parent's session id and conversation history
	// into the nested run. When false the nested run gets a fresh session.
	ShareSession bool
}

// ExecuteWorkflow runs an embedded workflow on a fresh scheduler state,
// one nesting level deeper. Subflow nodes run their definitions through
// this. The depth limit applies; exceeding it fails with
// ErrMaxSubflowDepth.
func (ec *ExecutionContext) ExecuteWorkflow(ctx context.Context, wf *Workflow, input Input, opts *SubrunOptions) (*RunResult, error) {
	share := false
	if opts != nil {
		share = opts.ShareSession
	}
	return ec.run.executeWorkflow(ctx, ec.state, wf, input, share)
}

// chat performs one provider call and integrates its usage into the run:
// cumulative totals, the usage callback, cost tracking, and metrics.
func (ec *ExecutionContext) chat(ctx context.Context, req provider.Request) (*provider.Response, error) {
	resp, err := ec.run.provider.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	ec.state.addUsage(resp.Usage)
	ec.Callbacks.emitUsage(resp.Usage)
	if ec.run.cfg.costs != nil {
		ec.run.cfg.costs.Record(req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, ec.node.ID)
	}
	ec.run.cfg.metrics.ObserveLLMCall(req.Model, resp.Usage)
	return resp, nil
}

// capabilities looks up the capability set for a model.
func (ec *ExecutionContext) capabilities(model string) provider.Capabilities {
	return ec.run.provider.Capabilities(model)
}

// invokeTool executes one model-requested tool call. Registry tools win;
// the OnToolCall callback handles the rest. Failures are stringified into
// the result so the tool loop can continue, per the local-recovery rule.
func (ec *ExecutionContext) invokeTool(ctx context.Context, call provider.ToolCall, iteration int) string {
	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}

	var result string
	var err error
	switch {
	case ec.Tools != nil && ec.Tools.Has(call.Name):
		result, err = ec.Tools.Execute(ctx, call.Name, args)
	case ec.Callbacks.OnToolCall != nil:
		result, err = ec.Callbacks.OnToolCall(ctx, call.Name, args)
	default:
		err = fmt.Errorf("no handler registered for tool %q", call.Name)
	}

	ev := ToolCallEvent{
		NodeID:    ec.node.ID,
		Name:      call.Name,
		Args:      args,
		Result:    result,
		Iteration: iteration,
	}
	if err != nil {
		ev.Err = err.Error()
		result = "Error: " + err.Error()
		ev.Result = result
	}
	ec.Callbacks.emitToolEvent(ev)
	ec.emitEvent("tool call", map[string]interface{}{
		"tool":      call.Name,
		"iteration": iteration,
		"error":     ev.Err,
	})
	return result
}

// emitEvent publishes an execution event attributed to the current node.
func (ec *ExecutionContext) emitEvent(msg string, meta map[string]interface{}) {
	ec.run.cfg.emitter.Emit(emit.Event{
		RunID:  ec.state.runID,
		Step:   ec.state.steps,
		NodeID: ec.node.ID,
		Msg:    msg,
		Meta:   meta,
	})
}

// recordingProvider routes compaction's summarization call through the
// context so its usage is accounted like any other call.
type recordingProvider struct {
	ec *ExecutionContext
}

func (rp recordingProvider) Chat(ctx context.Context, req provider.Request) (*provider.Response, error) {
	return rp.ec.chat(ctx, req)
}

func (rp recordingProvider) Capabilities(model string) provider.Capabilities {
	return rp.ec.capabilities(model)
}

// maybeCompact replaces older history with a summary when the estimated
// prompt size for model crosses the compaction threshold. Failures are
// reported through the emitter and otherwise ignored; a run never fails
// because its history could not be summarized.
func (ec *ExecutionContext) maybeCompact(ctx context.Context, model string) {
	if ec.Compaction == nil || ec.TokenCounter == nil {
		return
	}
	msgs := ec.state.history.Snapshot()
	limit := ec.capabilities(model).ContextLength
	estimated := ec.TokenCounter.CountMessages(msgs)
	if !ec.Compaction.ShouldCompact(estimated, limit) {
		return
	}

	compacted, err := ec.Compaction.Compact(ctx, recordingProvider{ec}, model, msgs)
	if err != nil {
		ec.emitEvent("compaction failed", map[string]interface{}{"error": err.Error()})
		return
	}
	ec.state.history.Replace(compacted)
	ec.emitEvent("history compacted", map[string]interface{}{
		"before": len(msgs),
		"after":  len(compacted),
	})
}
