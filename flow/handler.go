package flow

import "context"

// Handler executes one kind of node. The engine looks the handler up by
// node kind, runs it, records the result, and enqueues whatever the result
// names. Custom handlers registered with WithHandler replace the built-in
// behavior for that kind; implementations must be safe for concurrent use
// when the workflow can reach the kind from parallel regions.
type Handler interface {
	Execute(ctx context.Context, ec *ExecutionContext) (*HandlerResult, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, ec *ExecutionContext) (*HandlerResult, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, ec *ExecutionContext) (*HandlerResult, error) {
	return f(ctx, ec)
}

// Transition routes an input that differs from the node's recorded output
// to one specific target. Splitter-mode parallel nodes use transitions to
// hand each branch output to that branch's own targets.
type Transition struct {
	Target string
	Input  string
}

// HandlerResult is what a node execution reports back to the scheduler.
type HandlerResult struct {
	// Output is recorded for the node and becomes the input of every
	// target listed in NextNodes.
	Output string

	// NextNodes are the node ids to enqueue next, each receiving Output.
	NextNodes []string

	// Transitions enqueue additional targets that receive their own
	// inputs instead of Output.
	Transitions []Transition

	// Metadata is recorded alongside the output: router decisions, loop
	// iteration counts, subflow run ids.
	Metadata map[string]interface{}
}

// defaultHandlers returns the built-in handler for every node kind.
func defaultHandlers() map[NodeKind]Handler {
	return map[NodeKind]Handler{
		KindStart:     &StartHandler{},
		KindAgent:     &AgentHandler{},
		KindRouter:    &RouterHandler{},
		KindParallel:  &ParallelHandler{},
		KindWhileLoop: &WhileLoopHandler{},
		KindSubflow:   &SubflowHandler{},
		KindMemory:    &MemoryHandler{},
		KindTool:      &ToolHandler{},
		KindOutput:    &OutputHandler{},
	}
}

// StartHandler passes the run input through to every outgoing target. It
// never calls a model and never fails.
type StartHandler struct{}

// Execute implements Handler.
func (h *StartHandler) Execute(ctx context.Context, ec *ExecutionContext) (*HandlerResult, error) {
	return &HandlerResult{
		Output:    ec.Input,
		NextNodes: ec.wf.Targets(ec.Node().ID),
	}, nil
}
