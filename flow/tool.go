package flow

import (
	"context"
	"fmt"
)

// ToolHandler invokes one registered tool directly, without a model in the
// loop. String arguments go through the same {{...}} resolution as subflow
// input mappings; a node with no configured arguments passes its input
// under the "input" key.
type ToolHandler struct{}

// Execute implements Handler.
func (h *ToolHandler) Execute(ctx context.Context, ec *ExecutionContext) (*HandlerResult, error) {
	node := ec.Node()
	if node.Data.ToolID == "" {
		return nil, &NodeError{
			Message: "tool node has no toolId",
			Code:    CodeToolError,
			NodeID:  node.ID,
			Cause:   ErrTool,
		}
	}
	if ec.Tools == nil || !ec.Tools.Has(node.Data.ToolID) {
		return nil, &NodeError{
			Message: fmt.Sprintf("tool %q is not registered", node.Data.ToolID),
			Code:    CodeToolError,
			NodeID:  node.ID,
			Cause:   ErrTool,
		}
	}

	args := make(map[string]interface{}, len(node.Data.ToolArgs)+1)
	for k, v := range node.Data.ToolArgs {
		if s, ok := v.(string); ok {
			args[k] = resolveMapping(s, ec)
			continue
		}
		args[k] = v
	}
	if len(args) == 0 {
		args["input"] = ec.Input
	}

	result, err := ec.Tools.Execute(ctx, node.Data.ToolID, args)

	ev := ToolCallEvent{
		NodeID: node.ID,
		Name:   node.Data.ToolID,
		Args:   args,
		Result: result,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	ec.Callbacks.emitToolEvent(ev)
	ec.emitEvent("tool call", map[string]interface{}{
		"tool":  node.Data.ToolID,
		"error": ev.Err,
	})

	if err != nil {
		return nil, &NodeError{
			Message: fmt.Sprintf("tool %q failed: %s", node.Data.ToolID, err.Error()),
			Code:    CodeToolError,
			NodeID:  node.ID,
			Cause:   err,
		}
	}

	return &HandlerResult{
		Output:    result,
		NextNodes: ec.wf.TargetsOn(node.ID, HandleOutput),
	}, nil
}
