package flow

import (
	"context"
	"fmt"
	"strings"
)

// SubflowHandler executes a registered sub-workflow one nesting level
// deeper. Input ports are filled from the node's mappings; the first port
// becomes the nested run's text input. By default the nested run shares
// the parent's session and conversation history.
type SubflowHandler struct{}

// Execute implements Handler.
func (h *SubflowHandler) Execute(ctx context.Context, ec *ExecutionContext) (*HandlerResult, error) {
	node := ec.Node()

	if depth, limit := ec.SubflowDepth(), ec.run.cfg.maxSubflowDepth; depth >= limit {
		return nil, &NodeError{
			Message: fmt.Sprintf("maximum subflow depth of %d exceeded", limit),
			Code:    CodeMaxSubflowDepth,
			NodeID:  node.ID,
			Cause:   ErrMaxSubflowDepth,
		}
	}

	if ec.Subflows == nil {
		return nil, &NodeError{
			Message: "no subflow registry is configured",
			Code:    CodeNodeFailed,
			NodeID:  node.ID,
		}
	}
	def, ok := ec.Subflows.Get(node.Data.SubflowID)
	if !ok {
		return nil, &NodeError{
			Message: fmt.Sprintf("subflow %q is not registered", node.Data.SubflowID),
			Code:    CodeNodeFailed,
			NodeID:  node.ID,
		}
	}

	resolved := make(map[string]string, len(def.Inputs))
	for _, port := range def.Inputs {
		expr, mapped := node.Data.InputMappings[port.ID]
		switch {
		case mapped:
			resolved[port.ID] = resolveMapping(expr, ec)
		case port.Default != "":
			resolved[port.ID] = port.Default
		case port.Required:
			return nil, &NodeError{
				Message: fmt.Sprintf("required subflow input %q has no mapping and no default", port.ID),
				Code:    CodeNodeFailed,
				NodeID:  node.ID,
			}
		}
	}

	// The first declared input port carries the nested run's text input;
	// a subflow with no ports receives the node input unchanged.
	text := ec.Input
	if len(def.Inputs) > 0 {
		if v, ok := resolved[def.Inputs[0].ID]; ok {
			text = v
		}
	}

	share := node.Data.ShareSession == nil || *node.Data.ShareSession
	ec.emitEvent("subflow start", map[string]interface{}{
		"subflow": def.ID,
		"shared":  share,
	})

	res, err := ec.ExecuteWorkflow(ctx, def.Workflow, Input{Text: text, Attachments: ec.Attachments}, &SubrunOptions{ShareSession: share})
	if err != nil {
		return nil, err
	}

	ec.emitEvent("subflow complete", map[string]interface{}{
		"subflow": def.ID,
		"runId":   res.RunID,
	})

	return &HandlerResult{
		Output:    res.Output,
		NextNodes: ec.wf.TargetsOn(node.ID, HandleOutput),
		Metadata: map[string]interface{}{
			"subflowId":    def.ID,
			"subflowRunId": res.RunID,
		},
	}, nil
}

// resolveMapping turns one input-mapping expression into its value. Plain
// strings pass through as literals. A whole-string {{...}} expression
// reads from the run: {{input}} and {{output}} are the node's input,
// {{outputs.ID}} is a recorded node output, {{context.sessionId}} is the
// session id. Unknown expressions resolve to the empty string.
func resolveMapping(expr string, ec *ExecutionContext) string {
	s := strings.TrimSpace(expr)
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return expr
	}
	key := strings.TrimSpace(s[2 : len(s)-2])
	switch {
	case key == "input" || key == "output":
		return ec.Input
	case key == "context.sessionId":
		return ec.SessionID
	case strings.HasPrefix(key, "outputs."):
		out, _ := ec.Output(strings.TrimPrefix(key, "outputs."))
		return out
	default:
		return ""
	}
}
