package flow

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/dshills/agentflow-go/flow/provider"
)

// AgentHandler runs the LLM call and tool loop for agent nodes. The
// conversation history is shared across agent nodes in the run, so a later
// agent sees the turns an earlier one produced.
type AgentHandler struct{}

// Execute implements Handler.
func (h *AgentHandler) Execute(ctx context.Context, ec *ExecutionContext) (*HandlerResult, error) {
	node := ec.Node()

	model := node.Data.Model
	if model == "" {
		model = ec.DefaultModel
	}
	if model == "" {
		return nil, &NodeError{
			Message: "agent has no model and no default model is configured",
			Code:    CodeNodeFailed,
			NodeID:  node.ID,
		}
	}

	system := node.Data.Prompt
	if block := previousAgentContext(ec); block != "" {
		if system != "" {
			system += "\n\n"
		}
		system += block
	}

	// The user turn joins the shared history unless the previous node
	// already appended the identical message.
	user := userMessage(ec.Input, ec.Attachments, ec.capabilities(model))
	hist := ec.state.history
	if last, ok := hist.Last(); !ok || !sameMessage(last, user) {
		hist.Append(user)
	}

	var onToken, onReasoning func(string)
	if ec.Callbacks.OnToken != nil {
		onToken = ec.Callbacks.emitToken
	}
	if ec.Callbacks.OnReasoning != nil {
		onReasoning = ec.Callbacks.emitReasoning
	}

	loop := chatLoop{
		model:         model,
		system:        system,
		temperature:   node.Data.Temperature,
		maxTokens:     node.Data.MaxTokens,
		tools:         resolveToolSpecs(ec, node.Data.Tools),
		maxIterations: resolveMaxToolIterations(node, ec),
		onMax:         resolveOnMaxToolIterations(node, ec),
		history:       hist,
		compact:       true,
		onToken:       onToken,
		onReasoning:   onReasoning,
	}
	output, iterations, err := loop.run(ctx, ec)
	if err != nil {
		return nil, err
	}

	hist.Append(provider.Message{Role: provider.RoleAssistant, Content: output})

	res := &HandlerResult{
		Output:    output,
		NextNodes: ec.wf.TargetsOn(node.ID, HandleOutput),
	}
	if iterations > 0 {
		res.Metadata = map[string]interface{}{"toolIterations": iterations}
	}
	return res, nil
}

func resolveMaxToolIterations(node *Node, ec *ExecutionContext) int {
	if node.Data.MaxToolIterations > 0 {
		return node.Data.MaxToolIterations
	}
	if ec.MaxToolIterations > 0 {
		return ec.MaxToolIterations
	}
	return DefaultMaxToolIterations
}

func resolveOnMaxToolIterations(node *Node, ec *ExecutionContext) string {
	if node.Data.OnMaxToolIterations != "" {
		return node.Data.OnMaxToolIterations
	}
	if ec.OnMaxToolIterations != "" {
		return ec.OnMaxToolIterations
	}
	return OnMaxWarning
}

// chatLoop is one LLM conversation with an optional tool loop. Agent nodes
// run it against the shared history; parallel branches run it against a
// branch-local one.
type chatLoop struct {
	model         string
	system        string
	temperature   *float64
	maxTokens     int
	tools         []provider.ToolSpec
	maxIterations int
	onMax         string
	history       *conversation
	compact       bool
	onToken       func(string)
	onReasoning   func(string)
}

// run drives the loop until the model answers without tool calls or the
// iteration budget is spent. It returns the final content and the number
// of tool rounds used. Intermediate assistant turns and tool results are
// appended to the loop's history; the final answer is not.
func (l *chatLoop) run(ctx context.Context, ec *ExecutionContext) (string, int, error) {
	var lastContent string
	iterations := 0
	used := 0
	limit := l.maxIterations

	for {
		for iterations < limit {
			if l.compact {
				ec.maybeCompact(ctx, l.model)
			}
			resp, err := ec.chat(ctx, provider.Request{
				Model:       l.model,
				Messages:    l.messages(),
				Temperature: l.temperature,
				MaxTokens:   l.maxTokens,
				Tools:       l.tools,
				OnToken:     l.onToken,
				OnReasoning: l.onReasoning,
			})
			if err != nil {
				return "", used, err
			}
			if len(resp.ToolCalls) == 0 {
				return resp.Content, used, nil
			}

			l.history.Append(assistantTurn(resp))
			for _, call := range resp.ToolCalls {
				result := ec.invokeTool(ctx, call, used)
				l.history.Append(toolResultMessage(call.Name, result))
			}
			lastContent = resp.Content
			iterations++
			used++
		}

		switch l.onMax {
		case OnMaxError:
			return "", used, &NodeError{
				Message: fmt.Sprintf("maximum tool iterations (%d) reached", l.maxIterations),
				Code:    CodeMaxToolIterations,
				NodeID:  ec.Node().ID,
				Cause:   ErrMaxToolIterations,
			}
		case OnMaxHITL:
			if err := l.requestAnotherRound(ctx, ec, lastContent); err != nil {
				return "", used, err
			}
			limit += l.maxIterations
		default:
			out := fmt.Sprintf("Warning: Maximum tool iterations (%d) reached.", l.maxIterations)
			if lastContent != "" {
				out += "\n\n" + lastContent
			}
			return out, used, nil
		}
	}
}

func (l *chatLoop) messages() []provider.Message {
	hist := l.history.Snapshot()
	if l.system == "" {
		return hist
	}
	msgs := make([]provider.Message, 0, len(hist)+1)
	msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: l.system})
	return append(msgs, hist...)
}

// requestAnotherRound gates continuation of the tool loop on a human
// decision. Approval extends the budget; anything else stops the node.
func (l *chatLoop) requestAnotherRound(ctx context.Context, ec *ExecutionContext, lastContent string) error {
	node := ec.Node()
	req := newHITLRequest(node, "tool_iterations",
		fmt.Sprintf("%q reached its tool iteration limit of %d. Approve another round?", node.Label(), l.maxIterations),
		lastContent, ec.run.cfg.hitlTimeout)
	ec.emitEvent("hitl request", map[string]interface{}{"id": req.ID, "mode": req.Mode})

	resp, err := awaitHITL(ctx, ec.Callbacks.OnHITLRequest, req)
	if err != nil {
		return err
	}
	ec.emitEvent("hitl resolved", map[string]interface{}{
		"id": req.ID, "action": string(resp.Action), "reason": resp.Reason,
	})
	if resp.Action == HITLApprove {
		return nil
	}
	if resp.Reason == "timeout" {
		return &NodeError{
			Message: "tool iteration gate timed out",
			Code:    CodeHITLTimeout,
			NodeID:  node.ID,
			Cause:   ErrHITLTimeout,
		}
	}
	return &NodeError{
		Message: "tool iteration gate rejected: " + resp.Reason,
		Code:    CodeHITLRejected,
		NodeID:  node.ID,
		Cause:   ErrHITLRejected,
	}
}

// previousAgentContext renders the outputs of already-completed nodes for
// the system prompt, oldest first. A node re-run by a loop appears once
// with its latest output.
func previousAgentContext(ec *ExecutionContext) string {
	chain := ec.NodeChain()
	if len(chain) == 0 {
		return ""
	}
	outputs := ec.Outputs()
	seen := make(map[string]bool, len(chain))
	var b strings.Builder
	for _, id := range chain {
		if seen[id] {
			continue
		}
		seen[id] = true
		out := outputs[id]
		if out == "" {
			continue
		}
		label := id
		if n := ec.GetNode(id); n != nil {
			label = n.Label()
		}
		fmt.Fprintf(&b, "- %s: %s\n", label, out)
	}
	if b.Len() == 0 {
		return ""
	}
	return "Context from previous agents:\n" + b.String()
}

// userMessage builds the user turn for input. Attachments become content
// parts; an image the model cannot accept degrades to a text note so the
// model still knows it was there.
func userMessage(input string, atts []Attachment, caps provider.Capabilities) provider.Message {
	if len(atts) == 0 {
		return provider.Message{Role: provider.RoleUser, Content: input}
	}

	parts := make([]provider.ContentPart, 0, len(atts)+1)
	if input != "" {
		parts = append(parts, provider.ContentPart{Type: provider.PartText, Text: input})
	}
	for _, a := range atts {
		part := provider.ContentPart{
			Type:      provider.PartFile,
			MediaType: a.MediaType,
			Data:      a.Data,
			URL:       a.URL,
		}
		if a.Kind == "image" {
			if !caps.SupportsInput("image") {
				parts = append(parts, provider.ContentPart{
					Type: provider.PartText,
					Text: fmt.Sprintf("[image omitted: %s]", a.Name),
				})
				continue
			}
			part.Type = provider.PartImage
		}
		parts = append(parts, part)
	}
	return provider.Message{Role: provider.RoleUser, Parts: parts}
}

// resolveToolSpecs narrows the registry to the node's configured tool
// names. A node that names none offers every registered tool; names with
// no registered tool are dropped.
func resolveToolSpecs(ec *ExecutionContext, names []string) []provider.ToolSpec {
	if ec.Tools == nil {
		return nil
	}
	return ec.Tools.Specs(names...)
}

// assistantTurn renders the model's tool-requesting turn for the history.
// Providers reject empty assistant content, so a bare tool request is
// described textually.
func assistantTurn(resp *provider.Response) provider.Message {
	if resp.Content != "" {
		return provider.Message{Role: provider.RoleAssistant, Content: resp.Content}
	}
	names := make([]string, len(resp.ToolCalls))
	for i, call := range resp.ToolCalls {
		names[i] = call.Name
	}
	return provider.Message{
		Role:    provider.RoleAssistant,
		Content: "[Calling tools: " + strings.Join(names, ", ") + "]",
	}
}

func toolResultMessage(name, result string) provider.Message {
	return provider.Message{
		Role:    provider.RoleSystem,
		Content: fmt.Sprintf("[Tool Result: %s]\n%s", name, result),
	}
}

func sameMessage(a, b provider.Message) bool {
	return reflect.DeepEqual(a, b)
}
