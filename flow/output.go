package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/dshills/agentflow-go/flow/provider"
)

// defaultSynthesisPrompt drives synthesis mode when the node sets none.
const defaultSynthesisPrompt = "Combine the following inputs into a cohesive document."

// OutputHandler produces the run's final document and terminates its path:
// it never enqueues further nodes. With no mode configured it formats its
// input; combine concatenates selected outputs, synthesis condenses them
// with a model, template interpolates them into a fixed layout.
type OutputHandler struct{}

// Execute implements Handler.
func (h *OutputHandler) Execute(ctx context.Context, ec *ExecutionContext) (*HandlerResult, error) {
	node := ec.Node()

	var content string
	switch {
	case node.Data.Mode == OutputModeSynthesis:
		out, err := h.synthesize(ctx, ec)
		if err != nil {
			return nil, err
		}
		content = out
	case node.Data.Mode == OutputModeTemplate:
		content = interpolateTemplate(node.Data.Template, ec)
	case node.Data.Mode == OutputModeCombine || len(node.Data.Sources) > 0:
		content = h.combine(ec)
	default:
		content = ec.Input
	}

	return &HandlerResult{
		Output: formatOutput(content, node.Data.Format, node.Data.IncludeMetadata, ec.NodeChain()),
	}, nil
}

// combine concatenates the selected source outputs, separated by blank
// lines and optionally wrapped in intro and outro text. With no sources
// configured it combines every completed node's output in chain order.
func (h *OutputHandler) combine(ec *ExecutionContext) string {
	node := ec.Node()
	var parts []string
	if node.Data.IntroText != "" {
		parts = append(parts, node.Data.IntroText)
	}
	for _, id := range h.sources(ec) {
		if out, ok := ec.Output(id); ok && out != "" {
			parts = append(parts, out)
		}
	}
	if node.Data.OutroText != "" {
		parts = append(parts, node.Data.OutroText)
	}
	return strings.Join(parts, "\n\n")
}

// synthesize asks a model to condense the labeled source outputs into one
// document.
func (h *OutputHandler) synthesize(ctx context.Context, ec *ExecutionContext) (string, error) {
	node := ec.Node()
	model := node.Data.Model
	if model == "" {
		model = ec.DefaultModel
	}
	if model == "" {
		return "", &NodeError{
			Message: "synthesis output has no model and no default model is configured",
			Code:    CodeNodeFailed,
			NodeID:  node.ID,
		}
	}

	prompt := node.Data.SynthesisPrompt
	if prompt == "" {
		prompt = defaultSynthesisPrompt
	}

	var b strings.Builder
	for _, id := range h.sources(ec) {
		out, ok := ec.Output(id)
		if !ok || out == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", sourceLabel(ec, id), out)
	}
	user := strings.TrimRight(b.String(), "\n")
	if user == "" {
		user = ec.Input
	}

	var onToken func(string)
	if ec.Callbacks.OnToken != nil {
		onToken = ec.Callbacks.emitToken
	}

	resp, err := ec.chat(ctx, provider.Request{
		Model: model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: prompt},
			{Role: provider.RoleUser, Content: user},
		},
		Temperature: node.Data.Temperature,
		MaxTokens:   node.Data.MaxTokens,
		OnToken:     onToken,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// sources returns the node's configured source ids, or the deduplicated
// node chain when none are configured. Composite "{node}:{branch}" ids
// pass through untouched.
func (h *OutputHandler) sources(ec *ExecutionContext) []string {
	if srcs := ec.Node().Data.Sources; len(srcs) > 0 {
		return srcs
	}
	chain := ec.NodeChain()
	seen := make(map[string]bool, len(chain))
	var out []string
	for _, id := range chain {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// sourceLabel names a source for synthesis. A composite id resolves to the
// branch's label on its parallel node; anything else uses the node label.
func sourceLabel(ec *ExecutionContext, id string) string {
	if nodeID, branchID, ok := strings.Cut(id, ":"); ok {
		if n := ec.GetNode(nodeID); n != nil {
			for _, b := range n.Data.Branches {
				if b.ID == branchID {
					return b.Name()
				}
			}
		}
		return id
	}
	if n := ec.GetNode(id); n != nil {
		return n.Label()
	}
	return id
}

var templatePlaceholder = regexp.MustCompile(`\{\{\s*([\w.:-]+)\s*\}\}`)

// interpolateTemplate substitutes {{nodeId}} placeholders with recorded
// outputs. {{input}} inserts the node's input; unknown ids become empty.
func interpolateTemplate(tpl string, ec *ExecutionContext) string {
	return templatePlaceholder.ReplaceAllStringFunc(tpl, func(m string) string {
		key := templatePlaceholder.FindStringSubmatch(m)[1]
		if key == "input" {
			return ec.Input
		}
		out, _ := ec.Output(key)
		return out
	})
}

// formatOutput renders content in the node's declared format. The zero
// format is plain text.
func formatOutput(content, format string, includeMetadata bool, chain []string) string {
	switch format {
	case FormatJSON:
		return formatJSONOutput(content, includeMetadata, chain)
	case FormatMarkdown:
		if includeMetadata {
			return fmt.Sprintf("---\nnodes: %s\ngenerated: %s\n---\n\n%s",
				strings.Join(chain, " → "), time.Now().UTC().Format(time.RFC3339), content)
		}
		return content
	default:
		if includeMetadata {
			return fmt.Sprintf("[Executed: %s]\n\n%s", strings.Join(chain, " → "), content)
		}
		return content
	}
}

// jsonEnvelope is the document shape for JSON output that wraps content or
// carries metadata. Fixed field order keeps the rendering deterministic.
type jsonEnvelope struct {
	Result   interface{}   `json:"result"`
	Metadata *jsonMetadata `json:"metadata,omitempty"`
}

type jsonMetadata struct {
	NodeChain []string `json:"nodeChain"`
	Timestamp string   `json:"timestamp"`
}

// formatJSONOutput guarantees a valid JSON document: already-valid content
// passes through, near-JSON is repaired, and anything else is wrapped as a
// result string.
func formatJSONOutput(content string, includeMetadata bool, chain []string) string {
	normalized := normalizeJSON(content)

	if !includeMetadata {
		if normalized != nil {
			return string(normalized)
		}
		b, _ := json.Marshal(jsonEnvelope{Result: content})
		return string(b)
	}

	env := jsonEnvelope{
		Result: content,
		Metadata: &jsonMetadata{
			NodeChain: chain,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if normalized != nil {
		env.Result = normalized
	}
	b, _ := json.Marshal(env)
	return string(b)
}

// normalizeJSON returns content as valid JSON when it is valid or can be
// repaired, and nil otherwise. Repair is only attempted on content that
// looks like a JSON document; prose is never coerced.
func normalizeJSON(content string) json.RawMessage {
	s := strings.TrimSpace(content)
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		repaired, err := jsonrepair.JSONRepair(s)
		if err == nil && json.Valid([]byte(repaired)) {
			return json.RawMessage(repaired)
		}
	}
	return nil
}
