package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/dshills/agentflow-go/flow/provider"
)

// selectRouteTool is the function the router asks the model to call.
const selectRouteTool = "select_route"

// RouterHandler asks the model to pick one outgoing route via a forced
// select_route tool call. The node's recorded output is its own input, so
// the chosen target receives what the router received.
type RouterHandler struct{}

// route is one selectable destination, derived from an outgoing edge.
type route struct {
	id          string
	nodeID      string
	name        string
	description string
}

// Execute implements Handler.
func (h *RouterHandler) Execute(ctx context.Context, ec *ExecutionContext) (*HandlerResult, error) {
	node := ec.Node()

	routes := routerRoutes(ec.wf, node)
	if len(routes) == 0 {
		return nil, &NodeError{
			Message: "router has no route edges",
			Code:    CodeNodeFailed,
			NodeID:  node.ID,
		}
	}

	model := node.Data.Model
	if model == "" {
		model = ec.DefaultModel
	}
	if model == "" {
		return nil, &NodeError{
			Message: "router has no model and no default model is configured",
			Code:    CodeNodeFailed,
			NodeID:  node.ID,
		}
	}

	maxTokens := node.Data.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 100
	}
	temperature := 0.0

	resp, err := ec.chat(ctx, provider.Request{
		Model: model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: routerSystemPrompt(routes, node.Data.Prompt)},
			{Role: provider.RoleUser, Content: ec.Input},
		},
		Temperature: &temperature,
		MaxTokens:   maxTokens,
		Tools:       []provider.ToolSpec{routeToolSpec(routes)},
		ToolChoice:  selectRouteTool,
	})

	var selected *route
	var reasoning string
	if err == nil {
		selected, reasoning = parseRouteSelection(resp, routes)
	}

	fallbackUsed := false
	if selected == nil {
		switch node.Data.FallbackBehavior {
		case FallbackError:
			return nil, h.unresolved(node, err)
		case FallbackNone:
			if err != nil {
				return nil, h.unresolved(node, err)
			}
			ec.emitEvent("route unresolved", map[string]interface{}{"fallback": FallbackNone})
			return &HandlerResult{
				Output:   ec.Input,
				Metadata: map[string]interface{}{"fallbackUsed": false},
			}, nil
		default:
			// FallbackFirst, and the default when nothing is configured.
			selected = &routes[0]
			fallbackUsed = true
		}
	}

	ec.emitEvent("route selected", map[string]interface{}{
		"route":    selected.id,
		"target":   selected.nodeID,
		"fallback": fallbackUsed,
	})

	return &HandlerResult{
		Output:    ec.Input,
		NextNodes: []string{selected.nodeID},
		Metadata: map[string]interface{}{
			"selectedRouteId": selected.id,
			"selectedNodeId":  selected.nodeID,
			"reasoning":       reasoning,
			"fallbackUsed":    fallbackUsed,
		},
	}, nil
}

func (h *RouterHandler) unresolved(node *Node, cause error) error {
	msg := "router could not resolve a route"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return &NodeError{
		Message: msg,
		Code:    CodeNodeFailed,
		NodeID:  node.ID,
		Cause:   cause,
	}
}

// routerRoutes derives the selectable routes from the node's outgoing
// edges. Error and rejected handles are never routable.
func routerRoutes(wf *Workflow, node *Node) []route {
	var routes []route
	for _, e := range wf.Outgoing(node.ID) {
		if e.SourceHandle == HandleError || e.SourceHandle == HandleRejected {
			continue
		}
		n := len(routes) + 1
		r := route{id: e.SourceHandle, nodeID: e.Target}
		if r.id == "" {
			r.id = fmt.Sprintf("route-%d", n)
		}
		target := wf.Node(e.Target)
		switch {
		case target != nil && target.Data.Label != "":
			r.name = target.Data.Label
		case e.Label != "":
			r.name = e.Label
		default:
			r.name = fmt.Sprintf("Route %d", n)
		}
		if target != nil {
			r.description = target.Data.Description
		}
		routes = append(routes, r)
	}
	return routes
}

func routerSystemPrompt(routes []route, rules string) string {
	var b strings.Builder
	b.WriteString("You are a router. Pick the route that best matches the input.\n\nAvailable routes:\n")
	for _, r := range routes {
		fmt.Fprintf(&b, "- %s: %s", r.id, r.name)
		if r.description != "" {
			fmt.Fprintf(&b, " (%s)", r.description)
		}
		b.WriteByte('\n')
	}
	if rules != "" {
		b.WriteString("\nRouting rules:\n")
		b.WriteString(rules)
		b.WriteByte('\n')
	}
	b.WriteString("\nCall " + selectRouteTool + " with the id of the chosen route.")
	return b.String()
}

func routeToolSpec(routes []route) provider.ToolSpec {
	ids := make([]string, len(routes))
	for i, r := range routes {
		ids[i] = r.id
	}
	return provider.ToolSpec{
		Name:        selectRouteTool,
		Description: "Select the route the workflow should take next.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"route_id": map[string]interface{}{
					"type": "string",
					"enum": ids,
				},
				"reasoning": map[string]interface{}{
					"type":        "string",
					"description": "Why this route fits the input.",
				},
			},
			"required": []string{"route_id"},
		},
	}
}

// parseRouteSelection extracts the chosen route from the response. It
// prefers the select_route tool call, then a JSON object in the content,
// then a bare 1-based route number. A nil route means nothing usable came
// back.
func parseRouteSelection(resp *provider.Response, routes []route) (*route, string) {
	for _, call := range resp.ToolCalls {
		if call.Name != selectRouteTool {
			continue
		}
		id, _ := call.Arguments["route_id"].(string)
		reasoning, _ := call.Arguments["reasoning"].(string)
		if r := routeByID(routes, id); r != nil {
			return r, reasoning
		}
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, ""
	}
	if strings.HasPrefix(content, "{") {
		repaired, err := jsonrepair.JSONRepair(content)
		if err == nil {
			var args struct {
				RouteID   string `json:"route_id"`
				Reasoning string `json:"reasoning"`
			}
			if json.Unmarshal([]byte(repaired), &args) == nil {
				if r := routeByID(routes, args.RouteID); r != nil {
					return r, args.Reasoning
				}
			}
		}
	}
	if n, err := strconv.Atoi(content); err == nil && n >= 1 && n <= len(routes) {
		return &routes[n-1], ""
	}
	return nil, ""
}

func routeByID(routes []route, id string) *route {
	if id == "" {
		return nil
	}
	for i := range routes {
		if routes[i].id == id {
			return &routes[i]
		}
	}
	return nil
}
