package flow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// NodeKind discriminates the node variants the engine can execute.
type NodeKind string

const (
	KindStart     NodeKind = "start"
	KindAgent     NodeKind = "agent"
	KindRouter    NodeKind = "router"
	KindParallel  NodeKind = "parallel"
	KindWhileLoop NodeKind = "whileLoop"
	KindSubflow   NodeKind = "subflow"
	KindMemory    NodeKind = "memory"
	KindTool      NodeKind = "tool"
	KindOutput    NodeKind = "output"
)

// Reserved source handles. Edges attach to a handle via Edge.SourceHandle;
// an empty handle is equivalent to HandleOutput. Parallel splitter edges use
// the branch id as the handle, router edges use the route id.
const (
	HandleOutput   = "output"
	HandleError    = "error"
	HandleRejected = "rejected"
	HandleMerged   = "merged"
	HandleBody     = "body"
	HandleDone     = "done"
)

// Behavior values for agent tool-iteration caps (NodeData.OnMaxToolIterations)
// and while-loop iteration caps (NodeData.OnMaxIterations).
const (
	OnMaxWarning = "warning"
	OnMaxError   = "error"
	OnMaxHITL    = "hitl"
)

// Router fallback behaviors (NodeData.FallbackBehavior).
const (
	FallbackFirst = "first"
	FallbackError = "error"
	FallbackNone  = "none"
)

// Memory node operations (NodeData.Operation).
const (
	MemoryOpStore = "store"
	MemoryOpQuery = "query"
)

// Output node modes (NodeData.Mode) and formats (NodeData.Format).
const (
	OutputModeCombine   = "combine"
	OutputModeSynthesis = "synthesis"
	OutputModeTemplate  = "template"

	FormatText     = "text"
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

// Branch configures one concurrent child of a parallel node. Model, Prompt,
// and Tools default to the parallel node's own settings when empty.
type Branch struct {
	ID     string   `json:"id"`
	Label  string   `json:"label,omitempty"`
	Model  string   `json:"model,omitempty"`
	Prompt string   `json:"prompt,omitempty"`
	Tools  []string `json:"tools,omitempty"`
}

// Name returns the branch label, falling back to the id.
func (b Branch) Name() string {
	if b.Label != "" {
		return b.Label
	}
	return b.ID
}

// NodeData is the per-kind configuration record of a node. Which fields are
// meaningful depends on Node.Kind; the validator flags misconfigurations
// before a run starts. Unknown JSON fields survive a round-trip through
// Extra, so documents written by newer editors keep their payload.
type NodeData struct {
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`

	// LLM settings (agent, router, parallel merge, while-loop condition,
	// output synthesis).
	Model       string   `json:"model,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`

	// Agent tool loop.
	Tools               []string `json:"tools,omitempty"`
	MaxToolIterations   int      `json:"maxToolIterations,omitempty"`
	OnMaxToolIterations string   `json:"onMaxToolIterations,omitempty"`

	// Parallel.
	Branches        []Branch `json:"branches,omitempty"`
	MergeEnabled    *bool    `json:"mergeEnabled,omitempty"`
	BranchTimeoutMS int      `json:"branchTimeout,omitempty"`

	// Router.
	FallbackBehavior string `json:"fallbackBehavior,omitempty"`

	// While-loop.
	ConditionPrompt string `json:"conditionPrompt,omitempty"`
	ConditionModel  string `json:"conditionModel,omitempty"`
	MaxIterations   *int   `json:"maxIterations,omitempty"`
	OnMaxIterations string `json:"onMaxIterations,omitempty"`
	CustomEvaluator string `json:"customEvaluator,omitempty"`

	// Subflow.
	SubflowID     string            `json:"subflowId,omitempty"`
	InputMappings map[string]string `json:"inputMappings,omitempty"`
	ShareSession  *bool             `json:"shareSession,omitempty"`

	// Memory.
	Operation  string `json:"operation,omitempty"`
	Query      string `json:"query,omitempty"`
	QueryLimit int    `json:"queryLimit,omitempty"`

	// Tool.
	ToolID   string                 `json:"toolId,omitempty"`
	ToolArgs map[string]interface{} `json:"toolArgs,omitempty"`

	// Output.
	Mode            string   `json:"mode,omitempty"`
	Sources         []string `json:"sources,omitempty"`
	IntroText       string   `json:"introText,omitempty"`
	OutroText       string   `json:"outroText,omitempty"`
	SynthesisPrompt string   `json:"synthesisPrompt,omitempty"`
	Template        string   `json:"template,omitempty"`
	Format          string   `json:"format,omitempty"`
	IncludeMetadata bool     `json:"includeMetadata,omitempty"`

	// Extra preserves fields this engine does not model.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownDataFields holds the JSON names declared on NodeData, derived from
// the struct tags so the two never drift apart.
var knownDataFields = func() map[string]bool {
	t := reflect.TypeOf(NodeData{})
	known := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		if name := strings.SplitN(tag, ",", 2)[0]; name != "" {
			known[name] = true
		}
	}
	return known
}()

// UnmarshalJSON decodes the known fields and stashes everything else in
// Extra so the document round-trips losslessly.
func (d *NodeData) UnmarshalJSON(b []byte) error {
	type plain NodeData
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for name := range knownDataFields {
		delete(raw, name)
	}
	if len(raw) > 0 {
		p.Extra = raw
	}
	*d = NodeData(p)
	return nil
}

// MarshalJSON re-emits the known fields merged with the preserved extras.
// A known field always wins over a stale extra of the same name.
func (d NodeData) MarshalJSON() ([]byte, error) {
	type plain NodeData
	b, err := json.Marshal(plain(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return b, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for name, val := range d.Extra {
		if _, ok := merged[name]; !ok {
			merged[name] = val
		}
	}
	return json.Marshal(merged)
}

// Node is one vertex of a workflow graph.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`
	Data NodeData `json:"data"`
}

// Label returns the node's display label, falling back to its id.
func (n *Node) Label() string {
	if n.Data.Label != "" {
		return n.Data.Label
	}
	return n.ID
}

// Edge is a directed connection between two nodes. SourceHandle names the
// output port the edge leaves from; empty means the default output port.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Label        string `json:"label,omitempty"`
}

// Workflow is the static description of a graph: nodes, edges, and an opaque
// viewport blob owned by the editor.
type Workflow struct {
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Nodes       []Node          `json:"nodes"`
	Edges       []Edge          `json:"edges"`
	Viewport    json.RawMessage `json:"viewport,omitempty"`
}

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// StartNode returns the first node of kind start, or nil. Validation
// guarantees exactly one exists before a run begins.
func (w *Workflow) StartNode() *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Kind == KindStart {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Outgoing returns all edges leaving nodeID, in declaration order.
func (w *Workflow) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// OutgoingOn returns the edges leaving nodeID on the given source handle.
// HandleOutput also matches edges with an empty handle, since the default
// port is unnamed in many documents.
func (w *Workflow) OutgoingOn(nodeID, handle string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.Source != nodeID {
			continue
		}
		if e.SourceHandle == handle || (handle == HandleOutput && e.SourceHandle == "") {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns all edges entering nodeID, in declaration order.
func (w *Workflow) Incoming(nodeID string) []Edge {
	var in []Edge
	for _, e := range w.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// TargetsOn returns the target node ids of edges leaving nodeID on handle,
// deduplicated, in edge order.
func (w *Workflow) TargetsOn(nodeID, handle string) []string {
	return edgeTargets(w.OutgoingOn(nodeID, handle))
}

// Targets returns the deduplicated target ids of every edge leaving nodeID,
// regardless of handle.
func (w *Workflow) Targets(nodeID string) []string {
	return edgeTargets(w.Outgoing(nodeID))
}

// edgeTargets extracts deduplicated target ids in edge order.
func edgeTargets(edges []Edge) []string {
	var targets []string
	seen := make(map[string]bool, len(edges))
	for _, e := range edges {
		if seen[e.Target] {
			continue
		}
		seen[e.Target] = true
		targets = append(targets, e.Target)
	}
	return targets
}

// ExportVersion is stamped on exported workflow documents.
const ExportVersion = "1.0"

// Export is the persisted form of a workflow with provenance fields.
type Export struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
	Workflow
}

// Export wraps the workflow for persistence, stamping version and time.
func (w *Workflow) Export() Export {
	return Export{
		Version:    ExportVersion,
		ExportedAt: time.Now().UTC(),
		Workflow:   *w,
	}
}

// ParseWorkflow decodes a workflow document. It accepts both bare workflows
// and exported documents (the export envelope is a superset).
func ParseWorkflow(data []byte) (*Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	return &w, nil
}
