package flow

import "fmt"

// Severity grades a validation issue. Only error-severity issues block a
// run; warnings are reported and execution proceeds.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Validation issue codes.
const (
	CodeMissingStartNode       = "MISSING_START_NODE"
	CodeMultipleStartNodes     = "MULTIPLE_START_NODES"
	CodeDuplicateNodeID        = "DUPLICATE_NODE_ID"
	CodeInvalidEdge            = "INVALID_EDGE"
	CodeMissingModel           = "MISSING_MODEL"
	CodeEmptyPrompt            = "EMPTY_PROMPT"
	CodeDisconnectedNode       = "DISCONNECTED_NODE"
	CodeMissingRequiredPort    = "MISSING_REQUIRED_PORT"
	CodeMissingEdgeLabel       = "MISSING_EDGE_LABEL"
	CodeDuplicateSourceHandle  = "DUPLICATE_SOURCE_HANDLE"
	CodeNoBranches             = "NO_BRANCHES"
	CodeMissingConditionPrompt = "MISSING_CONDITION_PROMPT"
	CodeInvalidMaxIterations   = "INVALID_MAX_ITERATIONS"
	CodeMissingSubflowID       = "MISSING_SUBFLOW_ID"
	CodeSubflowNotFound        = "SUBFLOW_NOT_FOUND"
	CodeMissingInputMapping    = "MISSING_INPUT_MAPPING"
	CodeNoSubflowOutputs       = "NO_SUBFLOW_OUTPUTS"
	CodeMissingToolID          = "MISSING_TOOL_ID"
	CodeDeadEndNode            = "DEAD_END_NODE"
	CodeOutputNotTerminal      = "OUTPUT_NOT_TERMINAL"
	CodeUnknownNodeKind        = "UNKNOWN_NODE_KIND"
)

// ValidationIssue is one finding from pre-flight validation.
type ValidationIssue struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	NodeID   string   `json:"nodeId,omitempty"`
	EdgeID   string   `json:"edgeId,omitempty"`
	Message  string   `json:"message"`
}

// Validator performs static checks on a workflow before execution. Subflows
// lets it resolve subflow references; DefaultModel decides whether a missing
// model on an LLM node is an error or merely a warning; Handlers, when set,
// lets it reject node kinds nothing is registered to execute.
type Validator struct {
	Subflows     *SubflowRegistry
	DefaultModel string
	Handlers     map[NodeKind]Handler
}

// hasErrors reports whether any issue is error severity.
func hasErrors(issues []ValidationIssue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate runs all structural and per-kind checks and returns every issue
// found, errors and warnings alike.
func (v *Validator) Validate(wf *Workflow) []ValidationIssue {
	var issues []ValidationIssue
	add := func(issue ValidationIssue) {
		issues = append(issues, issue)
	}

	// Duplicate node ids break every id-based lookup, so check them first.
	seen := make(map[string]bool, len(wf.Nodes))
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if seen[n.ID] {
			add(ValidationIssue{
				Code: CodeDuplicateNodeID, Severity: SeverityError, NodeID: n.ID,
				Message: fmt.Sprintf("duplicate node id %q", n.ID),
			})
		}
		seen[n.ID] = true
	}

	var starts []*Node
	for i := range wf.Nodes {
		if wf.Nodes[i].Kind == KindStart {
			starts = append(starts, &wf.Nodes[i])
		}
	}
	switch {
	case len(starts) == 0:
		add(ValidationIssue{
			Code: CodeMissingStartNode, Severity: SeverityError,
			Message: "workflow has no start node",
		})
	case len(starts) > 1:
		for _, n := range starts[1:] {
			add(ValidationIssue{
				Code: CodeMultipleStartNodes, Severity: SeverityError, NodeID: n.ID,
				Message: fmt.Sprintf("workflow has multiple start nodes; extra start %q", n.ID),
			})
		}
	}

	for _, e := range wf.Edges {
		if wf.Node(e.Source) == nil {
			add(ValidationIssue{
				Code: CodeInvalidEdge, Severity: SeverityError, EdgeID: e.ID,
				Message: fmt.Sprintf("edge %q references unknown source node %q", e.ID, e.Source),
			})
		}
		if wf.Node(e.Target) == nil {
			add(ValidationIssue{
				Code: CodeInvalidEdge, Severity: SeverityError, EdgeID: e.ID,
				Message: fmt.Sprintf("edge %q references unknown target node %q", e.ID, e.Target),
			})
		}
	}

	for i := range wf.Nodes {
		issues = append(issues, v.validateNode(wf, &wf.Nodes[i])...)
	}

	return issues
}

func (v *Validator) validateNode(wf *Workflow, n *Node) []ValidationIssue {
	var issues []ValidationIssue
	add := func(code string, sev Severity, msg string) {
		issues = append(issues, ValidationIssue{Code: code, Severity: sev, NodeID: n.ID, Message: msg})
	}

	outgoing := wf.Outgoing(n.ID)
	incoming := wf.Incoming(n.ID)

	if v.Handlers != nil {
		if _, ok := v.Handlers[n.Kind]; !ok {
			add(CodeUnknownNodeKind, SeverityError,
				fmt.Sprintf("no handler is registered for node kind %q", n.Kind))
		}
	}

	// modelSeverity: a missing model is fatal only when the engine has no
	// default to fall back to.
	modelSeverity := SeverityWarning
	if v.DefaultModel == "" {
		modelSeverity = SeverityError
	}

	if n.Kind != KindStart && len(incoming) == 0 {
		sev := SeverityError
		if n.Kind == KindOutput {
			sev = SeverityWarning
		}
		add(CodeDisconnectedNode, sev, fmt.Sprintf("node %q has no incoming edges", n.ID))
	}
	if n.Kind != KindStart && n.Kind != KindOutput && len(outgoing) == 0 {
		add(CodeDeadEndNode, SeverityWarning, fmt.Sprintf("node %q has no outgoing edges; its output is unreachable", n.ID))
	}

	switch n.Kind {
	case KindStart:
		if len(outgoing) == 0 {
			add(CodeDeadEndNode, SeverityError, "start node has no outgoing edges")
		}
		if len(incoming) > 0 {
			add(CodeInvalidEdge, SeverityError, "start node must not have incoming edges")
		}

	case KindAgent:
		if n.Data.Model == "" {
			add(CodeMissingModel, modelSeverity, fmt.Sprintf("agent %q has no model configured", n.ID))
		}
		if n.Data.Prompt == "" {
			add(CodeEmptyPrompt, SeverityWarning, fmt.Sprintf("agent %q has an empty prompt", n.ID))
		}

	case KindRouter:
		var routes []Edge
		handles := make(map[string]int)
		for _, e := range outgoing {
			if e.SourceHandle == HandleError || e.SourceHandle == HandleRejected {
				continue
			}
			routes = append(routes, e)
			handles[e.SourceHandle]++
		}
		if len(routes) == 0 {
			add(CodeMissingRequiredPort, SeverityError, fmt.Sprintf("router %q has no route edges", n.ID))
		}
		for handle, count := range handles {
			if count > 1 && handle != "" {
				add(CodeDuplicateSourceHandle, SeverityWarning,
					fmt.Sprintf("router %q has %d edges on handle %q; routing is ambiguous", n.ID, count, handle))
			}
		}
		for _, e := range routes {
			target := wf.Node(e.Target)
			if e.Label == "" && (target == nil || target.Data.Label == "") {
				issues = append(issues, ValidationIssue{
					Code: CodeMissingEdgeLabel, Severity: SeverityWarning, NodeID: n.ID, EdgeID: e.ID,
					Message: fmt.Sprintf("route edge %q has no label and target has no label; the model sees a generated name", e.ID),
				})
			}
		}
		if n.Data.Model == "" {
			add(CodeMissingModel, modelSeverity, fmt.Sprintf("router %q has no model configured", n.ID))
		}

	case KindParallel:
		if len(n.Data.Branches) == 0 {
			add(CodeNoBranches, SeverityError, fmt.Sprintf("parallel %q has no branches", n.ID))
		}
		merge := n.Data.MergeEnabled == nil || *n.Data.MergeEnabled
		if merge {
			if len(wf.OutgoingOn(n.ID, HandleMerged)) == 0 {
				add(CodeMissingRequiredPort, SeverityError,
					fmt.Sprintf("parallel %q merges but has no edge on handle %q", n.ID, HandleMerged))
			}
			if n.Data.Prompt != "" && n.Data.Model == "" {
				add(CodeMissingModel, modelSeverity, fmt.Sprintf("parallel %q has a merge prompt but no model", n.ID))
			}
		} else {
			for _, b := range n.Data.Branches {
				if len(wf.OutgoingOn(n.ID, b.ID)) == 0 {
					add(CodeMissingRequiredPort, SeverityError,
						fmt.Sprintf("parallel %q branch %q has no outgoing edge", n.ID, b.ID))
				}
			}
		}
		for _, b := range n.Data.Branches {
			if b.Model == "" && n.Data.Model == "" {
				add(CodeMissingModel, modelSeverity,
					fmt.Sprintf("parallel %q branch %q has no model configured", n.ID, b.ID))
				break
			}
		}

	case KindWhileLoop:
		if len(wf.OutgoingOn(n.ID, HandleBody)) == 0 {
			add(CodeMissingRequiredPort, SeverityWarning,
				fmt.Sprintf("while-loop %q has no edge on handle %q", n.ID, HandleBody))
		}
		if len(wf.OutgoingOn(n.ID, HandleDone)) == 0 {
			add(CodeMissingRequiredPort, SeverityWarning,
				fmt.Sprintf("while-loop %q has no edge on handle %q", n.ID, HandleDone))
		}
		if n.Data.MaxIterations != nil && *n.Data.MaxIterations <= 0 {
			add(CodeInvalidMaxIterations, SeverityError,
				fmt.Sprintf("while-loop %q has maxIterations %d, must be positive", n.ID, *n.Data.MaxIterations))
		}
		if n.Data.CustomEvaluator == "" {
			if n.Data.ConditionPrompt == "" {
				add(CodeMissingConditionPrompt, SeverityWarning,
					fmt.Sprintf("while-loop %q has no condition prompt and no custom evaluator", n.ID))
			}
			if n.Data.ConditionModel == "" && n.Data.Model == "" {
				add(CodeMissingModel, modelSeverity,
					fmt.Sprintf("while-loop %q evaluates its condition with an LLM but has no model", n.ID))
			}
		}

	case KindSubflow:
		if n.Data.SubflowID == "" {
			add(CodeMissingSubflowID, SeverityError, fmt.Sprintf("subflow node %q references no definition", n.ID))
			break
		}
		if v.Subflows == nil {
			break
		}
		def, ok := v.Subflows.Get(n.Data.SubflowID)
		if !ok {
			add(CodeSubflowNotFound, SeverityError,
				fmt.Sprintf("subflow %q is not registered", n.Data.SubflowID))
			break
		}
		for _, port := range def.Inputs {
			if !port.Required || port.Default != "" {
				continue
			}
			if _, mapped := n.Data.InputMappings[port.ID]; !mapped {
				add(CodeMissingInputMapping, SeverityError,
					fmt.Sprintf("subflow node %q maps nothing to required input %q", n.ID, port.ID))
			}
		}
		if len(def.Outputs) == 0 {
			add(CodeNoSubflowOutputs, SeverityWarning,
				fmt.Sprintf("subflow %q declares no outputs", def.ID))
		}

	case KindTool:
		if n.Data.ToolID == "" {
			add(CodeMissingToolID, SeverityError, fmt.Sprintf("tool node %q names no tool", n.ID))
		}

	case KindOutput:
		if len(outgoing) > 0 {
			add(CodeOutputNotTerminal, SeverityWarning,
				fmt.Sprintf("output %q is terminal but has %d outgoing edges", n.ID, len(outgoing)))
		}
		if n.Data.Mode == OutputModeSynthesis && n.Data.Model == "" {
			add(CodeMissingModel, modelSeverity, fmt.Sprintf("output %q synthesizes with an LLM but has no model", n.ID))
		}
	}

	return issues
}
