package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dshills/agentflow-go/flow/provider"
)

// mergeBranchID is the pseudo branch id merge-call tokens stream under.
const mergeBranchID = "__merge__"

// ParallelHandler fans the input out to every branch, runs the branches
// concurrently, and either merges the settled results or hands each branch
// output to that branch's own targets.
type ParallelHandler struct{}

// branchOutcome is one settled branch: output on success, err otherwise.
// A failed branch never aborts its siblings.
type branchOutcome struct {
	branch Branch
	output string
	err    error
}

// Execute implements Handler.
func (h *ParallelHandler) Execute(ctx context.Context, ec *ExecutionContext) (*HandlerResult, error) {
	node := ec.Node()
	branches := node.Data.Branches
	if len(branches) == 0 {
		return nil, &NodeError{
			Message: "parallel node has no branches",
			Code:    CodeNodeFailed,
			NodeID:  node.ID,
		}
	}

	timeout := DefaultBranchTimeout
	if node.Data.BranchTimeoutMS > 0 {
		timeout = time.Duration(node.Data.BranchTimeoutMS) * time.Millisecond
	}

	outcomes := make([]branchOutcome, len(branches))
	var wg sync.WaitGroup
	for i, b := range branches {
		wg.Add(1)
		go func(i int, b Branch) {
			defer wg.Done()
			outcomes[i] = h.runBranch(ctx, ec, b, timeout)
		}(i, b)
	}
	wg.Wait()

	failed := 0
	for _, oc := range outcomes {
		if oc.err != nil {
			failed++
		}
	}

	meta := map[string]interface{}{"branchCount": len(branches)}
	if failed > 0 {
		meta["failedBranches"] = failed
	}

	if node.Data.MergeEnabled != nil && !*node.Data.MergeEnabled {
		return h.split(ec, outcomes, failed, meta)
	}

	if failed == len(outcomes) {
		return nil, &NodeError{
			Message: fmt.Sprintf("all %d branches failed", len(branches)),
			Code:    CodeNodeFailed,
			NodeID:  node.ID,
			Cause:   errors.Join(branchErrors(outcomes)...),
		}
	}

	output := mergeBranchOutputs(outcomes)
	if node.Data.Prompt != "" {
		merged, err := h.mergeLLM(ctx, ec, output)
		if err != nil {
			return nil, fmt.Errorf("merge call failed: %w", err)
		}
		output = merged
	}

	return &HandlerResult{
		Output:    output,
		NextNodes: ec.wf.TargetsOn(node.ID, HandleMerged),
		Metadata:  meta,
	}, nil
}

// runBranch executes one branch's LLM and tool loop against its own
// conversation, bounded by the branch timeout.
func (h *ParallelHandler) runBranch(ctx context.Context, ec *ExecutionContext, b Branch, timeout time.Duration) branchOutcome {
	node := ec.Node()
	label := b.Name()
	ec.Callbacks.emitBranchStart(b.ID, label)
	ec.emitEvent("branch start", map[string]interface{}{"branch": b.ID})

	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	model := b.Model
	if model == "" {
		model = node.Data.Model
	}
	if model == "" {
		model = ec.DefaultModel
	}
	if model == "" {
		return branchOutcome{branch: b, err: fmt.Errorf("branch %q has no model", b.ID)}
	}

	system := b.Prompt
	if block := previousAgentContext(ec); block != "" {
		if system != "" {
			system += "\n\n"
		}
		system += block
	}

	hist := newConversation()
	hist.Append(userMessage(ec.Input, ec.Attachments, ec.capabilities(model)))

	var onToken, onReasoning func(string)
	if ec.Callbacks.OnBranchToken != nil {
		onToken = func(tok string) { ec.Callbacks.emitBranchToken(b.ID, label, tok) }
	}
	if ec.Callbacks.OnBranchReasoning != nil {
		onReasoning = func(text string) { ec.Callbacks.emitBranchReasoning(b.ID, label, text) }
	}

	loop := chatLoop{
		model:         model,
		system:        system,
		temperature:   node.Data.Temperature,
		maxTokens:     node.Data.MaxTokens,
		tools:         resolveToolSpecs(ec, b.Tools),
		maxIterations: resolveMaxToolIterations(node, ec),
		onMax:         resolveOnMaxToolIterations(node, ec),
		history:       hist,
		onToken:       onToken,
		onReasoning:   onReasoning,
	}
	output, _, err := loop.run(bctx, ec)
	if err != nil {
		if bctx.Err() != nil && ctx.Err() == nil {
			err = &NodeError{
				Message: fmt.Sprintf("branch %q timed out after %s", b.ID, timeout),
				Code:    CodeBranchTimeout,
				NodeID:  node.ID,
				Cause:   ErrBranchTimeout,
			}
		}
		ec.emitEvent("branch error", map[string]interface{}{"branch": b.ID, "error": err.Error()})
		return branchOutcome{branch: b, err: err}
	}

	ec.state.setOutput(node.ID+":"+b.ID, output)
	ec.Callbacks.emitBranchComplete(b.ID, label, output)
	ec.emitEvent("branch complete", map[string]interface{}{"branch": b.ID, "outputLen": len(output)})
	return branchOutcome{branch: b, output: output}
}

// split hands each settled branch output to the targets wired to that
// branch's handle. The node's own recorded output keeps the merged text
// for inspection even though nothing is enqueued with it.
func (h *ParallelHandler) split(ec *ExecutionContext, outcomes []branchOutcome, failed int, meta map[string]interface{}) (*HandlerResult, error) {
	node := ec.Node()
	if failed == len(outcomes) {
		return nil, &NodeError{
			Message: fmt.Sprintf("all %d branches failed", len(outcomes)),
			Code:    CodeNodeFailed,
			NodeID:  node.ID,
			Cause:   errors.Join(branchErrors(outcomes)...),
		}
	}

	var transitions []Transition
	for _, oc := range outcomes {
		if oc.err != nil {
			continue
		}
		for _, target := range ec.wf.TargetsOn(node.ID, oc.branch.ID) {
			transitions = append(transitions, Transition{Target: target, Input: oc.output})
		}
	}
	return &HandlerResult{
		Output:      mergeBranchOutputs(outcomes),
		Transitions: transitions,
		Metadata:    meta,
	}, nil
}

// mergeLLM condenses the concatenated branch outputs with the node's merge
// prompt. Tokens stream both as merge-branch tokens and as plain tokens.
func (h *ParallelHandler) mergeLLM(ctx context.Context, ec *ExecutionContext, combined string) (string, error) {
	node := ec.Node()
	model := node.Data.Model
	if model == "" {
		model = ec.DefaultModel
	}
	if model == "" {
		return "", fmt.Errorf("merge prompt set but no model is configured")
	}

	var onToken func(string)
	if ec.Callbacks.OnBranchToken != nil || ec.Callbacks.OnToken != nil {
		onToken = func(tok string) {
			ec.Callbacks.emitBranchToken(mergeBranchID, "Merge", tok)
			ec.Callbacks.emitToken(tok)
		}
	}

	resp, err := ec.chat(ctx, provider.Request{
		Model: model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: node.Data.Prompt},
			{Role: provider.RoleUser, Content: combined},
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

// mergeBranchOutputs concatenates the settled branch outputs as labeled
// sections; failures collect under a trailing Errors section.
func mergeBranchOutputs(outcomes []branchOutcome) string {
	var b strings.Builder
	var failures []string
	for _, oc := range outcomes {
		if oc.err != nil {
			failures = append(failures, fmt.Sprintf("- %s: %s", oc.branch.Name(), oc.err.Error()))
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", oc.branch.Name(), oc.output)
	}
	if len(failures) > 0 {
		b.WriteString("## Errors\n" + strings.Join(failures, "\n"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func branchErrors(outcomes []branchOutcome) []error {
	var errs []error
	for _, oc := range outcomes {
		if oc.err != nil {
			errs = append(errs, oc.err)
		}
	}
	return errs
}
