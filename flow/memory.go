package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/agentflow-go/flow/memory"
)

// defaultQueryLimit caps memory-node queries that set no limit of their own.
const defaultQueryLimit = 5

// MemoryHandler stores the node input into the memory adapter or queries
// it, scoped to the run's session. Store passes the input through; query
// replaces it with the matched entries.
type MemoryHandler struct{}

// Execute implements Handler.
func (h *MemoryHandler) Execute(ctx context.Context, ec *ExecutionContext) (*HandlerResult, error) {
	node := ec.Node()
	if ec.Memory == nil {
		return nil, &NodeError{
			Message: "no memory adapter is configured",
			Code:    CodeNodeFailed,
			NodeID:  node.ID,
		}
	}

	op := node.Data.Operation
	if op == "" {
		op = MemoryOpStore
	}

	next := ec.wf.TargetsOn(node.ID, HandleOutput)

	switch op {
	case MemoryOpStore:
		err := ec.Memory.Store(ctx, memory.Entry{
			Content: ec.Input,
			Metadata: memory.Metadata{
				Source:    "memory-node",
				NodeID:    node.ID,
				SessionID: ec.SessionID,
			},
		})
		if err != nil {
			return nil, &NodeError{
				Message: "memory store failed: " + err.Error(),
				Code:    CodeNodeFailed,
				NodeID:  node.ID,
				Cause:   err,
			}
		}
		ec.emitEvent("memory store", map[string]interface{}{"bytes": len(ec.Input)})
		return &HandlerResult{
			Output:    ec.Input,
			NextNodes: next,
			Metadata:  map[string]interface{}{"operation": op},
		}, nil

	case MemoryOpQuery:
		q := memory.Query{
			Text:      node.Data.Query,
			Limit:     node.Data.QueryLimit,
			SessionID: ec.SessionID,
		}
		if q.Text == "" {
			q.Text = ec.Input
		}
		if q.Limit <= 0 {
			q.Limit = defaultQueryLimit
		}
		entries, err := ec.Memory.Query(ctx, q)
		if err != nil {
			return nil, &NodeError{
				Message: "memory query failed: " + err.Error(),
				Code:    CodeNodeFailed,
				NodeID:  node.ID,
				Cause:   err,
			}
		}
		contents := make([]string, len(entries))
		for i, e := range entries {
			contents[i] = e.Content
		}
		ec.emitEvent("memory query", map[string]interface{}{"matches": len(entries)})
		return &HandlerResult{
			Output:    strings.Join(contents, "\n\n"),
			NextNodes: next,
			Metadata:  map[string]interface{}{"operation": op, "matches": len(entries)},
		}, nil

	default:
		return nil, &NodeError{
			Message: fmt.Sprintf("unsupported memory operation %q", op),
			Code:    CodeNodeFailed,
			NodeID:  node.ID,
		}
	}
}
