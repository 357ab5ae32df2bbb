package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HITLAction is a reviewer's decision on a gate request.
type HITLAction string

const (
	HITLApprove HITLAction = "approve"
	HITLReject  HITLAction = "reject"
)

// HITLRequest asks a human reviewer for a decision before execution
// continues. Handlers construct one and hand it to the configured
// OnHITLRequest callback; the gate resolves with the callback's response or
// times out at ExpiresAt.
type HITLRequest struct {
	ID        string
	NodeID    string
	NodeLabel string

	// Mode names what is being gated, e.g. "tool_iterations".
	Mode string

	// Prompt is the question shown to the reviewer.
	Prompt string

	// Context carries supporting detail, such as the last model output.
	Context string

	// Options enumerates the valid actions, typically approve and reject.
	Options []string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// HITLResponse is the reviewer's resolution of a request.
type HITLResponse struct {
	Action HITLAction
	Reason string
}

// HITLCallback receives gate requests. It may block until a human decides;
// the gate enforces the request deadline around it.
type HITLCallback func(ctx context.Context, req *HITLRequest) (*HITLResponse, error)

// hitlPollInterval is how often the gate compares the wall clock against
// the request deadline. Expiry is judged by timestamp, not by a fixed-delay
// timer, so a host suspend does not silently extend the window. Tests
// shorten this.
var hitlPollInterval = time.Second

// newHITLRequest builds a gate request for a node with the configured
// timeout window.
func newHITLRequest(node *Node, mode, prompt, detail string, timeout time.Duration) *HITLRequest {
	now := time.Now()
	return &HITLRequest{
		ID:        uuid.NewString(),
		NodeID:    node.ID,
		NodeLabel: node.Label(),
		Mode:      mode,
		Prompt:    prompt,
		Context:   detail,
		Options:   []string{string(HITLApprove), string(HITLReject)},
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}
}

// awaitHITL delivers the request to the callback and waits for a response,
// the deadline, or cancellation. A missing callback and an expired deadline
// both resolve to a reject, with reasons "no reviewer configured" and
// "timeout" respectively, so callers always get a definite decision.
func awaitHITL(ctx context.Context, cb HITLCallback, req *HITLRequest) (*HITLResponse, error) {
	if cb == nil {
		return &HITLResponse{Action: HITLReject, Reason: "no reviewer configured"}, nil
	}

	type outcome struct {
		resp *HITLResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := cb(ctx, req)
		done <- outcome{resp, err}
	}()

	ticker := time.NewTicker(hitlPollInterval)
	defer ticker.Stop()

	for {
		select {
		case out := <-done:
			if out.err != nil {
				return nil, fmt.Errorf("review callback failed: %w", out.err)
			}
			if out.resp == nil {
				return &HITLResponse{Action: HITLReject, Reason: "empty response"}, nil
			}
			return out.resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if time.Now().After(req.ExpiresAt) {
				return &HITLResponse{Action: HITLReject, Reason: "timeout"}, nil
			}
		}
	}
}
