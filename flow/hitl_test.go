package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// shortenHITLPoll makes deadline polling fast enough for tests and restores
// it afterward.
func shortenHITLPoll(t *testing.T) {
	t.Helper()
	old := hitlPollInterval
	hitlPollInterval = 5 * time.Millisecond
	t.Cleanup(func() { hitlPollInterval = old })
}

func TestNewHITLRequest(t *testing.T) {
	node := &Node{ID: "a", Kind: KindAgent, Data: NodeData{Label: "Agent A"}}
	req := newHITLRequest(node, "tool_iterations", "Keep going?", "last output", time.Minute)

	if req.ID == "" {
		t.Error("request has no id")
	}
	if req.NodeID != "a" || req.NodeLabel != "Agent A" {
		t.Errorf("request node = %q/%q, want the node and its label", req.NodeID, req.NodeLabel)
	}
	if req.Mode != "tool_iterations" || req.Prompt != "Keep going?" || req.Context != "last output" {
		t.Errorf("request = %+v, want the gate details", req)
	}
	if len(req.Options) != 2 || req.Options[0] != string(HITLApprove) || req.Options[1] != string(HITLReject) {
		t.Errorf("Options = %v, want approve and reject", req.Options)
	}
	if got := req.ExpiresAt.Sub(req.CreatedAt); got != time.Minute {
		t.Errorf("deadline window = %s, want the timeout", got)
	}
}

func TestAwaitHITL(t *testing.T) {
	node := &Node{ID: "a", Kind: KindAgent}

	t.Run("no reviewer rejects immediately", func(t *testing.T) {
		req := newHITLRequest(node, "tool_iterations", "?", "", time.Minute)
		resp, err := awaitHITL(context.Background(), nil, req)
		if err != nil {
			t.Fatalf("awaitHITL() failed: %v", err)
		}
		if resp.Action != HITLReject || resp.Reason != "no reviewer configured" {
			t.Errorf("response = %+v, want the default reject", resp)
		}
	})

	t.Run("reviewer decision passes through", func(t *testing.T) {
		req := newHITLRequest(node, "tool_iterations", "?", "", time.Minute)
		cb := func(ctx context.Context, r *HITLRequest) (*HITLResponse, error) {
			return &HITLResponse{Action: HITLApprove}, nil
		}
		resp, err := awaitHITL(context.Background(), cb, req)
		if err != nil {
			t.Fatalf("awaitHITL() failed: %v", err)
		}
		if resp.Action != HITLApprove {
			t.Errorf("Action = %q, want approve", resp.Action)
		}
	})

	t.Run("callback failure surfaces", func(t *testing.T) {
		req := newHITLRequest(node, "tool_iterations", "?", "", time.Minute)
		cb := func(ctx context.Context, r *HITLRequest) (*HITLResponse, error) {
			return nil, errors.New("pager unreachable")
		}
		_, err := awaitHITL(context.Background(), cb, req)
		if err == nil || !strings.Contains(err.Error(), "pager unreachable") {
			t.Fatalf("awaitHITL() error = %v, want the callback failure", err)
		}
	})

	t.Run("nil response rejects", func(t *testing.T) {
		req := newHITLRequest(node, "tool_iterations", "?", "", time.Minute)
		cb := func(ctx context.Context, r *HITLRequest) (*HITLResponse, error) {
			return nil, nil
		}
		resp, err := awaitHITL(context.Background(), cb, req)
		if err != nil {
			t.Fatalf("awaitHITL() failed: %v", err)
		}
		if resp.Action != HITLReject || resp.Reason != "empty response" {
			t.Errorf("response = %+v, want the empty-response reject", resp)
		}
	})

	t.Run("deadline expiry rejects with timeout", func(t *testing.T) {
		shortenHITLPoll(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		req := newHITLRequest(node, "tool_iterations", "?", "", 10*time.Millisecond)
		cb := func(ctx context.Context, r *HITLRequest) (*HITLResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		resp, err := awaitHITL(ctx, cb, req)
		if err != nil {
			t.Fatalf("awaitHITL() failed: %v", err)
		}
		if resp.Action != HITLReject || resp.Reason != "timeout" {
			t.Errorf("response = %+v, want the timeout reject", resp)
		}
	})

	t.Run("cancellation stops the wait", func(t *testing.T) {
		shortenHITLPoll(t)
		ctx, cancel := context.WithCancel(context.Background())

		req := newHITLRequest(node, "tool_iterations", "?", "", time.Minute)
		cb := func(ctx context.Context, r *HITLRequest) (*HITLResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		_, err := awaitHITL(ctx, cb, req)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("awaitHITL() error = %v, want context.Canceled", err)
		}
	})
}
