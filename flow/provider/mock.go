package provider

import (
	"context"
	"strings"
	"sync"
)

// MockProvider is a scripted Provider for tests. Responses are returned in
// order; once the queue is exhausted the last response repeats, so a
// single-response mock can serve a run of any length. Every request is
// recorded in Calls for later assertions.
//
// MockProvider is safe for concurrent use.
type MockProvider struct {
	mu        sync.Mutex
	callIndex int

	// Responses are returned in order, last one repeating. Entries may be
	// plain content or carry ToolCalls and FinishReason for agent-loop and
	// router tests.
	Responses []Response

	// Reasonings, when non-empty, are delivered through req.OnReasoning
	// before the content of the call at the same index (clamped to the
	// last entry).
	Reasonings []string

	// Err, when set, is returned by every Chat call.
	Err error

	// ChatFunc, when set, replaces the canned-response behavior entirely.
	ChatFunc func(ctx context.Context, req Request) (*Response, error)

	// StreamTokens delivers content word by word through req.OnToken
	// instead of as a single call.
	StreamTokens bool

	// ModelCaps overrides Capabilities by model name.
	ModelCaps map[string]Capabilities

	// Calls records every request in arrival order.
	Calls []Request
}

// NewMockProvider returns a mock that replies with the given contents in
// order, repeating the last one.
func NewMockProvider(contents ...string) *MockProvider {
	m := &MockProvider{}
	for _, c := range contents {
		m.Responses = append(m.Responses, Response{Content: c, FinishReason: "stop"})
	}
	return m
}

// Chat implements Provider.
func (m *MockProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		err := m.Err
		m.mu.Unlock()
		return nil, err
	}
	if m.ChatFunc != nil {
		fn := m.ChatFunc
		m.mu.Unlock()
		return fn(ctx, req)
	}
	if len(m.Responses) == 0 {
		m.mu.Unlock()
		return &Response{Content: "", FinishReason: "stop"}, nil
	}
	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	resp := m.Responses[idx]
	var reasoning string
	if len(m.Reasonings) > 0 {
		r := m.callIndex
		if r >= len(m.Reasonings) {
			r = len(m.Reasonings) - 1
		}
		reasoning = m.Reasonings[r]
	}
	m.callIndex++
	stream := m.StreamTokens
	m.mu.Unlock()

	if reasoning != "" && req.OnReasoning != nil {
		req.OnReasoning(reasoning)
	}
	if resp.Content != "" && req.OnToken != nil {
		if stream {
			for _, tok := range strings.SplitAfter(resp.Content, " ") {
				if tok != "" {
					req.OnToken(tok)
				}
			}
		} else {
			req.OnToken(resp.Content)
		}
	}

	out := resp
	if out.Usage == (Usage{}) {
		out.Usage = m.estimateUsage(req, resp.Content)
	}
	if out.FinishReason == "" {
		if len(out.ToolCalls) > 0 {
			out.FinishReason = "tool_calls"
		} else {
			out.FinishReason = "stop"
		}
	}
	return &out, nil
}

// estimateUsage derives deterministic token counts from payload size so
// usage-accounting tests see non-zero numbers.
func (m *MockProvider) estimateUsage(req Request, content string) Usage {
	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(msg.Text())/4 + 4
	}
	completion := len(content) / 4
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// Capabilities implements Provider. Models not present in ModelCaps report
// the conservative text-only default.
func (m *MockProvider) Capabilities(model string) Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caps, ok := m.ModelCaps[model]; ok {
		return caps
	}
	return DefaultCapabilities()
}

// CallCount returns the number of Chat calls made so far.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastRequest returns the most recent request, or false when no call has
// been made.
func (m *MockProvider) LastRequest() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return Request{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}

// Reset clears recorded calls and rewinds the response queue. Scripted
// responses are kept.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}
