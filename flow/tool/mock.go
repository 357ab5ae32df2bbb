package tool

import (
	"context"
	"sync"
)

// MockTool is a test implementation of Tool.
//
// Use MockTool in tests to verify workflow behavior without executing
// actual tool logic. It provides:
//   - Configurable name, description, and parameter schema
//   - Configurable response sequences
//   - Call history tracking
//   - Error injection
//   - Thread-safe operation
//
// Example usage:
//
//	mock := &MockTool{
//	    ToolName: "search_web",
//	    Responses: []map[string]interface{}{
//	        {"result": "result1"},
//	    },
//	}
//	output, err := mock.Call(ctx, map[string]interface{}{"query": "test"})
//	// Returns {"result": "result1"}
type MockTool struct {
	// ToolName is the identifier returned by Name().
	ToolName string

	// ToolDescription is returned by Description(); may be empty.
	ToolDescription string

	// ToolSchema is returned by Schema(); nil means no parameter validation.
	ToolSchema map[string]interface{}

	// Responses contains the sequence of outputs to return.
	// Each call returns the next response in order; when all responses are
	// consumed, the last one repeats.
	Responses []map[string]interface{}

	// Err, if set, is returned by Call() instead of a response.
	Err error

	// CallFunc, if set, handles the call instead of the response queue.
	CallFunc func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

	// Calls tracks the history of all Call() invocations.
	Calls []MockToolCall

	mu        sync.Mutex // Protects Calls and the response index
	callIndex int
}

// MockToolCall records a single invocation of Call().
type MockToolCall struct {
	Input map[string]interface{}
}

// Name implements the Tool interface.
func (m *MockTool) Name() string {
	return m.ToolName
}

// Description implements the Describer interface.
func (m *MockTool) Description() string {
	return m.ToolDescription
}

// Schema implements the SchemaProvider interface.
func (m *MockTool) Schema() map[string]interface{} {
	return m.ToolSchema
}

// Call implements the Tool interface.
//
// Always records the call in Calls history regardless of success/failure.
func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	// Check context cancellation first (before acquiring lock)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockToolCall{Input: input})

	if m.Err != nil {
		return nil, m.Err
	}

	if m.CallFunc != nil {
		return m.CallFunc(ctx, input)
	}

	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1 // Repeat last response
	} else {
		m.callIndex++
	}

	return m.Responses[idx], nil
}

// Reset clears the call history and resets the response index.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of times Call() has been invoked.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}

// LastInput returns the input of the most recent call, or nil when the tool
// has not been called.
func (m *MockTool) LastInput() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Calls) == 0 {
		return nil
	}
	return m.Calls[len(m.Calls)-1].Input
}
