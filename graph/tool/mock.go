package tool

import (
	"context"
	"sync"
)

// MockTool is a scripted Tool for tests.
//
// Each call returns the next response in order; when responses run out
// the last one repeats. Err, when set, is returned instead. Thread-safe.
//
//	mock := &MockTool{
//	    ToolName:  "search_web",
//	    Responses: []map[string]any{{"results": []any{"a", "b"}}},
//	}
type MockTool struct {
	// ToolName is the identifier returned by Name().
	ToolName string

	// Schema, when set, is advertised in Describe() so runtime
	// validation can be exercised in tests.
	Schema map[string]any

	// Responses is the sequence of outputs to return.
	Responses []map[string]any

	// Err, if set, is returned by Call() instead of a response.
	Err error

	// Calls records every input received.
	Calls []map[string]any

	mu        sync.Mutex
	callIndex int
}

// Name implements Tool.
func (m *MockTool) Name() string { return m.ToolName }

// Describe implements Tool.
func (m *MockTool) Describe() Spec {
	return Spec{
		Name:        m.ToolName,
		Description: "mock tool " + m.ToolName,
		Schema:      m.Schema,
	}
}

// Call implements Tool. The call is recorded whether it returns a response
// or Err; a call whose ctx is already done returns ctx.Err() unrecorded.
func (m *MockTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, input)

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]any{}, nil
	}
	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// CallCount returns how many times Call has been invoked.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears the call history and rewinds the response script.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}
