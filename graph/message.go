package graph

// Role identifies the sender of a chat message.
//
// The standard roles align with the conventions used by the major LLM
// providers. RoleTool marks a message that carries a tool result back to
// the model.
type Role string

// Standard chat roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in a workflow conversation.
//
// Messages accumulate in the "messages" state key under the append reducer,
// so their order in state is the order in which nodes produced them.
type Message struct {
	// Role identifies the message sender.
	Role Role `json:"role" yaml:"role"`

	// Content is the message text. May be empty for messages that only
	// carry tool calls.
	Content string `json:"content" yaml:"content"`

	// ToolCallID links a RoleTool message back to the tool call that
	// produced it. Empty for non-tool messages.
	ToolCallID string `json:"tool_call_id,omitempty" yaml:"tool_call_id,omitempty"`

	// Metadata carries optional structured data attached to the message
	// (model id, latency, token counts).
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ToolCall is a request, usually emitted by an LLM node, to invoke a named
// tool with structured arguments.
type ToolCall struct {
	// ID uniquely identifies this call so results can be correlated.
	ID string `json:"id" yaml:"id"`

	// Name is the registered tool name.
	Name string `json:"tool_name" yaml:"tool_name"`

	// Arguments holds the call parameters, shaped by the tool's schema.
	Arguments map[string]any `json:"arguments" yaml:"arguments"`
}

// ToolResult is the outcome of dispatching one ToolCall.
type ToolResult struct {
	// ToolCallID references the originating ToolCall.ID.
	ToolCallID string `json:"tool_call_id" yaml:"tool_call_id"`

	// Success reports whether the tool ran without error.
	Success bool `json:"success" yaml:"success"`

	// Output holds the structured tool output when Success is true.
	Output map[string]any `json:"output,omitempty" yaml:"output,omitempty"`

	// Error holds the failure description when Success is false.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	// LatencyMS is the wall-clock duration of the invocation in milliseconds.
	LatencyMS int64 `json:"latency_ms" yaml:"latency_ms"`
}

// MessagesFromState extracts the ordered message list from a state value.
//
// The messages key may hold []Message directly (live execution) or []any of
// map[string]any (after a snapshot/JSON round trip). Both shapes decode to
// the same list.
func MessagesFromState(s State) []Message {
	raw, ok := s[KeyMessages]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case []Message:
		out := make([]Message, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]Message, 0, len(v))
		for _, item := range v {
			switch m := item.(type) {
			case Message:
				out = append(out, m)
			case map[string]any:
				out = append(out, messageFromMap(m))
			}
		}
		return out
	default:
		return nil
	}
}

// ToolCallsFromState extracts the ordered tool-call list from state,
// tolerating both typed and JSON-decoded shapes.
func ToolCallsFromState(s State) []ToolCall {
	raw, ok := s[KeyToolCalls]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case []ToolCall:
		out := make([]ToolCall, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]ToolCall, 0, len(v))
		for _, item := range v {
			switch c := item.(type) {
			case ToolCall:
				out = append(out, c)
			case map[string]any:
				out = append(out, toolCallFromMap(c))
			}
		}
		return out
	default:
		return nil
	}
}

// ToolResultsFromState extracts the ordered tool-result list from state.
func ToolResultsFromState(s State) []ToolResult {
	raw, ok := s[KeyToolResults]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case []ToolResult:
		out := make([]ToolResult, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]ToolResult, 0, len(v))
		for _, item := range v {
			switch r := item.(type) {
			case ToolResult:
				out = append(out, r)
			case map[string]any:
				out = append(out, toolResultFromMap(r))
			}
		}
		return out
	default:
		return nil
	}
}

func messageFromMap(m map[string]any) Message {
	msg := Message{
		Role:       Role(stringAt(m, "role")),
		Content:    stringAt(m, "content"),
		ToolCallID: stringAt(m, "tool_call_id"),
	}
	if meta, ok := m["metadata"].(map[string]any); ok {
		msg.Metadata = meta
	}
	return msg
}

func toolCallFromMap(m map[string]any) ToolCall {
	call := ToolCall{
		ID:   stringAt(m, "id"),
		Name: stringAt(m, "tool_name"),
	}
	if args, ok := m["arguments"].(map[string]any); ok {
		call.Arguments = args
	}
	return call
}

func toolResultFromMap(m map[string]any) ToolResult {
	res := ToolResult{
		ToolCallID: stringAt(m, "tool_call_id"),
		Error:      stringAt(m, "error"),
	}
	if ok, isBool := m["success"].(bool); isBool {
		res.Success = ok
	}
	if out, ok := m["output"].(map[string]any); ok {
		res.Output = out
	}
	switch lat := m["latency_ms"].(type) {
	case int64:
		res.LatencyMS = lat
	case float64:
		res.LatencyMS = int64(lat)
	case int:
		res.LatencyMS = int64(lat)
	}
	return res
}

func stringAt(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
