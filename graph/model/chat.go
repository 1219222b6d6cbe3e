// Package model provides the LLM backend abstraction: a provider-neutral
// chat interface, the error taxonomy the scheduler's fallback policy is
// built on, and adapters for Anthropic, OpenAI, and Google backends.
package model

import "context"

// ChatModel is the interface one LLM backend implements.
//
// Implementations must:
//   - Respect context cancellation and deadlines
//   - Translate provider errors into *Error with a taxonomy class
//   - Convert between the neutral Request/Response shapes and the
//     provider wire format
//
// Rate limiting, concurrency caps, and fallback live above this interface
// in the scheduler; adapters stay thin.
type ChatModel interface {
	// Chat sends one request to the backend and returns its response.
	Chat(ctx context.Context, req Request) (Response, error)
}

// Factory resolves model ids to backend clients. The scheduler holds only
// model ids and looks clients up per call, so client lifecycle stays with
// the factory owner.
type Factory interface {
	// Model returns the client for a model id, or an error if the id is
	// not configured.
	Model(id string) (ChatModel, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(id string) (ChatModel, error)

// Model implements Factory.
func (f FactoryFunc) Model(id string) (ChatModel, error) { return f(id) }

// StaticFactory is a Factory over a fixed map of clients. Useful for tests
// and for wiring mock backends.
type StaticFactory map[string]ChatModel

// Model implements Factory.
func (f StaticFactory) Model(id string) (ChatModel, error) {
	m, ok := f[id]
	if !ok {
		return nil, &Error{Class: ClassModelNotFound, Model: id, Message: "model not configured: " + id}
	}
	return m, nil
}

// Message is a single chat message in provider-neutral form.
type Message struct {
	// Role identifies the sender: "system", "user", "assistant", "tool".
	Role string

	// Content is the message text.
	Content string

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
}

// Standard role strings, aligned with the major providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolSpec describes a tool the model may call. Schema follows JSON Schema.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is a request from the model to invoke a tool.
type ToolCall struct {
	// ID is the provider-assigned call id, used to correlate results.
	ID string

	// Name identifies which tool to call.
	Name string

	// Input contains the call arguments, shaped by the tool's schema.
	Input map[string]any
}

// Request is one chat completion request.
type Request struct {
	// Messages is the conversation so far, system prompt included.
	Messages []Message

	// Tools lists the tools the model may call. Nil for none.
	Tools []ToolSpec

	// MaxTokens caps the response length. Zero uses the adapter default.
	MaxTokens int

	// Temperature adjusts sampling. Zero uses the provider default.
	Temperature float64
}

// Response is a chat completion response.
type Response struct {
	// Text is the generated assistant text. May be empty when the model
	// only calls tools.
	Text string

	// ToolCalls lists the tools the model wants invoked.
	ToolCalls []ToolCall

	// Model is the concrete model id that served the request.
	Model string

	// InputTokens and OutputTokens report usage when the provider
	// returns it, zero otherwise.
	InputTokens  int
	OutputTokens int
}
