package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kkkqkx123/open-agent/graph/model"
	"github.com/kkkqkx123/open-agent/graph/sched"
	"github.com/kkkqkx123/open-agent/graph/tool"
)

// LLMInvoker is the scheduler surface nodes depend on. *sched.Scheduler
// implements it; tests substitute mocks.
type LLMInvoker interface {
	// Invoke selects a backend for the selector and calls it with every
	// admission and fallback policy applied.
	Invoke(ctx context.Context, selector string, req model.Request) (model.Response, error)

	// TierFor resolves the tier a selector lands on first, for per-call
	// budgets.
	TierFor(selector string) (*sched.Tier, bool)
}

// PromptService resolves prompt ids referenced by LLM nodes. The service
// is an external collaborator; reference loops across prompt ids surface
// from Get as errors and become node failures.
type PromptService interface {
	// Get returns the prompt text for id with variables substituted.
	Get(ctx context.Context, id string, vars map[string]any) (string, error)
}

// PromptFunc adapts a function to PromptService.
type PromptFunc func(ctx context.Context, id string, vars map[string]any) (string, error)

// Get implements PromptService.
func (f PromptFunc) Get(ctx context.Context, id string, vars map[string]any) (string, error) {
	return f(ctx, id, vars)
}

// Deps carries the collaborators injected into node factories at build
// time.
type Deps struct {
	// LLM is the scheduler surface for llm and analysis nodes.
	LLM LLMInvoker

	// Tools is the tool runtime for tool nodes.
	Tools *tool.Runtime

	// Prompts resolves prompt ids. May be nil when no node references
	// prompt ids.
	Prompts PromptService

	// Signals resolves named external signals for wait nodes. May be
	// nil; wait nodes then rely on their duration alone.
	Signals func(name string) <-chan struct{}

	// Clock supplies timestamps; nil means time.Now. Tests inject a
	// fixed clock for deterministic started_at/ended_at values.
	Clock func() time.Time
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// NodeFactory builds a node instance from its spec config and the
// injected collaborators.
type NodeFactory func(id string, config map[string]any, deps Deps) (Node, error)

// RouteFunc computes an intermediate label from state for flexible edges;
// the edge's path map turns the label into a node id.
type RouteFunc func(state State) string

// Registry maps node kinds to factories and route names to route
// functions. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]NodeFactory
	routes map[string]RouteFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes:  make(map[string]NodeFactory),
		routes: make(map[string]RouteFunc),
	}
}

// DefaultRegistry returns a registry pre-populated with the built-in node
// kinds (start, end, llm, tool, analysis, condition, wait) and route
// functions (route_by_tool_result, route_by_output).
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterNode("start", newStartNode)
	r.RegisterNode("end", newEndNode)
	r.RegisterNode("llm", newLLMNode)
	r.RegisterNode("tool", newToolNode)
	r.RegisterNode("analysis", newAnalysisNode)
	r.RegisterNode("condition", newConditionNode)
	r.RegisterNode("wait", newWaitNode)

	r.RegisterRoute("route_by_tool_result", routeByToolResult)
	r.RegisterRoute("route_by_output", routeByOutput)
	return r
}

// RegisterNode adds a node factory under a kind name, replacing any
// previous registration.
func (r *Registry) RegisterNode(kind string, factory NodeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[kind] = factory
}

// NodeFactory returns the factory for a kind.
func (r *Registry) NodeFactory(kind string) (NodeFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.nodes[kind]
	return f, ok
}

// RegisterRoute adds a named route function for flexible edges.
func (r *Registry) RegisterRoute(name string, fn RouteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[name] = fn
}

// Route returns the named route function.
func (r *Registry) Route(name string) (RouteFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.routes[name]
	return fn, ok
}

// routeByToolResult labels state by the outcome of the most recent tool
// result: "success", "failure", or "none" when no results exist yet.
func routeByToolResult(state State) string {
	results := ToolResultsFromState(state)
	if len(results) == 0 {
		return "none"
	}
	if results[len(results)-1].Success {
		return "success"
	}
	return "failure"
}

// routeByOutput labels state by the string value of the output key,
// "none" when absent.
func routeByOutput(state State) string {
	value, ok := state.Get(KeyOutput)
	if !ok || value == nil {
		return "none"
	}
	return stringify(value)
}

// configString reads an optional string config value.
func configString(config map[string]any, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

// configInt reads an optional integer config value, tolerating YAML and
// JSON numeric types.
func configInt(config map[string]any, key string) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// configFloat reads an optional float config value.
func configFloat(config map[string]any, key string) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// configBool reads an optional boolean config value.
func configBool(config map[string]any, key string) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return false
}

// requireConfigString reads a mandatory string config value.
func requireConfigString(config map[string]any, key, nodeID string) (string, error) {
	v := configString(config, key)
	if v == "" {
		return "", fmt.Errorf("node %s: config %q is required", nodeID, key)
	}
	return v, nil
}
