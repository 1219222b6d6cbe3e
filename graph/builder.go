package graph

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError aggregates every problem found in a workflow spec.
// Validation errors block build and never surface at runtime.
type ValidationError struct {
	// Workflow names the offending spec.
	Workflow string

	// Issues lists each problem found.
	Issues []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow %s: %d validation error(s): %s",
		e.Workflow, len(e.Issues), strings.Join(e.Issues, "; "))
}

// InheritanceCycleError reports a cycle in the inherits_from chain.
type InheritanceCycleError struct {
	// Chain is the inheritance path that closed the cycle.
	Chain []string
}

// Error implements the error interface.
func (e *InheritanceCycleError) Error() string {
	return "workflow inheritance cycle: " + strings.Join(e.Chain, " -> ")
}

// CompiledGraph is an executable workflow: instantiated nodes, compiled
// edges, and the reducer schema, ready for the engine.
type CompiledGraph struct {
	// Name is the resolved workflow name.
	Name string

	// EntryPoint is the id of the first node to execute.
	EntryPoint string

	// Schema is the reducer schema: the standard keys extended by the
	// spec's declarations.
	Schema Schema

	// Nodes maps node ids to instances.
	Nodes map[string]Node

	// Edges holds the compiled transitions in declaration order.
	Edges []Edge

	// Kinds maps node ids to their registry kind, for policies keyed on
	// node kind (checkpoint on LLM nodes).
	Kinds map[string]string

	// Retries maps node ids to their max_retries config, overriding the
	// engine's default retry budget for transient failures.
	Retries map[string]int

	// MaxIterations bounds the engine loop for this workflow. Zero uses
	// the engine default.
	MaxIterations int
}

// NextNode evaluates the outgoing edges of a node against state,
// first-match-wins. OnError edges never match here. Returns "" when no
// edge matches.
func (g *CompiledGraph) NextNode(from string, state State) string {
	for _, edge := range g.Edges {
		if edge.From != from || edge.OnError {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To
		}
	}
	return ""
}

// ErrorNode returns the on_error edge target for a node, if declared.
func (g *CompiledGraph) ErrorNode(from string) (string, bool) {
	for _, edge := range g.Edges {
		if edge.From == from && edge.OnError {
			return edge.To, true
		}
	}
	return "", false
}

// IsLLMNode reports whether the node is an llm or analysis node.
func (g *CompiledGraph) IsLLMNode(id string) bool {
	kind := g.Kinds[id]
	return kind == "llm" || kind == "analysis"
}

// Builder compiles workflow specs into executable graphs. Collaborator
// handles (scheduler, tool runtime, prompt service) are injected once at
// construction and passed to every node factory.
type Builder struct {
	registry *Registry
	deps     Deps
	source   SpecSource
}

// NewBuilder creates a Builder. source may be nil when specs never use
// inherits_from.
func NewBuilder(registry *Registry, deps Deps, source SpecSource) *Builder {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Builder{registry: registry, deps: deps, source: source}
}

// Build resolves inheritance, validates the spec aggregating all errors,
// instantiates nodes through the registry, and compiles the edge list.
func (b *Builder) Build(spec *WorkflowSpec) (*CompiledGraph, error) {
	resolved, err := b.resolveInheritance(spec, nil)
	if err != nil {
		return nil, err
	}

	if issues := b.validate(resolved); len(issues) > 0 {
		return nil, &ValidationError{Workflow: resolved.Name, Issues: issues}
	}

	graph := &CompiledGraph{
		Name:          resolved.Name,
		EntryPoint:    resolved.EntryPoint,
		Schema:        buildSchema(resolved),
		Nodes:         make(map[string]Node, len(resolved.Nodes)),
		Kinds:         make(map[string]string, len(resolved.Nodes)),
		Retries:       make(map[string]int),
		MaxIterations: resolved.MaxIterations,
	}

	for id, nodeSpec := range resolved.Nodes {
		factory, _ := b.registry.NodeFactory(nodeSpec.Kind)
		node, err := factory(id, nodeSpec.Config, b.deps)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: instantiate node %s: %w", resolved.Name, id, err)
		}
		graph.Nodes[id] = node
		graph.Kinds[id] = nodeSpec.Kind
		if retries := configInt(nodeSpec.Config, "max_retries"); retries > 0 {
			graph.Retries[id] = retries
		}
	}

	edges, err := b.compileEdges(resolved)
	if err != nil {
		return nil, err
	}
	graph.Edges = edges
	return graph, nil
}

// resolveInheritance loads and merges the inherits_from chain,
// parent-first. The chain argument carries visited names for cycle
// detection.
func (b *Builder) resolveInheritance(spec *WorkflowSpec, chain []string) (*WorkflowSpec, error) {
	for _, seen := range chain {
		if seen == spec.Name {
			return nil, &InheritanceCycleError{Chain: append(chain, spec.Name)}
		}
	}
	if spec.InheritsFrom == "" {
		return spec, nil
	}
	if b.source == nil {
		return nil, fmt.Errorf("workflow %s inherits from %s but no spec source is configured",
			spec.Name, spec.InheritsFrom)
	}
	if spec.InheritsFrom == spec.Name {
		return nil, &InheritanceCycleError{Chain: append(chain, spec.Name, spec.Name)}
	}

	parent, err := b.source.Spec(spec.InheritsFrom)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: load parent %s: %w", spec.Name, spec.InheritsFrom, err)
	}
	resolvedParent, err := b.resolveInheritance(parent, append(chain, spec.Name))
	if err != nil {
		return nil, err
	}
	return mergeSpecs(resolvedParent, spec), nil
}

// validate aggregates all structural problems in a resolved spec.
func (b *Builder) validate(spec *WorkflowSpec) []string {
	var issues []string
	addf := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if spec.Name == "" {
		addf("name is required")
	}
	if len(spec.Nodes) == 0 {
		addf("at least one node is required")
	}
	if spec.EntryPoint == "" {
		addf("entry_point is required")
	} else if _, ok := spec.Nodes[spec.EntryPoint]; !ok {
		addf("entry_point %q is not a declared node", spec.EntryPoint)
	}

	defined := func(id string) bool {
		if id == End {
			return true
		}
		_, ok := spec.Nodes[id]
		return ok
	}

	for id, nodeSpec := range spec.Nodes {
		if nodeSpec.Kind == "" {
			addf("node %s: kind is required", id)
			continue
		}
		if _, ok := b.registry.NodeFactory(nodeSpec.Kind); !ok {
			addf("node %s: unknown kind %q", id, nodeSpec.Kind)
		}
	}

	// adjacency collects reachability edges as they are checked.
	adjacency := make(map[string][]string)
	link := func(from, to string) {
		adjacency[from] = append(adjacency[from], to)
	}

	for i, edge := range spec.Edges {
		if edge.From == "" || !defined(edge.From) || edge.From == End {
			addf("edge %d: from %q is not a declared node", i, edge.From)
			continue
		}
		switch edge.Kind {
		case "", "simple":
			if !defined(edge.To) {
				addf("edge %d: to %q is not a declared node", i, edge.To)
				continue
			}
			link(edge.From, edge.To)
		case "conditional":
			for j, c := range edge.Cases {
				if err := c.When.Validate(); err != nil {
					addf("edge %d case %d: %v", i, j, err)
				}
				if !defined(c.To) {
					addf("edge %d case %d: to %q is not a declared node", i, j, c.To)
					continue
				}
				link(edge.From, c.To)
			}
			if edge.Default != "" {
				if !defined(edge.Default) {
					addf("edge %d: default %q is not a declared node", i, edge.Default)
				} else {
					link(edge.From, edge.Default)
				}
			}
		case "flexible":
			if edge.Route == "" {
				addf("edge %d: route is required for flexible edges", i)
			} else if _, ok := b.registry.Route(edge.Route); !ok {
				addf("edge %d: unknown route function %q", i, edge.Route)
			}
			if len(edge.PathMap) == 0 {
				addf("edge %d: path_map is required for flexible edges", i)
			}
			for label, to := range edge.PathMap {
				if !defined(to) {
					addf("edge %d: path_map[%s] %q is not a declared node", i, label, to)
					continue
				}
				link(edge.From, to)
			}
		default:
			addf("edge %d: unknown kind %q", i, edge.Kind)
		}
	}

	// Condition nodes route through their own config; fold their targets
	// into adjacency and outgoing-edge accounting.
	conditionTargets(spec, func(from, to string) {
		if !defined(to) {
			addf("node %s: routes to undeclared node %q", from, to)
			return
		}
		link(from, to)
	})

	if spec.EntryPoint != "" {
		if _, ok := spec.Nodes[spec.EntryPoint]; ok {
			for _, id := range unreachableNodes(spec, adjacency) {
				addf("node %s is unreachable from entry_point", id)
			}
		}
	}

	for id, nodeSpec := range spec.Nodes {
		if nodeSpec.Kind == "end" {
			continue
		}
		if len(adjacency[id]) == 0 {
			addf("node %s has no outgoing edge", id)
		}
	}

	return issues
}

// conditionTargets visits the case and default targets of every
// condition node.
func conditionTargets(spec *WorkflowSpec, visit func(from, to string)) {
	for id, nodeSpec := range spec.Nodes {
		if nodeSpec.Kind != "condition" {
			continue
		}
		var cases []CaseSpec
		if raw, ok := nodeSpec.Config["cases"]; ok {
			_ = decodeConfig(raw, &cases)
		}
		for _, c := range cases {
			if c.To != "" {
				visit(id, c.To)
			}
		}
		if fallback, ok := nodeSpec.Config["default"].(string); ok && fallback != "" {
			visit(id, fallback)
		}
	}
}

// unreachableNodes runs BFS from the entry point over the collected
// adjacency and returns declared nodes never visited, sorted for stable
// error output.
func unreachableNodes(spec *WorkflowSpec, adjacency map[string][]string) []string {
	visited := map[string]bool{spec.EntryPoint: true}
	queue := []string{spec.EntryPoint}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[current] {
			if next == End || visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}

	var unreachable []string
	for id := range spec.Nodes {
		if !visited[id] {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	return unreachable
}

// compileEdges lowers edge specs into ordered predicated edges. Flexible
// edges expand into one predicated edge per path-map label; conditional
// edges into one edge per case plus the default.
func (b *Builder) compileEdges(spec *WorkflowSpec) ([]Edge, error) {
	var edges []Edge
	for _, es := range spec.Edges {
		switch es.Kind {
		case "", "simple":
			edges = append(edges, Edge{From: es.From, To: es.To, OnError: es.OnError})
		case "conditional":
			for _, c := range es.Cases {
				edges = append(edges, Edge{From: es.From, To: c.To, When: c.When.Predicate()})
			}
			if es.Default != "" {
				edges = append(edges, Edge{From: es.From, To: es.Default})
			}
		case "flexible":
			routeFn, ok := b.registry.Route(es.Route)
			if !ok {
				return nil, fmt.Errorf("workflow %s: unknown route function %q", spec.Name, es.Route)
			}
			labels := make([]string, 0, len(es.PathMap))
			for label := range es.PathMap {
				if label != "default" {
					labels = append(labels, label)
				}
			}
			sort.Strings(labels)
			for _, label := range labels {
				to := es.PathMap[label]
				matched := label
				edges = append(edges, Edge{
					From: es.From,
					To:   to,
					When: func(state State) bool { return routeFn(state) == matched },
				})
			}
			if fallback, ok := es.PathMap["default"]; ok {
				edges = append(edges, Edge{From: es.From, To: fallback})
			}
		}
	}
	return edges, nil
}

// buildSchema extends the default schema with the spec's declarations.
func buildSchema(spec *WorkflowSpec) Schema {
	schema := DefaultSchema()
	for key, kind := range spec.Schema {
		schema[key] = kind
	}
	return schema
}
