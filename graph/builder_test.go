package graph

import (
	"errors"
	"strings"
	"testing"
)

func minimalSpec() *WorkflowSpec {
	return &WorkflowSpec{
		Name:       "wf",
		EntryPoint: "begin",
		Nodes: map[string]NodeSpec{
			"begin":  {Kind: "start"},
			"finish": {Kind: "end"},
		},
		Edges: []EdgeSpec{
			{Kind: "simple", From: "begin", To: "finish"},
		},
	}
}

func TestBuildMinimalWorkflow(t *testing.T) {
	b := NewBuilder(DefaultRegistry(), testDeps(nil), nil)
	graph, err := b.Build(minimalSpec())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if graph.EntryPoint != "begin" {
		t.Errorf("entry point = %s", graph.EntryPoint)
	}
	if len(graph.Nodes) != 2 {
		t.Errorf("nodes = %d", len(graph.Nodes))
	}
	if next := graph.NextNode("begin", State{}); next != "finish" {
		t.Errorf("NextNode(begin) = %s", next)
	}
}

func TestBuildAggregatesValidationErrors(t *testing.T) {
	spec := &WorkflowSpec{
		Name:       "broken",
		EntryPoint: "ghost",
		Nodes: map[string]NodeSpec{
			"a":      {Kind: "start"},
			"island": {Kind: "start"},
		},
		Edges: []EdgeSpec{
			{Kind: "simple", From: "a", To: "missing"},
			{Kind: "simple", From: "nope", To: "a"},
			{Kind: "warp", From: "a", To: "a"},
		},
	}
	b := NewBuilder(DefaultRegistry(), testDeps(nil), nil)
	_, err := b.Build(spec)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	wantFragments := []string{
		"entry_point",
		"missing",
		"nope",
		"unknown kind",
	}
	for _, fragment := range wantFragments {
		if !strings.Contains(vErr.Error(), fragment) {
			t.Errorf("validation error missing %q: %v", fragment, vErr)
		}
	}
	if len(vErr.Issues) < 4 {
		t.Errorf("issues = %d, want all problems aggregated: %v", len(vErr.Issues), vErr.Issues)
	}
}

func TestBuildDetectsUnreachableNodes(t *testing.T) {
	spec := minimalSpec()
	spec.Nodes["orphan"] = NodeSpec{Kind: "start"}
	spec.Edges = append(spec.Edges, EdgeSpec{Kind: "simple", From: "orphan", To: "finish"})

	b := NewBuilder(DefaultRegistry(), testDeps(nil), nil)
	_, err := b.Build(spec)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if !strings.Contains(vErr.Error(), "orphan is unreachable") {
		t.Errorf("missing unreachable diagnostic: %v", vErr)
	}
}

func TestBuildRequiresOutgoingEdges(t *testing.T) {
	spec := &WorkflowSpec{
		Name:       "dangling",
		EntryPoint: "a",
		Nodes: map[string]NodeSpec{
			"a": {Kind: "start"},
			"b": {Kind: "start"},
		},
		Edges: []EdgeSpec{{Kind: "simple", From: "a", To: "b"}},
	}
	b := NewBuilder(DefaultRegistry(), testDeps(nil), nil)
	_, err := b.Build(spec)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if !strings.Contains(vErr.Error(), "node b has no outgoing edge") {
		t.Errorf("missing dangling diagnostic: %v", vErr)
	}
}

func TestBuildEdgeToImplicitTerminal(t *testing.T) {
	spec := &WorkflowSpec{
		Name:       "terminal",
		EntryPoint: "a",
		Nodes:      map[string]NodeSpec{"a": {Kind: "start"}},
		Edges:      []EdgeSpec{{Kind: "simple", From: "a", To: End}},
	}
	b := NewBuilder(DefaultRegistry(), testDeps(nil), nil)
	graph, err := b.Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if next := graph.NextNode("a", State{}); next != End {
		t.Errorf("NextNode(a) = %s, want terminal", next)
	}
}

func TestBuildConditionalEdges(t *testing.T) {
	spec := &WorkflowSpec{
		Name:       "branching",
		EntryPoint: "check",
		Nodes: map[string]NodeSpec{
			"check": {Kind: "start"},
			"yes":   {Kind: "end"},
			"no":    {Kind: "end"},
		},
		Edges: []EdgeSpec{
			{
				Kind: "conditional",
				From: "check",
				Cases: []CaseSpec{
					{When: Condition{Op: "eq", Path: "verdict", Value: "pass"}, To: "yes"},
				},
				Default: "no",
			},
		},
	}
	b := NewBuilder(DefaultRegistry(), testDeps(nil), nil)
	graph, err := b.Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if next := graph.NextNode("check", State{"verdict": "pass"}); next != "yes" {
		t.Errorf("pass routed to %s", next)
	}
	if next := graph.NextNode("check", State{"verdict": "fail"}); next != "no" {
		t.Errorf("fail routed to %s", next)
	}
}

func TestBuildFlexibleEdges(t *testing.T) {
	spec := &WorkflowSpec{
		Name:       "flexible",
		EntryPoint: "dispatch",
		Nodes: map[string]NodeSpec{
			"dispatch": {Kind: "start"},
			"ok":       {Kind: "end"},
			"retry":    {Kind: "end"},
			"fallback": {Kind: "end"},
		},
		Edges: []EdgeSpec{
			{
				Kind:  "flexible",
				From:  "dispatch",
				Route: "route_by_tool_result",
				PathMap: map[string]string{
					"success": "ok",
					"failure": "retry",
					"default": "fallback",
				},
			},
		},
	}
	b := NewBuilder(DefaultRegistry(), testDeps(nil), nil)
	graph, err := b.Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	success := State{KeyToolResults: []ToolResult{{ToolCallID: "1", Success: true}}}
	if next := graph.NextNode("dispatch", success); next != "ok" {
		t.Errorf("success routed to %s", next)
	}
	failure := State{KeyToolResults: []ToolResult{{ToolCallID: "1", Success: false}}}
	if next := graph.NextNode("dispatch", failure); next != "retry" {
		t.Errorf("failure routed to %s", next)
	}
	if next := graph.NextNode("dispatch", State{}); next != "fallback" {
		t.Errorf("no results routed to %s, want fallback", next)
	}
}

func TestBuildInheritance(t *testing.T) {
	parent := &WorkflowSpec{
		Name:       "base_workflow",
		EntryPoint: "begin",
		Nodes: map[string]NodeSpec{
			"begin":  {Kind: "start"},
			"finish": {Kind: "end"},
		},
		Edges: []EdgeSpec{
			{Kind: "simple", From: "begin", To: "work"},
		},
		Schema: map[string]ReducerKind{"base_field": ReduceAppend},
	}
	child := &WorkflowSpec{
		Name:         "specialized",
		InheritsFrom: "base_workflow",
		Nodes: map[string]NodeSpec{
			"work": {Kind: "llm", Config: map[string]any{"selector": "plan.echelon1"}},
		},
		Edges: []EdgeSpec{
			{Kind: "simple", From: "work", To: "finish"},
		},
	}
	source := MapSpecSource{"base_workflow": parent}
	b := NewBuilder(DefaultRegistry(), testDeps(nil), source)

	graph, err := b.Build(child)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if graph.Name != "specialized" {
		t.Errorf("name = %s", graph.Name)
	}
	if graph.EntryPoint != "begin" {
		t.Errorf("entry point = %s, want inherited", graph.EntryPoint)
	}
	if len(graph.Nodes) != 3 {
		t.Errorf("nodes = %d, want parent + child merged", len(graph.Nodes))
	}
	if graph.Schema["base_field"] != ReduceAppend {
		t.Error("parent schema declaration lost")
	}
}

func TestBuildInheritanceConfigMerge(t *testing.T) {
	parent := &WorkflowSpec{
		Name:       "base",
		EntryPoint: "ask",
		Nodes: map[string]NodeSpec{
			"ask": {Kind: "llm", Config: map[string]any{
				"selector":   "plan.echelon1",
				"max_tokens": 1000,
			}},
		},
		Edges: []EdgeSpec{{Kind: "simple", From: "ask", To: End}},
	}
	child := &WorkflowSpec{
		Name:         "tuned",
		InheritsFrom: "base",
		Nodes: map[string]NodeSpec{
			"ask": {Config: map[string]any{"max_tokens": 2000}},
		},
	}
	b := NewBuilder(DefaultRegistry(), testDeps(nil), MapSpecSource{"base": parent})
	graph, err := b.Build(child)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if graph.Kinds["ask"] != "llm" {
		t.Errorf("merged node lost its kind: %s", graph.Kinds["ask"])
	}
}

func TestBuildInheritanceCycle(t *testing.T) {
	a := &WorkflowSpec{Name: "a", InheritsFrom: "b", EntryPoint: "n",
		Nodes: map[string]NodeSpec{"n": {Kind: "start"}},
		Edges: []EdgeSpec{{From: "n", To: End}}}
	bSpec := &WorkflowSpec{Name: "b", InheritsFrom: "a"}
	source := MapSpecSource{"a": a, "b": bSpec}

	builder := NewBuilder(DefaultRegistry(), testDeps(nil), source)
	_, err := builder.Build(a)
	var cycle *InheritanceCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("err = %v, want InheritanceCycleError", err)
	}
}

func TestBuildSelfInheritance(t *testing.T) {
	a := &WorkflowSpec{Name: "a", InheritsFrom: "a"}
	builder := NewBuilder(DefaultRegistry(), testDeps(nil), MapSpecSource{"a": a})
	_, err := builder.Build(a)
	var cycle *InheritanceCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("err = %v, want InheritanceCycleError", err)
	}
}

func TestParseWorkflowYAML(t *testing.T) {
	doc := `
name: deep_thinking
version: "1.0"
entry_point: initialize
nodes:
  initialize: { kind: start, config: {} }
  think:      { kind: llm, config: { selector: plan.echelon1, system_prompt_id: system.analyst, max_tokens: 2000 } }
  finalize:   { kind: end, config: {} }
edges:
  - { kind: simple, from: initialize, to: think }
  - { kind: conditional, from: think, cases: [ { when: { op: eq, path: verdict, value: pass }, to: finalize } ], default: think }
`
	spec, err := ParseWorkflow([]byte(doc))
	if err != nil {
		t.Fatalf("ParseWorkflow: %v", err)
	}
	if spec.Name != "deep_thinking" || spec.EntryPoint != "initialize" {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Nodes["think"].Kind != "llm" {
		t.Errorf("think kind = %s", spec.Nodes["think"].Kind)
	}
	if len(spec.Edges) != 2 || len(spec.Edges[1].Cases) != 1 {
		t.Errorf("edges = %+v", spec.Edges)
	}
	if spec.Edges[1].Cases[0].When.Op != "eq" {
		t.Errorf("case condition = %+v", spec.Edges[1].Cases[0].When)
	}
}
