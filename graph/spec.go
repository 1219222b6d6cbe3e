package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkflowSpec is the declarative, human-maintained description of a
// workflow: nodes keyed by id, edges, an entry point, and optional
// inheritance from a sibling spec.
type WorkflowSpec struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`

	// InheritsFrom names a sibling spec to deep-merge under this one.
	// The child overrides the parent; edge lists append unless
	// ReplaceEdges is set.
	InheritsFrom string `yaml:"inherits_from"`

	EntryPoint string `yaml:"entry_point"`

	Nodes map[string]NodeSpec `yaml:"nodes"`
	Edges []EdgeSpec          `yaml:"edges"`

	// ReplaceEdges makes this spec's edge list replace the parent's
	// instead of appending to it.
	ReplaceEdges bool `yaml:"replace_edges"`

	// Schema declares reducers for user fields beyond the standard
	// keys. Undeclared fields default to overwrite.
	Schema map[string]ReducerKind `yaml:"schema"`

	// MaxIterations bounds the engine loop for this workflow. Zero uses
	// the engine default.
	MaxIterations int `yaml:"max_iterations"`
}

// NodeSpec declares one node: a registry kind plus kind-specific config.
type NodeSpec struct {
	Kind   string         `yaml:"kind"`
	Config map[string]any `yaml:"config"`
}

// EdgeSpec declares one edge. Kind selects the shape:
//
//	simple       from -> to
//	conditional  from -> first matching case, else default
//	flexible     from -> path_map[route_fn(state)]
//
// An edge with OnError set is followed only when the source node fails
// permanently.
type EdgeSpec struct {
	Kind    string     `yaml:"kind"`
	From    string     `yaml:"from"`
	To      string     `yaml:"to"`
	Cases   []CaseSpec `yaml:"cases"`
	Default string     `yaml:"default"`
	Route   string     `yaml:"route"`
	PathMap map[string]string `yaml:"path_map"`
	OnError bool       `yaml:"on_error"`
}

// CaseSpec is one branch of a conditional edge.
type CaseSpec struct {
	When Condition `yaml:"when"`
	To   string    `yaml:"to"`
}

// ParseWorkflow parses a workflow spec document.
func ParseWorkflow(raw []byte) (*WorkflowSpec, error) {
	var spec WorkflowSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	return &spec, nil
}

// LoadWorkflow reads and parses a workflow spec file.
func LoadWorkflow(path string) (*WorkflowSpec, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied spec path
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return ParseWorkflow(raw)
}

// SpecSource resolves sibling spec names during inheritance resolution.
type SpecSource interface {
	// Spec returns the named workflow spec.
	Spec(name string) (*WorkflowSpec, error)
}

// MapSpecSource serves specs from an in-memory map, keyed by spec name.
type MapSpecSource map[string]*WorkflowSpec

// Spec implements SpecSource.
func (m MapSpecSource) Spec(name string) (*WorkflowSpec, error) {
	spec, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("workflow spec not found: %s", name)
	}
	return spec, nil
}

// DirSpecSource loads sibling specs from <dir>/<name>.yaml.
type DirSpecSource struct {
	Dir string
}

// Spec implements SpecSource.
func (d DirSpecSource) Spec(name string) (*WorkflowSpec, error) {
	if strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("workflow spec name %q must not contain path separators", name)
	}
	return LoadWorkflow(filepath.Join(d.Dir, name+".yaml"))
}

// mergeSpecs deep-merges a child spec over its resolved parent: scalar
// fields take the child's value when set, node configs deep-merge, and
// edges append unless the child replaces them.
func mergeSpecs(parent, child *WorkflowSpec) *WorkflowSpec {
	out := &WorkflowSpec{
		Name:          child.Name,
		Version:       firstNonEmpty(child.Version, parent.Version),
		Description:   firstNonEmpty(child.Description, parent.Description),
		EntryPoint:    firstNonEmpty(child.EntryPoint, parent.EntryPoint),
		MaxIterations: child.MaxIterations,
	}
	if out.MaxIterations == 0 {
		out.MaxIterations = parent.MaxIterations
	}

	out.Nodes = make(map[string]NodeSpec, len(parent.Nodes)+len(child.Nodes))
	for id, node := range parent.Nodes {
		out.Nodes[id] = node
	}
	for id, node := range child.Nodes {
		if base, exists := out.Nodes[id]; exists && (node.Kind == "" || node.Kind == base.Kind) {
			merged := NodeSpec{Kind: base.Kind, Config: mergeConfig(base.Config, node.Config)}
			out.Nodes[id] = merged
			continue
		}
		out.Nodes[id] = node
	}

	if child.ReplaceEdges {
		out.Edges = append(out.Edges, child.Edges...)
	} else {
		out.Edges = append(out.Edges, parent.Edges...)
		out.Edges = append(out.Edges, child.Edges...)
	}

	out.Schema = make(map[string]ReducerKind, len(parent.Schema)+len(child.Schema))
	for k, v := range parent.Schema {
		out.Schema[k] = v
	}
	for k, v := range child.Schema {
		out.Schema[k] = v
	}
	return out
}

// mergeConfig deep-merges child config over base config; scalar
// collisions take the child's value.
func mergeConfig(base, child map[string]any) map[string]any {
	if base == nil {
		return child
	}
	merged := mergeValues(base, child)
	if m, ok := merged.(map[string]any); ok {
		return m
	}
	return child
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
