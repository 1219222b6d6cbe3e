// Package graph provides the core workflow execution engine for open-agent:
// reducer-merged state, declarative workflow specs compiled into executable
// graphs, and a sequential engine with checkpointing and cancellation.
package graph

import "reflect"

// ReducerKind selects how a patch value combines with the previous value
// stored under the same state key.
//
// Reducers are the core of deterministic state management. They must be:
//   - Deterministic: same (prev, patch) always produces the same result
//   - Associative: applying patches in sequence in any valid grouping
//     yields identical state
type ReducerKind string

const (
	// ReduceOverwrite keeps the patch value when present, otherwise the
	// previous value. Idempotent on equal values.
	ReduceOverwrite ReducerKind = "overwrite"

	// ReduceAppend concatenates list values, preserving element order.
	// Duplicates are kept.
	ReduceAppend ReducerKind = "append"

	// ReduceMerge deep-merges map values. Scalar collisions resolve to the
	// patch value; list collisions concatenate with append semantics.
	ReduceMerge ReducerKind = "merge"
)

// Standard state keys recognized by the built-in nodes and the engine.
const (
	KeyMessages       = "messages"
	KeyToolCalls      = "tool_calls"
	KeyToolResults    = "tool_results"
	KeyIterationCount = "iteration_count"
	KeyErrors         = "errors"
	KeyMetadata       = "metadata"
	KeyOutput         = "output"
	KeyStartedAt      = "started_at"
	KeyEndedAt        = "ended_at"
	KeyComplete       = "complete"
)

// Schema maps state keys to their reducers. Keys absent from the schema use
// ReduceOverwrite.
type Schema map[string]ReducerKind

// DefaultSchema returns the reducer schema for the standard state keys.
//
// User workflows extend it with their own fields:
//
//	schema := graph.DefaultSchema()
//	schema["findings"] = graph.ReduceAppend
func DefaultSchema() Schema {
	return Schema{
		KeyMessages:       ReduceAppend,
		KeyToolCalls:      ReduceAppend,
		KeyToolResults:    ReduceAppend,
		KeyIterationCount: ReduceOverwrite,
		KeyErrors:         ReduceAppend,
		KeyMetadata:       ReduceMerge,
		KeyOutput:         ReduceOverwrite,
	}
}

// Reducer returns the reducer kind for key, defaulting to ReduceOverwrite
// for undeclared keys.
func (s Schema) Reducer(key string) ReducerKind {
	if s == nil {
		return ReduceOverwrite
	}
	if kind, ok := s[key]; ok {
		return kind
	}
	return ReduceOverwrite
}

// Clone returns a copy of the schema.
func (s Schema) Clone() Schema {
	if s == nil {
		return nil
	}
	out := make(Schema, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// State is the workflow state: a mapping from string keys to values.
//
// State is immutable at rest. Nodes never mutate the state they observe;
// they produce a patch which the engine applies through ApplyPatch. Values
// should be JSON-serializable so snapshots and history diffs round-trip.
type State map[string]any

// Clone returns a deep copy of the state. Maps and slices are copied
// recursively; scalars are shared (they are immutable in Go).
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = deepCopyValue(v)
	}
	return out
}

// Get resolves a dotted path ("metadata.source" or "verdict") against the
// state, descending through nested maps. It returns the value and whether
// the full path resolved.
func (s State) Get(path string) (any, bool) {
	return lookupPath(map[string]any(s), path)
}

// ApplyPatch merges patch into prev key-by-key according to the schema's
// reducers and returns the resulting state. Neither input is mutated.
func ApplyPatch(schema Schema, prev, patch State) State {
	out := prev.Clone()
	if out == nil {
		out = make(State, len(patch))
	}
	for key, delta := range patch {
		switch schema.Reducer(key) {
		case ReduceAppend:
			out[key] = appendValues(out[key], delta)
		case ReduceMerge:
			out[key] = mergeValues(out[key], delta)
		default:
			out[key] = deepCopyValue(delta)
		}
	}
	return out
}

// appendValues concatenates old and delta as lists. Non-list operands are
// treated as single-element lists. A nil delta leaves old unchanged.
func appendValues(old, delta any) any {
	if delta == nil {
		return old
	}
	if old == nil {
		return deepCopyValue(delta)
	}
	return append(toList(old), toList(delta)...)
}

// mergeValues deep-merges delta into old. Map collisions recurse, list
// collisions append, scalar collisions resolve to delta.
func mergeValues(old, delta any) any {
	oldMap, oldOK := asStringMap(old)
	deltaMap, deltaOK := asStringMap(delta)
	if !oldOK || !deltaOK {
		if isList(old) && isList(delta) {
			return appendValues(old, delta)
		}
		return deepCopyValue(delta)
	}
	out := make(map[string]any, len(oldMap)+len(deltaMap))
	for k, v := range oldMap {
		out[k] = deepCopyValue(v)
	}
	for k, dv := range deltaMap {
		if ov, exists := out[k]; exists {
			out[k] = mergeValues(ov, dv)
		} else {
			out[k] = deepCopyValue(dv)
		}
	}
	return out
}

// toList normalizes a value to []any. Typed slices are flattened via
// reflection so []Message and []any concatenate uniformly.
func toList(v any) []any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice {
			out := make([]any, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				out[i] = deepCopyValue(rv.Index(i).Interface())
			}
			return out
		}
		return []any{deepCopyValue(v)}
	}
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Slice
}

func asStringMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case State:
		return map[string]any(t), true
	default:
		return nil, false
	}
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = deepCopyValue(item)
		}
		return out
	case State:
		return map[string]any(t.Clone())
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	case []Message:
		out := make([]Message, len(t))
		copy(out, t)
		return out
	case []ToolCall:
		out := make([]ToolCall, len(t))
		copy(out, t)
		return out
	case []ToolResult:
		out := make([]ToolResult, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

func lookupPath(m map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	current := any(m)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		segment := path[start:i]
		start = i + 1
		node, ok := asStringMap(current)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
