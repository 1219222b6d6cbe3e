package store

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
)

// Diff is a minimal structural edit script between two JSON-like states.
//
// Maps record added, removed, and changed keys with before/after values;
// changed values that are themselves maps or lists carry nested deltas.
// Applying a diff to the pre-state reconstructs the post-state exactly.
type Diff struct {
	// Added maps new keys to their values.
	Added map[string]any `json:"added,omitempty"`

	// Removed maps deleted keys to their prior values. The prior value is
	// kept so diffs are invertible for auditing.
	Removed map[string]any `json:"removed,omitempty"`

	// Changed maps keys to the delta describing their change.
	Changed map[string]*Change `json:"changed,omitempty"`
}

// Change describes how one value changed. Exactly one of the fields below
// is populated.
type Change struct {
	// Set replaces the value wholesale (scalars, or type changes).
	Set *Replacement `json:"set,omitempty"`

	// Map carries a nested diff for map-to-map changes.
	Map *Diff `json:"map,omitempty"`

	// List carries a positional delta for list-to-list changes.
	List *ListDelta `json:"list,omitempty"`
}

// Replacement records a wholesale value replacement with before/after.
type Replacement struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// ListDelta is a positional list edit: the first Prefix elements are kept,
// and Tail replaces everything after them. A pure append is Prefix=len(old),
// Tail=appended elements.
type ListDelta struct {
	Prefix int   `json:"prefix"`
	Tail   []any `json:"tail,omitempty"`
	OldLen int   `json:"old_len"`
}

// Empty reports whether the diff carries no edits.
func (d *Diff) Empty() bool {
	return d == nil || (len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0)
}

// Normalize converts a state value into its canonical JSON shape
// (map[string]any / []any / float64 / string / bool / nil). Diffs are
// computed over normalized values so typed slices and post-restore states
// compare equal.
func Normalize(v any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// ComputeDiff produces the structural diff from old to new. Both inputs are
// normalized first.
func ComputeDiff(old, new map[string]any) *Diff {
	return diffMaps(Normalize(old), Normalize(new))
}

func diffMaps(old, new map[string]any) *Diff {
	d := &Diff{}
	for k, nv := range new {
		ov, exists := old[k]
		if !exists {
			if d.Added == nil {
				d.Added = make(map[string]any)
			}
			d.Added[k] = nv
			continue
		}
		if change := diffValues(ov, nv); change != nil {
			if d.Changed == nil {
				d.Changed = make(map[string]*Change)
			}
			d.Changed[k] = change
		}
	}
	for k, ov := range old {
		if _, exists := new[k]; !exists {
			if d.Removed == nil {
				d.Removed = make(map[string]any)
			}
			d.Removed[k] = ov
		}
	}
	return d
}

// diffValues returns nil when old and new are equal.
func diffValues(old, new any) *Change {
	if reflect.DeepEqual(old, new) {
		return nil
	}
	om, oOK := old.(map[string]any)
	nm, nOK := new.(map[string]any)
	if oOK && nOK {
		nested := diffMaps(om, nm)
		if nested.Empty() {
			return nil
		}
		return &Change{Map: nested}
	}
	ol, oListOK := old.([]any)
	nl, nListOK := new.([]any)
	if oListOK && nListOK {
		return &Change{List: diffLists(ol, nl)}
	}
	return &Change{Set: &Replacement{From: old, To: new}}
}

// diffLists records the longest unchanged prefix and the replacement tail.
// Appends, the dominant case for message lists, encode as prefix=len(old).
func diffLists(old, new []any) *ListDelta {
	prefix := 0
	for prefix < len(old) && prefix < len(new) && reflect.DeepEqual(old[prefix], new[prefix]) {
		prefix++
	}
	tail := make([]any, len(new)-prefix)
	copy(tail, new[prefix:])
	return &ListDelta{Prefix: prefix, Tail: tail, OldLen: len(old)}
}

// ApplyDiff applies a diff to the pre-state and returns the post-state.
// The input is not mutated. Structural mismatches (a nested diff against a
// non-map, a list delta with a prefix longer than the list) return an error;
// Replay wraps it into a HistoryError.
func ApplyDiff(state map[string]any, d *Diff) (map[string]any, error) {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	if d.Empty() {
		return out, nil
	}
	for k, v := range d.Added {
		out[k] = v
	}
	for k := range d.Removed {
		delete(out, k)
	}
	for k, change := range d.Changed {
		current, exists := out[k]
		if !exists {
			return nil, fmt.Errorf("changed key %q missing from pre-state", k)
		}
		next, err := applyChange(current, change)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = next
	}
	return out, nil
}

func applyChange(current any, change *Change) (any, error) {
	switch {
	case change.Set != nil:
		return change.Set.To, nil
	case change.Map != nil:
		m, ok := current.(map[string]any)
		if !ok {
			return nil, errors.New("map delta against non-map value")
		}
		return ApplyDiff(m, change.Map)
	case change.List != nil:
		l, ok := current.([]any)
		if !ok {
			return nil, errors.New("list delta against non-list value")
		}
		if change.List.Prefix > len(l) {
			return nil, fmt.Errorf("list delta prefix %d exceeds length %d", change.List.Prefix, len(l))
		}
		out := make([]any, 0, change.List.Prefix+len(change.List.Tail))
		out = append(out, l[:change.List.Prefix]...)
		out = append(out, change.List.Tail...)
		return out, nil
	default:
		return nil, errors.New("empty change")
	}
}

// EncodeDiff serializes and gzip-compresses a diff for persistence.
func EncodeDiff(d *Diff) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return compress(raw)
}

// DecodeDiff decompresses and deserializes a persisted diff.
func DecodeDiff(blob []byte) (*Diff, error) {
	raw, err := decompress(blob)
	if err != nil {
		return nil, err
	}
	var d Diff
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// EncodeState serializes and gzip-compresses a full state for snapshots.
func EncodeState(state map[string]any) ([]byte, error) {
	raw, err := json.Marshal(Normalize(state))
	if err != nil {
		return nil, err
	}
	return compress(raw)
}

// DecodeState decompresses and deserializes a snapshot blob.
func DecodeState(blob []byte) (map[string]any, error) {
	raw, err := decompress(blob)
	if err != nil {
		return nil, err
	}
	var state map[string]any
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	if state == nil {
		state = map[string]any{}
	}
	return state, nil
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(blob []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	defer zr.Close() //nolint:errcheck
	return io.ReadAll(zr)
}
