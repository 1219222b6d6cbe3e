package store

import (
	"reflect"
	"testing"
)

func TestDiffApplyRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		old  map[string]any
		new  map[string]any
	}{
		{
			name: "added key",
			old:  map[string]any{"a": "1"},
			new:  map[string]any{"a": "1", "b": "2"},
		},
		{
			name: "removed key",
			old:  map[string]any{"a": "1", "b": "2"},
			new:  map[string]any{"a": "1"},
		},
		{
			name: "changed scalar",
			old:  map[string]any{"a": "1"},
			new:  map[string]any{"a": "2"},
		},
		{
			name: "type change",
			old:  map[string]any{"a": "text"},
			new:  map[string]any{"a": float64(3)},
		},
		{
			name: "nested map change",
			old:  map[string]any{"m": map[string]any{"x": "1", "y": "2"}},
			new:  map[string]any{"m": map[string]any{"x": "9", "y": "2", "z": "3"}},
		},
		{
			name: "list append",
			old:  map[string]any{"l": []any{"a", "b"}},
			new:  map[string]any{"l": []any{"a", "b", "c"}},
		},
		{
			name: "list rewrite",
			old:  map[string]any{"l": []any{"a", "b", "c"}},
			new:  map[string]any{"l": []any{"a", "x"}},
		},
		{
			name: "empty to populated",
			old:  map[string]any{},
			new:  map[string]any{"messages": []any{map[string]any{"role": "user", "content": "hi"}}},
		},
		{
			name: "no change",
			old:  map[string]any{"a": "1", "l": []any{"x"}},
			new:  map[string]any{"a": "1", "l": []any{"x"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := ComputeDiff(tt.old, tt.new)
			got, err := ApplyDiff(Normalize(tt.old), diff)
			if err != nil {
				t.Fatalf("ApplyDiff: %v", err)
			}
			want := Normalize(tt.new)
			if !reflect.DeepEqual(got, want) {
				t.Errorf("round trip = %#v, want %#v", got, want)
			}
		})
	}
}

func TestDiffListAppendIsPositional(t *testing.T) {
	old := map[string]any{"l": []any{"a", "b"}}
	new := map[string]any{"l": []any{"a", "b", "c", "d"}}
	diff := ComputeDiff(old, new)

	change := diff.Changed["l"]
	if change == nil || change.List == nil {
		t.Fatalf("diff = %+v, want list delta", diff)
	}
	if change.List.Prefix != 2 || len(change.List.Tail) != 2 {
		t.Errorf("list delta = %+v, want prefix 2 tail 2", change.List)
	}
}

func TestDiffEmpty(t *testing.T) {
	diff := ComputeDiff(map[string]any{"a": "1"}, map[string]any{"a": "1"})
	if !diff.Empty() {
		t.Errorf("diff = %+v, want empty", diff)
	}
}

func TestEncodeDecodeDiff(t *testing.T) {
	old := map[string]any{"messages": []any{"m1"}}
	new := map[string]any{"messages": []any{"m1", "m2"}, "output": "done"}
	diff := ComputeDiff(old, new)

	blob, err := EncodeDiff(diff)
	if err != nil {
		t.Fatalf("EncodeDiff: %v", err)
	}
	decoded, err := DecodeDiff(blob)
	if err != nil {
		t.Fatalf("DecodeDiff: %v", err)
	}
	got, err := ApplyDiff(Normalize(old), decoded)
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if !reflect.DeepEqual(got, Normalize(new)) {
		t.Errorf("decoded diff replay = %#v", got)
	}
}

func TestDecodeDiffCorrupt(t *testing.T) {
	if _, err := DecodeDiff([]byte("not gzip at all")); err == nil {
		t.Error("expected error for corrupt blob")
	}
}

func TestApplyDiffStructuralMismatch(t *testing.T) {
	diff := &Diff{Changed: map[string]*Change{
		"l": {List: &ListDelta{Prefix: 5}},
	}}
	if _, err := ApplyDiff(map[string]any{"l": []any{"a"}}, diff); err == nil {
		t.Error("expected error for prefix beyond list length")
	}
	diff = &Diff{Changed: map[string]*Change{
		"m": {Map: &Diff{Added: map[string]any{"x": 1}}},
	}}
	if _, err := ApplyDiff(map[string]any{"m": "scalar"}, diff); err == nil {
		t.Error("expected error for map delta on scalar")
	}
}

func TestEncodeDecodeState(t *testing.T) {
	state := map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
		"count":    float64(3),
	}
	blob, err := EncodeState(state)
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}
	got, err := DecodeState(blob)
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	if !reflect.DeepEqual(got, Normalize(state)) {
		t.Errorf("round trip = %#v", got)
	}
}
