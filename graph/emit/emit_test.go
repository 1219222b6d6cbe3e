package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterTextFormat(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{RunID: "run-1", Step: 2, NodeID: "think", Msg: "node_start"})

	line := buf.String()
	for _, fragment := range []string{"[node_start]", "run=run-1", "step=2", "node=think"} {
		if !strings.Contains(line, fragment) {
			t.Errorf("line %q missing %q", line, fragment)
		}
	}
}

func TestLogEmitterJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{RunID: "run-1", Step: 1, Msg: "checkpoint", Meta: map[string]any{"snapshot_id": "s1"}})

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if decoded["msg"] != "checkpoint" || decoded["runID"] != "run-1" {
		t.Errorf("decoded = %v", decoded)
	}
	meta := decoded["meta"].(map[string]any)
	if meta["snapshot_id"] != "s1" {
		t.Errorf("meta = %v", meta)
	}
}

// recordingEmitter captures batches for buffering assertions.
type recordingEmitter struct {
	events  []Event
	batches int
	flushes int
}

func (r *recordingEmitter) Emit(e Event) { r.events = append(r.events, e) }

func (r *recordingEmitter) EmitBatch(_ context.Context, events []Event) error {
	r.batches++
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingEmitter) Flush(context.Context) error {
	r.flushes++
	return nil
}

func TestBufferedEmitterFlushesOnCapacity(t *testing.T) {
	sink := &recordingEmitter{}
	emitter := NewBufferedEmitter(sink, 3)

	emitter.Emit(Event{Msg: "e1"})
	emitter.Emit(Event{Msg: "e2"})
	if len(sink.events) != 0 {
		t.Fatalf("events forwarded before capacity: %d", len(sink.events))
	}
	emitter.Emit(Event{Msg: "e3"})
	if len(sink.events) != 3 || sink.batches != 1 {
		t.Errorf("events = %d batches = %d, want auto-flush at capacity", len(sink.events), sink.batches)
	}
}

func TestBufferedEmitterFlushPreservesOrder(t *testing.T) {
	sink := &recordingEmitter{}
	emitter := NewBufferedEmitter(sink, 100)

	for _, msg := range []string{"a", "b", "c"} {
		emitter.Emit(Event{Msg: msg})
	}
	if err := emitter.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sink.events) != 3 {
		t.Fatalf("events = %d", len(sink.events))
	}
	for i, want := range []string{"a", "b", "c"} {
		if sink.events[i].Msg != want {
			t.Errorf("events[%d] = %s, want %s", i, sink.events[i].Msg, want)
		}
	}
	if emitter.Len() != 0 {
		t.Errorf("buffer not drained: %d", emitter.Len())
	}
	if sink.flushes != 1 {
		t.Errorf("downstream flushes = %d", sink.flushes)
	}
}

func TestNullEmitter(t *testing.T) {
	emitter := NewNullEmitter()
	emitter.Emit(Event{Msg: "ignored"})
	if err := emitter.EmitBatch(context.Background(), []Event{{Msg: "x"}}); err != nil {
		t.Errorf("EmitBatch: %v", err)
	}
	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}
