package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes events to a writer, either as human-readable text or
// as one JSON object per line.
//
// Text output:
//
//	[node_start] run=run-001 step=1 node=think
//
// JSON output:
//
//	{"runID":"run-001","step":1,"nodeID":"think","msg":"node_start"}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to writer (os.Stdout when
// nil). jsonMode selects JSON-lines output over text.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event. Write failures are swallowed; logging must never
// break execution.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.write(event)
}

// EmitBatch writes events in order.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, event := range events {
		l.write(event)
	}
	return nil
}

// Flush is a no-op; writes are unbuffered.
func (l *LogEmitter) Flush(context.Context) error { return nil }

func (l *LogEmitter) write(event Event) {
	if l.jsonMode {
		payload := map[string]any{
			"runID":  event.RunID,
			"step":   event.Step,
			"nodeID": event.NodeID,
			"msg":    event.Msg,
		}
		if len(event.Meta) > 0 {
			payload["meta"] = event.Meta
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		_, _ = l.writer.Write(append(raw, '\n'))
		return
	}

	line := fmt.Sprintf("[%s] run=%s step=%d", event.Msg, event.RunID, event.Step)
	if event.NodeID != "" {
		line += " node=" + event.NodeID
	}
	if len(event.Meta) > 0 {
		if raw, err := json.Marshal(event.Meta); err == nil {
			line += " meta=" + string(raw)
		}
	}
	_, _ = fmt.Fprintln(l.writer, line)
}
