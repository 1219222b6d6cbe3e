package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kkkqkx123/open-agent/graph/model"
	"github.com/kkkqkx123/open-agent/graph/tool"
)

func TestStartAndEndNodes(t *testing.T) {
	deps := testDeps(nil)

	start, err := newStartNode("begin", nil, deps)
	if err != nil {
		t.Fatalf("newStartNode: %v", err)
	}
	result := start.Run(context.Background(), State{})
	if _, ok := result.Patch[KeyStartedAt].(string); !ok {
		t.Errorf("start patch = %+v, want started_at", result.Patch)
	}

	end, err := newEndNode("finish", nil, deps)
	if err != nil {
		t.Fatalf("newEndNode: %v", err)
	}
	result = end.Run(context.Background(), State{})
	if result.Patch[KeyComplete] != true {
		t.Errorf("end patch = %+v, want complete=true", result.Patch)
	}
	if !result.Next.Terminal {
		t.Error("end node must stop the run")
	}
}

func TestLLMNodeRequiresSelector(t *testing.T) {
	if _, err := newLLMNode("ask", map[string]any{}, testDeps(nil)); err == nil {
		t.Error("expected error for missing selector")
	}
}

func TestLLMNodeSuccess(t *testing.T) {
	invoker := &scriptedInvoker{responses: []model.Response{
		{Text: "the answer", Model: "m1"},
	}}
	deps := testDeps(invoker)
	node, err := newLLMNode("ask", map[string]any{
		"selector":      "plan.echelon1",
		"system_prompt": "You are advising on {{topic}}.",
		"max_tokens":    512,
	}, deps)
	if err != nil {
		t.Fatalf("newLLMNode: %v", err)
	}

	state := State{
		"topic":     "storage",
		KeyMessages: []Message{{Role: RoleUser, Content: "help"}},
	}
	result := node.Run(context.Background(), state)
	if result.Err != nil {
		t.Fatalf("Run: %v", result.Err)
	}

	call := invoker.calls[0]
	if call.selector != "plan.echelon1" {
		t.Errorf("selector = %s", call.selector)
	}
	if call.req.MaxTokens != 512 {
		t.Errorf("max_tokens = %d", call.req.MaxTokens)
	}
	if len(call.req.Messages) != 2 {
		t.Fatalf("messages sent = %d, want system + user", len(call.req.Messages))
	}
	if call.req.Messages[0].Role != model.RoleSystem ||
		call.req.Messages[0].Content != "You are advising on storage." {
		t.Errorf("system message = %+v", call.req.Messages[0])
	}

	msgs := result.Patch[KeyMessages].([]Message)
	if len(msgs) != 1 || msgs[0].Role != RoleAssistant || msgs[0].Content != "the answer" {
		t.Errorf("patch messages = %+v", msgs)
	}
	if msgs[0].Metadata["model"] != "m1" {
		t.Errorf("assistant metadata = %+v", msgs[0].Metadata)
	}
}

func TestLLMNodePromptService(t *testing.T) {
	invoker := &scriptedInvoker{responses: []model.Response{{Text: "ok"}}}
	deps := testDeps(invoker)
	node, err := newLLMNode("ask", map[string]any{
		"selector":         "plan.echelon1",
		"system_prompt_id": "system.analyst",
	}, deps)
	if err != nil {
		t.Fatalf("newLLMNode: %v", err)
	}
	result := node.Run(context.Background(), State{})
	if result.Err != nil {
		t.Fatalf("Run: %v", result.Err)
	}
	if got := invoker.calls[0].req.Messages[0].Content; got != "prompt:system.analyst" {
		t.Errorf("system prompt = %q", got)
	}
}

func TestLLMNodePromptLoopSurfacesAsNodeError(t *testing.T) {
	deps := testDeps(&scriptedInvoker{})
	deps.Prompts = PromptFunc(func(context.Context, string, map[string]any) (string, error) {
		return "", fmt.Errorf("prompt reference loop: a -> b -> a")
	})
	node, err := newLLMNode("ask", map[string]any{
		"selector":         "plan.echelon1",
		"system_prompt_id": "a",
	}, deps)
	if err != nil {
		t.Fatalf("newLLMNode: %v", err)
	}
	result := node.Run(context.Background(), State{})
	if result.Err == nil {
		t.Fatal("expected node error from prompt loop")
	}
}

func TestLLMNodeFailureAppendsErrorRecord(t *testing.T) {
	invoker := &scriptedInvoker{errs: []error{
		&model.Error{Class: model.ClassServiceUnavailable, Message: "503"},
	}}
	node, err := newLLMNode("ask", map[string]any{"selector": "plan.echelon1"}, testDeps(invoker))
	if err != nil {
		t.Fatalf("newLLMNode: %v", err)
	}
	result := node.Run(context.Background(), State{})
	if result.Err == nil {
		t.Fatal("expected node error")
	}
	var nodeErr *NodeError
	if !errors.As(result.Err, &nodeErr) || !nodeErr.Transient {
		t.Errorf("err = %v, want transient node error for retryable class", result.Err)
	}
	records := result.Patch[KeyErrors].([]any)
	if len(records) != 1 {
		t.Fatalf("error records = %d", len(records))
	}
	record := records[0].(map[string]any)
	if record["class"] != string(model.ClassServiceUnavailable) {
		t.Errorf("record = %+v", record)
	}
}

func TestLLMNodeToolCalls(t *testing.T) {
	invoker := &scriptedInvoker{responses: []model.Response{{
		ToolCalls: []model.ToolCall{
			{ID: "call-1", Name: "search", Input: map[string]any{"q": "x"}},
			{Name: "fetch"},
		},
	}}}
	deps := testDeps(invoker)
	if err := deps.Tools.Register(&tool.MockTool{ToolName: "search"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	node, err := newLLMNode("ask", map[string]any{
		"selector": "plan.echelon1",
		"tools":    true,
	}, deps)
	if err != nil {
		t.Fatalf("newLLMNode: %v", err)
	}
	result := node.Run(context.Background(), State{})
	if result.Err != nil {
		t.Fatalf("Run: %v", result.Err)
	}
	if len(invoker.calls[0].req.Tools) != 1 || invoker.calls[0].req.Tools[0].Name != "search" {
		t.Errorf("advertised tools = %+v", invoker.calls[0].req.Tools)
	}
	calls := result.Patch[KeyToolCalls].([]ToolCall)
	if len(calls) != 2 || calls[0].ID != "call-1" {
		t.Errorf("tool calls = %+v", calls)
	}
	if calls[1].ID == "" {
		t.Error("missing generated id for second call")
	}
}

func TestAnalysisNodeParsesOutput(t *testing.T) {
	tests := []struct {
		name string
		text string
		want any
	}{
		{"json object", `{"verdict": "pass", "score": 9}`, map[string]any{"verdict": "pass", "score": float64(9)}},
		{"fenced json", "```json\n{\"verdict\": \"fail\"}\n```", map[string]any{"verdict": "fail"}},
		{"bare scalar", "pass", "pass"},
		{"json string", `"pass"`, "pass"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invoker := &scriptedInvoker{responses: []model.Response{{Text: tt.text}}}
			node, err := newAnalysisNode("verify", map[string]any{
				"selector":   "review.echelon1",
				"output_key": "verdict_record",
			}, testDeps(invoker))
			if err != nil {
				t.Fatalf("newAnalysisNode: %v", err)
			}
			result := node.Run(context.Background(), State{})
			if result.Err != nil {
				t.Fatalf("Run: %v", result.Err)
			}
			got := result.Patch["verdict_record"]
			if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", tt.want) {
				t.Errorf("parsed = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestAnalysisNodeUnparseableFails(t *testing.T) {
	invoker := &scriptedInvoker{responses: []model.Response{{Text: "{broken json"}}}
	node, err := newAnalysisNode("verify", map[string]any{"selector": "review.echelon1"}, testDeps(invoker))
	if err != nil {
		t.Fatalf("newAnalysisNode: %v", err)
	}
	result := node.Run(context.Background(), State{})
	if result.Err == nil {
		t.Fatal("expected parse failure")
	}
}

func TestToolNodeDispatchesPendingCalls(t *testing.T) {
	deps := testDeps(nil)
	mock := &tool.MockTool{ToolName: "search", Responses: []map[string]any{{"hits": float64(2)}}}
	if err := deps.Tools.Register(mock); err != nil {
		t.Fatalf("Register: %v", err)
	}
	node, err := newToolNode("dispatch", map[string]any{"max_parallel": 2}, deps)
	if err != nil {
		t.Fatalf("newToolNode: %v", err)
	}

	state := State{
		KeyToolCalls: []ToolCall{
			{ID: "c1", Name: "search", Arguments: map[string]any{"q": "done"}},
			{ID: "c2", Name: "search", Arguments: map[string]any{"q": "pending"}},
		},
		KeyToolResults: []ToolResult{
			{ToolCallID: "c1", Success: true},
		},
	}
	result := node.Run(context.Background(), state)
	if result.Err != nil {
		t.Fatalf("Run: %v", result.Err)
	}

	results := result.Patch[KeyToolResults].([]ToolResult)
	if len(results) != 1 || results[0].ToolCallID != "c2" {
		t.Errorf("results = %+v, want only the pending call dispatched", results)
	}
	if !results[0].Success {
		t.Errorf("result = %+v", results[0])
	}
	msgs := result.Patch[KeyMessages].([]Message)
	if len(msgs) != 1 || msgs[0].Role != RoleTool || msgs[0].ToolCallID != "c2" {
		t.Errorf("messages = %+v", msgs)
	}
	if mock.CallCount() != 1 {
		t.Errorf("tool called %d times", mock.CallCount())
	}
}

func TestToolNodeNoPendingCalls(t *testing.T) {
	node, err := newToolNode("dispatch", nil, testDeps(nil))
	if err != nil {
		t.Fatalf("newToolNode: %v", err)
	}
	result := node.Run(context.Background(), State{})
	if result.Err != nil || len(result.Patch) != 0 {
		t.Errorf("result = %+v, want empty patch", result)
	}
}

func TestToolNodeCapturesFailures(t *testing.T) {
	deps := testDeps(nil)
	if err := deps.Tools.Register(&tool.MockTool{ToolName: "flaky", Err: fmt.Errorf("backend down")}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	node, err := newToolNode("dispatch", nil, deps)
	if err != nil {
		t.Fatalf("newToolNode: %v", err)
	}
	state := State{KeyToolCalls: []ToolCall{{ID: "c1", Name: "flaky"}}}
	result := node.Run(context.Background(), state)
	if result.Err != nil {
		t.Fatalf("Run: %v, tool failures must be captured not raised", result.Err)
	}
	results := result.Patch[KeyToolResults].([]ToolResult)
	if results[0].Success || results[0].Error == "" {
		t.Errorf("result = %+v, want captured failure", results[0])
	}
}

func TestConditionNode(t *testing.T) {
	node, err := newConditionNode("gate", map[string]any{
		"cases": []any{
			map[string]any{
				"when": map[string]any{"op": "eq", "path": "verdict", "value": "pass"},
				"to":   "finalize",
			},
		},
		"default": "correct",
	}, testDeps(nil))
	if err != nil {
		t.Fatalf("newConditionNode: %v", err)
	}

	result := node.Run(context.Background(), State{"verdict": "pass"})
	if result.Next.To != "finalize" {
		t.Errorf("pass routed to %s", result.Next.To)
	}
	result = node.Run(context.Background(), State{"verdict": "fail"})
	if result.Next.To != "correct" {
		t.Errorf("fail routed to %s", result.Next.To)
	}
}

func TestConditionNodeValidatesConfig(t *testing.T) {
	_, err := newConditionNode("gate", map[string]any{
		"cases": []any{
			map[string]any{"when": map[string]any{"op": "bogus"}, "to": "x"},
		},
		"default": "y",
	}, testDeps(nil))
	if err == nil {
		t.Error("expected config validation error")
	}
	_, err = newConditionNode("gate", map[string]any{}, testDeps(nil))
	if err == nil {
		t.Error("expected error for missing default")
	}
}

func TestWaitNodeDuration(t *testing.T) {
	node, err := newWaitNode("pause", map[string]any{"duration": 0.01}, testDeps(nil))
	if err != nil {
		t.Fatalf("newWaitNode: %v", err)
	}
	start := time.Now()
	result := node.Run(context.Background(), State{})
	if result.Err != nil {
		t.Fatalf("Run: %v", result.Err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("wait returned after %v, want >= 10ms", elapsed)
	}
}

func TestWaitNodeCancellation(t *testing.T) {
	node, err := newWaitNode("pause", map[string]any{"duration": 60}, testDeps(nil))
	if err != nil {
		t.Fatalf("newWaitNode: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	result := node.Run(ctx, State{})
	if result.Err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > time.Second {
		t.Error("wait did not observe cancellation promptly")
	}
}

func TestWaitNodeSignal(t *testing.T) {
	signal := make(chan struct{})
	deps := testDeps(nil)
	deps.Signals = func(name string) <-chan struct{} {
		if name == "user_input" {
			return signal
		}
		return nil
	}
	node, err := newWaitNode("pause", map[string]any{"signal": "user_input"}, deps)
	if err != nil {
		t.Fatalf("newWaitNode: %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(signal)
	}()
	result := node.Run(context.Background(), State{})
	if result.Err != nil {
		t.Fatalf("Run: %v", result.Err)
	}
}
