package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kkkqkx123/open-agent/graph/model"
	"github.com/kkkqkx123/open-agent/graph/tool"
)

// startNode stamps started_at and leaves state otherwise untouched.
type startNode struct {
	deps Deps
}

func newStartNode(_ string, _ map[string]any, deps Deps) (Node, error) {
	return &startNode{deps: deps}, nil
}

// Run implements Node.
func (n *startNode) Run(_ context.Context, _ State) NodeResult {
	return NodeResult{Patch: State{KeyStartedAt: n.deps.now().UTC().Format(time.RFC3339Nano)}}
}

// endNode marks the run complete.
type endNode struct {
	deps Deps
}

func newEndNode(_ string, _ map[string]any, deps Deps) (Node, error) {
	return &endNode{deps: deps}, nil
}

// Run implements Node.
func (n *endNode) Run(_ context.Context, _ State) NodeResult {
	return NodeResult{
		Patch: State{
			KeyComplete: true,
			KeyEndedAt:  n.deps.now().UTC().Format(time.RFC3339Nano),
		},
		Next: Stop(),
	}
}

// llmNode calls an LLM backend through the scheduler.
//
// Config:
//
//	selector          LLM selector (required), e.g. "plan.echelon1"
//	system_prompt     system prompt template
//	system_prompt_id  prompt id resolved through the prompt service
//	user_prompt       optional template appended as a user message
//	max_tokens        response cap
//	temperature       sampling temperature
//	tools             when true, advertise the registered tool specs
//	timeout           per-call budget in seconds (bounds the tier budget)
type llmNode struct {
	id       string
	config   map[string]any
	selector string
	deps     Deps
}

func newLLMNode(id string, config map[string]any, deps Deps) (Node, error) {
	selector, err := requireConfigString(config, "selector", id)
	if err != nil {
		return nil, err
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("node %s: llm scheduler dependency is required", id)
	}
	return &llmNode{id: id, config: config, selector: selector, deps: deps}, nil
}

// Run implements Node.
func (n *llmNode) Run(ctx context.Context, state State) NodeResult {
	resp, err := n.call(ctx, state)
	if err != nil {
		return llmFailure(n.id, err, n.deps)
	}
	return NodeResult{Patch: llmSuccessPatch(resp)}
}

// call builds the request and invokes the scheduler. Shared with the
// analysis node.
func (n *llmNode) call(ctx context.Context, state State) (model.Response, error) {
	scope := templateScope(state, n.config)

	messages, err := n.buildMessages(ctx, state, scope)
	if err != nil {
		return model.Response{}, err
	}

	req := model.Request{
		Messages:    messages,
		MaxTokens:   configInt(n.config, "max_tokens"),
		Temperature: configFloat(n.config, "temperature"),
	}
	if configBool(n.config, "tools") && n.deps.Tools != nil {
		for _, spec := range n.deps.Tools.Specs() {
			req.Tools = append(req.Tools, model.ToolSpec{
				Name:        spec.Name,
				Description: spec.Description,
				Schema:      spec.Schema,
			})
		}
	}

	// The node budget bounds the call; the tier budget is applied by the
	// scheduler. The tighter of the two wins through context nesting.
	if seconds := configFloat(n.config, "timeout"); seconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(seconds*float64(time.Second)))
		defer cancel()
	}

	return n.deps.LLM.Invoke(ctx, n.selector, req)
}

func (n *llmNode) buildMessages(ctx context.Context, state State, scope map[string]any) ([]model.Message, error) {
	var messages []model.Message

	system := ""
	if promptID := configString(n.config, "system_prompt_id"); promptID != "" {
		if n.deps.Prompts == nil {
			return nil, fmt.Errorf("node %s: system_prompt_id set but no prompt service", n.id)
		}
		text, err := n.deps.Prompts.Get(ctx, promptID, scope)
		if err != nil {
			return nil, fmt.Errorf("node %s: resolve prompt %s: %w", n.id, promptID, err)
		}
		system = text
	}
	if tmpl := configString(n.config, "system_prompt"); tmpl != "" {
		rendered, err := RenderTemplate(tmpl, scope)
		if err != nil {
			return nil, fmt.Errorf("node %s: system_prompt: %w", n.id, err)
		}
		if system != "" {
			system += "\n\n"
		}
		system += rendered
	}
	if system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: system})
	}

	for _, msg := range MessagesFromState(state) {
		messages = append(messages, model.Message{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		})
	}

	if tmpl := configString(n.config, "user_prompt"); tmpl != "" {
		rendered, err := RenderTemplate(tmpl, scope)
		if err != nil {
			return nil, fmt.Errorf("node %s: user_prompt: %w", n.id, err)
		}
		messages = append(messages, model.Message{Role: model.RoleUser, Content: rendered})
	}
	return messages, nil
}

// llmSuccessPatch appends the assistant message and any tool-call
// descriptors produced by the model.
func llmSuccessPatch(resp model.Response) State {
	assistant := Message{
		Role:    RoleAssistant,
		Content: resp.Text,
	}
	if resp.Model != "" {
		assistant.Metadata = map[string]any{"model": resp.Model}
	}
	patch := State{KeyMessages: []Message{assistant}}

	if len(resp.ToolCalls) > 0 {
		calls := make([]ToolCall, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			id := call.ID
			if id == "" {
				id = uuid.NewString()
			}
			calls = append(calls, ToolCall{ID: id, Name: call.Name, Arguments: call.Input})
		}
		patch[KeyToolCalls] = calls
	}
	return patch
}

// llmFailure records the failure in state and surfaces it as a node
// error; retryability follows the error's own classification.
func llmFailure(nodeID string, err error, deps Deps) NodeResult {
	record := map[string]any{
		"node":  nodeID,
		"error": err.Error(),
		"at":    deps.now().UTC().Format(time.RFC3339Nano),
	}
	if class := model.ClassOf(err); class != "" {
		record["class"] = string(class)
	}
	nodeErr := &NodeError{NodeID: nodeID, Message: err.Error(), Cause: err, Transient: IsRetryable(err)}
	return NodeResult{
		Patch: State{KeyErrors: []any{record}},
		Err:   nodeErr,
	}
}

// analysisNode is an llm node whose output is parsed into a structured
// record merged into state under a configured key.
//
// Config adds to llm:
//
//	output_key  state key for the parsed record (default "analysis")
type analysisNode struct {
	llm       *llmNode
	outputKey string
}

func newAnalysisNode(id string, config map[string]any, deps Deps) (Node, error) {
	inner, err := newLLMNode(id, config, deps)
	if err != nil {
		return nil, err
	}
	outputKey := configString(config, "output_key")
	if outputKey == "" {
		outputKey = "analysis"
	}
	return &analysisNode{llm: inner.(*llmNode), outputKey: outputKey}, nil
}

// Run implements Node.
func (n *analysisNode) Run(ctx context.Context, state State) NodeResult {
	resp, err := n.llm.call(ctx, state)
	if err != nil {
		return llmFailure(n.llm.id, err, n.llm.deps)
	}

	patch := llmSuccessPatch(resp)
	parsed, err := parseStructured(resp.Text)
	if err != nil {
		return NodeResult{
			Patch: patch,
			Err:   PermanentError(n.llm.id, fmt.Errorf("parse analysis output: %w", err)),
		}
	}
	patch[n.outputKey] = parsed
	return NodeResult{Patch: patch}
}

// parseStructured decodes a model response as JSON, tolerating fenced
// code blocks and bare scalars.
func parseStructured(text string) (any, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx != -1 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	if trimmed == "" {
		return nil, fmt.Errorf("empty output")
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		// Bare words ("pass") count as structured scalars.
		if !strings.ContainsAny(trimmed, "{}[]\"") && !strings.Contains(trimmed, "\n") {
			return trimmed, nil
		}
		return nil, err
	}
	return parsed, nil
}

// toolNode dispatches the unprocessed tool calls accumulated in state.
//
// Config:
//
//	max_parallel  bounded dispatch degree (default 4)
type toolNode struct {
	id          string
	maxParallel int
	deps        Deps
}

func newToolNode(id string, config map[string]any, deps Deps) (Node, error) {
	if deps.Tools == nil {
		return nil, fmt.Errorf("node %s: tool runtime dependency is required", id)
	}
	maxParallel := configInt(config, "max_parallel")
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &toolNode{id: id, maxParallel: maxParallel, deps: deps}, nil
}

// Run implements Node.
func (n *toolNode) Run(ctx context.Context, state State) NodeResult {
	pending := pendingToolCalls(state)
	if len(pending) == 0 {
		return NodeResult{}
	}

	calls := make([]tool.Call, len(pending))
	for i, c := range pending {
		calls[i] = tool.Call{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	results := n.deps.Tools.InvokeMany(ctx, calls, n.maxParallel)

	if ctx.Err() != nil {
		return NodeResult{Err: PermanentError(n.id, ctx.Err())}
	}

	toolResults := make([]ToolResult, len(results))
	messages := make([]Message, len(results))
	for i, r := range results {
		toolResults[i] = ToolResult{
			ToolCallID: r.ToolCallID,
			Success:    r.Success,
			Output:     r.Output,
			Error:      r.Error,
			LatencyMS:  r.LatencyMS,
		}
		messages[i] = Message{
			Role:       RoleTool,
			Content:    toolResultContent(r),
			ToolCallID: r.ToolCallID,
		}
	}
	return NodeResult{Patch: State{
		KeyToolResults: toolResults,
		KeyMessages:    messages,
	}}
}

// pendingToolCalls returns the calls that have no recorded result yet, in
// call order. Duplicate call ids are kept; history surfaces them.
func pendingToolCalls(state State) []ToolCall {
	done := make(map[string]bool)
	for _, r := range ToolResultsFromState(state) {
		done[r.ToolCallID] = true
	}
	var pending []ToolCall
	for _, c := range ToolCallsFromState(state) {
		if !done[c.ID] {
			pending = append(pending, c)
		}
	}
	return pending
}

func toolResultContent(r tool.Result) string {
	if !r.Success {
		return "error: " + r.Error
	}
	raw, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Sprintf("%v", r.Output)
	}
	return string(raw)
}

// conditionNode evaluates declarative predicates and overrides routing.
//
// Config:
//
//	cases    list of {when: <condition>, to: <node id>}
//	default  node id when no case matches (required)
type conditionNode struct {
	id       string
	cases    []CaseSpec
	fallback string
}

func newConditionNode(id string, config map[string]any, _ Deps) (Node, error) {
	var cases []CaseSpec
	if raw, ok := config["cases"]; ok {
		if err := decodeConfig(raw, &cases); err != nil {
			return nil, fmt.Errorf("node %s: cases: %w", id, err)
		}
	}
	for _, c := range cases {
		if err := c.When.Validate(); err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		if c.To == "" {
			return nil, fmt.Errorf("node %s: case missing to", id)
		}
	}
	fallback := configString(config, "default")
	if fallback == "" {
		return nil, fmt.Errorf("node %s: config %q is required", id, "default")
	}
	return &conditionNode{id: id, cases: cases, fallback: fallback}, nil
}

// Run implements Node.
func (n *conditionNode) Run(_ context.Context, state State) NodeResult {
	for _, c := range n.cases {
		if c.When.eval(state) {
			return NodeResult{Next: Goto(c.To)}
		}
	}
	return NodeResult{Next: Goto(n.fallback)}
}

// waitNode pauses for a configured duration or until an external signal,
// yielding cooperatively: no thread is held beyond the goroutine parked
// in select, and cancellation is observed throughout.
//
// Config:
//
//	duration  seconds to wait (fractional allowed)
//	signal    named external signal resolved through Deps.Signals
type waitNode struct {
	id       string
	duration time.Duration
	signal   string
	deps     Deps
}

func newWaitNode(id string, config map[string]any, deps Deps) (Node, error) {
	seconds := configFloat(config, "duration")
	signal := configString(config, "signal")
	if seconds <= 0 && signal == "" {
		return nil, fmt.Errorf("node %s: duration or signal is required", id)
	}
	return &waitNode{
		id:       id,
		duration: time.Duration(seconds * float64(time.Second)),
		signal:   signal,
		deps:     deps,
	}, nil
}

// Run implements Node.
func (n *waitNode) Run(ctx context.Context, _ State) NodeResult {
	var timerC <-chan time.Time
	if n.duration > 0 {
		timer := time.NewTimer(n.duration)
		defer timer.Stop()
		timerC = timer.C
	}
	var signalC <-chan struct{}
	if n.signal != "" && n.deps.Signals != nil {
		signalC = n.deps.Signals(n.signal)
	}
	if timerC == nil && signalC == nil {
		return NodeResult{}
	}

	select {
	case <-ctx.Done():
		return NodeResult{Err: PermanentError(n.id, ctx.Err())}
	case <-timerC:
	case <-signalC:
	}
	return NodeResult{}
}

// templateScope exposes state fields directly and node config under
// "config" for substitution.
func templateScope(state State, config map[string]any) map[string]any {
	scope := make(map[string]any, len(state)+1)
	for k, v := range state {
		scope[k] = v
	}
	scope["config"] = config
	return scope
}

// decodeConfig re-decodes a loosely-typed config subtree into a typed
// destination via YAML round trip.
func decodeConfig(raw any, dst any) error {
	encoded, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(encoded, dst)
}
