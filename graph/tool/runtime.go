package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

func bytesReader(raw []byte) io.Reader { return bytes.NewReader(raw) }

// ValidationError reports arguments that failed schema validation. It is
// not retried: the same arguments will fail the same way.
type ValidationError struct {
	// ToolName identifies the tool whose schema rejected the arguments.
	ToolName string

	// Cause is the schema validation failure.
	Cause error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: invalid arguments: %v", e.ToolName, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error { return e.Cause }

// NotFoundError reports an invocation of an unregistered tool.
type NotFoundError struct {
	ToolName string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return "tool not registered: " + e.ToolName
}

// Runtime registers tools, validates arguments, and dispatches
// invocations. Safe for concurrent use.
type Runtime struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	clock   func() time.Time
}

// NewRuntime creates an empty tool runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		clock:   time.Now,
	}
}

// Register adds a tool. The tool's argument schema is compiled now so
// invalid schemas fail registration rather than the first call.
// Registering a duplicate name is an error.
func (r *Runtime) Register(t Tool) error {
	spec := t.Describe()
	if spec.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	var compiled *jsonschema.Schema
	if spec.Schema != nil {
		// Round-trip through JSON so the compiler sees canonical types
		// regardless of how the schema map was constructed.
		raw, err := json.Marshal(spec.Schema)
		if err != nil {
			return fmt.Errorf("tool %s: marshal schema: %w", spec.Name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytesReader(raw))
		if err != nil {
			return fmt.Errorf("tool %s: parse schema: %w", spec.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		resource := "inline://" + spec.Name + ".json"
		if err := compiler.AddResource(resource, doc); err != nil {
			return fmt.Errorf("tool %s: add schema: %w", spec.Name, err)
		}
		compiled, err = compiler.Compile(resource)
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", spec.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("tool already registered: %s", spec.Name)
	}
	r.tools[spec.Name] = t
	if compiled != nil {
		r.schemas[spec.Name] = compiled
	}
	return nil
}

// Specs returns the registered tool specs sorted by name, the list shape
// included in LLM requests.
func (r *Runtime) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates args against the tool's schema and runs it, wrapping
// the outcome with timings. Validation failures return *ValidationError;
// tool execution failures are captured into the Result rather than
// returned.
func (r *Runtime) Invoke(ctx context.Context, call Call) (Result, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	schema := r.schemas[call.Name]
	clock := r.clock
	r.mu.RUnlock()

	if !ok {
		return Result{}, &NotFoundError{ToolName: call.Name}
	}

	if schema != nil {
		if err := schema.Validate(normalizeArgs(call.Arguments)); err != nil {
			return Result{}, &ValidationError{ToolName: call.Name, Cause: err}
		}
	}

	start := clock()
	output, err := t.Call(ctx, call.Arguments)
	latency := clock().Sub(start).Milliseconds()

	result := Result{ToolCallID: call.ID, LatencyMS: latency}
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Success = true
	result.Output = output
	return result, nil
}

// InvokeMany dispatches calls with at most maxParallel running at once
// and returns results in call order. maxParallel <= 0 means sequential.
// Validation and not-found failures become failed results so one bad call
// doesn't sink the batch.
func (r *Runtime) InvokeMany(ctx context.Context, calls []Call, maxParallel int) []Result {
	results := make([]Result, len(calls))
	if len(calls) == 0 {
		return results
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}
	if maxParallel > len(calls) {
		maxParallel = len(calls)
	}

	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c Call) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := r.Invoke(ctx, c)
			if err != nil {
				res = Result{ToolCallID: c.ID, Error: err.Error()}
			}
			results[idx] = res
		}(i, call)
	}
	wg.Wait()
	return results
}

// normalizeArgs round-trips arguments through JSON so the validator sees
// canonical number types (float64) rather than Go ints.
func normalizeArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}
