package graph

import (
	"context"
	"sync"
	"time"

	"github.com/kkkqkx123/open-agent/graph/model"
	"github.com/kkkqkx123/open-agent/graph/sched"
	"github.com/kkkqkx123/open-agent/graph/tool"
)

// scriptedInvoker is a test LLMInvoker returning canned responses per
// call, with optional per-call errors, mirroring model.MockChatModel.
type scriptedInvoker struct {
	mu        sync.Mutex
	responses []model.Response
	errs      []error
	calls     []scriptedCall
	respIndex int
}

type scriptedCall struct {
	selector string
	req      model.Request
}

func (s *scriptedInvoker) Invoke(ctx context.Context, selector string, req model.Request) (model.Response, error) {
	if ctx.Err() != nil {
		return model.Response{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := len(s.calls)
	s.calls = append(s.calls, scriptedCall{selector: selector, req: req})

	if idx < len(s.errs) && s.errs[idx] != nil {
		return model.Response{}, s.errs[idx]
	}
	if len(s.responses) == 0 {
		return model.Response{}, nil
	}
	r := s.respIndex
	if r >= len(s.responses) {
		r = len(s.responses) - 1
	} else {
		s.respIndex++
	}
	return s.responses[r], nil
}

func (s *scriptedInvoker) TierFor(string) (*sched.Tier, bool) { return nil, false }

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// testDeps builds node deps around a scripted invoker and an empty tool
// runtime, with a deterministic clock.
func testDeps(invoker LLMInvoker) Deps {
	if invoker == nil {
		invoker = &scriptedInvoker{}
	}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	step := 0
	return Deps{
		LLM:   invoker,
		Tools: tool.NewRuntime(),
		Prompts: PromptFunc(func(_ context.Context, id string, _ map[string]any) (string, error) {
			return "prompt:" + id, nil
		}),
		Clock: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			step++
			return base.Add(time.Duration(step) * time.Millisecond)
		},
	}
}
