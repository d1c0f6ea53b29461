package service

import (
	"context"
	"testing"
	"time"

	"github.com/agentrun/gateway/internal/domain/entity"
	domaintool "github.com/agentrun/gateway/internal/domain/tool"
	"go.uber.org/zap"
)

// scriptedLLM replays a fixed sequence of responses, one per Generate call,
// so a test can drive the loop through a known number of steps.
type scriptedLLM struct {
	responses []*LLMResponse
	calls     int
}

func (s *scriptedLLM) Generate(_ context.Context, _ *LLMRequest) (*LLMResponse, error) {
	if s.calls >= len(s.responses) {
		return &LLMResponse{Content: "done"}, nil
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func (s *scriptedLLM) GenerateStream(_ context.Context, _ *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error) {
	return s.Generate(context.Background(), nil)
}

// recordingTools executes every call successfully and records the names it
// was asked to run, in the order the loop's dispatch goroutines reached it.
type recordingTools struct {
	mu    chan struct{}
	calls []string
}

func newRecordingTools() *recordingTools {
	return &recordingTools{mu: make(chan struct{}, 1)}
}

func (r *recordingTools) Execute(_ context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	r.mu <- struct{}{}
	r.calls = append(r.calls, name)
	<-r.mu
	return &domaintool.Result{Success: true, Output: "ok:" + name}, nil
}

func (r *recordingTools) GetDefinitions() []domaintool.Definition { return nil }
func (r *recordingTools) GetToolKind(string) domaintool.Kind      { return domaintool.KindExecute }

func drain(eventCh <-chan entity.AgentEvent) []entity.AgentEvent {
	var events []entity.AgentEvent
	for ev := range eventCh {
		events = append(events, ev)
	}
	return events
}

func TestAgentLoop_RunCallsToolThenFinishes(t *testing.T) {
	llm := &scriptedLLM{
		responses: []*LLMResponse{
			{
				Content: "",
				ToolCalls: []entity.ToolCallInfo{
					{ID: "call-1", Name: "read_file", Arguments: map[string]interface{}{"path": "a.txt"}},
				},
			},
			{Content: "final answer"},
		},
	}
	tools := newRecordingTools()

	loop := NewAgentLoop(llm, tools, DefaultAgentLoopConfig(), zap.NewNop())

	result, eventCh := loop.Run(context.Background(), "thread-1", "system", "hello", nil, "")
	drain(eventCh)

	if result.FinalContent != "final answer" {
		t.Fatalf("expected final answer, got %q", result.FinalContent)
	}
	if len(tools.calls) != 1 || tools.calls[0] != "read_file" {
		t.Fatalf("expected exactly one read_file call, got %v", tools.calls)
	}
}

func TestAgentLoop_ToolMiddlewareSeesEveryCall(t *testing.T) {
	llm := &scriptedLLM{
		responses: []*LLMResponse{
			{
				ToolCalls: []entity.ToolCallInfo{
					{ID: "call-1", Name: "read_file", Arguments: map[string]interface{}{"path": "a.txt"}},
				},
			},
			{Content: "final answer"},
		},
	}
	tools := newRecordingTools()
	loop := NewAgentLoop(llm, tools, DefaultAgentLoopConfig(), zap.NewNop())

	var seenBefore, seenAfter []string
	mw := NewToolMiddlewarePipeline(zap.NewNop())
	mw.Use(&recordingToolMiddleware{before: &seenBefore, after: &seenAfter})
	loop.SetToolMiddleware(mw)

	_, eventCh := loop.Run(context.Background(), "thread-2", "system", "hello", nil, "")
	drain(eventCh)

	if len(seenBefore) != 1 || seenBefore[0] != "read_file" {
		t.Fatalf("expected BeforeToolCall to see read_file once, got %v", seenBefore)
	}
	if len(seenAfter) != 1 || seenAfter[0] != "read_file" {
		t.Fatalf("expected AfterToolCall to see read_file once, got %v", seenAfter)
	}
}

func TestAgentLoop_MaxIterationsStopsRunaway(t *testing.T) {
	// Every Generate call returns another tool call — scripted responses run
	// out and scriptedLLM's zero-value fallback ("done") never engages
	// because the loop hits MaxIterations first.
	responses := make([]*LLMResponse, 0, 100)
	for i := 0; i < 100; i++ {
		responses = append(responses, &LLMResponse{
			ToolCalls: []entity.ToolCallInfo{{ID: "call", Name: "read_file", Arguments: map[string]interface{}{}}},
		})
	}
	llm := &scriptedLLM{responses: responses}
	tools := newRecordingTools()

	cfg := DefaultAgentLoopConfig()
	cfg.MaxIterations = 3
	loop := NewAgentLoop(llm, tools, cfg, zap.NewNop())

	done := make(chan struct{})
	var result *AgentResult
	go func() {
		var eventCh <-chan entity.AgentEvent
		result, eventCh = loop.Run(context.Background(), "thread-3", "system", "hello", nil, "")
		drain(eventCh)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return within MaxIterations bound")
	}

	if result.TotalSteps > cfg.MaxIterations {
		t.Fatalf("expected at most %d steps, got %d", cfg.MaxIterations, result.TotalSteps)
	}
}

// --- helpers ---

type recordingToolMiddleware struct {
	NoOpToolMiddleware
	before *[]string
	after  *[]string
}

func (m *recordingToolMiddleware) Name() string { return "recorder" }

func (m *recordingToolMiddleware) BeforeToolCall(_ context.Context, toolName string, args map[string]interface{}) map[string]interface{} {
	*m.before = append(*m.before, toolName)
	return args
}

func (m *recordingToolMiddleware) AfterToolCall(_ context.Context, toolName string, output string, _ bool) string {
	*m.after = append(*m.after, toolName)
	return output
}
