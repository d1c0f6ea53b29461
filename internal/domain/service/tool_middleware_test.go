package service

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

// mockToolMW implements ToolMiddleware for testing.
type mockToolMW struct {
	NoOpToolMiddleware
	name          string
	beforeCalled  bool
	afterCalled   bool
	beforeMutator func(map[string]interface{}) map[string]interface{}
}

func (m *mockToolMW) Name() string { return m.name }

func (m *mockToolMW) BeforeToolCall(_ context.Context, _ string, args map[string]interface{}) map[string]interface{} {
	m.beforeCalled = true
	if m.beforeMutator != nil {
		return m.beforeMutator(args)
	}
	return args
}

func (m *mockToolMW) AfterToolCall(_ context.Context, _ string, output string, _ bool) string {
	m.afterCalled = true
	return output
}

func TestToolMiddlewarePipeline_RunBeforeToolCall(t *testing.T) {
	pipe := NewToolMiddlewarePipeline(zap.NewNop())

	mw1 := &mockToolMW{name: "mw1"}
	mw2 := &mockToolMW{name: "mw2"}
	pipe.Use(mw1, mw2)

	args := map[string]interface{}{"path": "/tmp/x"}
	result := pipe.RunBeforeToolCall(context.Background(), "read_file", args)

	if !mw1.beforeCalled || !mw2.beforeCalled {
		t.Error("expected both middlewares to run BeforeToolCall")
	}
	if result["path"] != "/tmp/x" {
		t.Errorf("unexpected args: %+v", result)
	}
}

func TestToolMiddlewarePipeline_RunAfterToolCall_ReverseOrder(t *testing.T) {
	pipe := NewToolMiddlewarePipeline(zap.NewNop())

	var order []string
	mw1 := &toolOrderTracker{name: "mw1", order: &order}
	mw2 := &toolOrderTracker{name: "mw2", order: &order}
	pipe.Use(mw1, mw2)

	pipe.RunAfterToolCall(context.Background(), "read_file", "output", true)

	if len(order) != 2 || order[0] != "mw2" || order[1] != "mw1" {
		t.Errorf("expected reverse order [mw2, mw1], got %v", order)
	}
}

func TestToolMiddlewarePipeline_BeforeToolCall_MutatesArgs(t *testing.T) {
	pipe := NewToolMiddlewarePipeline(zap.NewNop())

	injector := &mockToolMW{
		name: "injector",
		beforeMutator: func(args map[string]interface{}) map[string]interface{} {
			args["injected"] = true
			return args
		},
	}
	pipe.Use(injector)

	result := pipe.RunBeforeToolCall(context.Background(), "read_file", map[string]interface{}{})
	if result["injected"] != true {
		t.Errorf("expected injected key, got %+v", result)
	}
}

func TestToolMiddlewarePipeline_Empty(t *testing.T) {
	pipe := NewToolMiddlewarePipeline(zap.NewNop())

	args := map[string]interface{}{"a": 1}
	result := pipe.RunBeforeToolCall(context.Background(), "noop", args)
	if len(result) != 1 {
		t.Errorf("expected passthrough with 1 key, got %+v", result)
	}

	out := pipe.RunAfterToolCall(context.Background(), "noop", "unchanged", true)
	if out != "unchanged" {
		t.Errorf("expected passthrough output, got %q", out)
	}
}

func TestToolCallLoggingMiddleware_PassesThrough(t *testing.T) {
	mw := NewToolCallLoggingMiddleware(zap.NewNop())

	args := map[string]interface{}{"path": "/tmp/x"}
	got := mw.BeforeToolCall(context.Background(), "read_file", args)
	if got["path"] != "/tmp/x" {
		t.Errorf("expected args unchanged, got %+v", got)
	}

	out := mw.AfterToolCall(context.Background(), "read_file", "contents", true)
	if out != "contents" {
		t.Errorf("expected output unchanged, got %q", out)
	}
}

// --- helpers ---

type toolOrderTracker struct {
	NoOpToolMiddleware
	name  string
	order *[]string
}

func (m *toolOrderTracker) Name() string { return m.name }

func (m *toolOrderTracker) AfterToolCall(_ context.Context, _ string, output string, _ bool) string {
	*m.order = append(*m.order, m.name)
	return output
}
