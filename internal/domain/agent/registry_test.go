package agent

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/agentrun/gateway/internal/domain/service"
	domaintool "github.com/agentrun/gateway/internal/domain/tool"
)

// fakeLLMClient satisfies service.LLMClient with no network calls, enough
// for the registry's clone path to build a real *service.AgentLoop.
type fakeLLMClient struct{}

func (fakeLLMClient) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	return &service.LLMResponse{Content: "ok"}, nil
}

func (fakeLLMClient) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	return &service.LLMResponse{Content: "ok"}, nil
}

// fakeTools satisfies service.ToolExecutor with an empty tool set.
type fakeTools struct{}

func (fakeTools) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	return &domaintool.Result{Success: true}, nil
}

func (fakeTools) GetDefinitions() []domaintool.Definition { return nil }

func (fakeTools) GetToolKind(name string) domaintool.Kind { return domaintool.KindExecute }

// newTestFactory builds an InstanceFactory recording the (template,
// username) pairs it was called with, for assertions on clone behavior.
func newTestFactory(calls *[]string) InstanceFactory {
	return func(tmpl *Template, username string) (*service.AgentLoop, BackendHandle, error) {
		*calls = append(*calls, tmpl.ID+"/"+username)
		loop := service.NewAgentLoop(fakeLLMClient{}, fakeTools{}, service.DefaultAgentLoopConfig(), zap.NewNop())
		return loop, BackendHandle{Kind: "process"}, nil
	}
}

func TestRegistryGetOrCloneInstance(t *testing.T) {
	var calls []string
	reg := NewRegistry(newTestFactory(&calls), zap.NewNop())
	reg.RegisterTemplate(&Template{ID: "research", Name: "Research Agent"})

	inst1, err := reg.GetOrCloneInstance("research", "alice")
	if err != nil {
		t.Fatalf("GetOrCloneInstance() error = %v", err)
	}
	inst2, err := reg.GetOrCloneInstance("research", "alice")
	if err != nil {
		t.Fatalf("second GetOrCloneInstance() error = %v", err)
	}
	if inst1.ID != inst2.ID {
		t.Errorf("expected the same instance on repeat clone, got %s and %s", inst1.ID, inst2.ID)
	}
	if len(calls) != 1 {
		t.Errorf("expected factory invoked once, got %d calls: %v", len(calls), calls)
	}

	inst3, err := reg.GetOrCloneInstance("research", "bob")
	if err != nil {
		t.Fatalf("GetOrCloneInstance() for second user error = %v", err)
	}
	if inst3.ID == inst1.ID {
		t.Error("different usernames must not share an instance")
	}
}

func TestRegistryGetOrCloneInstanceUnknownTemplate(t *testing.T) {
	reg := NewRegistry(newTestFactory(&[]string{}), zap.NewNop())
	if _, err := reg.GetOrCloneInstance("missing", "alice"); err == nil {
		t.Error("expected an error for an unregistered template")
	}
}

func TestRegistryDeleteInstanceAllowsRecreation(t *testing.T) {
	var calls []string
	reg := NewRegistry(newTestFactory(&calls), zap.NewNop())
	reg.RegisterTemplate(&Template{ID: "research", Name: "Research Agent"})

	inst1, _ := reg.GetOrCloneInstance("research", "alice")
	if err := reg.DeleteInstance(inst1.ID); err != nil {
		t.Fatalf("DeleteInstance() error = %v", err)
	}
	if _, ok := reg.GetInstance(inst1.ID); ok {
		t.Error("instance should be unreachable by ID after deletion")
	}

	inst2, err := reg.GetOrCloneInstance("research", "alice")
	if err != nil {
		t.Fatalf("re-clone after delete error = %v", err)
	}
	if inst2.ID == inst1.ID {
		t.Error("re-cloning after delete should mint a fresh instance ID")
	}
	if len(calls) != 2 {
		t.Errorf("expected factory invoked twice (clone, delete, re-clone), got %d", len(calls))
	}
}

func TestRegistryUpdateInstanceToolsRebuildsLoop(t *testing.T) {
	var calls []string
	reg := NewRegistry(newTestFactory(&calls), zap.NewNop())
	reg.RegisterTemplate(&Template{ID: "research", Name: "Research Agent"})

	inst, _ := reg.GetOrCloneInstance("research", "alice")
	originalLoop := inst.Loop

	if err := reg.UpdateInstanceTools(inst.ID, []string{"web_search"}, []string{"shell_exec"}); err != nil {
		t.Fatalf("UpdateInstanceTools() error = %v", err)
	}
	if inst.Loop == originalLoop {
		t.Error("expected a freshly built AgentLoop after UpdateInstanceTools")
	}
	if len(calls) != 2 {
		t.Errorf("expected factory invoked for clone + rebuild, got %d", len(calls))
	}
}

func TestInstanceAcquireReleaseThread(t *testing.T) {
	var calls []string
	reg := NewRegistry(newTestFactory(&calls), zap.NewNop())
	reg.RegisterTemplate(&Template{ID: "research", Name: "Research Agent"})
	inst, _ := reg.GetOrCloneInstance("research", "alice")

	if !inst.AcquireThread("t1") {
		t.Fatal("expected first AcquireThread to succeed")
	}
	if inst.AcquireThread("t1") {
		t.Error("expected a second AcquireThread on the same thread to fail")
	}
	if inst.Status() != InstanceRunning {
		t.Errorf("status = %v, want running", inst.Status())
	}

	inst.ReleaseThread("t1", false)
	if inst.Status() != InstanceIdle {
		t.Errorf("status after release = %v, want idle", inst.Status())
	}
	if !inst.AcquireThread("t1") {
		t.Error("expected AcquireThread to succeed again after release")
	}
}

func TestInstanceReleaseThreadInterrupted(t *testing.T) {
	var calls []string
	reg := NewRegistry(newTestFactory(&calls), zap.NewNop())
	reg.RegisterTemplate(&Template{ID: "research", Name: "Research Agent"})
	inst, _ := reg.GetOrCloneInstance("research", "alice")

	inst.AcquireThread("t1")
	inst.ReleaseThread("t1", true)
	if inst.Status() != InstanceInterrupted {
		t.Errorf("status = %v, want interrupted", inst.Status())
	}
}
