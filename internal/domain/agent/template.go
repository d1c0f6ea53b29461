package agent

import (
	"time"
)

// Template is the immutable definition an instance is cloned from: system
// prompt, default model, tool allow/deny list, interrupt rules and the
// sandbox backend to launch. Registering a template never starts a
// sandbox or an LLM session — that only happens when a caller clones (or
// implicitly gets-or-clones) an instance from it.
type Template struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	SystemPrompt string            `json:"system_prompt"`
	Model        string            `json:"model"`
	AllowedTools []string          `json:"allowed_tools,omitempty"` // stored and reported; not applied, every instance sees all registered tools
	DeniedTools  []string          `json:"denied_tools,omitempty"`  // stored and reported; not applied
	InterruptOn  []string          `json:"interrupt_on,omitempty"` // tool names requiring human approval
	Backend      BackendSpec       `json:"backend"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// BackendSpec names which sandbox backend an instance cloned from this
// template should launch, and backend-specific configuration.
type BackendSpec struct {
	Kind    string            `json:"kind"` // "process" | "docker"
	Image   string            `json:"image,omitempty"`
	Host    string            `json:"host,omitempty"` // docker -H <host> remoting
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// InterruptSet returns the template's interrupt_on list as a lookup set,
// the shape service.AgentLoopConfig.InterruptOn expects.
func (t *Template) InterruptSet() map[string]bool {
	if len(t.InterruptOn) == 0 {
		return nil
	}
	set := make(map[string]bool, len(t.InterruptOn))
	for _, name := range t.InterruptOn {
		set[name] = true
	}
	return set
}
