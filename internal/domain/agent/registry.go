package agent

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrun/gateway/internal/domain/service"
	"github.com/agentrun/gateway/pkg/errors"
)

// InstanceFactory builds the AgentLoop and backend handle backing a
// freshly cloned instance — wiring the template's model, tools, interrupt
// rules, and sandbox kind into a concrete LLM client, tool executor, and
// file/terminal backend. Supplied by the application layer so this
// package stays free of infrastructure imports.
type InstanceFactory func(tmpl *Template, username string) (*service.AgentLoop, BackendHandle, error)

// Registry holds the set of registered templates and the per-(template,
// username) instances cloned from them. Templates and instances live only
// for the process lifetime; only thread transcripts are durable (see the
// ThreadRepository). Grounded on InMemorySpawner's mutex-guarded
// parent/child maps, generalized from one flat pool of sub-agents to a
// two-level template -> instance hierarchy.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	instances map[string]*Instance // key: templateID + "/" + username
	byID      map[string]*Instance // key: instance ID, for direct lookups

	newLoop InstanceFactory
	logger  *zap.Logger
}

// NewRegistry creates an empty template/instance registry.
func NewRegistry(factory InstanceFactory, logger *zap.Logger) *Registry {
	return &Registry{
		templates: make(map[string]*Template),
		instances: make(map[string]*Instance),
		byID:      make(map[string]*Instance),
		newLoop:   factory,
		logger:    logger,
	}
}

func instanceKey(templateID, username string) string {
	return templateID + "/" + username
}

// RegisterTemplate adds or replaces a template definition. Replacing a
// template does not affect instances already cloned from it — they keep
// running against the AgentLoop built at clone time.
func (r *Registry) RegisterTemplate(tmpl *Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[tmpl.ID] = tmpl
	r.logger.Info("Template registered", zap.String("template_id", tmpl.ID), zap.String("name", tmpl.Name))
}

// GetTemplate returns a registered template by ID.
func (r *Registry) GetTemplate(id string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

// ListTemplates returns all registered templates.
func (r *Registry) ListTemplates() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	return out
}

// DeleteTemplate removes a template. Existing instances cloned from it are
// left running and are still returned by GetInstance and by
// GetOrCloneInstance for their (templateID, username) pair; no new instance
// can be cloned from the deleted template.
func (r *Registry) DeleteTemplate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[id]; !ok {
		return errors.NewNotFoundError("template not found: " + id)
	}
	delete(r.templates, id)
	return nil
}

// GetOrCloneInstance returns the existing instance for (templateID,
// username), cloning a fresh one from the template on first use. Grounded
// on original_source's get_or_clone_agent / _TEMPLATE_REGISTRY pattern.
func (r *Registry) GetOrCloneInstance(templateID, username string) (*Instance, error) {
	key := instanceKey(templateID, username)

	r.mu.RLock()
	if inst, ok := r.instances[key]; ok {
		r.mu.RUnlock()
		return inst, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock — another caller may have cloned first.
	if inst, ok := r.instances[key]; ok {
		return inst, nil
	}

	tmpl, ok := r.templates[templateID]
	if !ok {
		return nil, errors.NewNotFoundError("template not found: " + templateID)
	}

	loop, backend, err := r.newLoop(tmpl, username)
	if err != nil {
		return nil, errors.NewInternalErrorWithCause("failed to build agent loop for instance", err)
	}

	inst := newInstance(uuid.New().String(), templateID, username, loop, backend)
	r.instances[key] = inst
	r.byID[inst.ID] = inst

	r.logger.Info("Instance cloned",
		zap.String("template_id", templateID),
		zap.String("username", username),
		zap.String("instance_id", inst.ID),
	)
	return inst, nil
}

// GetInstance looks up an instance directly by ID.
func (r *Registry) GetInstance(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byID[id]
	return inst, ok
}

// ListInstances returns every cloned instance, optionally filtered to one template.
func (r *Registry) ListInstances(templateID string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0)
	for _, inst := range r.byID {
		if templateID == "" || inst.TemplateID == templateID {
			out = append(out, inst)
		}
	}
	return out
}

// UpdateInstanceTools rebuilds an instance's AgentLoop and backend from a
// copy of its template carrying the given allow/deny lists, without
// disturbing its thread history. The loop factory does not read the lists,
// so the rebuilt loop offers the same tools as before. Grounded on
// original_source's update_agent_tools.
func (r *Registry) UpdateInstanceTools(instanceID string, allowed, denied []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byID[instanceID]
	if !ok {
		return errors.NewNotFoundError("instance not found: " + instanceID)
	}
	tmpl, ok := r.templates[inst.TemplateID]
	if !ok {
		return errors.NewNotFoundError("template not found for instance: " + instanceID)
	}

	patched := *tmpl
	patched.AllowedTools = allowed
	patched.DeniedTools = denied

	loop, backend, err := r.newLoop(&patched, inst.Username)
	if err != nil {
		return errors.NewInternalErrorWithCause("failed to rebuild agent loop", err)
	}
	inst.Loop = loop
	inst.Backend = backend
	return nil
}

// UpdateInstanceBackend rebuilds an instance's AgentLoop against a new
// sandbox backend spec. Grounded on original_source's update_agent_backend.
func (r *Registry) UpdateInstanceBackend(instanceID string, backend BackendSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byID[instanceID]
	if !ok {
		return errors.NewNotFoundError("instance not found: " + instanceID)
	}
	tmpl, ok := r.templates[inst.TemplateID]
	if !ok {
		return errors.NewNotFoundError("template not found for instance: " + instanceID)
	}

	patched := *tmpl
	patched.Backend = backend

	loop, handle, err := r.newLoop(&patched, inst.Username)
	if err != nil {
		return errors.NewInternalErrorWithCause("failed to rebuild agent loop", err)
	}
	inst.Loop = loop
	inst.Backend = handle
	return nil
}

// DeleteInstance tears down a cloned instance. Grounded on
// original_source's delete_agent.
func (r *Registry) DeleteInstance(instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byID[instanceID]
	if !ok {
		return errors.NewNotFoundError("instance not found: " + instanceID)
	}
	delete(r.byID, instanceID)
	delete(r.instances, instanceKey(inst.TemplateID, inst.Username))
	return nil
}
