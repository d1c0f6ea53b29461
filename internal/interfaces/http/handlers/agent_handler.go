package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrun/gateway/internal/domain/agent"
	"github.com/agentrun/gateway/internal/domain/entity"
	"github.com/agentrun/gateway/internal/domain/repository"
	"github.com/agentrun/gateway/internal/domain/service"
	domaintool "github.com/agentrun/gateway/internal/domain/tool"
	"github.com/agentrun/gateway/internal/infrastructure/eventbus"
	"github.com/agentrun/gateway/internal/infrastructure/gatewayauth"
	wsinterface "github.com/agentrun/gateway/internal/interfaces/websocket"
	apperrors "github.com/agentrun/gateway/pkg/errors"
)

// AgentCreateRequest is the body of POST /agents/ — it mirrors a template
// entry in the YAML config seed 1:1 so the same shape works for both
// boot-time seeding and runtime creation.
type AgentCreateRequest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name" binding:"required"`
	SystemPrompt string            `json:"system_prompt"`
	Model        string            `json:"model"`
	AllowedTools []string          `json:"allowed_tools,omitempty"`
	DeniedTools  []string          `json:"denied_tools,omitempty"`
	InterruptOn  []string          `json:"interrupt_on,omitempty"`
	BackendKind  string            `json:"backend_kind,omitempty"`
	BackendImage string            `json:"backend_image,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AgentInfo is the JSON shape returned for a template/instance pair.
type AgentInfo struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Model        string            `json:"model"`
	AllowedTools []string          `json:"allowed_tools,omitempty"`
	DeniedTools  []string          `json:"denied_tools,omitempty"`
	InterruptOn  []string          `json:"interrupt_on,omitempty"`
	BackendKind  string            `json:"backend_kind"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	InstanceID   string            `json:"instance_id,omitempty"`
	Status       string            `json:"status,omitempty"`
}

// InvokeRequest is the body of POST /agents/[{id}/]invoke and /stream.
type InvokeRequest struct {
	Messages []service.LLMMessage `json:"messages" binding:"required"`
	ThreadID string               `json:"thread_id,omitempty"`
	Trace    bool                 `json:"trace,omitempty"`
}

// ResumeRequest is the body of POST /agents/[{id}/]resume.
type ResumeRequest struct {
	ThreadID string                            `json:"thread_id" binding:"required"`
	Decision string                            `json:"decision" binding:"required"`
	EditArgs map[string]map[string]interface{} `json:"edit_args,omitempty"`
	Comment  string                            `json:"comment,omitempty"`
}

// InvokeResponse is the response of a blocking invoke or resume call.
type InvokeResponse struct {
	Response    string                `json:"response"`
	ThreadID    string                `json:"thread_id"`
	TotalSteps  int                   `json:"total_steps"`
	TotalTokens int                   `json:"total_tokens"`
	ModelUsed   string                `json:"model_used"`
	ToolsUsed   []string              `json:"tools_used,omitempty"`
	Interrupted bool                  `json:"interrupted,omitempty"`
	Interrupt   *entity.InterruptInfo `json:"interrupt,omitempty"`
	Trace       []entity.AgentEvent   `json:"trace,omitempty"`
}

// AgentHandler binds the `/agents` route table to the instance registry,
// gateway auth, and the SSE client hub. Grounded on original_source's
// routes/agent.py, narrowed to the contract spec.md §6 actually names
// (skills/middleware-listing/pptx export are application concerns, not
// part of this surface).
type AgentHandler struct {
	registry   *agent.Registry
	threads    repository.ThreadRepository
	tools      domaintool.Registry
	clientHub  *eventbus.ClientHub
	authClient *gatewayauth.Client
	terminal   *wsinterface.TerminalHandler
	logger     *zap.Logger
}

// NewAgentHandler wires the handler's dependencies.
func NewAgentHandler(
	registry *agent.Registry,
	threads repository.ThreadRepository,
	tools domaintool.Registry,
	clientHub *eventbus.ClientHub,
	authClient *gatewayauth.Client,
	logger *zap.Logger,
) *AgentHandler {
	return &AgentHandler{
		registry:   registry,
		threads:    threads,
		tools:      tools,
		clientHub:  clientHub,
		authClient: authClient,
		terminal:   wsinterface.NewTerminalHandler(logger),
		logger:     logger.With(zap.String("handler", "agent")),
	}
}

// Terminal handles WS /agents/{id}/terminal — a duplex byte pipe onto the
// caller's Docker-backed instance. Non-Docker backends have no shell to
// attach to and are rejected before the upgrade.
func (h *AgentHandler) Terminal(c *gin.Context) {
	templateID := c.Param("id")
	username := usernameFrom(c)

	inst, err := h.registry.GetOrCloneInstance(templateID, username)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	if inst.Backend.Kind != "docker" {
		respondErr(c, h.logger, apperrors.NewInvalidInputError("terminal requires a docker-backed agent instance"))
		return
	}
	h.terminal.Serve(c.Writer, c.Request, inst.Backend.DockerHost, inst.Backend.ContainerName)
}

// Health handles GET /health.
func (h *AgentHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"agents_loaded": len(h.registry.ListTemplates()),
	})
}

// CreateAgent handles POST /agents/.
func (h *AgentHandler) CreateAgent(c *gin.Context) {
	var req AgentCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, h.logger, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	backendKind := req.BackendKind
	if backendKind == "" {
		backendKind = "process"
	}

	tmpl := &agent.Template{
		ID:           req.ID,
		Name:         req.Name,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		AllowedTools: req.AllowedTools,
		DeniedTools:  req.DeniedTools,
		InterruptOn:  req.InterruptOn,
		Backend: agent.BackendSpec{
			Kind:  backendKind,
			Image: req.BackendImage,
		},
		Metadata:  req.Metadata,
		CreatedAt: time.Now(),
	}
	h.registry.RegisterTemplate(tmpl)
	c.JSON(http.StatusOK, templateToInfo(tmpl))
}

// ListAgents handles GET /agents/ — templates registered for the process,
// annotated with the caller's own instance (if any) against each.
func (h *AgentHandler) ListAgents(c *gin.Context) {
	username := usernameFrom(c)
	templates := h.registry.ListTemplates()
	out := make([]AgentInfo, 0, len(templates))
	for _, tmpl := range templates {
		info := templateToInfo(tmpl)
		if instID := instanceIDFor(h.registry, tmpl.ID, username); instID != "" {
			if inst, ok := h.registry.GetInstance(instID); ok {
				info.InstanceID = inst.ID
				info.Status = inst.Status().String()
			}
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, out)
}

// GetAgent handles GET /agents/{id} — returns the caller's cloned
// instance, cloning one on first access.
func (h *AgentHandler) GetAgent(c *gin.Context) {
	templateID := c.Param("id")
	username := usernameFrom(c)

	tmpl, ok := h.registry.GetTemplate(templateID)
	if !ok {
		respondErr(c, h.logger, apperrors.NewNotFoundError("agent not found: "+templateID))
		return
	}
	inst, err := h.registry.GetOrCloneInstance(templateID, username)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	info := templateToInfo(tmpl)
	info.InstanceID = inst.ID
	info.Status = inst.Status().String()
	c.JSON(http.StatusOK, info)
}

// DeleteAgent handles DELETE /agents/{id} — deletes the caller's own
// instance; the template persists for other users.
func (h *AgentHandler) DeleteAgent(c *gin.Context) {
	templateID := c.Param("id")
	username := usernameFrom(c)

	instID := instanceIDFor(h.registry, templateID, username)
	if instID == "" {
		c.Status(http.StatusNoContent)
		return
	}
	if err := h.registry.DeleteInstance(instID); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PatchTools handles PATCH /agents/{id}/tools.
func (h *AgentHandler) PatchTools(c *gin.Context) {
	templateID := c.Param("id")
	username := usernameFrom(c)

	var body struct {
		Tools []string `json:"tools"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, h.logger, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	inst, err := h.registry.GetOrCloneInstance(templateID, username)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	if err := h.registry.UpdateInstanceTools(inst.ID, body.Tools, nil); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": templateID, "tools": body.Tools})
}

// PatchBackend handles PATCH /agents/{id}/backend — fires an async
// container launch when switching to (or re-launching) a Docker backend.
func (h *AgentHandler) PatchBackend(c *gin.Context) {
	templateID := c.Param("id")
	username := usernameFrom(c)

	var body struct {
		Mode       string `json:"mode"`
		SandboxURL string `json:"sandbox_url"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, h.logger, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	inst, err := h.registry.GetOrCloneInstance(templateID, username)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	tmpl, _ := h.registry.GetTemplate(templateID)
	backend := tmpl.Backend
	if body.Mode != "" {
		backend.Kind = body.Mode
	}
	if body.SandboxURL != "" {
		backend.Host = body.SandboxURL
	}
	if err := h.registry.UpdateInstanceBackend(inst.ID, backend); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	// UpdateInstanceBackend rebuilt inst.Backend via the instance factory,
	// which fires the async container launch itself (and publishes
	// container_status to the event hub) when the new backend is Docker.
	status := "n/a"
	if inst.Backend.Kind == "docker" {
		status = "launching"
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id":         templateID,
		"sandbox_url":      backend.Host,
		"backend_type":     inst.Backend.Kind,
		"container_status": status,
		"container_error":  "",
	})
}

// AvailableTools handles GET /agents/tools/available — the registered
// tool set, filtered by the gateway's ACL when one is configured.
func (h *AgentHandler) AvailableTools(c *gin.Context) {
	token := tokenFrom(c)
	allowAll, allowed := h.authClient.AllowedTools(token)

	defs := h.tools.List()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		if toolAllowed(d.Name, allowAll, allowed) {
			names = append(names, d.Name)
		}
	}
	c.JSON(http.StatusOK, gin.H{"tools": names})
}

// toolAllowed applies the MCP-prefix ACL rule: mcp_<server>_<name> tools
// check their bare suffix against the ACL; everything else always passes.
func toolAllowed(name string, allowAll bool, allowed map[string]bool) bool {
	if allowAll {
		return true
	}
	if !strings.HasPrefix(name, "mcp_") {
		return true
	}
	parts := strings.SplitN(strings.TrimPrefix(name, "mcp_"), "_", 2)
	bare := name
	if len(parts) == 2 {
		bare = parts[1]
	}
	return allowed[bare] || allowed[name]
}

// resolveInstance locates (or clones) the caller's instance for either the
// bare `/agents/invoke` route (single default template) or the
// id-scoped `/agents/{id}/invoke` route.
func (h *AgentHandler) resolveInstance(c *gin.Context, username string) (*agent.Instance, error) {
	templateID := c.Param("id")
	if templateID == "" {
		templates := h.registry.ListTemplates()
		if len(templates) == 0 {
			return nil, apperrors.NewNotFoundError("no agent templates registered")
		}
		templateID = templates[0].ID
	}
	return h.registry.GetOrCloneInstance(templateID, username)
}

// Invoke handles POST /agents/[{id}/]invoke — blocking invocation.
func (h *AgentHandler) Invoke(c *gin.Context) {
	var req InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, h.logger, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	username := usernameFrom(c)
	inst, err := h.resolveInstance(c, username)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}
	if !inst.AcquireThread(threadID) {
		respondErr(c, h.logger, apperrors.NewThreadBusyError("thread "+threadID+" is already running an invocation"))
		return
	}

	ctx := c.Request.Context()
	history, _ := h.threads.LoadMessages(ctx, inst.ID, threadID)
	history = append(history, req.Messages...)
	userMessage := lastUserContent(req.Messages)

	result, eventCh := inst.Loop.Run(ctx, threadID, "", userMessage, history, "")
	trace, interrupt := drainEvents(eventCh, req.Trace)
	interrupted := interrupt != nil
	inst.ReleaseThread(threadID, interrupted)

	if !interrupted {
		_ = h.threads.AppendMessages(ctx, inst.ID, threadID, req.Messages)
	}

	resp := InvokeResponse{
		Response:    result.FinalContent,
		ThreadID:    threadID,
		TotalSteps:  result.TotalSteps,
		TotalTokens: result.TotalTokens,
		ModelUsed:   result.ModelUsed,
		ToolsUsed:   result.ToolsUsed,
		Interrupted: interrupted,
	}
	if req.Trace {
		resp.Trace = trace
	}
	if interrupted {
		resp.Interrupt = interrupt
	}
	c.JSON(http.StatusOK, resp)
}

// Stream handles POST /agents/[{id}/]stream — the SSE twin of Invoke.
func (h *AgentHandler) Stream(c *gin.Context) {
	var req InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, h.logger, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	username := usernameFrom(c)
	inst, err := h.resolveInstance(c, username)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}
	if !inst.AcquireThread(threadID) {
		respondErr(c, h.logger, apperrors.NewThreadBusyError("thread "+threadID+" is already running an invocation"))
		return
	}

	ctx := c.Request.Context()
	history, _ := h.threads.LoadMessages(ctx, inst.ID, threadID)
	history = append(history, req.Messages...)
	userMessage := lastUserContent(req.Messages)

	_, eventCh := inst.Loop.Run(ctx, threadID, "", userMessage, history, "")
	h.streamSSE(c, eventCh, func(interrupted bool) {
		inst.ReleaseThread(threadID, interrupted)
		if !interrupted {
			_ = h.threads.AppendMessages(ctx, inst.ID, threadID, req.Messages)
		}
	})
}

// Resume handles POST /agents/[{id}/]resume — continues a checkpointed
// invocation after a human decision.
func (h *AgentHandler) Resume(c *gin.Context) {
	var req ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, h.logger, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	username := usernameFrom(c)
	inst, err := h.resolveInstance(c, username)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	if !inst.AcquireThread(req.ThreadID) {
		respondErr(c, h.logger, apperrors.NewThreadBusyError("thread "+req.ThreadID+" is already running an invocation"))
		return
	}

	decision := service.ResumeDecision{Action: req.Decision, Edited: req.EditArgs, Comment: req.Comment}
	ctx := c.Request.Context()
	result, eventCh, err := inst.Loop.Resume(ctx, req.ThreadID, decision)
	if err != nil {
		inst.ReleaseThread(req.ThreadID, false)
		respondErr(c, h.logger, err)
		return
	}
	trace, interrupt := drainEvents(eventCh, true)
	interrupted := interrupt != nil
	inst.ReleaseThread(req.ThreadID, interrupted)

	resp := InvokeResponse{
		Response:    result.FinalContent,
		ThreadID:    req.ThreadID,
		TotalSteps:  result.TotalSteps,
		TotalTokens: result.TotalTokens,
		ModelUsed:   result.ModelUsed,
		ToolsUsed:   result.ToolsUsed,
		Interrupted: interrupted,
		Trace:       trace,
	}
	if interrupted {
		resp.Interrupt = interrupt
	}
	c.JSON(http.StatusOK, resp)
}

// streamSSE drains eventCh as SSE frames and invokes onDone once the
// channel closes (or the client disconnects, whichever comes first) so
// the caller can release the thread lock and persist the transcript.
func (h *AgentHandler) streamSSE(c *gin.Context, eventCh <-chan entity.AgentEvent, onDone func(interrupted bool)) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	interrupted := false
	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				onDone(interrupted)
				return
			}
			if event.Type == entity.EventInterrupt {
				interrupted = true
			}
			writeSSEFrame(c.Writer, string(event.Type), event)
			if flusher != nil {
				flusher.Flush()
			}
		case <-c.Request.Context().Done():
			onDone(interrupted)
			return
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, event string, payload interface{}) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// Events handles GET /agents/events — the process-wide SSE channel
// (container status, config changes), filtered to the caller's username.
func (h *AgentHandler) Events(c *gin.Context) {
	username := usernameFrom(c)
	_, events, unregister := h.clientHub.Register(username)
	defer unregister()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSEFrame(c.Writer, ev.Kind, ev.Payload)
			if flusher != nil {
				flusher.Flush()
			}
		case <-keepAlive.C:
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// drainEvents consumes eventCh to completion, optionally retaining every
// event as a trace (non-streaming callers that opted in with trace=true).
// It always watches for an interrupt event and returns its detail
// regardless of keep, since ReleaseThread and the response's Interrupted
// flag must reflect the real outcome even when the caller never asked for
// the full trace back.
func drainEvents(eventCh <-chan entity.AgentEvent, keep bool) ([]entity.AgentEvent, *entity.InterruptInfo) {
	var trace []entity.AgentEvent
	var interrupt *entity.InterruptInfo
	for event := range eventCh {
		if keep {
			trace = append(trace, event)
		}
		if event.Type == entity.EventInterrupt {
			interrupt = event.Interrupt
		}
	}
	return trace, interrupt
}

func lastUserContent(messages []service.LLMMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}

func templateToInfo(tmpl *agent.Template) AgentInfo {
	return AgentInfo{
		ID:           tmpl.ID,
		Name:         tmpl.Name,
		Model:        tmpl.Model,
		AllowedTools: tmpl.AllowedTools,
		DeniedTools:  tmpl.DeniedTools,
		InterruptOn:  tmpl.InterruptOn,
		BackendKind:  tmpl.Backend.Kind,
		Metadata:     tmpl.Metadata,
		CreatedAt:    tmpl.CreatedAt,
	}
}

// instanceIDFor looks up the instance ID for (templateID, username)
// without cloning one, by scanning ListInstances — used by read-only
// routes that must not materialize an instance as a side effect.
func instanceIDFor(reg *agent.Registry, templateID, username string) string {
	for _, inst := range reg.ListInstances(templateID) {
		if inst.Username == username {
			return inst.ID
		}
	}
	return ""
}

