package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	domaintool "github.com/agentrun/gateway/internal/domain/tool"
	"go.uber.org/zap"
)

// MCPSession wraps an MCPAdapter with the persistent-session discipline a
// bridged MCP server gets: tool discovery happens once per connect, and a
// failed call reconnects (re-discovers) and retries exactly once before
// surfacing the error, rather than reconnecting forever or failing fast.
type MCPSession struct {
	adapter *MCPAdapter
	name    string
	logger  *zap.Logger

	mu        sync.Mutex
	connected bool
}

// NewMCPSession wraps adapter in reconnect-once session semantics.
func NewMCPSession(adapter *MCPAdapter, logger *zap.Logger) *MCPSession {
	return &MCPSession{
		adapter: adapter,
		name:    adapter.Name(),
		logger:  logger,
	}
}

// Connect discovers the server's tools and marks the session connected.
func (s *MCPSession) Connect(ctx context.Context) ([]MCPToolDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tools, err := s.adapter.DiscoverTools(ctx)
	if err != nil {
		s.connected = false
		return nil, err
	}
	s.connected = true
	return tools, nil
}

// CallToolWithReconnect calls a tool on the session. If the first attempt
// fails, it reconnects once (re-running discovery) and retries the call a
// single time before giving up.
func (s *MCPSession) CallToolWithReconnect(ctx context.Context, toolName string, args map[string]interface{}) (string, error) {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		if _, err := s.Connect(ctx); err != nil {
			return "", fmt.Errorf("MCP session for '%s' not connected: %w", s.name, err)
		}
	}

	output, err := s.adapter.CallTool(ctx, toolName, args)
	if err == nil {
		return output, nil
	}

	s.logger.Warn("MCP call failed, reconnecting",
		zap.String("server", s.name),
		zap.String("tool", toolName),
		zap.Error(err),
	)

	reconnectCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, reconnErr := s.Connect(reconnectCtx); reconnErr != nil {
		return "", fmt.Errorf("reconnect to '%s' failed: %w", s.name, reconnErr)
	}

	return s.adapter.CallTool(ctx, toolName, args)
}

// mcpTool adapts one discovered MCP tool into domaintool.Tool, dispatching
// through the owning session's reconnect-once call path.
type mcpTool struct {
	session     *MCPSession
	name        string
	description string
	schema      map[string]interface{}
}

func (t *mcpTool) Name() string                      { return t.name }
func (t *mcpTool) Description() string                { return t.description }
func (t *mcpTool) Kind() domaintool.Kind              { return domaintool.KindExecute }
func (t *mcpTool) Schema() map[string]interface{}     { return t.schema }

func (t *mcpTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	output, err := t.session.CallToolWithReconnect(ctx, t.name, args)
	if err != nil {
		return &domaintool.Result{Success: false, Error: err.Error()}, nil
	}
	return &domaintool.Result{Success: true, Output: output}, nil
}

// RegisterMCPTools connects adapter's session, discovers its tools, and
// registers each as "{server}_{tool}" in registry so downstream callers
// never address a bridged tool by its bare upstream name (matching the
// unregister-by-prefix convention MCPManager.RemoveServer already assumes).
func RegisterMCPTools(ctx context.Context, adapter *MCPAdapter, registry domaintool.Registry, logger *zap.Logger) (int, error) {
	session := NewMCPSession(adapter, logger)
	tools, err := session.Connect(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, def := range tools {
		toolName := fmt.Sprintf("%s_%s", adapter.Name(), def.Name)
		wrapper := &mcpTool{
			session:     session,
			name:        toolName,
			description: def.Description,
			schema:      def.InputSchema,
		}
		if err := registry.Register(wrapper); err != nil {
			logger.Warn("failed to register MCP tool",
				zap.String("tool", toolName),
				zap.Error(err),
			)
			continue
		}
		count++
	}
	return count, nil
}
