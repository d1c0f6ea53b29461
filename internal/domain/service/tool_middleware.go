// Copyright 2026 AgentRun Authors. All rights reserved.
package service

import (
	"context"

	"go.uber.org/zap"
)

// ToolMiddleware is Middleware's counterpart for the tool-call side of the
// loop: it can rewrite a tool call's arguments before dispatch and rewrite
// its output afterward. Unlike AgentHook.BeforeToolCall/AfterToolCall (which
// are observational, plus a single veto), a ToolMiddleware participates in
// the data path.
type ToolMiddleware interface {
	// Name returns a human-readable identifier for logging/debugging.
	Name() string

	// BeforeToolCall is called before a tool is dispatched. It receives the
	// call's arguments and MUST return a (possibly modified) copy.
	BeforeToolCall(ctx context.Context, toolName string, args map[string]interface{}) map[string]interface{}

	// AfterToolCall is called once the tool has produced output. It
	// receives the raw output and MUST return a (possibly modified) copy.
	AfterToolCall(ctx context.Context, toolName string, output string, success bool) string
}

// ToolMiddlewarePipeline chains ToolMiddleware in the same discipline as
// MiddlewarePipeline: BeforeToolCall runs outermost-first (registration
// order), AfterToolCall unwinds in reverse — the last middleware to touch
// the arguments is the first to see the raw output.
type ToolMiddlewarePipeline struct {
	middlewares []ToolMiddleware
	logger      *zap.Logger
}

// NewToolMiddlewarePipeline creates an empty pipeline.
func NewToolMiddlewarePipeline(logger *zap.Logger) *ToolMiddlewarePipeline {
	return &ToolMiddlewarePipeline{
		middlewares: make([]ToolMiddleware, 0, 4),
		logger:      logger,
	}
}

// Use appends one or more middlewares to the pipeline.
func (p *ToolMiddlewarePipeline) Use(mws ...ToolMiddleware) {
	p.middlewares = append(p.middlewares, mws...)
}

// Len returns the number of registered middlewares.
func (p *ToolMiddlewarePipeline) Len() int {
	return len(p.middlewares)
}

// RunBeforeToolCall executes all BeforeToolCall hooks in registration order.
func (p *ToolMiddlewarePipeline) RunBeforeToolCall(ctx context.Context, toolName string, args map[string]interface{}) map[string]interface{} {
	for _, mw := range p.middlewares {
		args = mw.BeforeToolCall(ctx, toolName, args)
	}
	return args
}

// RunAfterToolCall executes all AfterToolCall hooks in REVERSE order.
func (p *ToolMiddlewarePipeline) RunAfterToolCall(ctx context.Context, toolName string, output string, success bool) string {
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		output = p.middlewares[i].AfterToolCall(ctx, toolName, output, success)
	}
	return output
}

// NoOpToolMiddleware provides pass-through defaults. Embed in custom
// middleware to only override the method you need.
type NoOpToolMiddleware struct{}

func (NoOpToolMiddleware) BeforeToolCall(_ context.Context, _ string, args map[string]interface{}) map[string]interface{} {
	return args
}

func (NoOpToolMiddleware) AfterToolCall(_ context.Context, _ string, output string, _ bool) string {
	return output
}

// ToolCallLoggingMiddleware logs every tool call's name and argument count
// at debug level, in middleware form so it participates in the same
// pipeline as rewriting middlewares instead of running as a separate side
// channel.
type ToolCallLoggingMiddleware struct {
	NoOpToolMiddleware
	logger *zap.Logger
}

// NewToolCallLoggingMiddleware creates a logging middleware bound to logger.
func NewToolCallLoggingMiddleware(logger *zap.Logger) *ToolCallLoggingMiddleware {
	return &ToolCallLoggingMiddleware{logger: logger}
}

func (m *ToolCallLoggingMiddleware) Name() string { return "tool_call_logger" }

func (m *ToolCallLoggingMiddleware) BeforeToolCall(ctx context.Context, toolName string, args map[string]interface{}) map[string]interface{} {
	m.logger.Debug("dispatching tool call",
		zap.String("tool", toolName),
		zap.Int("arg_count", len(args)),
	)
	return args
}

func (m *ToolCallLoggingMiddleware) AfterToolCall(ctx context.Context, toolName string, output string, success bool) string {
	m.logger.Debug("tool call finished",
		zap.String("tool", toolName),
		zap.Bool("success", success),
		zap.Int("output_len", len(output)),
	)
	return output
}
