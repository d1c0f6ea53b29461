package entity

import "time"

// AgentEventType defines the type of event emitted during an agent loop.
// The taxonomy mirrors what an SSE subscriber sees on the wire, in the order
// a single invocation guarantees: agent_start, input_prompt, then a
// llm_start/llm_token*/llm_end triple per step, interleaved with
// tool_call/tool_result pairs, ending in interrupt or done/error.
type AgentEventType string

const (
	EventAgentStart  AgentEventType = "agent_start"
	EventInputPrompt AgentEventType = "input_prompt"
	EventLLMStart    AgentEventType = "llm_start"
	EventLLMToken    AgentEventType = "llm_token"
	EventLLMEnd      AgentEventType = "llm_end"
	EventToolCall    AgentEventType = "tool_call"
	EventToolResult  AgentEventType = "tool_result"
	EventNodeStart   AgentEventType = "node_start"
	EventNodeEnd     AgentEventType = "node_end"
	EventInterrupt   AgentEventType = "interrupt"
	EventDone        AgentEventType = "done"
	EventError       AgentEventType = "error"

	// Retained for backward-compatible internal hooks; map onto llm_token/node_end.
	EventTextDelta AgentEventType = "text_delta"
	EventThinking  AgentEventType = "thinking"
	EventStepDone  AgentEventType = "step_done"
)

// AgentEvent represents a single event in the agent's ReAct loop.
// Consumers (HTTP SSE handler, sub-agent drain loop) subscribe to a channel
// of these events.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	Content   string         `json:"content,omitempty"`
	ToolCall  *ToolCallEvent `json:"tool_call,omitempty"`
	StepInfo  *StepInfo      `json:"step_info,omitempty"`
	Interrupt *InterruptInfo `json:"interrupt,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// InterruptInfo describes the tool calls awaiting a human decision before
// the loop may continue, and the checkpoint token needed to resume it.
type InterruptInfo struct {
	ThreadID    string         `json:"thread_id"`
	PendingTool []ToolCallInfo `json:"pending_tool_calls"`
}

// ToolCallEvent describes a tool invocation within the agent loop
type ToolCallEvent struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Output    string                 `json:"output,omitempty"`
	Display   string                 `json:"display,omitempty"` // Rich UI output (fallback to Output)
	Success   bool                   `json:"success"`
	Duration  time.Duration          `json:"duration,omitempty"`
}

// StepInfo provides metadata about the current agent step
type StepInfo struct {
	Step       int    `json:"step"`
	TokensUsed int    `json:"tokens_used"`
	ModelUsed  string `json:"model_used"`
	State      string `json:"state,omitempty"` // Current state machine state
}

// ToolCallInfo represents a tool call parsed from LLM response
type ToolCallInfo struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}
