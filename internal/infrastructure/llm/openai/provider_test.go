package openai

import (
	"encoding/json"
	"testing"

	"github.com/agentrun/gateway/internal/domain/entity"
	"github.com/agentrun/gateway/internal/domain/service"
	"github.com/agentrun/gateway/internal/infrastructure/llm"
	"go.uber.org/zap"
)

// TestBuildAndParse_ToolCallRoundTrip exercises the round-trip law from
// the message-model contract: an assistant message with a tool call,
// serialized to the OpenAI wire format and parsed back out of a
// response body shaped like that wire format, must come back equivalent
// (same tool name, id, and arguments).
func TestBuildAndParse_ToolCallRoundTrip(t *testing.T) {
	p := New(llm.ProviderConfig{Name: "openai", Models: []string{"gpt-4o"}}, zap.NewNop())

	req := &service.LLMRequest{
		Model: "gpt-4o",
		Messages: []service.LLMMessage{
			{Role: "system", Content: "Reply with OK."},
			{Role: "user", Content: "add 2 and 3"},
			{
				Role: "assistant",
				ToolCalls: []entity.ToolCallInfo{
					{ID: "call-1", Name: "add", Arguments: map[string]interface{}{"a": float64(2), "b": float64(3)}},
				},
			},
			{Role: "tool", ToolCallID: "call-1", Name: "add", Content: "5"},
		},
	}

	apiReq := p.buildAPIRequest(req)

	// Round-trip the built request through JSON, as it would cross the wire.
	wire, err := json.Marshal(apiReq)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	var decoded Request
	if err := json.Unmarshal(wire, &decoded); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}

	assistantMsg := decoded.Messages[2]
	if len(assistantMsg.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call on the assistant message, got %d", len(assistantMsg.ToolCalls))
	}
	if assistantMsg.ToolCalls[0].ID != "call-1" || assistantMsg.ToolCalls[0].Function.Name != "add" {
		t.Fatalf("tool call identity lost in request round-trip: %+v", assistantMsg.ToolCalls[0])
	}

	toolMsg := decoded.Messages[3]
	if toolMsg.ToolCallID != "call-1" || toolMsg.Content != "5" {
		t.Fatalf("tool result message lost in request round-trip: %+v", toolMsg)
	}

	// Now simulate that same assistant message coming back as a model
	// response and confirm parseAPIResponse recovers the tool call.
	respBody, err := json.Marshal(Response{
		Model:   "gpt-4o",
		Choices: []Choice{{Message: assistantMsg, FinishReason: "tool_calls"}},
	})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	resp, err := p.parseAPIResponse(respBody)
	if err != nil {
		t.Fatalf("parseAPIResponse: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 parsed tool call, got %d", len(resp.ToolCalls))
	}
	got := resp.ToolCalls[0]
	if got.ID != "call-1" || got.Name != "add" {
		t.Fatalf("tool call identity lost in response round-trip: %+v", got)
	}
	if got.Arguments["a"] != float64(2) || got.Arguments["b"] != float64(3) {
		t.Fatalf("tool call arguments lost in response round-trip: %+v", got.Arguments)
	}
}

// TestBuildAndParse_PlainTextRoundTrip covers the no-tool-calls path of the
// same law: plain assistant content survives request build and response
// parse unchanged.
func TestBuildAndParse_PlainTextRoundTrip(t *testing.T) {
	p := New(llm.ProviderConfig{Name: "openai", Models: []string{"gpt-4o"}}, zap.NewNop())

	req := &service.LLMRequest{
		Model: "gpt-4o",
		Messages: []service.LLMMessage{
			{Role: "system", Content: "Reply with OK."},
			{Role: "user", Content: "hi"},
		},
	}
	apiReq := p.buildAPIRequest(req)

	respBody, err := json.Marshal(Response{
		Model:   "gpt-4o",
		Choices: []Choice{{Message: Message{Role: "assistant", Content: "OK"}}},
		Usage:   Usage{TotalTokens: 12},
	})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if apiReq.Messages[0].Role != "system" || apiReq.Messages[1].Content != "hi" {
		t.Fatalf("built request lost message content: %+v", apiReq.Messages)
	}

	resp, err := p.parseAPIResponse(respBody)
	if err != nil {
		t.Fatalf("parseAPIResponse: %v", err)
	}
	if resp.Content != "OK" || resp.TokensUsed != 12 {
		t.Fatalf("plain-text response round-trip mismatch: %+v", resp)
	}
}
