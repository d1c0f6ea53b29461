package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/agentrun/gateway/internal/domain/entity"
	"github.com/agentrun/gateway/internal/domain/service"
	"github.com/agentrun/gateway/internal/infrastructure/llm"
	"go.uber.org/zap"
)

// TestBuildAndParse_ToolCallRoundTrip is the Anthropic-dialect twin of the
// OpenAI round-trip test: a system prompt lifted to the top-level field,
// an assistant tool_use block, and a tool result folded into a user
// tool_result block must all come back equivalent across request build and
// response parse.
func TestBuildAndParse_ToolCallRoundTrip(t *testing.T) {
	p := New(llm.ProviderConfig{Name: "anthropic", Models: []string{"claude-3-5-sonnet"}}, zap.NewNop())

	req := &service.LLMRequest{
		Model: "claude-3-5-sonnet",
		Messages: []service.LLMMessage{
			{Role: "system", Content: "Reply with OK."},
			{Role: "user", Content: "add 2 and 3"},
			{
				Role: "assistant",
				ToolCalls: []entity.ToolCallInfo{
					{ID: "call-1", Name: "add", Arguments: map[string]interface{}{"a": float64(2), "b": float64(3)}},
				},
			},
			{Role: "tool", ToolCallID: "call-1", Content: "5"},
		},
	}

	apiReq := p.buildAPIRequest(req)

	if apiReq.System != "Reply with OK." {
		t.Fatalf("system prompt not lifted to top-level field: %q", apiReq.System)
	}

	wire, err := json.Marshal(apiReq)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	var decoded Request
	if err := json.Unmarshal(wire, &decoded); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}

	// decoded.Messages: [0]=user, [1]=assistant tool_use, [2]=user tool_result
	if len(decoded.Messages) != 3 {
		t.Fatalf("expected 3 wire messages (system lifted out), got %d", len(decoded.Messages))
	}
	assistantMsg := decoded.Messages[1]
	if assistantMsg.Role != "assistant" || len(assistantMsg.Content) != 1 || assistantMsg.Content[0].Type != "tool_use" {
		t.Fatalf("assistant tool_use block lost in request round-trip: %+v", assistantMsg)
	}
	if assistantMsg.Content[0].ID != "call-1" || assistantMsg.Content[0].Name != "add" {
		t.Fatalf("tool call identity lost in request round-trip: %+v", assistantMsg.Content[0])
	}

	toolResultMsg := decoded.Messages[2]
	if toolResultMsg.Role != "user" || toolResultMsg.Content[0].Type != "tool_result" || toolResultMsg.Content[0].ToolUseID != "call-1" {
		t.Fatalf("tool result block lost in request round-trip: %+v", toolResultMsg)
	}

	// Simulate that assistant content block coming back as a model response.
	respBody, err := json.Marshal(Response{
		Model:   "claude-3-5-sonnet",
		Content: assistantMsg.Content,
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
