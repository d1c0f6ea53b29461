package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	domaintool "github.com/agentrun/gateway/internal/domain/tool"
	"go.uber.org/zap"
)

// fakeMCPServer serves a minimal tools/list + tools/call JSON-RPC surface,
// optionally failing tools/call a fixed number of times before succeeding —
// enough to exercise CallToolWithReconnect's retry-once path.
func fakeMCPServer(t *testing.T, failCallsBeforeSuccess int32) (*httptest.Server, *int32) {
	t.Helper()
	var callFailures int32
	var discoverCount int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		switch req.Method {
		case "tools/list":
			atomic.AddInt32(&discoverCount, 1)
			result, _ := json.Marshal(map[string]interface{}{
				"tools": []MCPToolDef{
					{Name: "echo", Description: "echoes input", InputSchema: map[string]interface{}{}},
				},
			})
			writeRPCResult(w, req.ID, result)
		case "tools/call":
			if atomic.LoadInt32(&callFailures) < failCallsBeforeSuccess {
				atomic.AddInt32(&callFailures, 1)
				http.Error(w, "upstream unavailable", http.StatusInternalServerError)
				return
			}
			result, _ := json.Marshal(map[string]interface{}{
				"content": []map[string]string{{"type": "text", "text": "ok"}},
			})
			writeRPCResult(w, req.ID, result)
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}
	}))
	return srv, &discoverCount
}

func writeRPCResult(w http.ResponseWriter, id int, result json.RawMessage) {
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func TestRegisterMCPTools_RegistersDiscoveredTools(t *testing.T) {
	srv, _ := fakeMCPServer(t, 0)
	defer srv.Close()

	adapter := NewMCPAdapter("fs", srv.URL, zap.NewNop())
	registry := domaintool.NewInMemoryRegistry()

	count, err := RegisterMCPTools(context.Background(), adapter, registry, zap.NewNop())
	if err != nil {
		t.Fatalf("RegisterMCPTools: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 registered tool, got %d", count)
	}
	if !registry.Has("fs_echo") {
		t.Fatalf("expected registry to contain fs_echo")
	}
}

func TestMCPSession_CallToolWithReconnect_RetriesOnce(t *testing.T) {
	srv, discoverCount := fakeMCPServer(t, 1)
	defer srv.Close()

	adapter := NewMCPAdapter("fs", srv.URL, zap.NewNop())
	session := NewMCPSession(adapter, zap.NewNop())

	if _, err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	output, err := session.CallToolWithReconnect(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	if err != nil {
		t.Fatalf("expected reconnect-and-retry to succeed, got error: %v", err)
	}
	if output != "ok" {
		t.Fatalf("expected output %q, got %q", "ok", output)
	}
	if atomic.LoadInt32(discoverCount) < 2 {
		t.Fatalf("expected a reconnect discovery call, got %d total discoveries", atomic.LoadInt32(discoverCount))
	}
}

func TestMCPSession_CallToolWithReconnect_NotConnectedConnectsFirst(t *testing.T) {
	srv, _ := fakeMCPServer(t, 0)
	defer srv.Close()

	adapter := NewMCPAdapter("fs", srv.URL, zap.NewNop())
	session := NewMCPSession(adapter, zap.NewNop())

	output, err := session.CallToolWithReconnect(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("CallToolWithReconnect: %v", err)
	}
	if output != "ok" {
		t.Fatalf("expected output %q, got %q", "ok", output)
	}
}
