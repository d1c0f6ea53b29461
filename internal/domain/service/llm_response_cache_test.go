package service

import (
	"testing"
	"time"

	domaintool "github.com/agentrun/gateway/internal/domain/tool"
)

// === LLMResponseCache Tests ===

func TestLLMResponseCache_PutGet(t *testing.T) {
	cache := NewLLMResponseCache(5*time.Second, 100)

	req := &LLMRequest{Model: "gpt-4o", Messages: []LLMMessage{{Role: "user", Content: "hi"}}}
	cache.Put(req, &LLMResponse{Content: "hello", ModelUsed: "gpt-4o"})

	resp, hit := cache.Get(req)
	if !hit {
		t.Fatal("expected cache hit")
	}
	if resp.Content != "hello" {
		t.Fatalf("expected 'hello', got %q", resp.Content)
	}
}

func TestLLMResponseCache_MissOnDifferentMessages(t *testing.T) {
	cache := NewLLMResponseCache(5*time.Second, 100)

	cache.Put(&LLMRequest{Model: "gpt-4o", Messages: []LLMMessage{{Role: "user", Content: "hi"}}}, &LLMResponse{Content: "hello"})

	_, hit := cache.Get(&LLMRequest{Model: "gpt-4o", Messages: []LLMMessage{{Role: "user", Content: "bye"}}})
	if hit {
		t.Fatal("expected miss for a different message history")
	}
}

func TestLLMResponseCache_MissOnDifferentTools(t *testing.T) {
	cache := NewLLMResponseCache(5*time.Second, 100)
	msgs := []LLMMessage{{Role: "user", Content: "hi"}}

	cache.Put(&LLMRequest{Model: "gpt-4o", Messages: msgs}, &LLMResponse{Content: "hello"})

	_, hit := cache.Get(&LLMRequest{Model: "gpt-4o", Messages: msgs, Tools: []domaintool.Definition{{Name: "add"}}})
	if hit {
		t.Fatal("expected miss when the tool set differs even with identical messages")
	}
}

func TestLLMResponseCache_TTLExpiry(t *testing.T) {
	cache := NewLLMResponseCache(10*time.Millisecond, 100)
	req := &LLMRequest{Model: "gpt-4o", Messages: []LLMMessage{{Role: "user", Content: "hi"}}}
	cache.Put(req, &LLMResponse{Content: "hello"})

	if _, hit := cache.Get(req); !hit {
		t.Fatal("expected cache hit before expiry")
	}

	time.Sleep(15 * time.Millisecond)

	if _, hit := cache.Get(req); hit {
		t.Fatal("expected cache miss after TTL expiry")
	}
}

func TestLLMResponseCache_MaxSizeEviction(t *testing.T) {
	cache := NewLLMResponseCache(5*time.Second, 3)

	for i := 0; i < 5; i++ {
		req := &LLMRequest{Model: "gpt-4o", Messages: []LLMMessage{{Role: "user", Content: string(rune('a' + i))}}}
		cache.Put(req, &LLMResponse{Content: "r"})
	}

	if cache.Size() > 3 {
		t.Fatalf("expected at most 3 entries after eviction, got %d", cache.Size())
	}
}
