package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// LLMResponseCache caches whole LLM responses keyed by a hash of the
// model, the full message history, and the tool definitions offered —
// the "response cache" built-in middleware: a request a step has already
// made with an identical model/messages/tools triple (a retried or
// looping turn) is served from cache instead of re-invoked.
type LLMResponseCache struct {
	entries map[string]*llmCacheEntry
	mu      sync.RWMutex
	ttl     time.Duration
	maxSize int
}

type llmCacheEntry struct {
	resp      *LLMResponse
	createdAt time.Time
}

// NewLLMResponseCache creates a cache with the given TTL and max entries.
func NewLLMResponseCache(ttl time.Duration, maxSize int) *LLMResponseCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 100
	}
	return &LLMResponseCache{
		entries: make(map[string]*llmCacheEntry, maxSize),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns a cached response if present and not expired. The returned
// *LLMResponse is a copy safe for the caller to mutate.
func (c *LLMResponseCache) Get(req *LLMRequest) (*LLMResponse, bool) {
	key := c.makeKey(req)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Since(entry.createdAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}

	resp := *entry.resp
	return &resp, true
}

// Put stores an LLM response in the cache.
func (c *LLMResponseCache) Put(req *LLMRequest, resp *LLMResponse) {
	key := c.makeKey(req)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	stored := *resp
	c.entries[key] = &llmCacheEntry{resp: &stored, createdAt: time.Now()}
}

// Clear empties the cache.
func (c *LLMResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*llmCacheEntry, c.maxSize)
}

// Size returns the number of entries in the cache.
func (c *LLMResponseCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// makeKey hashes model + messages + tool definitions, matching the tool
// cache's sha256-prefix scheme in tool_cache.go.
func (c *LLMResponseCache) makeKey(req *LLMRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Model))
	h.Write([]byte{0})
	msgBytes, _ := json.Marshal(req.Messages)
	h.Write(msgBytes)
	h.Write([]byte{0})
	toolBytes, _ := json.Marshal(req.Tools)
	h.Write(toolBytes)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (c *LLMResponseCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for k, v := range c.entries {
		if oldestKey == "" || v.createdAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = v.createdAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
