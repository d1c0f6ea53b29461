// Package gatewayauth delegates authentication and tool ACL decisions to an
// external gateway service. When no gateway URL is configured every
// helper is a no-op so local/dev runs work unchanged. Grounded on
// original_source's app/auth.py (get_current_user / get_allowed_tools).
package gatewayauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// User is the caller identity the gateway's /auth/me reports back.
type User struct {
	Username string
	Role     string
	Enabled  bool
}

// Client validates bearer tokens and tool ACLs against a gateway. Tool
// ACL responses are cached briefly per token since /api/tools is
// consulted on every tool listing and execution. The fetch runs outside
// the lock, so concurrent misses for one token may each fetch.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger

	mu        sync.Mutex
	aclCache  map[string]aclEntry
	cacheTTL  time.Duration
}

type aclEntry struct {
	tools   map[string]bool
	allowAll bool
	expires time.Time
}

// NewClient builds a gateway auth client. An empty baseURL disables auth
// entirely — every method returns a permissive result without making a
// network call.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		aclCache: make(map[string]aclEntry),
		cacheTTL: 30 * time.Second,
	}
}

// Enabled reports whether a gateway URL is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// ValidateToken calls the gateway's /auth/me with the caller's bearer
// token. When auth is disabled it returns a synthetic "local" admin user.
func (c *Client) ValidateToken(token string) (*User, error) {
	if !c.Enabled() {
		return &User{Username: "local", Role: "admin", Enabled: true}, nil
	}

	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/auth/me", nil)
	if err != nil {
		return nil, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("gateway auth request failed", zap.Error(err))
		return nil, fmt.Errorf("auth gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway auth error: status %d", resp.StatusCode)
	}

	var body struct {
		Username string `json:"username"`
		Role     string `json:"role"`
		Enabled  bool   `json:"enabled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	return &User{Username: body.Username, Role: body.Role, Enabled: body.Enabled}, nil
}

var errUnauthorized = fmt.Errorf("invalid or expired token")

// IsUnauthorized reports whether err is the sentinel returned for an
// invalid or expired token.
func IsUnauthorized(err error) bool {
	return err == errUnauthorized
}

// AllowedTools returns the set of tool names this token may use. A single
// "*" entry in the gateway response means every tool is allowed.
func (c *Client) AllowedTools(token string) (allowAll bool, tools map[string]bool) {
	if !c.Enabled() {
		return true, nil
	}

	c.mu.Lock()
	if entry, ok := c.aclCache[token]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.allowAll, entry.tools
	}
	c.mu.Unlock()

	allowAll, tools = c.fetchAllowedTools(token)

	c.mu.Lock()
	// No re-check: another goroutine may have stored an entry meanwhile;
	// last writer wins, which is fine since both fetched the same token.
	c.aclCache[token] = aclEntry{tools: tools, allowAll: allowAll, expires: time.Now().Add(c.cacheTTL)}
	c.mu.Unlock()

	return allowAll, tools
}

func (c *Client) fetchAllowedTools(token string) (bool, map[string]bool) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/api/tools", nil)
	if err != nil {
		return false, nil
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("gateway tools request failed", zap.Error(err))
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var raw []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return false, nil
	}

	tools := make(map[string]bool, len(raw))
	for _, entry := range raw {
		name, _ := entry["name"].(string)
		if name == "*" {
			return true, nil
		}
		if name != "" {
			tools[name] = true
		}
	}
	return false, tools
}
