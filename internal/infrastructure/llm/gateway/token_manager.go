// Package gateway supplies bearer-token sources a custom LLM gateway
// provider can attach to outbound requests: a static configured token
// (StaticTokenSource) and an OAuth2 client_credentials exchange
// (TokenManager). It does not choose between sources and has no
// per-request callback source; a provider is handed one TokenSource.
package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// refreshBuffer is how far ahead of expiry a cached token is proactively
// refreshed, so a request never races a token that is about to expire.
const refreshBuffer = 60 * time.Second

// TokenSource resolves to the bearer token a gateway request should carry.
type TokenSource func(ctx context.Context) (string, error)

// StaticTokenSource always returns the same configured token.
func StaticTokenSource(token string) TokenSource {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

// TokenManager fetches and caches an OAuth2 client_credentials token,
// refreshing it once it falls within refreshBuffer of expiry. Concurrent
// callers racing a refresh block on the same mutex rather than each firing
// their own token request.
type TokenManager struct {
	cfg    clientcredentials.Config
	logger *zap.Logger

	mu    sync.Mutex
	token *oauth2.Token
}

// NewTokenManager builds a manager for the given OAuth2 token endpoint.
func NewTokenManager(tokenURL, clientID, clientSecret string, scopes []string, logger *zap.Logger) *TokenManager {
	return &TokenManager{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		},
		logger: logger,
	}
}

// Token returns a valid access token, fetching or refreshing it as needed.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != nil && m.token.Valid() && time.Until(m.token.Expiry) > refreshBuffer {
		return m.token.AccessToken, nil
	}

	tok, err := m.cfg.Token(ctx)
	if err != nil {
		return "", err
	}

	m.logger.Debug("refreshed gateway OAuth2 token",
		zap.Time("expiry", tok.Expiry),
	)
	m.token = tok
	return tok.AccessToken, nil
}

// Source adapts Token into the TokenSource signature providers consume.
func (m *TokenManager) Source() TokenSource {
	return m.Token
}
