package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/agentrun/gateway/internal/infrastructure/gatewayauth"
)

// usernameKey/tokenKey are the gin context keys set by requireAuth.
const (
	usernameKey = "agentrt.username"
	tokenKey    = "agentrt.token"
)

// extractToken pulls a bearer token from the Authorization header, or the
// `token` query parameter for SSE/WebSocket clients that can't set custom
// headers (browser EventSource, WS handshake).
func extractToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return auth[len("Bearer "):]
	}
	return c.Query("token")
}

// requireAuth validates the caller against the gateway when one is
// configured; with no gateway URL every request is treated as the "local"
// admin user, so local/dev usage is unaffected.
func requireAuth(authClient *gatewayauth.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if !authClient.Enabled() {
			c.Set(usernameKey, "local")
			c.Set(tokenKey, "")
			c.Next()
			return
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "missing or invalid Authorization header"})
			return
		}

		user, err := authClient.ValidateToken(token)
		if err != nil {
			if gatewayauth.IsUnauthorized(err) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "invalid or expired token"})
				return
			}
			c.AbortWithStatusJSON(http.StatusBadGateway, errorBody{Error: "auth gateway unreachable", Detail: err.Error()})
			return
		}
		if !user.Enabled {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "account disabled"})
			return
		}

		c.Set(usernameKey, user.Username)
		c.Set(tokenKey, token)
		c.Next()
	}
}

func usernameFrom(c *gin.Context) string {
	if v, ok := c.Get(usernameKey); ok {
		return v.(string)
	}
	return "local"
}

func tokenFrom(c *gin.Context) string {
	if v, ok := c.Get(tokenKey); ok {
		return v.(string)
	}
	return ""
}
