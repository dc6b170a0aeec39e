package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/telemetry"
)

const requestIDKey = "request_id"

// Identity trusts the X-User-ID header set by the auth gateway in front of
// the service. Websocket upgrades may pass ?user_id= instead when the server
// allows it, since browsers cannot set headers on upgrade requests.
func Identity(cfg config.ServerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if userID == "" && cfg.AllowQueryIdentity && websocket.IsWebSocketUpgrade(c.Request) {
			userID = strings.TrimSpace(c.Query("user_id"))
		}
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
			return
		}

		c.Set("userID", userID)
		c.Next()
	}
}

// RequireAdmin allows only ids listed in ADMIN_USER_IDS. Must run after Identity.
func RequireAdmin(cfg config.ServerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.IsAdmin(c.GetString("userID")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin only"})
			return
		}
		c.Next()
	}
}

// RequestID propagates X-Request-ID, minting one when absent, into the gin
// context, the request context and the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Request = c.Request.WithContext(telemetry.WithRequestID(c.Request.Context(), id))
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
