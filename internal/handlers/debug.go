package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"safeyou-chat/internal/services"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRoutes, auditor services.Auditor, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if auditor == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		requestID := requestIDFromContext(c)
		auditor.Emit(c.Request.Context(), "debug.audit_test", c.GetString("userID"), "audit test",
			map[string]string{"request_id": requestID})
		c.JSON(http.StatusOK, gin.H{"status": "ok", "request_id": requestID})
	})
}
