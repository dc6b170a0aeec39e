package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"safeyou-chat/internal/telemetry"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(requestIDContextKey); id != "" {
		return id
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	c.Request = c.Request.WithContext(telemetry.WithRequestID(c.Request.Context(), requestID))
	return requestID
}
