package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"safeyou-chat/internal/models"
	"safeyou-chat/internal/services"
)

// MessageHandler exposes the message commands and listing.
type MessageHandler struct {
	messages   services.MessageStore
	moderation services.Moderator
}

func NewMessageHandler(messages services.MessageStore, moderation services.Moderator) *MessageHandler {
	return &MessageHandler{messages: messages, moderation: moderation}
}

type sendMessageRequest struct {
	Text        string        `json:"text"`
	Media       *models.Media `json:"media"`
	RecipientID string        `json:"recipient_id"`
	ReplyToID   string        `json:"reply_to_id"`
}

// ListMessages serves GET /messages?scope=public|private&peer=&cursor=&limit=.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	q := services.ListQuery{Cursor: c.Query("cursor")}
	switch c.DefaultQuery("scope", string(models.ScopePublic)) {
	case string(models.ScopePublic):
		q.Scope = models.Public()
	case string(models.ScopePrivate):
		q.Scope = models.Private(c.Query("peer"))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope must be public or private"})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		q.Limit = limit
	}

	page, err := h.messages.List(c.Request.Context(), c.GetString("userID"), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	scope := models.Public()
	if req.RecipientID != "" {
		scope = models.Private(req.RecipientID)
	}

	msg, err := h.messages.Send(c.Request.Context(), c.GetString("userID"), scope,
		models.Body{Text: req.Text, Media: req.Media}, req.ReplyToID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	if err := h.messages.Delete(c.Request.Context(), c.Param("message_id"), c.GetString("userID")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type reactRequest struct {
	Emoji     string `json:"emoji" binding:"required"`
	CommandID string `json:"command_id"`
}

// React toggles the caller's vote. command_id (or Idempotency-Key) makes a
// retried request apply once.
func (h *MessageHandler) React(c *gin.Context) {
	var req reactRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.CommandID == "" {
		req.CommandID = c.GetHeader("Idempotency-Key")
	}

	msg, err := h.messages.React(c.Request.Context(), c.Param("message_id"), c.GetString("userID"), req.Emoji, req.CommandID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	if err := h.messages.MarkRead(c.Request.Context(), c.Param("message_id"), c.GetString("userID")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Report flags the author of a message and returns their moderation state.
func (h *MessageHandler) Report(c *gin.Context) {
	target, err := h.moderation.Report(c.Request.Context(), c.GetString("userID"), c.Param("message_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": target})
}

// AdminHandler holds operator-only routes.
type AdminHandler struct {
	messages services.MessageStore
}

func NewAdminHandler(messages services.MessageStore) *AdminHandler {
	return &AdminHandler{messages: messages}
}

// PurgeMessage deletes any message regardless of author.
func (h *AdminHandler) PurgeMessage(c *gin.Context) {
	if err := h.messages.Purge(c.Request.Context(), c.Param("message_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
