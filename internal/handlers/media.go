package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"safeyou-chat/internal/media"
	"safeyou-chat/internal/models"
)

type UploadSigner interface {
	PresignUpload(ctx context.Context, userID string, kind models.MediaKind, contentType string) (media.Upload, error)
}

type MediaHandler struct {
	signer UploadSigner
}

func NewMediaHandler(signer UploadSigner) *MediaHandler {
	return &MediaHandler{signer: signer}
}

type uploadRequest struct {
	Kind        models.MediaKind `json:"kind" binding:"required"`
	ContentType string           `json:"content_type" binding:"required"`
}

// CreateUpload returns a presigned PUT for a new attachment.
func (h *MediaHandler) CreateUpload(c *gin.Context) {
	if h.signer == nil {
		respondError(c, media.ErrDisabled)
		return
	}
	var req uploadRequest
	if !bindJSON(c, &req) {
		return
	}
	up, err := h.signer.PresignUpload(c.Request.Context(), c.GetString("userID"), req.Kind, req.ContentType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, up)
}
