package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"safeyou-chat/internal/models"
	"safeyou-chat/internal/services"
)

type SyncHandler struct {
	snapshots services.Snapshotter
}

func NewSyncHandler(snapshots services.Snapshotter) *SyncHandler {
	return &SyncHandler{snapshots: snapshots}
}

// Snapshot returns the caller's view of one stream together with the
// sequence to resume the stream from.
func (h *SyncHandler) Snapshot(c *gin.Context) {
	entity := models.Entity(c.DefaultQuery("entity", string(models.EntityMessage)))
	snap, err := h.snapshots.Snapshot(c.Request.Context(), c.GetString("userID"), entity)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
