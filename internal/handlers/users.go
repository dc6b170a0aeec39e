package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"safeyou-chat/internal/services"
)

// UserHandler serves registration, sign-in and the user directory.
type UserHandler struct {
	directory services.Directory
	presence  services.PresenceTracker
}

func NewUserHandler(directory services.Directory, presence services.PresenceTracker) *UserHandler {
	return &UserHandler{directory: directory, presence: presence}
}

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register creates an account.
func (h *UserHandler) Register(c *gin.Context) {
	var req credentialsRequest
	if !bindJSON(c, &req) {
		return
	}
	user, err := h.directory.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

// SignIn checks credentials and marks the user online. The returned id is
// what the gateway forwards as X-User-ID afterwards.
func (h *UserHandler) SignIn(c *gin.Context) {
	var req credentialsRequest
	if !bindJSON(c, &req) {
		return
	}
	user, err := h.directory.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	user, err = h.presence.SetOnline(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// SignOut marks the caller offline.
func (h *UserHandler) SignOut(c *gin.Context) {
	if _, err := h.presence.SetOffline(c.Request.Context(), c.GetString("userID")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *UserHandler) ListUsers(c *gin.Context) {
	users, err := h.directory.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *UserHandler) GetUser(c *gin.Context) {
	user, err := h.directory.Get(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// Heartbeat refreshes the caller's last-seen time.
func (h *UserHandler) Heartbeat(c *gin.Context) {
	user, err := h.presence.Heartbeat(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}
