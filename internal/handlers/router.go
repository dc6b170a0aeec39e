package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/logger"
	"safeyou-chat/internal/middleware"
	"safeyou-chat/internal/observability"
	"safeyou-chat/internal/services"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Directory  services.Directory
	Presence   services.PresenceTracker
	Messages   services.MessageStore
	Moderation services.Moderator
	Uploads    UploadSigner
	Snapshots  services.Snapshotter
	Auditor    services.Auditor
	Limiter    *middleware.RateLimiter
	Stream     gin.HandlerFunc
}

// NewRouter wires every route.
func NewRouter(cfg config.Config, deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(cfg.Telemetry.ServiceName),
		middleware.RequestID(),
		logger.RequestLogger(),
		observability.HTTPMetricsMiddleware(),
	)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	users := NewUserHandler(deps.Directory, deps.Presence)
	router.POST("/users", users.Register)
	router.POST("/sessions", users.SignIn)

	auth := router.Group("/", middleware.Identity(cfg.Server))
	if deps.Stream != nil {
		auth.GET("/ws", deps.Stream)
	}

	api := auth.Group("/")
	if deps.Limiter != nil {
		api.Use(deps.Limiter.Middleware())
	}
	api.DELETE("/sessions", users.SignOut)
	api.GET("/users", users.ListUsers)
	api.GET("/users/:user_id", users.GetUser)
	api.POST("/presence/heartbeat", users.Heartbeat)

	messages := NewMessageHandler(deps.Messages, deps.Moderation)
	api.GET("/messages", messages.ListMessages)
	api.POST("/messages", messages.SendMessage)
	api.DELETE("/messages/:message_id", messages.DeleteMessage)
	api.POST("/messages/:message_id/reactions", messages.React)
	api.POST("/messages/:message_id/read", messages.MarkRead)
	api.POST("/messages/:message_id/report", messages.Report)

	api.POST("/media/uploads", NewMediaHandler(deps.Uploads).CreateUpload)

	if deps.Snapshots != nil {
		api.GET("/sync", NewSyncHandler(deps.Snapshots).Snapshot)
	}

	admin := api.Group("/admin", middleware.RequireAdmin(cfg.Server))
	admin.DELETE("/messages/:message_id", NewAdminHandler(deps.Messages).PurgeMessage)

	RegisterDebugRoutes(auth, deps.Auditor, cfg.Server.DebugRoutes)
	return router
}
