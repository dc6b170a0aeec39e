package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/db"
	"safeyou-chat/internal/events"
	grpcserver "safeyou-chat/internal/grpc"
	"safeyou-chat/internal/handlers"
	"safeyou-chat/internal/logger"
	"safeyou-chat/internal/media"
	"safeyou-chat/internal/middleware"
	"safeyou-chat/internal/observability"
	"safeyou-chat/internal/rabbitmq"
	"safeyou-chat/internal/repositories"
	"safeyou-chat/internal/retention"
	"safeyou-chat/internal/services"
	"safeyou-chat/internal/telemetry"
	"safeyou-chat/internal/ws"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP, websocket and gRPC servers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Telemetry, cfg.Server.Environment)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	database, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()

	var (
		cache  repositories.PresenceCache
		ledger repositories.CommandLedger
	)
	if cfg.Redis.Address != "" {
		client, err := repositories.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		cache = repositories.NewRedisPresenceCache(client)
		ledger = repositories.NewRedisCommandLedger(client)
	} else {
		logger.Log.Info("redis not configured, using in-process presence cache and command ledger")
		cache = repositories.NewMemoryPresenceCache()
		ledger = repositories.NewMemoryCommandLedger()
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Log.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)))
	audit := telemetry.NewAuditEmitter(publisher, cfg.AMQP.AuditRoutingKey, cfg.Telemetry.ServiceName, cfg.Server.Environment)

	eventRepo := repositories.NewEventRepo(database)
	var sinks []events.Sink
	if rabbitmq.PublisherMode(publisher) == "amqp" {
		sinks = append(sinks, rabbitmq.NewRelay(publisher))
	}
	bus := events.NewBus(eventRepo, cfg.Chat.BusBuffer, sinks...)
	defer bus.Close()

	userRepo := repositories.NewUserRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	locks := services.NewKeyedLocker()

	directory := services.NewUserService(userRepo, bus, cfg.Chat)
	messages := services.NewMessageService(userRepo, messageRepo, bus, ledger, locks, cfg.Chat)
	moderation := services.NewModerationService(userRepo, messageRepo, bus, audit, locks, cfg.Chat)
	presence := services.NewPresenceService(userRepo, cache, bus, locks, cfg.Chat)

	hub := ws.NewHub(presence)
	stream := ws.NewStreamHandler(hub, bus, presence, cfg.Chat)

	deps := handlers.Deps{
		Directory:  directory,
		Presence:   presence,
		Messages:   messages,
		Moderation: moderation,
		Auditor:    audit,
		Snapshots:  services.NewSnapshotService(userRepo, messageRepo, bus, cfg.Chat),
		Limiter:    middleware.NewRateLimiter(cfg.RateLimit),
		Stream:     stream.Handle,
	}
	presigner, err := media.New(cfg.Media)
	switch {
	case err == nil:
		deps.Uploads = presigner
	case errors.Is(err, media.ErrDisabled):
		logger.Log.Info("media uploads disabled: no bucket configured")
	default:
		return err
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.HTTPPort,
		Handler:           handlers.NewRouter(cfg, deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := grpcserver.NewServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Log.Info("http server listening", zap.String("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Websockets are hijacked and not tracked by Shutdown.
		hub.CloseAll()
		return httpServer.Shutdown(sctx)
	})
	g.Go(func() error {
		return grpcServer.ListenAndServe(gctx, cfg.Server.GRPCPort)
	})
	g.Go(func() error {
		return services.NewWatchdog(presence, cfg.Chat.HeartbeatInterval).Run(gctx)
	})
	if cfg.Retention.Enabled {
		scheduler, err := retention.NewScheduler(eventRepo, cfg.Retention)
		if err != nil {
			return err
		}
		g.Go(func() error { return scheduler.Run(gctx) })
	}

	err = g.Wait()
	logger.Log.Info("shutdown complete", zap.Error(err))
	return err
}
