package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/events"
	"safeyou-chat/internal/logger"
	"safeyou-chat/internal/models"
	"safeyou-chat/internal/observability"
	"safeyou-chat/internal/services"
)

// CloseOverflow is sent when the subscriber fell behind and must resubscribe
// from its last applied sequence.
const CloseOverflow = 4001

const maxFrameSize = 4096

// Subscriber opens bus subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, entity models.Entity, from *uint64) (*events.Subscription, error)
}

// StreamHandler serves GET /ws.
type StreamHandler struct {
	hub      *Hub
	bus      Subscriber
	presence services.PresenceTracker
	cfg      config.ChatConfig
}

func NewStreamHandler(hub *Hub, bus Subscriber, presence services.PresenceTracker, cfg config.ChatConfig) *StreamHandler {
	return &StreamHandler{hub: hub, bus: bus, presence: presence, cfg: cfg}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type clientFrame struct {
	Type string `json:"type"`
}

// Handle subscribes to the requested stream and upgrades the connection. It
// blocks until the connection ends.
func (h *StreamHandler) Handle(c *gin.Context) {
	userID := c.GetString("userID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	entity := models.Entity(c.DefaultQuery("entity", string(models.EntityMessage)))
	if !entity.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown entity"})
		return
	}
	var from *uint64
	if raw := c.Query("from"); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from sequence"})
			return
		}
		from = &seq
	}

	ctx, span := otel.Tracer("safeyou-chat/ws").Start(c.Request.Context(), "ws.handshake")
	traceID := span.SpanContext().TraceID().String()
	span.End()

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	// Subscribing first means a failed replay is still a plain HTTP error.
	sub, err := h.bus.Subscribe(connCtx, entity, from)
	if errors.Is(err, events.ErrTruncated) {
		c.JSON(http.StatusGone, gin.H{"error": "history truncated, reload from /sync"})
		return
	}
	if err != nil {
		logger.Log.Warn("stream subscribe failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream unavailable"})
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	client := newClient(conn, ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		Entity:      string(entity),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	})

	h.hub.Register(connCtx, client)
	h.hub.publishLifecycle(connCtx, "ws_connect", client.info, "")

	go h.readLoop(connCtx, cancel, client)
	reason := h.writeLoop(connCtx, client, sub)

	h.hub.Unregister(context.WithoutCancel(connCtx), client)
	h.hub.publishLifecycle(context.WithoutCancel(connCtx), "ws_disconnect", client.info, reason)
}

func (h *StreamHandler) writeLoop(ctx context.Context, client *Client, sub *events.Subscription) string {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				code, reason := closeCode(sub.Err())
				client.closeWith(code, reason)
				return reason
			}
			if !visibleTo(ev, client.info.UserID) {
				continue
			}
			if err := client.writeJSON(ev); err != nil {
				_ = client.conn.Close()
				return err.Error()
			}
		case <-ticker.C:
			if err := client.ping(); err != nil {
				_ = client.conn.Close()
				return err.Error()
			}
		case <-ctx.Done():
			client.closeWith(websocket.CloseNormalClosure, "")
			return "client closed"
		}
	}
}

func (h *StreamHandler) readLoop(ctx context.Context, cancel context.CancelFunc, client *Client) {
	defer cancel()

	grace := h.cfg.Grace()
	var (
		mu   sync.Mutex
		last time.Time
	)
	beat := func() {
		_ = client.conn.SetReadDeadline(time.Now().Add(grace))
		mu.Lock()
		due := time.Since(last) >= h.cfg.HeartbeatInterval
		if due {
			last = time.Now()
		}
		mu.Unlock()
		if due && h.presence != nil {
			if _, err := h.presence.Heartbeat(ctx, client.info.UserID); err != nil {
				logger.Log.Debug("websocket heartbeat failed", zap.String("user_id", client.info.UserID), zap.Error(err))
			}
		}
	}

	client.conn.SetReadLimit(maxFrameSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(grace))
	client.conn.SetPongHandler(func(string) error {
		beat()
		return nil
	})

	for {
		kind, data, err := client.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent(client.info.Entity, "ws_error")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var frame clientFrame
		if json.Unmarshal(data, &frame) == nil && frame.Type == "heartbeat" {
			beat()
		}
	}
}

// visibleTo hides private messages from everyone but their two participants.
func visibleTo(ev models.ChangeEvent, userID string) bool {
	if ev.Entity != models.EntityMessage {
		return true
	}
	m, err := ev.Message()
	if err != nil {
		return false
	}
	return m.VisibleTo(userID)
}

func closeCode(err error) (int, string) {
	switch {
	case errors.Is(err, events.ErrOverflow):
		return CloseOverflow, "overflow"
	case errors.Is(err, events.ErrBusClosed):
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseNormalClosure, ""
	}
}
