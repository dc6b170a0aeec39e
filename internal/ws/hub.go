package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"safeyou-chat/internal/logger"
	"safeyou-chat/internal/observability"
	"safeyou-chat/internal/services"
)

const writeWait = 10 * time.Second

// Client is one websocket connection.
type Client struct {
	conn    *websocket.Conn
	info    ConnInfo
	writeMu sync.Mutex
}

func newClient(conn *websocket.Conn, info ConnInfo) *Client {
	return &Client{conn: conn, info: info}
}

func (c *Client) Info() ConnInfo { return c.info }

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *Client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// closeWith sends a close frame and closes the socket.
func (c *Client) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// Hub tracks live connections per user. The first connection of a user
// marks them online and the last one to close marks them offline.
type Hub struct {
	presence services.PresenceTracker
	users    map[string]map[*Client]struct{}
	mu       sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub(presence services.PresenceTracker) *Hub {
	return &Hub{
		presence: presence,
		users:    make(map[string]map[*Client]struct{}),
	}
}

// Register adds c and sets its user online on their first connection.
func (h *Hub) Register(ctx context.Context, c *Client) {
	userID := c.info.UserID
	h.mu.Lock()
	conns, ok := h.users[userID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.users[userID] = conns
	}
	conns[c] = struct{}{}
	first := len(conns) == 1
	h.mu.Unlock()

	observability.IncWSActive(c.info.Entity)
	if first {
		h.setPresence(ctx, userID, true)
	}
}

// Unregister removes c and sets its user offline when no connection is left.
func (h *Hub) Unregister(ctx context.Context, c *Client) {
	userID := c.info.UserID
	h.mu.Lock()
	conns, ok := h.users[userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, present := conns[c]; !present {
		h.mu.Unlock()
		return
	}
	delete(conns, c)
	last := len(conns) == 0
	if last {
		delete(h.users, userID)
	}
	h.mu.Unlock()

	observability.DecWSActive(c.info.Entity)
	if !last {
		return
	}
	h.setPresence(ctx, userID, false)
	// A connection may have arrived while the offline write was in flight.
	if h.Connections(userID) > 0 {
		h.setPresence(ctx, userID, true)
	}
}

func (h *Hub) setPresence(ctx context.Context, userID string, online bool) {
	if h.presence == nil {
		return
	}
	var err error
	if online {
		_, err = h.presence.SetOnline(ctx, userID)
	} else {
		_, err = h.presence.SetOffline(ctx, userID)
	}
	if err != nil {
		logger.Log.Warn("presence update from websocket failed",
			zap.String("user_id", userID),
			zap.Bool("online", online),
			zap.Error(err))
	}
}

// Connections reports the open connections of userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// ConnectedUsers lists users with at least one open connection.
func (h *Hub) ConnectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll sends going-away to every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var clients []*Client
	for _, conns := range h.users {
		for c := range conns {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) publishLifecycle(ctx context.Context, event string, info ConnInfo, reason string) {
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        info.Entity,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}
	_ = observability.PublishEvent(ctx, "ws_events.stream", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Headers:   observability.BuildHeaders(info.RequestID, info.TraceID),
		Payload:   payload,
	})
	observability.IncWSEvent(info.Entity, event)
}
