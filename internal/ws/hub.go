package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"referral-service/internal/models"
	"referral-service/internal/observability"
)

const wsRoutingKey = "ws_events.chats"

// Publisher receives websocket lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// EventEnvelope wraps a websocket lifecycle event.
type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	info ConnInfo
	mu   sync.Mutex
}

func (c *client) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

const writeWait = 10 * time.Second

// Hub maintains active chat rooms.
type Hub struct {
	rooms     map[string]map[*websocket.Conn]*client
	mu        sync.RWMutex
	publisher Publisher
	logger    *zap.Logger
}

// NewHub creates an empty hub. publisher may be nil.
func NewHub(publisher Publisher, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:     make(map[string]map[*websocket.Conn]*client),
		publisher: publisher,
		logger:    logger,
	}
}

// AddChatClient registers a websocket connection to a chat room.
func (h *Hub) AddChatClient(chatID string, conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[chatID]; !ok {
		h.rooms[chatID] = make(map[*websocket.Conn]*client)
	}
	h.rooms[chatID][conn] = &client{conn: conn, info: info}
}

// RemoveChatClient removes a chat websocket connection.
func (h *Hub) RemoveChatClient(chatID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.rooms[chatID]; ok {
		delete(clients, conn)
		if len(clients) == 0 {
			delete(h.rooms, chatID)
		}
	}
}

// Clients returns the number of connections in a chat room.
func (h *Hub) Clients(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

// BroadcastMessage sends msg to every connection of its chat allowed to
// see it.
func (h *Hub) BroadcastMessage(msg models.Message) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[msg.ChatID]))
	for _, c := range h.rooms[msg.ChatID] {
		if msg.VisibleTo(c.info.UserID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(models.ChatEvent{Type: "message", Message: &msg})
	if err != nil {
		h.logger.Warn("websocket encode failed", zap.Error(err))
		return
	}
	for _, c := range targets {
		if err := c.write(payload); err != nil {
			h.logger.Debug("websocket write error", zap.String("chat_id", msg.ChatID), zap.Error(err))
			c.conn.Close()
			h.RemoveChatClient(msg.ChatID, c.conn)
			h.publishEvent(context.Background(), "ws_error", msg.ChatID, c.info, err.Error())
		}
	}
}

func (h *Hub) publishEvent(ctx context.Context, event, chatID string, info ConnInfo, reason string) {
	observability.IncWSEvent("chat", event)
	if h.publisher == nil {
		return
	}

	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        "chat",
			"resource_id": chatID,
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
	if err := h.publisher.Publish(ctx, wsRoutingKey, EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}); err != nil {
		h.logger.Debug("websocket event publish failed", zap.String("event", event), zap.Error(err))
	}
}
