package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const clientBuffer = 64

// Alert is the JSON frame pushed to websocket subscribers.
type Alert struct {
	SentAt  time.Time `json:"sent_at"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	channel string
}

func (c *client) writePump() {
	defer c.conn.Close() //nolint:errcheck // best-effort close
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Hub pushes alerts to websocket clients subscribed to a channel.
// Clients that cannot keep up are disconnected.
type Hub struct {
	clients  map[*client]struct{}
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mu       sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and subscribes the connection to channelID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, channelID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer), channel: channelID}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	go c.writePump()

	h.logger.Info("Websocket client connected", "channel", channelID, "remote_addr", r.RemoteAddr)

	// Reads only detect disconnects.
	go func() {
		defer h.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Send pushes text to every client subscribed to channelID.
func (h *Hub) Send(_ context.Context, channelID, text string) error {
	data, err := json.Marshal(Alert{SentAt: time.Now().UTC(), Channel: channelID, Text: text})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	// Sends happen under the read lock so remove cannot close a channel mid-send.
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if c.channel != channelID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Websocket client too slow, disconnecting", "channel", channelID)
		h.remove(c)
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
