package outbound

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridconsent/internal/domain"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 50 * time.Second
	sendBuffer   = 32
)

// Hub fans status messages out to websocket clients. A client may pass
// ?connection_id= to only see its own requests.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	ws           *websocket.Conn
	connectionID string
	send         chan domain.ConnectionStatusMessage
	once         sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger.With("component", "ws_hub"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  map[*client]struct{}{},
	}
}

// Handle is the bus handler.
func (h *Hub) Handle(_ context.Context, e domain.Event) error {
	h.Broadcast(StatusMessage(e))
	return nil
}

// Broadcast never blocks; clients whose buffer is full are dropped.
func (h *Hub) Broadcast(msg domain.ConnectionStatusMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.connectionID != "" && c.connectionID != msg.ConnectionID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("dropping slow websocket client", "connection_id", c.connectionID)
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{ws: ws, connectionID: r.URL.Query().Get("connection_id"), send: make(chan domain.ConnectionStatusMessage, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.write(c)
	h.read(c)

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// read discards client frames and returns once the peer goes away.
func (h *Hub) read(c *client) {
	for {
		if _, _, err := c.ws.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
	}
}

func (h *Hub) write(c *client) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	defer c.ws.Close()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("encode status message", "permission_id", msg.PermissionID, "error", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-t.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
