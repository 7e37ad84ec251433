// Package websocket pushes change notifications to connected browsers so
// an open investor view knows to reload before its next save conflicts.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Message is a change notification. Type is "<entity>_<action>" except for
// backup progress, which is always "backup_status".
type Message struct {
	Type   string         `json:"type"`
	Entity string         `json:"entity"`
	Action string         `json:"action"`
	ID     string         `json:"id,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// Version returns the stamp carried by an investor notification.
func (m Message) Version() string {
	v, _ := m.Extra["version"].(string)
	return v
}

// Hub fans notifications out to every open feed.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("feed opened", "user_id", c.userID)
}

// Unregister drops c and closes its queue. Calling it twice is harmless.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	ok := h.drop(c)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("feed closed", "user_id", c.userID)
	}
}

// drop must be called with mu held.
func (h *Hub) drop(c *Client) bool {
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	close(c.send)
	return true
}

// Disconnect closes every feed held by userID and returns how many there
// were. Used when an account is deleted.
func (h *Hub) Disconnect(userID string) int {
	h.mu.Lock()
	n := 0
	for c := range h.clients {
		if c.userID == userID && h.drop(c) {
			n++
		}
	}
	h.mu.Unlock()
	if n > 0 {
		h.logger.Info("feeds closed for user", "user_id", userID, "count", n)
	}
	return n
}

// Broadcast queues msg on every feed. A feed whose queue is full has
// already missed a stamp, so it is closed and the browser reconnects and
// reloads rather than editing from stale data.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	var lagging []*Client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range lagging {
		h.logger.Warn("closing lagging feed", "user_id", c.userID, "type", msg.Type)
		h.Unregister(c)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
