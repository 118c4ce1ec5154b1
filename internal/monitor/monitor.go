// Package monitor is the reference /events feed: a websocket broadcast
// of channel activity (turns dispatched, coalesced, errored) for an
// operator dashboard. Nothing in internal/dispatch or internal/push
// depends on it; the daemon just also feeds it Publish calls as it
// serves regular traffic.
//
// Grounded on internal/cluster/server.go's wsUpgrader/wsConn pattern:
// the same write-mutex-wrapped *websocket.Conn (gorilla/websocket does
// not support concurrent writers), the same "collect live connections
// under a lock, then write outside the lock, drop anything that
// errors" broadcast shape, generalized from a single heartbeat payload
// to an arbitrary stream of activity events.
package monitor

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one line of activity published to every connected monitor.
type Event struct {
	Type       string    `json:"type"`
	Channel    string    `json:"channel"`
	Time       time.Time `json:"time"`
	Text       string    `json:"text,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	IsError    bool      `json:"is_error,omitempty"`
	Coalesced  bool      `json:"coalesced,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps a websocket.Conn with a write mutex; gorilla/websocket
// forbids concurrent writers on one connection.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) writeJSONSafe(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteJSON(v)
}

// Hub tracks connected monitor clients and fans Publish calls out to
// all of them.
type Hub struct {
	mu    sync.Mutex
	conns map[*wsConn]bool
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*wsConn]bool)}
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection until it disconnects. Use as the handler for GET /events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[monitor] upgrade failed: %v", err)
		return
	}
	conn := &wsConn{Conn: raw}

	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()

	defer func() {
		raw.Close()
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
	}()

	// The client never sends anything meaningful; just drain reads so
	// the connection's close is detected promptly.
	for {
		if _, _, err := raw.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish broadcasts ev to every connected monitor client, dropping
// (and unregistering) any connection whose write fails.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	if len(h.conns) == 0 {
		h.mu.Unlock()
		return
	}
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var dead []*wsConn
	for _, c := range conns {
		if err := c.writeJSONSafe(ev); err != nil {
			dead = append(dead, c)
		}
	}

	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.conns, c)
			c.Close()
		}
		h.mu.Unlock()
	}
}

// ConnectionCount reports how many monitor clients are attached, for
// status reporting.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
