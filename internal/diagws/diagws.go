// Package diagws implements the operator diagnostics event stream: a
// websocket that pushes admission, eviction, channel-change, and
// join-result events to connected dashboards as they happen.
//
// This is an observability surface, not a protocol component; nothing
// published here feeds back into the server loop.
package diagws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType classifies a diagnostics event.
type EventType string

const (
	EventAdmitted        EventType = "admitted"
	EventEvicted         EventType = "evicted"
	EventJoinResult      EventType = "join_result"
	EventChannelAcquired EventType = "channel_acquired"
	EventChannelBusy     EventType = "channel_busy"
)

// Event is one operator-visible occurrence, serialized as JSON to every
// connected dashboard.
type Event struct {
	Type      EventType `json:"type"`
	Pipe      int       `json:"pipe,omitempty"`
	NetAddr   uint16    `json:"net_addr,omitempty"`
	Channel   int       `json:"channel,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp int64     `json:"timestamp_ms"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(_ *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Hub fans a stream of Events out to every connected websocket client.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Publish stamps ev and delivers it to every currently connected client,
// dropping it for any client whose outbound queue is full rather than
// blocking the gateway's event loop.
func (h *Hub) Publish(ev Event) {
	ev.Timestamp = time.Now().UnixMilli()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			slog.Warn("diagws: dropping event for slow client", "type", ev.Type)
		}
	}
}

// ServeHTTP upgrades the connection and registers the client until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("diagws: upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan Event, 64)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("diagws: dashboard connected", "remote", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount returns the number of currently connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
