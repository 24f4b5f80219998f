package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/auditchain/auditchain/internal/chain"
)

// Hub manages the set of live-feed WebSocket connections and broadcasts
// freshly chained records to all of them.
//
// A single hub goroutine handles registration, unregistration, and
// broadcasting, so the connections map needs no lock; all mutations
// happen in that goroutine via channels.
type Hub struct {
	connections map[*feedConn]bool

	broadcastCh  chan []byte
	registerCh   chan *feedConn
	unregisterCh chan *feedConn
}

// feedConn wraps a single WebSocket connection.
type feedConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex // Protects concurrent writes.
}

// upgrader handles HTTP → WebSocket protocol upgrade. The feed is served
// on the same port as the API, so same-origin clients are the norm.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedEvent is one broadcast message: the stream a record landed in plus
// the record itself.
type feedEvent struct {
	Stream chain.Stream `json:"stream"`
	Record chain.Record `json:"record"`
}

// NewHub creates the live-feed hub and starts its event loop.
func NewHub() *Hub {
	h := &Hub{
		connections:  make(map[*feedConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *feedConn),
		unregisterCh: make(chan *feedConn),
	}
	go h.run()
	return h
}

// run is the main hub event loop.
func (h *Hub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("live feed client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("live feed client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// Client's send buffer is full; drop the connection
					// rather than letting a slow client block broadcasts.
					delete(h.connections, conn)
					close(conn.send)
				}
			}
		}
	}
}

// Notify implements chain.Notifier: marshals the record and broadcasts
// it. Non-blocking; when the broadcast channel is full the event is
// dropped, which is acceptable for a best-effort live feed.
func (h *Hub) Notify(stream chain.Stream, rec chain.Record) {
	msg, err := json.Marshal(feedEvent{Stream: stream, Record: rec})
	if err != nil {
		slog.Error("encoding live feed event failed", "stream", stream, "error", err)
		return
	}
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// ServeHTTP upgrades the connection and registers the client for
// broadcasts.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &feedConn{
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.registerCh <- client

	go client.writePump()
	go client.readPump(h)
}

// writePump sends queued messages to the WebSocket connection.
func (c *feedConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump drains incoming messages to detect disconnection; the feed is
// one-directional (server → client).
func (c *feedConn) readPump(hub *Hub) {
	defer func() {
		hub.unregisterCh <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
