// Package ws provides the WebSocket hub that fans market state out to
// every connected client. Broadcasts are best-effort: a slow client is
// dropped rather than allowed to stall settlement or the pricing loop.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KDLN/aurelian-market/internal/metrics"
)

// Message types broadcast by the marketplace.
const (
	TypeSnapshot      = "snapshot"
	TypeNewListing    = "new_listing"
	TypeListingSold   = "listing_sold"
	TypeCancelled     = "listing_cancelled"
	TypeExpired       = "listing_expired"
	TypePriceMap      = "price_map"
	TypePriceUpdate   = "price_update"
	TypeMarketSummary = "market_summary"
)

// Message is the JSON envelope sent to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// SnapshotFunc supplies the market state used to seed newly joined
// clients.
type SnapshotFunc func() any

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

// client pairs a connection with its outbound queue. The write pump is
// the connection's only writer; everything outbound goes through send.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub manages WebSocket connections and broadcasts messages to all
// connected clients.
type Hub struct {
	snapshot   SnapshotFunc
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

// NewHub creates a hub. snapshot may be nil if on-join seeding is not
// needed (tests).
func NewHub(snapshot SnapshotFunc) *Hub {
	return &Hub{
		snapshot:   snapshot,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// SetSnapshot installs the on-join seeding hook. Call before Run.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.snapshot = fn
}

// Run starts the hub's main event loop. Must be called in a goroutine.
// Map mutation happens only here, under the write lock; the broadcast
// case never touches a connection directly, it only queues onto each
// client's send channel.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client: drop the message, not the market.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends a message to all connected clients. Drops the message
// if the buffer is full rather than blocking the caller.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests. The new client is seeded
// with a snapshot of current market state before joining the broadcast
// set.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	// Safe to write directly: the write pump has not started yet.
	if h.snapshot != nil {
		seed, err := json.Marshal(Message{Type: TypeSnapshot, Data: h.snapshot()})
		if err == nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.TextMessage, seed)
		}
	}

	h.register <- c
	go c.writePump()
	go c.readPump(h)
}

// readPump keeps the connection alive and detects disconnects. On exit
// the client is unregistered, which closes send and stops the write
// pump.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump is the single writer for the connection: it drains the send
// queue and interleaves keepalive pings, so broadcast writes and pings
// can never collide on the wire.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
