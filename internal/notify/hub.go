package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin dashboard is served from another origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientBufSize  = 64
)

// Hub pushes logical events to connected admin dashboards over websockets.
// It implements Notifier; a hub with no clients silently drops events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]bool

	register   chan *hubClient
	unregister chan *hubClient
	broadcast  chan []byte
	done       chan struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates the hub. Run must be started on its own goroutine.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*hubClient]bool),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run services the hub channels until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			slog.Info("notify: websocket client connected", "clients", h.ClientCount())

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer: cut it loose rather than backing up.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				_ = c.conn.Close()
			}
			h.clients = make(map[*hubClient]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Close stops the run loop and disconnects every client.
func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// ClientCount reports connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify serializes the event and broadcasts it.
func (h *Hub) Notify(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("notify: unserializable event", "type", ev.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		slog.Warn("notify: broadcast buffer full, dropping event", "type", ev.Type)
	}
}

// ServeWS upgrades an HTTP request into a hub connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("notify: websocket upgrade failed", "error", err)
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, clientBufSize)}
	h.register <- c

	go c.writePump(h)
	go c.readPump(h)
}

func (c *hubClient) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// Dashboards only listen; any inbound frame besides control traffic
		// is discarded.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *hubClient) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
