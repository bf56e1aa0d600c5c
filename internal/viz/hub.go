// Package viz pushes decoded subject positions to browser clients over
// WebSocket. It is a one-way visualization sink: the stream core never
// depends back on it, and a slow viewer is dropped rather than blocking.
package viz

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// PositionUpdate is one subject position pushed to viewers, in the unit
// the listener was configured with.
type PositionUpdate struct {
	Name      string  `json:"name"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Timestamp int64   `json:"timestamp"`
}

// Hub fans position updates out to connected WebSocket viewers.
type Hub struct {
	clients    map[*viewer]bool
	broadcast  chan PositionUpdate
	register   chan *viewer
	unregister chan *viewer
	mu         sync.RWMutex
	log        *slog.Logger
}

type viewer struct {
	hub  *Hub
	conn *websocket.Conn
	send chan PositionUpdate
}

// NewHub creates a hub. A nil logger falls back to slog.Default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*viewer]bool),
		broadcast:  make(chan PositionUpdate, sendBufferSize),
		register:   make(chan *viewer),
		unregister: make(chan *viewer),
		log:        logger.With("component", "viz_hub"),
	}
}

// Run dispatches registrations and broadcasts until done is closed.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			h.mu.Lock()
			for v := range h.clients {
				close(v.send)
				delete(h.clients, v)
			}
			h.mu.Unlock()
			return

		case v := <-h.register:
			h.mu.Lock()
			h.clients[v] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("viewer connected", "total", total)

		case v := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[v]; ok {
				delete(h.clients, v)
				close(v.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("viewer disconnected", "total", total)

		case update := <-h.broadcast:
			h.mu.Lock()
			for v := range h.clients {
				select {
				case v.send <- update:
				default:
					delete(h.clients, v)
					close(v.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues one position update, dropping it when the hub is saturated.
func (h *Hub) Publish(name string, x, y, z float64) {
	update := PositionUpdate{Name: name, X: x, Y: y, Z: z, Timestamp: time.Now().UnixMilli()}
	select {
	case h.broadcast <- update:
	default:
	}
}

// ViewerCount reports connected viewers.
func (h *Hub) ViewerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a viewer connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", "error", err)
		return
	}

	v := &viewer{hub: h, conn: conn, send: make(chan PositionUpdate, sendBufferSize)}
	h.register <- v

	go v.writePump()
	go v.readPump()
}

func (v *viewer) readPump() {
	defer func() {
		v.hub.unregister <- v
		_ = v.conn.Close()
	}()

	v.conn.SetReadLimit(maxMessageSize)
	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				v.hub.log.Warn("viewer read error", "error", err)
			}
			return
		}
	}
}

func (v *viewer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = v.conn.Close()
	}()

	for {
		select {
		case update, ok := <-v.send:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = v.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(update)
			if err != nil {
				v.hub.log.Warn("failed to marshal update", "error", err)
				continue
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
