package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vergecore/internal/shared/logger"
)

// Event is the wire format pushed to GUI clients. Type carries the contract
// channel string (e.g. "subscription_sync::failed").
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	At   time.Time   `json:"at"`
}

// Hub maintains the set of connected GUI clients and broadcasts
// notification events to them. It implements types.Notifier.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	quit       chan struct{}
	quitOnce   sync.Once
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		quit:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]bool),
	}
}

// Stop ends the Run loop and closes every connected client.
func (h *Hub) Stop() {
	h.quitOnce.Do(func() { close(h.quit) })
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("GUI client connected")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("GUI client disconnected")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					logger.Warn().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("error writing to GUI client")
					// The read pump unregisters the dead client.
				}
			}
			h.mu.Unlock()
		}
	}
}

// Notify broadcasts one contract-channel event. A full broadcast buffer
// drops the event rather than blocking a core component.
func (h *Hub) Notify(channel string, data interface{}) {
	msg, err := json.Marshal(Event{Type: channel, Data: data, At: time.Now().UTC()})
	if err != nil {
		logger.Error().Err(err).Str("channel", channel).Msg("failed to marshal notification")
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		logger.Warn().Str("channel", channel).Msg("notification buffer full, event dropped")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The hub serves loopback GUI clients only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWs upgrades an HTTP request to a hub subscription.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	select {
	case hub.register <- conn:
	case <-hub.quit:
		conn.Close()
		return
	}

	// Read pump: we never expect client frames, but reading detects
	// disconnects.
	go func() {
		defer func() {
			select {
			case hub.unregister <- conn:
			case <-hub.quit:
				conn.Close()
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
