package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zde37/srbnfs/internal/protocol"
	"github.com/zde37/srbnfs/pkg"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Size of the send buffer per client
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is one browser listening for files.
type client struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte // Buffered channel of outbound packets
}

// WebSocketHub fans relayed file packets out to WebSocket listeners.
type WebSocketHub struct {
	// Registered clients, owned by Run
	clients map[*client]struct{}

	// Encoded packets waiting to be sent to every client
	broadcast chan []byte

	register   chan *client
	unregister chan *client

	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Guards count for readers outside Run
	mu    sync.RWMutex
	count int

	logger *pkg.Logger
}

// NewWebSocketHub creates a hub. Call Run to start it.
func NewWebSocketHub(logger *pkg.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.WithFields(pkg.Fields{"component": "websocket_hub"}),
	}
}

// Run owns the client set until Stop.
func (h *WebSocketHub) Run() {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.setCount()
			h.logger.Info().Int("total_clients", len(h.clients)).Msg("WebSocket listener connected")

		case c := <-h.unregister:
			if h.drop(c) {
				h.logger.Info().Int("total_clients", len(h.clients)).Msg("WebSocket listener disconnected")
			}

		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					h.drop(c)
					h.logger.Warn().Msg("WebSocket send buffer full, disconnecting slow listener")
				}
			}

		case <-h.shutdown:
			for c := range h.clients {
				h.drop(c)
			}
			h.logger.Info().Msg("WebSocket hub shutdown complete")
			return
		}
	}
}

// drop removes c and ends its write pump. Reports whether c was registered.
func (h *WebSocketHub) drop(c *client) bool {
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	close(c.send)
	h.setCount()
	return true
}

func (h *WebSocketHub) setCount() {
	h.mu.Lock()
	h.count = len(h.clients)
	h.mu.Unlock()
}

// Count returns the number of registered listeners.
func (h *WebSocketHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Stop disconnects every listener and waits for Run to return.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.shutdown) })
	<-h.done
}

// BroadcastFile queues a relayed file packet for every listener. A full
// queue drops the packet.
func (h *WebSocketHub) BroadcastFile(packet *protocol.Packet) error {
	line, err := packet.Encode()
	if err != nil {
		return err
	}

	select {
	case <-h.shutdown:
		return pkg.ErrServerClosed
	default:
	}

	select {
	case h.broadcast <- bytes.TrimRight(line, "\n"):
	default:
		h.logger.Warn().Str("packet_type", string(packet.Type)).Msg("Broadcast channel full, dropping packet")
	}
	return nil
}

// readPump only serves keep-alives; listeners never send anything useful.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error().Err(err).Msg("WebSocket unexpected close error")
			}
			return
		}
	}
}

// writePump is the only writer on the connection. Each packet is one text message.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// HandleWebSocket upgrades the request and registers the listener.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to websocket")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	select {
	case h.register <- c:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
