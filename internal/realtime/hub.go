package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/chatrelay/internal/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Event is one appended turn pushed to history subscribers.
type Event struct {
	SessionID string `json:"session_id"`
	store.Message
}

// Client is one websocket subscriber, bound to a single session.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
}

// Hub fans appended turns out to the websocket subscribers of each
// session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan Event

	onCount func(n int)
}

func NewHub() *Hub {
	return &Hub{
		sessions:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 64),
	}
}

// SetCountHook registers a callback fired with the subscriber count after
// every connect and disconnect.
func (h *Hub) SetCountHook(hook func(n int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCount = hook
}

// Run owns the subscriber maps until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			if h.sessions[client.sessionID] == nil {
				h.sessions[client.sessionID] = make(map[*Client]bool)
			}
			h.sessions[client.sessionID][client] = true
			h.mu.Unlock()
			h.notifyCount()
		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.sessions[client.sessionID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.sessions, client.sessionID)
					}
				}
			}
			h.mu.Unlock()
			h.notifyCount()
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for client := range h.sessions[event.SessionID] {
				select {
				case client.send <- data:
				default:
					// Slow consumer; drop the event rather than block
					// the hub.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues an appended turn for the session's subscribers. It never
// blocks the append path.
func (h *Hub) Publish(sessionID string, msg store.Message) {
	select {
	case h.broadcast <- Event{SessionID: sessionID, Message: msg}:
	default:
		log.Printf("history stream backlog full, dropping event for session %s", sessionID)
	}
}

// ClientCount reports connected subscribers across all sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.sessions {
		n += len(clients)
	}
	return n
}

func (h *Hub) notifyCount() {
	h.mu.RLock()
	hook := h.onCount
	h.mu.RUnlock()
	if hook != nil {
		hook(h.ClientCount())
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.sessions {
		for client := range clients {
			close(client.send)
		}
	}
	h.sessions = make(map[string]map[*Client]bool)
}

// ServeWS upgrades the request and subscribes it to the session's turns.
func ServeWS(hub *Hub, upgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		sessionID: sessionID,
	}
	hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// Subscribers only listen; reads exist to surface disconnects
		// and pongs.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
