// Package events streams deployment status changes to websocket clients.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/artpar/deployforge/internal/core/auth"
	"github.com/artpar/deployforge/internal/core/domain"
)

// Event is a single status change as sent to clients.
type Event struct {
	Type         string                  `json:"type"` // deployment.status
	DeploymentID string                  `json:"deploymentId"`
	UserID       string                  `json:"-"`
	From         domain.DeploymentStatus `json:"from,omitempty"`
	To           domain.DeploymentStatus `json:"to"`
	Message      string                  `json:"message,omitempty"`
	At           time.Time               `json:"at"`
}

// TypeStatus is the Type of every status-change event.
const TypeStatus = "deployment.status"

// StatusEvent builds the event for a persisted transition of d.
func StatusEvent(d domain.Deployment, from domain.DeploymentStatus, message string) Event {
	return Event{
		Type:         TypeStatus,
		DeploymentID: d.ID,
		UserID:       d.UserID,
		From:         from,
		To:           d.Status,
		Message:      message,
		At:           d.UpdatedAt,
	}
}

type message struct {
	userID string
	data   []byte
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub fans events out to connected clients. Each client only receives events
// for deployments it owns.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.With("component", "event_hub"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // non-browser clients
				}
				if allowed["*"] || allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				host := u.Hostname()
				return host == "localhost" || host == "127.0.0.1" || host == "::1"
			},
		},
	}
}

// Run dispatches events until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !auth.CanReceiveEvent(auth.Context{UserID: c.userID, Authenticated: true}, msg.userID) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Slow client.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues an event for delivery. It never blocks; events are dropped
// when the hub is saturated.
func (h *Hub) Publish(evt Event) {
	if evt.Type == "" {
		evt.Type = TypeStatus
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal event", "deployment_id", evt.DeploymentID, "error", err)
		return
	}
	select {
	case h.broadcast <- message{userID: evt.UserID, data: data}:
	default:
		h.logger.Warn("event dropped, hub saturated", "deployment_id", evt.DeploymentID)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams the caller's events to it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, caller auth.Context) {
	if !caller.Authenticated {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// The HTTP server's read deadline would otherwise end the stream.
	conn.SetReadDeadline(time.Time{})

	c := &client{userID: caller.UserID, conn: conn, send: make(chan []byte, 64)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(h)
}

const writeWait = 10 * time.Second

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
