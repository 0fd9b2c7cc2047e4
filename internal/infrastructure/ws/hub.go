package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/storyvote/storyvote/internal/config"
	"github.com/storyvote/storyvote/internal/protocol"
)

// Handler consumes inbound traffic. Calls for one connection are sequential.
type Handler interface {
	HandleEnvelope(ctx context.Context, connID string, env protocol.Envelope)
	ConnectionClosed(connID string)
}

// Hub manages websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	handler Handler
	origins []string
	logger  zerolog.Logger
}

// NewHub creates a hub. origins are the accepted Origin host patterns; empty
// means same-origin only.
func NewHub(origins []string, logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		origins: origins,
		logger:  logger.With().Str("component", "ws_hub").Logger(),
	}
}

// SetHandler must be called before the hub serves connections.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(config.MaxMessageBytes)

	if h.ClientCount() >= config.MaxConnections {
		_ = conn.Close(websocket.StatusTryAgainLater, "server is full")
		return
	}

	c := newClient(uuid.NewString(), conn, h)
	h.register(c)
	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Str("conn_id", c.id).Int("clients", n).Msg("websocket registered")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	handler := h.handler
	h.mu.Unlock()

	if handler != nil {
		handler.ConnectionClosed(c.id)
	}
	h.logger.Debug().Str("conn_id", c.id).Msg("websocket unregistered")
}

func (h *Hub) dispatch(c *Client, env protocol.Envelope) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	if handler == nil {
		return
	}
	handler.HandleEnvelope(c.ctx, c.id, env)
}

func (h *Hub) client(connID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[connID]
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send queues env for connID without blocking. A client whose buffer is full
// is closed.
func (h *Hub) Send(connID string, env protocol.Envelope) bool {
	c := h.client(connID)
	if c == nil {
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("type", env.Type).Msg("failed to marshal envelope")
		return false
	}
	return c.Send(data)
}

// Close drops the connection. The handler is notified through ConnectionClosed.
func (h *Hub) Close(connID string) {
	if c := h.client(connID); c != nil {
		c.Close()
	}
}

// Stop closes every client.
func (h *Hub) Stop() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.closeWith(websocket.StatusGoingAway, "server shutting down")
	}
}
