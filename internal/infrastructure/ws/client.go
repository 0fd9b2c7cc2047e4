package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/storyvote/storyvote/internal/config"
	"github.com/storyvote/storyvote/internal/protocol"
)

// Client is one websocket connection with its own write goroutine.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// Read pump only.
	messageCount int
	lastReset    time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
	closeMu sync.Mutex
}

func newClient(id string, conn *websocket.Conn, hub *Hub) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:        id,
		conn:      conn,
		send:      make(chan []byte, config.ClientSendBufferSize),
		hub:       hub,
		lastReset: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, config.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.hub.logger.Debug().Err(err).Str("conn_id", c.id).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, config.WriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.hub.logger.Debug().Err(err).Str("conn_id", c.id).Msg("websocket ping failed")
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		c.hub.unregister(c)
	}()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				c.hub.logger.Debug().Err(err).Str("conn_id", c.id).Msg("websocket read failed")
			}
			return
		}

		if !c.checkRateLimit() {
			c.sendError(protocol.CodeRateLimited, "rate limit exceeded, slow down")
			continue
		}

		env, err := protocol.Parse(data)
		if err != nil {
			c.sendError(protocol.CodeBadRequest, "malformed message: "+err.Error())
			continue
		}
		c.hub.dispatch(c, env)
	}
}

func (c *Client) checkRateLimit() bool {
	now := time.Now()
	if now.Sub(c.lastReset) > config.RateLimitWindow {
		c.messageCount = 0
		c.lastReset = now
	}
	c.messageCount++
	return c.messageCount <= config.MaxMessagesPerWindow
}

func (c *Client) sendError(code, message string) {
	env, err := protocol.Encode(protocol.TypeError, protocol.ErrorData{Code: code, Message: message})
	if err != nil {
		return
	}
	c.hub.Send(c.id, env)
}

// Send queues a frame. It never blocks: a full buffer closes the client.
func (c *Client) Send(message []byte) bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		c.hub.logger.Warn().Str("conn_id", c.id).Msg("send buffer full, closing slow client")
		go c.closeWith(websocket.StatusPolicyViolation, "too slow")
		return false
	}
}

func (c *Client) Close() {
	c.closeWith(websocket.StatusNormalClosure, "")
}

func (c *Client) closeWith(code websocket.StatusCode, reason string) {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.closeMu.Unlock()

	_ = c.conn.Close(code, reason)
	c.cancel()
}
