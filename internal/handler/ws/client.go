package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/logger"
)

var (
	errClientClosed = errors.New("client closed")
	errSendBuffer   = errors.New("send buffer full")
)

// Client is one WebSocket connection. It satisfies hub.Conn.
type Client struct {
	gateway *Gateway
	conn    *websocket.Conn
	id      string
	userID  uuid.UUID

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(g *Gateway, conn *websocket.Conn, userID uuid.UUID) *Client {
	return &Client{
		gateway: g,
		conn:    conn,
		id:      uuid.NewString(),
		userID:  userID,
		send:    make(chan []byte, constants.WebSocketSendBuffer),
	}
}

// ID returns the connection id
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user behind the connection
func (c *Client) UserID() uuid.UUID { return c.userID }

// Send queues frame without blocking. A slow reader whose buffer is full
// loses the frame rather than stalling a broadcast.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.gateway.metrics.RecordWebSocketError("send_buffer_full")
		return errSendBuffer
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump dispatches inbound frames in arrival order
func (c *Client) readPump() {
	defer func() {
		c.gateway.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		c.gateway.refreshPresence(c.userID)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("connection_id", c.id),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		c.gateway.dispatch(c, message)
	}
}

// writePump drains the send queue and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
