package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vellum-app/vellum-server/internal/collab"
	"github.com/vellum-app/vellum-server/internal/protocol"
	"github.com/vellum-app/vellum-server/internal/security"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ErrSendQueueFull means the outbound buffer overflowed; the message is
// dropped.
var ErrSendQueueFull = errors.New("send queue is full")

// ErrConnectionClosed means the connection's send side has been closed
var ErrConnectionClosed = errors.New("connection closed")

// Connection represents a single WebSocket connection
type Connection struct {
	ID       string
	ClientIP string

	// Client is the resolved collaboration participant; nil until the
	// join transition completes.
	Client *collab.Client

	SecurityManager *security.SecurityManager

	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	mu     sync.Mutex
	closed bool
}

// NewConnection creates a new connection with a fresh socket id
func NewConnection(ws *websocket.Conn, hub *Hub, clientIP string) *Connection {
	return &Connection{
		ID:       uuid.NewString(),
		ClientIP: clientIP,
		ws:       ws,
		send:     make(chan []byte, 256),
		hub:      hub,
	}
}

// SendMessage sends a message to the client
func (c *Connection) SendMessage(messageType string, payload map[string]interface{}) error {
	timestamp := time.Now().UnixMilli()
	data, err := protocol.EncodeMessage(messageType, payload, timestamp)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close shuts the send side down. Queued messages are still flushed by
// the write pump before the socket closes. Safe to call more than once;
// the closed flag keeps concurrent SendMessage calls off the closed
// channel.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// SendError sends an error message
func (c *Connection) SendError(errorMsg, errorCode string) error {
	return c.SendMessage(protocol.TypeError, map[string]interface{}{
		"type":      protocol.TypeError,
		"id":        uuid.NewString(),
		"timestamp": time.Now().UnixMilli(),
		"error":     errorMsg,
		"code":      errorCode,
	})
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Connection) ReadPump() {
	defer func() {
		if c.SecurityManager != nil {
			c.SecurityManager.ConnectionRateLimiter.RemoveConnection(c.ID)
			c.SecurityManager.ConnectionLimiter.RemoveConnection(c.ClientIP)
		}
		c.hub.Unregister <- c
		c.ws.Close()
	}()

	c.ws.SetReadLimit(int64(security.SecurityLimits.MaxMessageSize))
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			break
		}

		if c.SecurityManager != nil {
			if !c.SecurityManager.ConnectionRateLimiter.CanSendMessage(c.ID) {
				c.SendError("Too many messages. Please slow down.", "RATE_LIMIT_EXCEEDED")
				continue
			}
			c.SecurityManager.ConnectionRateLimiter.RecordMessage(c.ID)
		}

		msg, err := protocol.DecodeMessage(message)
		if err != nil {
			c.SendError("Invalid message: "+err.Error(), "INVALID_MESSAGE")
			continue
		}

		c.hub.HandleMessage <- &MessageEvent{
			Connection: c,
			Message:    msg,
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
