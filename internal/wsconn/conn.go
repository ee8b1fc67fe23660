// Package wsconn wraps a gorilla websocket with the read/write pump pair
// used by both socket endpoints: a single reader goroutine preserves
// per-connection message order, and a buffered send channel drained by a
// single writer means callers never block on a slow socket.
package wsconn

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

type Conn struct {
	id          string
	userID      string
	ws          *websocket.Conn
	messageType int
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	logger      *zap.Logger
}

// New wraps an upgraded socket owned by userID. messageType is
// websocket.TextMessage or websocket.BinaryMessage and applies to every
// outgoing frame.
func New(ws *websocket.Conn, userID string, messageType int, logger *zap.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:          id,
		userID:      userID,
		ws:          ws,
		messageType: messageType,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		logger:      logger.With(zap.String("connId", id), zap.String("userId", userID)),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

// Open reports whether the connection can still accept outgoing messages.
func (c *Conn) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send queues data for the writer. A full buffer means the peer stopped
// reading; the connection is closed rather than letting it stall others.
func (c *Conn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("send buffer full, closing slow connection")
		c.Close()
		return false
	}
}

// Run starts the writer and blocks reading until the socket fails or is
// closed. Each frame of the configured type is passed to onMessage on the
// calling goroutine.
func (c *Conn) Run(onMessage func([]byte)) {
	go c.writePump()
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if messageType != c.messageType {
			continue
		}
		onMessage(data)
	}
}

// Close stops both pumps and closes the socket. Safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Reject sends a close frame with code and reason, then closes the socket.
// Used for connections that fail authentication before Run.
func Reject(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = ws.Close()
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(c.messageType, data); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
