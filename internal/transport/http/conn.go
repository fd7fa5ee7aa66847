package http

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnConfig holds websocket keepalive settings.
type ConnConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

// wsConn serialises writes through one goroutine; gorilla connections allow a
// single concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	cfg  ConnConfig
	id   string

	send      chan outboundMessage[any]
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, cfg ConnConfig, id string) *wsConn {
	return &wsConn{
		conn: conn,
		cfg:  cfg,
		id:   id,
		send: make(chan outboundMessage[any], 16),
		done: make(chan struct{}),
	}
}

// enqueue queues a message and reports false once the connection is closing.
func (c *wsConn) enqueue(msgType string, payload any) bool {
	select {
	case c.send <- outboundMessage[any]{Type: msgType, Payload: payload}:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsConn) sendError(err error) {
	_, code := classify(err)
	c.enqueue("error", errorPayload{Code: code, Message: err.Error()})
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("ws write failed")
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("ws ping failed")
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump blocks until the peer goes away or the connection is closed.
func (c *wsConn) readPump(handle func(inboundMessage)) {
	defer c.close()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("unexpected ws close")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue("error", errorPayload{Code: "bad_message", Message: "invalid message"})
			continue
		}
		handle(msg)
	}
}
