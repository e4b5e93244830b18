package api

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"copytrader/internal/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Client is one connected WebSocket subscriber. Each client owns its own
// bus subscription, so sequence numbers are monotonic per connection and a
// slow browser is dropped by the bus without stalling anyone else.
type Client struct {
	conn   *websocket.Conn
	bus    *bus.Bus
	sub    *bus.Subscriber
	logger *slog.Logger
}

// NewClient registers a bus subscription for the connection and starts its
// pumps. The initial frame, when non-nil, is sent before any events.
func NewClient(b *bus.Bus, conn *websocket.Conn, initial []byte, logger *slog.Logger) *Client {
	c := &Client{
		conn:   conn,
		bus:    b,
		sub:    b.Subscribe(),
		logger: logger,
	}
	go c.writePump(initial)
	go c.readPump()
	return c
}

// writePump forwards bus events to the socket and keeps it alive with pings.
func (c *Client) writePump(initial []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	if initial != nil {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, initial); err != nil {
			return
		}
	}

	for {
		select {
		case evt, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Dropped by the bus or shutting down.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				c.logger.Error("event marshal failed", "type", evt.Type, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// readPump drains the socket until the peer goes away. The stream is
// one-way; client messages are ignored.
func (c *Client) readPump() {
	defer func() {
		c.bus.Unsubscribe(c.sub)
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
				c.logger.Error("websocket error", "error", err)
			}
			return
		}
	}
}
