package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one WebSocket connection to the state stream.
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool
	subMu         sync.RWMutex
}

// IsSubscribed reports whether the client receives events for instanceID.
func (c *Client) IsSubscribed(instanceID string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subscriptions[allInstances] || c.subscriptions[instanceID]
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	pongWait := c.hub.cfg.PingInterval * 2
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("stream client read error",
					zap.String("client_id", c.ID),
					zap.Error(err),
				)
			}
			return
		}
		var cm ControlMessage
		if err := json.Unmarshal(msg, &cm); err != nil {
			c.hub.logger.Debug("invalid stream control message",
				zap.String("client_id", c.ID),
				zap.Error(err),
			)
			continue
		}
		c.hub.handleControl(c, cm)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
