package websocket

import (
	"time"

	"listing-chat/internal/models"
	"listing-chat/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 << 10
)

// Client is one websocket connection joined to a room. meta and filters
// belong to the hub goroutine.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	connID string

	meta    models.PresenceMeta
	filters []models.ChangeFilter
}

func NewClient(hub *Hub, conn *websocket.Conn, userID, connID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		connID: connID,
	}
}

func (c *Client) label() string {
	if c.userID == "" {
		return "anonymous/" + c.connID
	}
	return c.userID + "/" + c.connID
}

// deliver queues data without blocking. It reports false when the buffer
// is full.
func (c *Client) deliver(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("[HUB] WebSocket error for %s: %v", c.label(), err)
			}
			return
		}

		in := clientFrame{client: c}
		in.err = json.Unmarshal(message, &in.frame)

		select {
		case c.hub.inbound <- in:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("[HUB] Write error for %s: %v", c.label(), err)
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
