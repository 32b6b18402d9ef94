package relay

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BioHazard786/peerlink/internal/signaling"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message or ping from the peer.
	readWait = 3 * time.Minute

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Client is one websocket registered with the hub.
type Client struct {
	ID           string
	ConnectionID string
	Source       signaling.Source
	Target       signaling.Source

	hub    *Hub
	conn   *websocket.Conn
	send   chan *signaling.ServerMessage
	logger *slog.Logger
}

// inbound is a frame read from a client, queued for the hub.
type inbound struct {
	client *Client
	data   []byte
}

// ReadPump pumps frames from the websocket to the hub. It is the only
// reader of the connection.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("relay read failed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		select {
		case c.hub.inbound <- inbound{client: c, data: data}:
		case <-c.hub.done:
			return
		}
	}
}

// WritePump pumps messages from the hub to the websocket. It is the only
// writer of data frames.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for message := range c.send {
		data, err := json.Marshal(message)
		if err != nil {
			c.logger.Error("relay encode failed", "error", err)
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Warn("relay write failed", "error", err)
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
