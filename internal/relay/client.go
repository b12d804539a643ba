package relay

import (
	"encoding/json"

	"github.com/gofiber/contrib/websocket"

	"github.com/pelusa-v/pelusa-messenger/internal/realtime"
)

// Client is one websocket connection, authenticated as UserID.
type Client struct {
	ID     string
	UserID string
	Conn   ConnLike
	Send   chan []byte
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// ReadPump decodes frames until the connection fails, then unregisters.
func (c *Client) ReadPump(m *Manager) {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			m.Unregister(c)
			return
		}
		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.log.Debug().Err(err).Str("client_id", c.ID).Msg("discarding malformed frame")
			continue
		}
		if !m.dispatch(c, f) {
			return
		}
	}
}

// WritePump drains Send until the manager closes it.
func (c *Client) WritePump() {
	for data := range c.Send {
		_ = c.Conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = c.Conn.Close()
}
