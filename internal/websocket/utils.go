package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/proctor"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

// Conn serializes writes to a WebSocket. The session timer and the read
// loop both write, and gorilla allows only one concurrent writer.
type Conn struct {
	ws  *websocket.Conn
	mu  sync.Mutex
	log zerolog.Logger
}

func NewConn(ws *websocket.Conn, log zerolog.Logger) *Conn {
	return &Conn{ws: ws, log: log}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *Conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (c *Conn) WriteError(code, errMsg string) error {
	return c.WriteTyped(ErrorResponse{Event: EventError, Code: code, Error: errMsg})
}

// Notify implements proctor.Notifier. Write failures are logged; the read
// loop notices the dead socket on its own.
func (c *Conn) Notify(cmd proctor.Command) {
	if err := c.WriteTyped(CommandResponse{Event: EventCommand, Command: cmd}); err != nil {
		c.log.Debug().Err(err).Str("command", string(cmd.Type)).Msg("Command not delivered")
	}
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func (c *Conn) ReadJSON(v interface{}) error {
	c.ws.SetReadDeadline(time.Now().Add(readWait))
	return c.ws.ReadJSON(v)
}

func (c *Conn) Close() error {
	return c.ws.Close()
}
