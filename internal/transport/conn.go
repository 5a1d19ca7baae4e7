package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a Transport backed by a WebSocket connection to a Hub.
type Conn struct {
	ws   *websocket.Conn
	subs subscribers

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Dial connects to a hub at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(maxMessageSize)
	c := &Conn{ws: ws, done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

// Publish implements Transport.
func (c *Conn) Publish(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe implements Transport. Handlers run on the connection's read
// goroutine.
func (c *Conn) Subscribe(h Handler) func() {
	return c.subs.add(h)
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and tears down the connection.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("event connection closed", "error", err)
			}
			c.once.Do(func() { c.ws.Close() })
			return
		}
		c.subs.deliver(msg)
	}
}

// ErrClosed is returned by Publish after the connection has ended.
var ErrClosed = errors.New("transport: connection closed")
