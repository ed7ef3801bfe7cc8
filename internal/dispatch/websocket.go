package dispatch

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omegafrog/ticketon-queue/internal/model"
)

const wsWriteWait = 10 * time.Second

// WSConn is a WebSocket connection. Clients never send anything useful; the
// read loop exists to notice when they go away.
type WSConn struct {
	mu   sync.Mutex
	ws   *websocket.Conn
	once sync.Once
	done chan struct{}
}

// NewWSConn wraps an upgraded connection and starts its read loop.
func NewWSConn(ws *websocket.Conn) *WSConn {
	c := &WSConn{ws: ws, done: make(chan struct{})}
	go c.readLoop()
	return c
}

func (c *WSConn) readLoop() {
	defer c.Close()
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// Send writes one frame as a JSON text message.
func (c *WSConn) Send(f model.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(f)
}

// Heartbeat sends a ping control frame.
func (c *WSConn) Heartbeat() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// Close closes the socket once.
func (c *WSConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Done is closed once the socket is closed from either side.
func (c *WSConn) Done() <-chan struct{} {
	return c.done
}
