package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is a middleman between one websocket connection and the gateway.
type Client struct {
	gw   *Gateway
	conn *websocket.Conn
	// Buffered channel of outbound frames. Never closed; done signals teardown.
	send chan []byte
	done chan struct{}

	id       string
	userID   int64
	username string
	focused  atomic.Bool

	closeOnce sync.Once
	// set when the peer sent a normal close frame or the server is shutting down
	graceful atomic.Bool
}

func (c *Client) ID() string       { return c.id }
func (c *Client) UserID() int64    { return c.userID }
func (c *Client) Username() string { return c.username }
func (c *Client) Focused() bool    { return c.focused.Load() }

// Deliver queues a frame without blocking. A client whose buffer is full is
// too slow to keep up and gets disconnected.
func (c *Client) Deliver(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		c.gw.metrics.SlowConsumers.Inc()
		c.gw.logger.Warn("send buffer full, dropping connection",
			zap.String("conn_id", c.id), zap.Int64("user_id", c.userID))
		c.close()
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump pumps events from the websocket connection to the dispatcher.
// Events of one connection are handled sequentially, in arrival order.
func (c *Client) readPump() {
	defer func() {
		c.gw.disconnect(c)
		c.conn.Close()
	}()

	opts := c.gw.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)

	// Heartbeat (keep-alive): every pong also refreshes presence
	c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		c.gw.touch(c)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.graceful.Store(true)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure) {
				c.gw.logger.Debug("connection lost", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		c.gw.dispatch(c, message)
	}
}

// writePump pumps frames from the send buffer to the websocket connection.
func (c *Client) writePump() {
	opts := c.gw.opts
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			// Set a write deadline so we don't hang forever
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.close()
				return
			}
			w.Write(message)

			// Queued frames go out in the same websocket message, newline separated.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			code := websocket.ClosePolicyViolation
			if c.graceful.Load() {
				code = websocket.CloseNormalClosure
			}
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, ""), time.Now().Add(opts.WriteWait))
			return
		}
	}
}
