package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	pingTimeout  = 3 * time.Second
)

// Conn is one client connection. Frames are queued on out and written by a single writer.
type Conn struct {
	id  string
	ws  *websocket.Conn
	out chan any

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, c *websocket.Conn) *Conn {
	return &Conn{id: id, ws: c, out: make(chan any, sendBuffer), done: make(chan struct{})}
}

func (c *Conn) ID() string { return c.id }

// Send queues v. A client that cannot keep up is disconnected.
func (c *Conn) Send(v any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- v:
		return true
	case <-c.done:
		return false
	default:
		c.close(websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close(code, reason)
		}
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writeLoop drains out and pings the peer; two failed pings in a row drop the connection.
func (c *Conn) writeLoop(ctx context.Context, log *zap.Logger) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	pingFailures := 0
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case v := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, v)
			cancel()
			if err != nil {
				log.Debug("ws_write_error", zap.String("conn_id", c.id), zap.Error(err))
				c.close(websocket.StatusGoingAway, "write failure")
				return
			}
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err == nil {
				pingFailures = 0
				continue
			}
			pingFailures++
			if pingFailures >= 2 {
				c.close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}
