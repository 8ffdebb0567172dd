package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/devlink/internal/util"
)

// FrameType distinguishes text and binary data frames.
type FrameType int

const (
	FrameText FrameType = iota + 1
	FrameBinary
)

func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return "unknown"
	}
}

func (t FrameType) messageType() int {
	if t == FrameBinary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func frameTypeOf(mt int) FrameType {
	if mt == websocket.BinaryMessage {
		return FrameBinary
	}
	return FrameText
}

type outFrame struct {
	typ  FrameType
	data []byte
}

// client is one tracked connection. Its frames are written by a dedicated
// goroutine fed through a bounded queue, so senders never block on the
// network.
type client struct {
	id     ClientID
	conn   *websocket.Conn
	remote string

	send chan outFrame
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn, remote string, queue int) *client {
	return &client{
		conn:   conn,
		remote: remote,
		send:   make(chan outFrame, queue),
		done:   make(chan struct{}),
	}
}

// enqueue queues a frame without blocking. False means the queue is full or
// the client is gone; either way the caller evicts it.
func (c *client) enqueue(f outFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// writeLoop drains the queue until the client is shut down or a write fails.
func (c *client) writeLoop(e *Endpoint, send <-chan outFrame) {
	for {
		select {
		case f := <-send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(f.typ.messageType(), f.data); err != nil {
				e.log.Debugf("%s write failed: %v", c.id, err)
				e.evict(c, websocket.CloseAbnormalClosure, "")
				return
			}
			util.Stats.AddSent(len(f.data))
		case <-c.done:
			return
		}
	}
}

// shutdown closes the connection once, sending a close frame first when
// code is a code that may appear on the wire.
func (c *client) shutdown(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		if code != 0 && code != websocket.CloseAbnormalClosure && code != websocket.CloseNoStatusReceived {
			writeClose(c.conn, code, reason)
		}
		c.conn.Close()
	})
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}
