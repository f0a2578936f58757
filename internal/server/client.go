package server

import (
	"context"
	"sync"
	"time"

	"github.com/Chase-Garrett/parley/internal/config"
	"github.com/Chase-Garrett/parley/internal/protocol"
	"github.com/Chase-Garrett/parley/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// outbound is a queued frame and the callback for its write result.
type outbound struct {
	frame protocol.Frame
	done  func(error)
}

// Client sits between one websocket connection and the hub. It implements
// session.Handle: Send only queues, writePump does the writing.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	peer   *Peer
	limits config.WS
	log    logrus.FieldLogger

	send chan outbound

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ session.Handle = (*Client)(nil)

func newClient(hub *Hub, conn *websocket.Conn, limits config.WS, log logrus.FieldLogger) *Client {
	c := &Client{
		id:     uuid.NewString(),
		hub:    hub,
		conn:   conn,
		limits: limits,
		send:   make(chan outbound, limits.SendQueue),
		done:   make(chan struct{}),
	}
	c.log = log.WithField("conn", c.id)
	c.peer = NewPeer(c, log)
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send queues f for the writer. A full queue means the peer is not keeping
// up; the client is closed and ErrBackpressure returned.
func (c *Client) Send(f protocol.Frame, done func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return session.ErrClosed
	}
	select {
	case c.send <- outbound{frame: f, done: done}:
		return nil
	default:
		c.log.Warn("outbound queue full, closing connection")
		c.closeLocked()
		return session.ErrBackpressure
	}
}

// Close stops the client. The writer sends a close frame and fails whatever
// is still queued.
func (c *Client) Close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// readPump feeds inbound frames to the dispatcher until the connection
// fails, then unregisters the client.
func (c *Client) readPump(ctx context.Context, d *Dispatcher) {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.limits.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.limits.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.limits.PongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("read failed")
			}
			return
		}
		d.Handle(ctx, c.peer, raw)
	}
}

// writePump writes queued frames in order and keeps the connection alive
// with pings. The first failed write ends it.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.limits.PingPeriod())
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
		c.drain()
	}()

	for {
		select {
		case out := <-c.send:
			err := c.write(out.frame)
			if out.done != nil {
				out.done(err)
			}
			if err != nil {
				c.log.WithError(err).WithField("frame", out.frame.FrameType()).Warn("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Debug("ping failed")
				return
			}
		case <-c.done:
			deadline := time.Now().Add(c.limits.WriteTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (c *Client) write(f protocol.Frame) error {
	payload, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// drain fails every frame still queued. Runs after the client is closed, so
// nothing new can be queued.
func (c *Client) drain() {
	for {
		select {
		case out := <-c.send:
			if out.done != nil {
				out.done(session.ErrClosed)
			}
		default:
			return
		}
	}
}
