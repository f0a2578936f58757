package server

import (
	"context"

	"github.com/Chase-Garrett/parley/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Hub owns the set of open connections, authenticated or not, and runs the
// disconnect cleanup for each of them.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}

	dispatcher *Dispatcher
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
}

func NewHub(d *Dispatcher, log logrus.FieldLogger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
		dispatcher: d,
		log:        log,
		metrics:    m,
	}
}

// Run serves register and unregister requests until ctx is done, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.metrics.ConnectionOpened()
			c.log.Debug("client connected")
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
				h.dispatcher.Disconnect(c.peer)
				h.metrics.ConnectionClosed()
				c.log.Debug("client disconnected")
			}
		case <-ctx.Done():
			h.log.WithField("clients", len(h.clients)).Info("hub stopping, closing clients")
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
				h.metrics.ConnectionClosed()
			}
			return
		}
	}
}

// Register adds c to the hub. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// Stopped is closed when Run returns.
func (h *Hub) Stopped() <-chan struct{} {
	return h.stopped
}
