package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Chase-Garrett/parley/internal/delivery"
	"github.com/Chase-Garrett/parley/internal/domain"
	"github.com/Chase-Garrett/parley/internal/metrics"
	"github.com/Chase-Garrett/parley/internal/presence"
	"github.com/Chase-Garrett/parley/internal/protocol"
	"github.com/Chase-Garrett/parley/internal/session"
	"github.com/sirupsen/logrus"
)

type ConnState int

const (
	StateConnected ConnState = iota
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Peer is a connection as the dispatcher sees it: a handle plus the
// per-connection protocol state.
type Peer struct {
	session.Handle
	log logrus.FieldLogger

	mu       sync.Mutex
	state    ConnState
	username string
}

func NewPeer(h session.Handle, log logrus.FieldLogger) *Peer {
	return &Peer{Handle: h, log: log.WithField("conn", h.ID())}
}

func (p *Peer) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Username is empty until the peer authenticates.
func (p *Peer) Username() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.username
}

// bind authenticates the peer as username and returns the name it was bound
// to before, if any. A closed peer stays closed.
func (p *Peer) bind(username string) (prev string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return "", false
	}
	prev = p.username
	p.username = username
	p.state = StateAuthenticated
	return prev, true
}

// markClosed moves the peer to Closed and reports the username it was bound
// to. Only the first call reports anything.
func (p *Peer) markClosed() (username string, wasAuthenticated bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return "", false
	}
	wasAuthenticated = p.state == StateAuthenticated
	p.state = StateClosed
	return p.username, wasAuthenticated
}

// reasons an inbound frame is ignored
const (
	reasonUnauthenticated = "unauthenticated"
	reasonMissingField    = "missing field"
	reasonInvalidMessage  = "invalid message"
	reasonClosed          = "closed"
)

// Dispatcher routes decoded inbound frames to the delivery engine, the
// session registry and the presence broadcaster.
type Dispatcher struct {
	sessions *session.Registry
	engine   *delivery.Engine
	presence *presence.Broadcaster
	users    domain.AuthStore
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewDispatcher(
	sessions *session.Registry,
	engine *delivery.Engine,
	presence *presence.Broadcaster,
	users domain.AuthStore,
	log logrus.FieldLogger,
	m *metrics.Metrics,
) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		engine:   engine,
		presence: presence,
		users:    users,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// Handle processes one inbound frame from p. Frames that cannot be acted on
// are dropped without a reply.
func (d *Dispatcher) Handle(ctx context.Context, p *Peer, raw []byte) {
	if p.State() == StateClosed {
		d.ignore(p, reasonClosed)
		return
	}

	switch cmd := protocol.Decode(raw).(type) {
	case protocol.Authenticate:
		d.authenticate(ctx, p, cmd)
	case protocol.Chat:
		d.chat(ctx, p, cmd)
	case protocol.GetUsers:
		if err := d.presence.SendTo(p.Handle); err != nil {
			p.log.WithError(err).Debug("could not send online users")
		}
	case protocol.Unrecognized:
		p.log.WithField("type", cmd.Type).Debugf("ignoring frame: %s", cmd.Reason)
		d.metrics.Ignored(cmd.Reason)
	}
}

func (d *Dispatcher) authenticate(ctx context.Context, p *Peer, cmd protocol.Authenticate) {
	username := strings.TrimSpace(cmd.Username)
	if username == "" {
		d.ignore(p, reasonMissingField)
		return
	}

	prev, ok := p.bind(username)
	if !ok {
		d.ignore(p, reasonClosed)
		return
	}
	log := p.log.WithField("user", username)

	if prev != "" && prev != username {
		d.sessions.RemoveHandle(prev, p.Handle)
		log.WithField("previous", prev).Info("connection re-authenticated")
	}

	// auth_success goes out before the session is visible, so no live
	// message can overtake it
	if err := p.Send(protocol.NewAuthSuccess(username), nil); err != nil {
		log.WithError(err).Debug("could not confirm authentication")
	}
	if superseded := d.sessions.Register(username, p.Handle); superseded != nil {
		log.WithField("superseded", superseded.ID()).Info("session superseded by new connection")
	}

	if err := d.users.TouchLogin(ctx, username, d.now()); err != nil {
		log.WithError(err).Warn("failed to record login")
	}

	n, err := d.engine.Replay(ctx, username, p.Handle)
	switch {
	case err != nil:
		log.WithError(err).WithField("queued", n).Warn("replay of undelivered messages stopped")
	case n > 0:
		log.WithField("queued", n).Info("replaying undelivered messages")
	}

	if err := d.presence.SendTo(p.Handle); err != nil {
		log.WithError(err).Debug("could not send online users")
	}
	d.presence.Broadcast()
	log.Info("user authenticated")
}

func (d *Dispatcher) chat(ctx context.Context, p *Peer, cmd protocol.Chat) {
	if p.State() != StateAuthenticated {
		d.ignore(p, reasonUnauthenticated)
		return
	}
	if cmd.Recipient == "" || cmd.Content == "" {
		d.ignore(p, reasonMissingField)
		return
	}

	_, err := d.engine.Send(ctx, p.Handle, p.Username(), cmd.Recipient, cmd.Content)
	switch {
	case errors.Is(err, delivery.ErrInvalidMessage):
		d.ignore(p, reasonInvalidMessage)
	case err != nil:
		p.log.WithError(err).WithField("recipient", cmd.Recipient).Error("failed to send message")
	}
}

// Disconnect cleans up after p's connection is gone. Safe to call more than
// once; only the first call has an effect.
func (d *Dispatcher) Disconnect(p *Peer) {
	username, wasAuthenticated := p.markClosed()
	if !wasAuthenticated {
		return
	}

	log := p.log.WithField("user", username)
	if d.sessions.RemoveHandle(username, p.Handle) {
		log.Info("user disconnected")
	} else {
		log.Debug("superseded connection closed")
	}
	d.presence.Broadcast()
}

func (d *Dispatcher) ignore(p *Peer, reason string) {
	p.log.Debugf("ignoring frame: %s", reason)
	d.metrics.Ignored(reason)
}
