// Package presence tells connected users who else is online.
package presence

import (
	"sort"

	"github.com/Chase-Garrett/parley/internal/metrics"
	"github.com/Chase-Garrett/parley/internal/protocol"
	"github.com/Chase-Garrett/parley/internal/session"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

type Broadcaster struct {
	sessions *session.Registry
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

func New(sessions *session.Registry, log logrus.FieldLogger, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{sessions: sessions, log: log, metrics: m}
}

// Frame returns the online_users frame for the current registry contents.
func (b *Broadcaster) Frame() protocol.OnlineUsers {
	return protocol.NewOnlineUsers(b.sessions.Snapshot())
}

// Broadcast prunes dead sessions and sends the resulting online list to every
// remaining session. The payload always names exactly the users it is sent
// to. A failed send is logged and does not stop the fan-out. It returns how
// many sessions accepted the frame.
func (b *Broadcaster) Broadcast() int {
	if pruned := b.sessions.RemoveDead(); len(pruned) > 0 {
		b.log.WithField("users", pruned).Debug("pruned dead sessions")
	}

	sessions := b.sessions.Sessions()
	users := lo.Keys(sessions)
	sort.Strings(users)

	frame, err := protocol.Preencode(protocol.NewOnlineUsers(users))
	if err != nil {
		b.log.WithError(err).Error("failed to encode presence")
		return 0
	}

	sent := 0
	for _, username := range users {
		if err := sessions[username].Send(frame, nil); err != nil {
			b.log.WithError(err).WithField("username", username).Warn("failed to send presence")
			continue
		}
		sent++
	}
	b.metrics.Broadcast(len(users))
	return sent
}

// SendTo sends the current online list to h alone.
func (b *Broadcaster) SendTo(h session.Handle) error {
	return h.Send(b.Frame(), nil)
}
