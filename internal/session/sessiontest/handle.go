// Package sessiontest provides an in-memory session.Handle for tests.
package sessiontest

import (
	"encoding/json"
	"sync"

	"github.com/Chase-Garrett/parley/internal/protocol"
	"github.com/Chase-Garrett/parley/internal/session"
)

// Handle records every frame it is asked to send and completes writes
// synchronously, so done callbacks have run by the time Send returns.
type Handle struct {
	id string

	mu        sync.Mutex
	frames    []protocol.Frame
	closed    bool
	sendErr   error
	failFrom  int
	writeErr  error
	attempted int
}

var _ session.Handle = (*Handle)(nil)

func New(id string) *Handle {
	return &Handle{id: id, failFrom: -1}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Open() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

// Close marks the handle dead; later sends fail with session.ErrClosed.
func (h *Handle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// FailSends makes every later Send return err without queueing.
func (h *Handle) FailSends(err error) {
	h.mu.Lock()
	h.sendErr = err
	h.mu.Unlock()
}

// FailWritesFrom makes the n-th accepted write (0-based) and all after it
// fail with err. The first failure closes the handle, as the real writer does.
func (h *Handle) FailWritesFrom(n int, err error) {
	h.mu.Lock()
	h.failFrom = n
	h.writeErr = err
	h.mu.Unlock()
}

func (h *Handle) Send(f protocol.Frame, done func(error)) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return session.ErrClosed
	}
	if h.sendErr != nil {
		err := h.sendErr
		h.mu.Unlock()
		return err
	}

	var werr error
	if h.failFrom >= 0 && h.attempted >= h.failFrom {
		werr = h.writeErr
		h.closed = true
	} else {
		h.frames = append(h.frames, f)
	}
	h.attempted++
	h.mu.Unlock()

	if done != nil {
		done(werr)
	}
	return nil
}

// Frames returns the successfully written frames in order.
func (h *Handle) Frames() []protocol.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]protocol.Frame, len(h.frames))
	copy(out, h.frames)
	return out
}

// Types returns the type of every written frame in order.
func (h *Handle) Types() []string {
	frames := h.Frames()
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.FrameType())
	}
	return out
}

// Messages returns the written chat message frames.
func (h *Handle) Messages() []protocol.Message {
	var out []protocol.Message
	for _, f := range h.Frames() {
		if m, ok := f.(protocol.Message); ok {
			out = append(out, m)
		}
	}
	return out
}

// Confirmations returns the written message_sent frames.
func (h *Handle) Confirmations() []protocol.MessageSent {
	var out []protocol.MessageSent
	for _, f := range h.Frames() {
		if m, ok := f.(protocol.MessageSent); ok {
			out = append(out, m)
		}
	}
	return out
}

// Presence decodes every written online_users frame, whether it was sent
// as a struct or pre-encoded.
func (h *Handle) Presence() [][]string {
	var out [][]string
	for _, f := range h.Frames() {
		if f.FrameType() != protocol.TypeOnlineUsers {
			continue
		}
		b, err := protocol.Encode(f)
		if err != nil {
			continue
		}
		var ou protocol.OnlineUsers
		if err := json.Unmarshal(b, &ou); err != nil {
			continue
		}
		out = append(out, ou.Users)
	}
	return out
}
