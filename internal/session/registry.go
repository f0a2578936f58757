// Package session tracks which username is reachable through which live
// connection.
package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/Chase-Garrett/parley/internal/protocol"
	"github.com/samber/lo"
)

var (
	// ErrClosed is returned by Handle.Send once the connection is gone.
	ErrClosed = errors.New("session closed")
	// ErrBackpressure is returned by Handle.Send when the outbound queue is
	// full. The handle is treated as dead by callers.
	ErrBackpressure = errors.New("session outbound queue full")
)

// Handle is a live, addressable connection.
type Handle interface {
	ID() string
	Open() bool
	// Send queues f for the connection writer. done, when non-nil, is called
	// exactly once with the result of the transport write, unless Send itself
	// returns an error, in which case done is never called.
	Send(f protocol.Frame, done func(error)) error
}

// Registry maps a username to exactly one handle. The zero value is not
// usable; use NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Handle)}
}

// Register binds username to h and returns the handle it superseded, if any.
func (r *Registry) Register(username string, h Handle) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessions[username]
	r.sessions[username] = h
	if prev == h {
		return nil
	}
	return prev
}

func (r *Registry) Lookup(username string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.sessions[username]
	return h, ok
}

// Remove deletes username's mapping whatever handle it points at. Paths that
// drop a specific connection (disconnect, eviction) must use RemoveHandle
// instead, or they can unregister a newer connection for the same user.
func (r *Registry) Remove(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, username)
}

// RemoveHandle deletes username's mapping only while it still points at h.
func (r *Registry) RemoveHandle(username string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[username]; ok && cur == h {
		delete(r.sessions, username)
		return true
	}
	return false
}

// RemoveDead prunes every session whose handle is no longer open and returns
// the pruned usernames.
func (r *Registry) RemoveDead() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pruned []string
	for username, h := range r.sessions {
		if !h.Open() {
			delete(r.sessions, username)
			pruned = append(pruned, username)
		}
	}
	sort.Strings(pruned)
	return pruned
}

// Snapshot returns the registered usernames, sorted.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := lo.Keys(r.sessions)
	sort.Strings(users)
	return users
}

// Sessions returns a point-in-time copy of the mapping.
func (r *Registry) Sessions() map[string]Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Handle, len(r.sessions))
	for username, h := range r.sessions {
		out[username] = h
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}
