// Package memory implements the storage ports in memory for development and
// testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Chase-Garrett/parley/internal/auth"
	"github.com/Chase-Garrett/parley/internal/domain"
)

// DB implements an in-memory message and user store.
type DB struct {
	mu       sync.Mutex
	messages []domain.Message
	users    map[string]*domain.User

	messageIDCounter int64
	userIDCounter    int64
}

// New creates a new in-memory database.
func New() *DB {
	return &DB{users: make(map[string]*domain.User)}
}

// Ensure interfaces are met.
var _ domain.MessageStore = (*DB)(nil)
var _ domain.AuthStore = (*DB)(nil)

// --- MessageStore ---

func (db *DB) Append(ctx context.Context, sender, recipient, content string, sentAt time.Time) (domain.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.messageIDCounter++
	m := domain.Message{
		ID:        db.messageIDCounter,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		SentAt:    sentAt.UTC(),
	}
	db.messages = append(db.messages, m)
	return m, nil
}

func (db *DB) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i := range db.messages {
		m := &db.messages[i]
		if m.ID != id {
			continue
		}
		if !m.Delivered {
			at := at.UTC()
			m.Delivered = true
			m.DeliveredAt = &at
		}
		return nil
	}
	return domain.ErrNotFound
}

func (db *DB) ListUndelivered(ctx context.Context, recipient string) ([]domain.Message, error) {
	return db.filter(func(m domain.Message) bool {
		return m.Recipient == recipient && !m.Delivered
	}), nil
}

func (db *DB) ListConversation(ctx context.Context, a, b string) ([]domain.Message, error) {
	return db.filter(func(m domain.Message) bool {
		return (m.Sender == a && m.Recipient == b) || (m.Sender == b && m.Recipient == a)
	}), nil
}

func (db *DB) ListRecentPerContact(ctx context.Context, user string) ([]domain.Message, error) {
	all := db.filter(func(m domain.Message) bool {
		return m.Sender == user || m.Recipient == user
	})

	// latest by id per contact, like the SQL adapter
	latest := make(map[string]domain.Message)
	for _, m := range all {
		contact := m.Contact(user)
		if cur, ok := latest[contact]; !ok || m.ID > cur.ID {
			latest[contact] = m
		}
	}

	out := make([]domain.Message, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].SentAt.After(out[j].SentAt)
	})
	return out, nil
}

// filter returns copies of the matching messages ordered by sentAt, then id.
func (db *DB) filter(keep func(domain.Message) bool) []domain.Message {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []domain.Message
	for _, m := range db.messages {
		if keep(m) {
			if m.DeliveredAt != nil {
				at := *m.DeliveredAt
				m.DeliveredAt = &at
			}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}

// --- AuthStore ---

func (db *DB) Register(ctx context.Context, username, password string) (int64, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return 0, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.users[username]; exists {
		return 0, domain.ErrDuplicateUser
	}
	db.userIDCounter++
	db.users[username] = &domain.User{
		ID:           db.userIDCounter,
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	return db.userIDCounter, nil
}

func (db *DB) Verify(ctx context.Context, username, password string) (bool, error) {
	db.mu.Lock()
	u, ok := db.users[username]
	var hash string
	if ok {
		hash = u.PasswordHash
	}
	db.mu.Unlock()

	if !ok {
		return false, nil
	}
	return auth.CheckPassword(hash, password), nil
}

func (db *DB) TouchLogin(ctx context.Context, username string, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if u, ok := db.users[username]; ok {
		at := at.UTC()
		u.LastLogin = &at
	}
	return nil
}

func (db *DB) ListUsers(ctx context.Context) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make([]string, 0, len(db.users))
	for name := range db.users {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// User returns a copy of the stored user, for inspection in tests.
func (db *DB) User(username string) (domain.User, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	u, ok := db.users[username]
	if !ok {
		return domain.User{}, false
	}
	return *u, true
}

// Message returns a copy of the stored message with the given id.
func (db *DB) Message(id int64) (domain.Message, bool) {
	msgs := db.filter(func(m domain.Message) bool { return m.ID == id })
	if len(msgs) == 0 {
		return domain.Message{}, false
	}
	return msgs[0], true
}
