// Package domain contains the entities shared by the relay and the ports
// the storage adapters implement.
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateUser is returned when registering a username that is taken.
	ErrDuplicateUser = errors.New("username already exists")
)

// Message is one direct message. Delivered flips from false to true exactly
// once, when a push to the recipient's live session succeeds.
type Message struct {
	ID          int64      `json:"id"`
	Sender      string     `json:"sender"`
	Recipient   string     `json:"recipient"`
	Content     string     `json:"content"`
	SentAt      time.Time  `json:"sentAt"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

// Contact returns the other party of m from user's point of view.
func (m Message) Contact(user string) string {
	if m.Sender == user {
		return m.Recipient
	}
	return m.Sender
}

// MessageStore is the port for durable message persistence.
type MessageStore interface {
	// Append persists a new undelivered message and assigns its ID.
	Append(ctx context.Context, sender, recipient, content string, sentAt time.Time) (Message, error)
	// MarkDelivered sets delivered=true and deliveredAt=at. Marking an
	// already delivered message keeps the first deliveredAt.
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
	// ListUndelivered returns recipient's undelivered messages, oldest first.
	ListUndelivered(ctx context.Context, recipient string) ([]Message, error)
	// ListConversation returns every message between a and b, oldest first.
	ListConversation(ctx context.Context, a, b string) ([]Message, error)
	// ListRecentPerContact returns the latest message exchanged with each
	// contact of user, newest first.
	ListRecentPerContact(ctx context.Context, user string) ([]Message, error)
}
