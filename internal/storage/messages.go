package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/Chase-Garrett/parley/internal/domain"
	"github.com/pkg/errors"
)

// MessageRepo implements domain.MessageStore on DB.
type MessageRepo struct {
	db *DB
}

var _ domain.MessageStore = (*MessageRepo)(nil)

// NewMessageRepo wraps a DB as a MessageStore.
func NewMessageRepo(db *DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = "id, sender, recipient, content, sent_at, delivered, delivered_at"

// Append inserts a new undelivered message.
func (r *MessageRepo) Append(ctx context.Context, sender, recipient, content string, sentAt time.Time) (domain.Message, error) {
	sentAt = sentAt.UTC()
	var id int64
	err := r.db.QueryRowContext(ctx,
		"INSERT INTO messages (sender, recipient, content, sent_at, delivered) VALUES (?, ?, ?, ?, FALSE) RETURNING id;",
		sender, recipient, content, sentAt,
	).Scan(&id)
	if err != nil {
		return domain.Message{}, errors.Wrap(err, "storage: append message")
	}
	return domain.Message{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		SentAt:    sentAt,
	}, nil
}

// MarkDelivered flips delivered once; a second call keeps the first deliveredAt.
func (r *MessageRepo) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE messages SET delivered = TRUE, delivered_at = ? WHERE id = ? AND delivered = FALSE;",
		at.UTC(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "storage: mark message %d delivered", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "storage: rows affected")
	}
	if n > 0 {
		return nil
	}

	var exists bool
	err = r.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM messages WHERE id = ?);", id).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "storage: check message")
	}
	if !exists {
		return domain.ErrNotFound
	}
	return nil
}

// ListUndelivered returns recipient's undelivered messages, oldest first.
func (r *MessageRepo) ListUndelivered(ctx context.Context, recipient string) ([]domain.Message, error) {
	return r.list(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE recipient = ? AND delivered = FALSE ORDER BY sent_at ASC, id ASC;",
		recipient,
	)
}

// ListConversation returns the messages between a and b, oldest first.
func (r *MessageRepo) ListConversation(ctx context.Context, a, b string) ([]domain.Message, error) {
	return r.list(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?) ORDER BY sent_at ASC, id ASC;",
		a, b, b, a,
	)
}

// ListRecentPerContact returns the newest message per contact of user.
func (r *MessageRepo) ListRecentPerContact(ctx context.Context, user string) ([]domain.Message, error) {
	return r.list(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id IN ("+
			"SELECT MAX(id) FROM messages WHERE sender = ? OR recipient = ? "+
			"GROUP BY CASE WHEN sender = ? THEN recipient ELSE sender END"+
			") ORDER BY sent_at DESC, id DESC;",
		user, user, user,
	)
}

func (r *MessageRepo) list(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list messages")
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.Message
	for rows.Next() {
		var (
			m           domain.Message
			deliveredAt sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Content, &m.SentAt, &m.Delivered, &deliveredAt); err != nil {
			return nil, errors.Wrap(err, "storage: scan message")
		}
		m.SentAt = m.SentAt.UTC()
		if deliveredAt.Valid {
			at := deliveredAt.Time.UTC()
			m.DeliveredAt = &at
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "storage: iterate messages")
}
