package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Chase-Garrett/parley/internal/domain"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	sqlite := &DB{driver: DriverSQLite}
	pg := &DB{driver: DriverPostgres}
	q := "SELECT 1 FROM t WHERE a = ? AND b = ?"

	require.Equal(t, q, sqlite.rebind(q))
	require.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND b = $2", pg.rebind(q))
}

func TestMessageRepo_AppendAndUndelivered(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := NewMessageRepo(openSQLite(t))
	at := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)

	// Given alice writes to bob while he is offline
	second, err := repo.Append(ctx, "alice", "bob", "later", at.Add(time.Second))
	req.NoError(err)
	first, err := repo.Append(ctx, "alice", "bob", "hi", at)
	req.NoError(err)
	req.NotZero(first.ID)
	req.NotEqual(first.ID, second.ID)
	req.False(first.Delivered)

	// When bob's undelivered messages are listed
	got, err := repo.ListUndelivered(ctx, "bob")

	// Then both come back, oldest first
	req.NoError(err)
	req.Len(got, 2)
	req.Equal(first.ID, got[0].ID)
	req.Equal("hi", got[0].Content)
	req.True(got[0].SentAt.Equal(at))
	req.False(got[0].Delivered)
	req.Nil(got[0].DeliveredAt)
	req.Equal(second.ID, got[1].ID)
}

func TestMessageRepo_MarkDelivered(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := NewMessageRepo(openSQLite(t))

	m, err := repo.Append(ctx, "alice", "bob", "hi", time.Now())
	req.NoError(err)

	deliveredAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	req.NoError(repo.MarkDelivered(ctx, m.ID, deliveredAt))
	req.NoError(repo.MarkDelivered(ctx, m.ID, deliveredAt.Add(time.Hour)))

	undelivered, err := repo.ListUndelivered(ctx, "bob")
	req.NoError(err)
	req.Empty(undelivered)

	conv, err := repo.ListConversation(ctx, "alice", "bob")
	req.NoError(err)
	req.Len(conv, 1)
	req.True(conv[0].Delivered)
	req.NotNil(conv[0].DeliveredAt)
	req.True(conv[0].DeliveredAt.Equal(deliveredAt))

	req.ErrorIs(repo.MarkDelivered(ctx, m.ID+100, deliveredAt), domain.ErrNotFound)
}

func TestMessageRepo_ConversationAndRecent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repo := NewMessageRepo(openSQLite(t))
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, m := range []struct{ from, to, content string }{
		{"alice", "bob", "a1"},
		{"bob", "alice", "b1"},
		{"carol", "alice", "c1"},
		{"bob", "carol", "unrelated"},
		{"alice", "bob", "a2"},
	} {
		_, err := repo.Append(ctx, m.from, m.to, m.content, at.Add(time.Duration(i)*time.Minute))
		req.NoError(err)
	}

	conv, err := repo.ListConversation(ctx, "bob", "alice")
	req.NoError(err)
	req.Len(conv, 3)
	req.Equal("a1", conv[0].Content)
	req.Equal("b1", conv[1].Content)
	req.Equal("a2", conv[2].Content)

	recent, err := repo.ListRecentPerContact(ctx, "alice")
	req.NoError(err)
	req.Len(recent, 2)
	req.Equal("a2", recent[0].Content)
	req.Equal("bob", recent[0].Contact("alice"))
	req.Equal("c1", recent[1].Content)
	req.Equal("carol", recent[1].Contact("alice"))
}
