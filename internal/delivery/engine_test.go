package delivery_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Chase-Garrett/parley/internal/delivery"
	"github.com/Chase-Garrett/parley/internal/domain"
	"github.com/Chase-Garrett/parley/internal/metrics"
	"github.com/Chase-Garrett/parley/internal/protocol"
	"github.com/Chase-Garrett/parley/internal/session"
	"github.com/Chase-Garrett/parley/internal/session/sessiontest"
	"github.com/Chase-Garrett/parley/internal/storage/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *memory.DB
	sessions *session.Registry
	metrics  *metrics.Metrics
	logs     *logtest.Hook
	engine   *delivery.Engine
}

func newFixture(t *testing.T, opts ...delivery.Option) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		store:    memory.New(),
		sessions: session.NewRegistry(),
		metrics:  metrics.New(prometheus.NewRegistry()),
		logs:     hook,
	}
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]delivery.Option{
		delivery.WithMetrics(f.metrics),
		delivery.WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
	}, opts...)
	f.engine = delivery.New(f.store, f.sessions, logger, opts...)
	return f
}

func TestEngine_Send_BothOnline(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice := sessiontest.New("c-alice")
	bob := sessiontest.New("c-bob")
	f.sessions.Register("alice", alice)
	f.sessions.Register("bob", bob)

	// When alice sends bob a message
	receipt, err := f.engine.Send(ctx, alice, "alice", "bob", "hi")

	// Then bob receives it live and it is stored as delivered
	req.NoError(err)
	req.True(receipt.Delivered)

	msgs := bob.Messages()
	req.Len(msgs, 1)
	req.Equal("alice", msgs[0].Sender)
	req.Equal("hi", msgs[0].Content)
	req.Equal(receipt.Message.SentAt.Format(protocol.TimestampLayout), msgs[0].Timestamp)

	stored, ok := f.store.Message(receipt.Message.ID)
	req.True(ok)
	req.True(stored.Delivered)
	req.NotNil(stored.DeliveredAt)

	// And alice is told it was delivered
	req.Equal([]protocol.MessageSent{protocol.NewMessageSent("bob", true)}, alice.Confirmations())
	req.Equal(1.0, testutil.ToFloat64(f.metrics.MessagesSent))
	req.Equal(1.0, testutil.ToFloat64(f.metrics.MessagesDelivered.WithLabelValues(metrics.PathLive)))
}

func TestEngine_Send_RecipientOffline_ThenReplay(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice := sessiontest.New("c-alice")
	f.sessions.Register("alice", alice)

	// Given bob is offline while alice sends him two messages
	first, err := f.engine.Send(ctx, alice, "alice", "bob", "one")
	req.NoError(err)
	second, err := f.engine.Send(ctx, alice, "alice", "bob", "two")
	req.NoError(err)

	// Then both are queued and alice is told so
	req.False(first.Delivered)
	req.False(second.Delivered)
	req.Equal([]protocol.MessageSent{
		protocol.NewMessageSent("bob", false),
		protocol.NewMessageSent("bob", false),
	}, alice.Confirmations())
	pending, err := f.store.ListUndelivered(ctx, "bob")
	req.NoError(err)
	req.Len(pending, 2)

	// When bob comes online and his queue is replayed
	bob := sessiontest.New("c-bob")
	f.sessions.Register("bob", bob)
	n, err := f.engine.Replay(ctx, "bob", bob)

	// Then he gets both, oldest first, and nothing is left queued
	req.NoError(err)
	req.Equal(2, n)
	msgs := bob.Messages()
	req.Len(msgs, 2)
	req.Equal("one", msgs[0].Content)
	req.Equal("two", msgs[1].Content)

	pending, err = f.store.ListUndelivered(ctx, "bob")
	req.NoError(err)
	req.Empty(pending)
	req.Equal(2.0, testutil.ToFloat64(f.metrics.MessagesDelivered.WithLabelValues(metrics.PathReplay)))

	// And a second replay finds nothing
	n, err = f.engine.Replay(ctx, "bob", bob)
	req.NoError(err)
	req.Zero(n)
	req.Len(bob.Messages(), 2)
}

func TestEngine_Send_Invalid(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name                       string
		sender, recipient, content string
	}{
		{"missing content", "alice", "bob", ""},
		{"missing recipient", "alice", "", "hi"},
		{"missing sender", "", "bob", "hi"},
		{"content too long", "alice", "bob", strings.Repeat("x", 11)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			f := newFixture(t, delivery.WithMaxContentLength(10))
			alice := sessiontest.New("c-alice")
			bob := sessiontest.New("c-bob")
			f.sessions.Register("bob", bob)

			_, err := f.engine.Send(ctx, alice, tc.sender, tc.recipient, tc.content)

			req.ErrorIs(err, delivery.ErrInvalidMessage)
			req.Empty(alice.Frames())
			req.Empty(bob.Frames())
			conv, err := f.store.ListConversation(ctx, "alice", "bob")
			req.NoError(err)
			req.Empty(conv)
		})
	}
}

func TestEngine_Send_ContentLimitCountsCharacters(t *testing.T) {
	f := newFixture(t, delivery.WithMaxContentLength(3))

	_, err := f.engine.Send(context.Background(), nil, "alice", "bob", "héé")
	require.NoError(t, err)
}

func TestEngine_Send_LivePushFails(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice := sessiontest.New("c-alice")
	bob := sessiontest.New("c-bob")
	f.sessions.Register("bob", bob)

	// Given bob's connection can no longer take frames
	bob.FailSends(session.ErrBackpressure)

	// When alice sends him a message
	receipt, err := f.engine.Send(ctx, alice, "alice", "bob", "hello?")

	// Then it stays queued, bob is evicted and alice hears it was not delivered
	req.NoError(err)
	req.False(receipt.Delivered)
	_, ok := f.sessions.Lookup("bob")
	req.False(ok)

	stored, ok := f.store.Message(receipt.Message.ID)
	req.True(ok)
	req.False(stored.Delivered)
	req.Equal([]protocol.MessageSent{protocol.NewMessageSent("bob", false)}, alice.Confirmations())
	req.Equal(1.0, testutil.ToFloat64(f.metrics.PushFailures.WithLabelValues(metrics.PathLive)))
	req.Equal(logrus.WarnLevel, f.logs.LastEntry().Level)
}

func TestEngine_Send_WriteFailsAfterAccept(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	bob := sessiontest.New("c-bob")
	f.sessions.Register("bob", bob)
	bob.FailWritesFrom(0, errors.New("broken pipe"))

	receipt, err := f.engine.Send(ctx, nil, "alice", "bob", "hi")

	// the enqueue succeeded, so the snapshot says delivered, but the store
	// only follows the write result
	req.NoError(err)
	req.True(receipt.Delivered)
	stored, ok := f.store.Message(receipt.Message.ID)
	req.True(ok)
	req.False(stored.Delivered)
	_, ok = f.sessions.Lookup("bob")
	req.False(ok)
}

func TestEngine_Replay_HaltsOnFailure(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	for _, content := range []string{"m1", "m2", "m3"} {
		_, err := f.engine.Send(ctx, nil, "alice", "bob", content)
		req.NoError(err)
	}

	// Given bob's connection breaks on the second write
	bob := sessiontest.New("c-bob")
	f.sessions.Register("bob", bob)
	errReset := errors.New("connection reset")
	bob.FailWritesFrom(1, errReset)

	// When his queue is replayed
	n, err := f.engine.Replay(ctx, "bob", bob)

	// Then replay stops and only the first message is delivered
	req.ErrorIs(err, errReset)
	req.Equal(2, n)
	req.Len(bob.Messages(), 1)
	req.Equal("m1", bob.Messages()[0].Content)

	pending, err := f.store.ListUndelivered(ctx, "bob")
	req.NoError(err)
	req.Len(pending, 2)
	req.Equal("m2", pending[0].Content)
	req.Equal("m3", pending[1].Content)

	_, ok := f.sessions.Lookup("bob")
	req.False(ok)
}

func TestEngine_Replay_EvictionKeepsSuccessor(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Send(ctx, nil, "alice", "bob", "m1")
	req.NoError(err)

	// Given a stale handle fails while a newer connection already owns bob
	stale := sessiontest.New("c-old")
	stale.Close()
	current := sessiontest.New("c-new")
	f.sessions.Register("bob", current)

	_, err = f.engine.Replay(ctx, "bob", stale)
	req.ErrorIs(err, session.ErrClosed)

	// Then the newer connection is untouched
	got, ok := f.sessions.Lookup("bob")
	req.True(ok)
	req.Same(current, got)
}

// deferredHandle holds write callbacks until Flush, like a writer goroutine
// that has not caught up yet.
type deferredHandle struct {
	*sessiontest.Handle

	mu      sync.Mutex
	pending []func(error)
}

func (h *deferredHandle) Send(f protocol.Frame, done func(error)) error {
	return h.Handle.Send(f, func(err error) {
		if done == nil {
			return
		}
		h.mu.Lock()
		h.pending = append(h.pending, func(error) { done(err) })
		h.mu.Unlock()
	})
}

func (h *deferredHandle) Flush() {
	h.mu.Lock()
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()
	for _, fn := range pending {
		fn(nil)
	}
}

func TestEngine_Replay_SkipsMessagesInFlight(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	bob := &deferredHandle{Handle: sessiontest.New("c-bob")}
	f.sessions.Register("bob", bob)

	// Given a live push whose write has not completed yet
	receipt, err := f.engine.Send(ctx, nil, "alice", "bob", "racing")
	req.NoError(err)
	req.True(receipt.Delivered)
	pending, err := f.store.ListUndelivered(ctx, "bob")
	req.NoError(err)
	req.Len(pending, 1)

	// When a replay runs in the meantime
	n, err := f.engine.Replay(ctx, "bob", bob)

	// Then it does not push the same message again
	req.NoError(err)
	req.Zero(n)
	req.Len(bob.Messages(), 1)

	// And once the write completes the message is delivered
	bob.Flush()
	stored, ok := f.store.Message(receipt.Message.ID)
	req.True(ok)
	req.True(stored.Delivered)
}

// flushingStore completes the pending writes of handle right after taking
// the first undelivered snapshot, as a writer goroutine racing a replay would.
type flushingStore struct {
	*memory.DB
	handle *deferredHandle
	once   sync.Once
}

func (s *flushingStore) ListUndelivered(ctx context.Context, recipient string) ([]domain.Message, error) {
	msgs, err := s.DB.ListUndelivered(ctx, recipient)
	s.once.Do(s.handle.Flush)
	return msgs, err
}

func TestEngine_Replay_SkipsMessagesDeliveredAfterListing(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	logger, _ := logtest.NewNullLogger()
	sessions := session.NewRegistry()
	bob := &deferredHandle{Handle: sessiontest.New("c-bob")}
	sessions.Register("bob", bob)
	store := &flushingStore{DB: memory.New(), handle: bob}
	engine := delivery.New(store, sessions, logger)

	// Given a live push whose write lands after replay lists bob's queue
	receipt, err := engine.Send(ctx, nil, "alice", "bob", "racing")
	req.NoError(err)
	req.True(receipt.Delivered)

	// When the replay runs
	n, err := engine.Replay(ctx, "bob", bob)

	// Then the message is sent once and stays delivered
	req.NoError(err)
	req.Zero(n)
	req.Len(bob.Messages(), 1)
	stored, ok := store.Message(receipt.Message.ID)
	req.True(ok)
	req.True(stored.Delivered)
}

type pendingWrite struct {
	frame protocol.Frame
	done  func(error)
}

// boundedHandle queues at most capacity unwritten frames and writes them from
// its own goroutine, like a connection writer. A full queue is backpressure.
type boundedHandle struct {
	*sessiontest.Handle
	queue chan pendingWrite
}

func newBoundedHandle(t *testing.T, id string, capacity int) *boundedHandle {
	h := &boundedHandle{Handle: sessiontest.New(id), queue: make(chan pendingWrite, capacity)}
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case q := <-h.queue:
				_ = h.Handle.Send(q.frame, q.done)
			case <-stop:
				return
			}
		}
	}()
	return h
}

func (h *boundedHandle) Send(f protocol.Frame, done func(error)) error {
	select {
	case h.queue <- pendingWrite{frame: f, done: done}:
		return nil
	default:
		return session.ErrBackpressure
	}
}

func TestEngine_Replay_BacklogLargerThanQueue(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, delivery.WithReplayBatch(4))
	for i := 0; i < 30; i++ {
		_, err := f.engine.Send(ctx, nil, "alice", "bob", fmt.Sprintf("m%02d", i))
		req.NoError(err)
	}

	// Given bob's connection can only hold four unwritten frames
	bob := newBoundedHandle(t, "c-bob", 4)
	f.sessions.Register("bob", bob)

	// When his backlog is replayed
	n, err := f.engine.Replay(ctx, "bob", bob)

	// Then every message arrives in order without overrunning the queue
	req.NoError(err)
	req.Equal(30, n)
	msgs := bob.Messages()
	req.Len(msgs, 30)
	for i, m := range msgs {
		req.Equal(fmt.Sprintf("m%02d", i), m.Content)
	}
	req.Zero(testutil.ToFloat64(f.metrics.PushFailures.WithLabelValues(metrics.PathReplay)))

	pending, err := f.store.ListUndelivered(ctx, "bob")
	req.NoError(err)
	req.Empty(pending)
	_, ok := f.sessions.Lookup("bob")
	req.True(ok)
}
