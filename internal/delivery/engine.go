// Package delivery decides, for every chat message, whether it is pushed to a
// live session or left queued in the store, and replays queued messages when
// their recipient authenticates.
//
// A message is marked delivered only from the write-completion callback of
// the handle it was pushed to, so the store never claims a delivery that the
// transport did not confirm.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Chase-Garrett/parley/internal/domain"
	"github.com/Chase-Garrett/parley/internal/metrics"
	"github.com/Chase-Garrett/parley/internal/protocol"
	"github.com/Chase-Garrett/parley/internal/session"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// ErrInvalidMessage is returned for a send with an empty party or content,
// or content over the length limit. Nothing is persisted.
var ErrInvalidMessage = errors.New("invalid message")

// DefaultMaxContentLength is the content limit in characters.
const DefaultMaxContentLength = 1000

// DefaultReplayBatch is how many replayed messages are queued on a session
// before waiting for their writes.
const DefaultReplayBatch = 64

const markTimeout = 5 * time.Second

// Receipt is the outcome of Send. Delivered is the snapshot sent back to the
// sender: a live session accepted the push.
type Receipt struct {
	Message   domain.Message
	Delivered bool
}

type Engine struct {
	store    domain.MessageStore
	sessions *session.Registry
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	now      func() time.Time

	validate    *validator.Validate
	contentRule string
	replayBatch int

	mu       sync.Mutex
	inflight map[int64]struct{}
}

type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithMaxContentLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.contentRule = fmt.Sprintf("required,max=%d", n)
		}
	}
}

// WithReplayBatch bounds how many replayed messages sit in a session's
// outbound queue at once. Keep it below the queue capacity.
func WithReplayBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.replayBatch = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(store domain.MessageStore, sessions *session.Registry, log logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		sessions:    sessions,
		log:         log,
		now:         time.Now,
		validate:    validator.New(),
		contentRule: fmt.Sprintf("required,max=%d", DefaultMaxContentLength),
		replayBatch: DefaultReplayBatch,
		inflight:    make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Send persists a message from sender to recipient, pushes it when the
// recipient has a live session, and confirms to origin with message_sent.
// origin may be nil.
func (e *Engine) Send(ctx context.Context, origin session.Handle, sender, recipient, content string) (Receipt, error) {
	if sender == "" || recipient == "" {
		return Receipt{}, ErrInvalidMessage
	}
	if err := e.validate.Var(content, e.contentRule); err != nil {
		return Receipt{}, errors.Wrapf(ErrInvalidMessage, "content: %v", err)
	}

	msg, err := e.store.Append(ctx, sender, recipient, content, e.now())
	if err != nil {
		return Receipt{}, errors.Wrap(err, "delivery: persist message")
	}
	e.metrics.Sent()

	log := e.log.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"sender":     sender,
		"recipient":  recipient,
	})
	delivered := e.pushLive(ctx, msg, log)

	if origin != nil {
		if err := origin.Send(protocol.NewMessageSent(recipient, delivered), nil); err != nil {
			log.WithError(err).Debug("could not confirm message to sender")
		}
	}
	return Receipt{Message: msg, Delivered: delivered}, nil
}

func (e *Engine) pushLive(ctx context.Context, msg domain.Message, log logrus.FieldLogger) bool {
	h, ok := e.sessions.Lookup(msg.Recipient)
	if !ok || !h.Open() {
		log.Debug("recipient offline, message queued")
		return false
	}
	if !e.claim(msg.ID) {
		return false
	}

	frame := protocol.NewMessage(msg.Sender, msg.Content, msg.SentAt)
	if err := h.Send(frame, e.onWritten(ctx, msg, h, metrics.PathLive, log)); err != nil {
		e.release(msg.ID)
		e.metrics.PushFailed(metrics.PathLive)
		e.evict(msg.Recipient, h, err, log)
		return false
	}
	return true
}

// Replay pushes username's undelivered messages to h, oldest first, in
// batches: each batch is queued and its writes awaited before the next, so a
// long backlog never overruns h's outbound queue. It stops at the first push
// that fails; the messages left over stay undelivered for the next
// authentication. It returns how many messages were queued.
func (e *Engine) Replay(ctx context.Context, username string, h session.Handle) (int, error) {
	pending, err := e.store.ListUndelivered(ctx, username)
	if err != nil {
		return 0, errors.Wrap(err, "delivery: list undelivered")
	}

	// a live push of a message is still waiting for its write
	claimed := lo.Filter(pending, func(m domain.Message, _ int) bool { return e.claim(m.ID) })
	if len(claimed) == 0 {
		return 0, nil
	}

	// a live push may have completed between the listing and the claim
	fresh, err := e.store.ListUndelivered(ctx, username)
	if err != nil {
		e.releaseAll(claimed)
		return 0, errors.Wrap(err, "delivery: list undelivered")
	}
	still := lo.KeyBy(fresh, func(m domain.Message) int64 { return m.ID })
	todo := lo.Filter(claimed, func(m domain.Message, _ int) bool {
		if _, ok := still[m.ID]; ok {
			return true
		}
		e.release(m.ID)
		return false
	})

	queued := 0
	for start := 0; start < len(todo); start += e.replayBatch {
		batch := todo[start:min(start+e.replayBatch, len(todo))]
		n, err := e.pushBatch(ctx, username, h, batch)
		queued += n
		if err != nil {
			// queued messages release their claim from the write callback
			e.releaseAll(todo[start+n:])
			return queued, errors.Wrapf(err, "delivery: replay halted after %d of %d", queued, len(todo))
		}
	}
	return queued, nil
}

// pushBatch queues batch on h and waits for every queued write to complete.
// It returns how many were queued and the first send or write failure.
func (e *Engine) pushBatch(ctx context.Context, username string, h session.Handle, batch []domain.Message) (int, error) {
	results := make(chan error, len(batch))
	queued := 0
	var sendErr error
	for _, msg := range batch {
		log := e.log.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"sender":     msg.Sender,
			"recipient":  username,
		})
		written := e.onWritten(ctx, msg, h, metrics.PathReplay, log)
		frame := protocol.NewMessage(msg.Sender, msg.Content, msg.SentAt)
		err := h.Send(frame, func(werr error) {
			written(werr)
			results <- werr
		})
		if err != nil {
			e.metrics.PushFailed(metrics.PathReplay)
			e.evict(username, h, err, log)
			sendErr = err
			break
		}
		queued++
	}

	var writeErr error
	for i := 0; i < queued; i++ {
		select {
		case werr := <-results:
			if writeErr == nil {
				writeErr = werr
			}
		case <-ctx.Done():
			return queued, ctx.Err()
		}
	}
	if writeErr != nil {
		return queued, writeErr
	}
	return queued, sendErr
}

// onWritten is the write-completion callback for a pushed message.
func (e *Engine) onWritten(ctx context.Context, msg domain.Message, h session.Handle, path string, log logrus.FieldLogger) func(error) {
	return func(werr error) {
		defer e.release(msg.ID)

		if werr != nil {
			// later frames of a dead connection all fail with ErrClosed
			if !errors.Is(werr, session.ErrClosed) {
				e.metrics.PushFailed(path)
			}
			e.evict(msg.Recipient, h, werr, log)
			return
		}

		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
		defer cancel()
		if err := e.store.MarkDelivered(mctx, msg.ID, e.now()); err != nil {
			log.WithError(err).Error("failed to mark message delivered")
			return
		}
		e.metrics.Delivered(path)
		log.WithField("path", path).Debug("message delivered")
	}
}

func (e *Engine) evict(username string, h session.Handle, cause error, log logrus.FieldLogger) {
	if e.sessions.RemoveHandle(username, h) {
		log.WithError(cause).Warn("push failed, session evicted")
		return
	}
	log.WithError(cause).Debug("push failed")
}

func (e *Engine) claim(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id int64) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Engine) releaseAll(msgs []domain.Message) {
	e.mu.Lock()
	for _, m := range msgs {
		delete(e.inflight, m.ID)
	}
	e.mu.Unlock()
}
