package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/events"
	"github.com/eldtechnologies/roomsync/internal/metrics"
	"github.com/eldtechnologies/roomsync/internal/models"
	"github.com/eldtechnologies/roomsync/internal/store"
)

// Publisher receives each committed message exactly once, in order-key order
// per room. *hub.Hub implements it.
type Publisher interface {
	Publish(roomID string, msg models.Message)
}

// LogOptions configures a MessageLog.
type LogOptions struct {
	StoreName string           // metrics label, e.g. "postgres"
	Limits    Limits           // zero fields fall back to defaults
	Events    events.Publisher // optional
	Logger    zerolog.Logger
}

// MessageLog is the append-only, per-room ordered message store. It
// validates drafts, serializes appends per room and publishes every
// committed message.
type MessageLog struct {
	store     store.DataStore
	storeName string
	publisher Publisher
	events    events.Publisher
	limits    Limits
	logger    zerolog.Logger

	mu    sync.Mutex
	locks map[string]*roomLock
}

// roomLock is a one-slot semaphore ordering appends to one room. refs counts
// the holder and waiters; the entry leaves the map when it drops to zero.
type roomLock struct {
	sem  chan struct{}
	refs int
}

// NewMessageLog creates a message log over ds that publishes to pub.
func NewMessageLog(ds store.DataStore, pub Publisher, opts LogOptions) *MessageLog {
	name := opts.StoreName
	if name == "" {
		name = "unknown"
	}
	return &MessageLog{
		store:     ds,
		storeName: name,
		publisher: pub,
		events:    opts.Events,
		limits:    opts.Limits.withDefaults(),
		logger:    opts.Logger.With().Str("component", "message_log").Logger(),
		locks:     make(map[string]*roomLock),
	}
}

// Limits returns the payload limits in force.
func (l *MessageLog) Limits() Limits {
	return l.limits
}

// lockRoom takes the append lock for roomID, waiting until ctx is done.
// The returned func releases it.
func (l *MessageLog) lockRoom(ctx context.Context, roomID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[roomID]
	if !ok {
		lock = &roomLock{sem: make(chan struct{}, 1)}
		l.locks[roomID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	drop := func() {
		l.mu.Lock()
		if lock.refs--; lock.refs == 0 {
			delete(l.locks, roomID)
		}
		l.mu.Unlock()
	}

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
	return func() {
		<-lock.sem
		drop()
	}, nil
}

func (l *MessageLog) observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(l.storeName, op).Observe(time.Since(start).Seconds())
}

// Append validates draft, stores it as the room's next message and
// publishes the result. Nothing is published when the append fails.
func (l *MessageLog) Append(ctx context.Context, roomID string, draft models.Draft) (*models.Message, error) {
	if draft.ReplyTo != nil {
		ref := *draft.ReplyTo
		ref.Text = models.TruncateRunes(ref.Text, models.ReplySnippetRunes)
		draft.ReplyTo = &ref
	}
	if err := validateDraft(draft, l.limits); err != nil {
		return nil, err
	}

	unlock, err := l.lockRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := time.Now()
	msg, err := l.store.AppendMessage(ctx, roomID, draft)
	l.observe("append", start)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		l.logger.Error().Err(err).Str("room_id", roomID).Msg("append failed")
		return nil, unavailable("append", err)
	}

	metrics.MessagesAppended.WithLabelValues(l.storeName).Inc()
	if l.publisher != nil {
		l.publisher.Publish(roomID, *msg)
	}
	if l.events != nil {
		if err := l.events.PublishMessage(context.WithoutCancel(ctx), *msg); err != nil {
			l.logger.Warn().Err(err).Str("room_id", roomID).Str("message_id", msg.ID).Msg("failed to publish message event")
		}
	}

	l.logger.Debug().
		Str("room_id", roomID).
		Str("message_id", msg.ID).
		Int64("order_key", msg.OrderKey).
		Msg("message appended")

	return msg, nil
}

// ListSince returns the room's messages with an order key greater than
// cursor, ascending. Cursor 0 returns the whole log. Unknown rooms have an
// empty log.
func (l *MessageLog) ListSince(ctx context.Context, roomID string, cursor int64) ([]models.Message, error) {
	if cursor < 0 {
		return nil, invalid("since", "must not be negative")
	}
	start := time.Now()
	msgs, err := l.store.ListMessagesSince(ctx, roomID, cursor)
	l.observe("list", start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, unavailable("list messages", err)
	}
	return msgs, nil
}

// RoomExists reports whether roomID names an existing room.
func (l *MessageLog) RoomExists(ctx context.Context, roomID string) (bool, error) {
	ok, err := l.store.RoomExists(ctx, roomID)
	if err != nil {
		return false, unavailable("room exists", err)
	}
	return ok, nil
}

// Get returns one message of the room, or ErrMessageNotFound.
func (l *MessageLog) Get(ctx context.Context, roomID, id string) (*models.Message, error) {
	start := time.Now()
	msg, err := l.store.GetMessage(ctx, roomID, id)
	l.observe("get", start)
	if err != nil {
		return nil, unavailable("get message", err)
	}
	if msg == nil {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}
