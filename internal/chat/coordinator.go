package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/hub"
	"github.com/eldtechnologies/roomsync/internal/ids"
	"github.com/eldtechnologies/roomsync/internal/metrics"
	"github.com/eldtechnologies/roomsync/internal/models"
)

// Coordinator opens sessions and routes their sends through the message log.
type Coordinator struct {
	log    *MessageLog
	hub    *hub.Hub
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewCoordinator creates a coordinator. Sessions subscribe to h, which must
// be the hub log publishes to.
func NewCoordinator(log *MessageLog, h *hub.Hub, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		log:      log,
		hub:      h,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		sessions: make(map[string]*Session),
	}
}

// OpenSession joins displayName to roomID. The returned session's Snapshot
// holds the log so far. Live messages after it are handed to sink, possibly
// before OpenSession returns.
func (c *Coordinator) OpenSession(ctx context.Context, roomID, displayName string, sink Sink) (*Session, error) {
	s := &Session{
		id:          ids.NewSessionID(),
		roomID:      roomID,
		displayName: sanitizeName(displayName),
		coord:       c,
		sink:        sink,
		ready:       make(chan struct{}),
	}

	if s.displayName == "" {
		return nil, invalid("display_name", "is required")
	}
	if sink == nil {
		return nil, invalid("sink", "is required")
	}

	exists, err := c.log.RoomExists(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrRoomNotFound
	}

	// Subscribe before reading the snapshot so nothing appended in between
	// is missed. Overlap is removed by order key in HandleMessage.
	s.sub = c.hub.Subscribe(roomID, s)

	snapshot, err := c.log.ListSince(ctx, roomID, 0)
	if err != nil {
		c.hub.Unsubscribe(s.sub)
		return nil, err
	}
	s.snapshot = snapshot
	if n := len(snapshot); n > 0 {
		s.last = snapshot[n-1].OrderKey
	}
	s.openedAt = time.Now().UTC()
	s.state.Store(int32(StateActive))

	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
	close(s.ready)

	metrics.ActiveSessions.Inc()
	c.logger.Info().
		Str("session_id", s.id).
		Str("room_id", roomID).
		Str("display_name", s.displayName).
		Int("snapshot", len(snapshot)).
		Msg("session opened")

	return s, nil
}

// Send appends req to the session's room as the session's participant.
// Only one send per session may be in flight; overlapping sends fail with
// ErrBusy.
func (c *Coordinator) Send(ctx context.Context, s *Session, req SendRequest) (*models.Message, error) {
	if s == nil || s.State() != StateActive {
		return nil, reject(ErrSessionClosed)
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, reject(ErrBusy)
	}
	defer s.busy.Store(false)

	return c.send(ctx, s.roomID, s.displayName, req)
}

// SendAs appends req to roomID on behalf of author without a live session.
func (c *Coordinator) SendAs(ctx context.Context, roomID, author string, req SendRequest) (*models.Message, error) {
	author = sanitizeName(author)
	if author == "" {
		return nil, reject(invalid("author", "is required"))
	}
	return c.send(ctx, roomID, author, req)
}

func (c *Coordinator) send(ctx context.Context, roomID, author string, req SendRequest) (*models.Message, error) {
	draft := models.Draft{
		Author: author,
		Text:   req.Text,
		Image:  req.Image,
	}
	if req.ReplyTo != nil {
		// Placeholder so validation sees the reply; replaced below.
		draft.ReplyTo = &models.ReplyRef{ID: req.ReplyTo.ID}
	}
	if err := validateDraft(draft, c.log.Limits()); err != nil {
		return nil, reject(err)
	}

	if req.ReplyTo != nil {
		ref, err := c.replyRef(ctx, roomID, *req.ReplyTo)
		if err != nil {
			return nil, reject(err)
		}
		draft.ReplyTo = ref
	}

	msg, err := c.log.Append(ctx, roomID, draft)
	if err != nil {
		return nil, reject(err)
	}
	return msg, nil
}

// replyRef builds the reply snapshot. A reference carrying only an id is
// resolved against the room's log.
func (c *Coordinator) replyRef(ctx context.Context, roomID string, ref models.ReplyRef) (*models.ReplyRef, error) {
	if ref.Author != "" || ref.Text != "" {
		return &models.ReplyRef{
			ID:     ref.ID,
			Author: ref.Author,
			Text:   models.TruncateRunes(ref.Text, models.ReplySnippetRunes),
		}, nil
	}

	target, err := c.log.Get(ctx, roomID, ref.ID)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return nil, invalid("reply_to", "message not found in this room")
		}
		return nil, err
	}
	return models.NewReplyRef(*target), nil
}

// reject counts a failed send by cause and passes err through.
func reject(err error) error {
	reason := "other"
	switch {
	case errors.Is(err, ErrValidation):
		reason = "validation"
	case errors.Is(err, ErrBusy):
		reason = "busy"
	case errors.Is(err, ErrRoomNotFound):
		reason = "not_found"
	case errors.Is(err, ErrSessionClosed):
		reason = "closed"
	case errors.Is(err, ErrStoreUnavailable):
		reason = "store"
	}
	metrics.SendsRejected.WithLabelValues(reason).Inc()
	return err
}

// CloseSession releases the session's subscription. Closing twice is a no-op.
func (c *Coordinator) CloseSession(s *Session) {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		prev := SessionState(s.state.Swap(int32(StateClosed)))
		c.hub.Unsubscribe(s.sub)

		c.mu.Lock()
		delete(c.sessions, s.id)
		c.mu.Unlock()

		if prev == StateActive {
			metrics.ActiveSessions.Dec()
			c.logger.Info().Str("session_id", s.id).Str("room_id", s.roomID).Msg("session closed")
		}
	})
}

// Lookup returns the open session with id.
func (c *Coordinator) Lookup(id string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Count returns the number of open sessions.
func (c *Coordinator) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Close closes every open session.
func (c *Coordinator) Close() {
	c.mu.RLock()
	open := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		open = append(open, s)
	}
	c.mu.RUnlock()

	for _, s := range open {
		c.CloseSession(s)
	}
}
