package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eldtechnologies/roomsync/internal/hub"
	"github.com/eldtechnologies/roomsync/internal/models"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	StateUnjoined SessionState = iota
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink receives a session's live messages: contiguous, in order-key order,
// each exactly once, starting right after the snapshot.
type Sink interface {
	Deliver(ctx context.Context, msg models.Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg models.Message) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, msg models.Message) error {
	return f(ctx, msg)
}

// SendRequest is what a participant submits. ReplyTo may carry only an id,
// in which case the snapshot is taken from the referenced message.
type SendRequest struct {
	Text    string           `json:"text,omitempty"`
	Image   string           `json:"image,omitempty"`
	ReplyTo *models.ReplyRef `json:"reply_to,omitempty"`
}

// Session binds one participant to one room.
type Session struct {
	id          string
	roomID      string
	displayName string
	openedAt    time.Time

	coord *Coordinator
	sink  Sink
	sub   *hub.Subscription

	state     atomic.Int32
	busy      atomic.Bool
	ready     chan struct{}
	closeOnce sync.Once

	snapshot []models.Message

	// mu serializes live delivery and guards last.
	mu   sync.Mutex
	last int64
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// RoomID returns the room the session is joined to.
func (s *Session) RoomID() string { return s.roomID }

// DisplayName returns the name stamped on the session's messages.
func (s *Session) DisplayName() string { return s.displayName }

// OpenedAt returns when the session became active.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// State returns the current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Busy reports whether a send is in flight.
func (s *Session) Busy() bool { return s.busy.Load() }

// Snapshot returns the room's log as of joining. Live delivery continues
// from the last message in it.
func (s *Session) Snapshot() []models.Message { return s.snapshot }

// HandleMessage receives the room's live messages from the hub, drops ones
// already covered by the snapshot or earlier deliveries and backfills any gap
// from the message log before forwarding to the sink. A gap is noticed when
// the next live message arrives; Resync covers the case where none does.
func (s *Session) HandleMessage(ctx context.Context, msg models.Message) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateActive || msg.OrderKey <= s.last {
		return nil
	}

	if msg.OrderKey == s.last+1 {
		if err := s.sink.Deliver(ctx, msg); err != nil {
			return err
		}
		s.last = msg.OrderKey
		return nil
	}

	return s.backfill(ctx)
}

// Resync forwards everything in the log past the last delivered message.
// The hub calls it after dropping or failing to deliver a message for this
// session.
func (s *Session) Resync(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateActive {
		return nil
	}
	return s.backfill(ctx)
}

// backfill delivers the log after s.last. Callers hold s.mu.
func (s *Session) backfill(ctx context.Context) error {
	missed, err := s.coord.log.ListSince(ctx, s.roomID, s.last)
	if err != nil {
		return err
	}
	for _, m := range missed {
		if m.OrderKey <= s.last {
			continue
		}
		if err := s.sink.Deliver(ctx, m); err != nil {
			return err
		}
		s.last = m.OrderKey
	}
	return nil
}
