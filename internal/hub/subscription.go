package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/eldtechnologies/roomsync/internal/metrics"
	"github.com/eldtechnologies/roomsync/internal/models"
)

// Subscription is one handler registered against one room.
type Subscription struct {
	id      uint64
	roomID  string
	hub     *Hub
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []models.Message
	missed bool // a message was dropped or failed since the last resync

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// ID returns the subscription's hub-unique id.
func (s *Subscription) ID() uint64 { return s.id }

// RoomID returns the room the subscription listens to.
func (s *Subscription) RoomID() string { return s.roomID }

// Close unsubscribes. Equivalent to Hub.Unsubscribe.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

// Done is closed once the subscription has been stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		close(s.done)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}

func (s *Subscription) enqueue(msg models.Message) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	if len(s.queue) >= s.hub.backlog {
		s.missed = true
		s.mu.Unlock()
		metrics.DeliveriesDropped.Inc()
		s.hub.logger.Warn().
			Uint64("subscription", s.id).
			Str("room_id", s.roomID).
			Str("message_id", msg.ID).
			Int64("order_key", msg.OrderKey).
			Msg("subscriber backlog full, message dropped")
	} else {
		s.queue = append(s.queue, msg)
		s.mu.Unlock()
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return models.Message{}, false
	}
	msg := s.queue[0]
	s.queue[0] = models.Message{}
	s.queue = s.queue[1:]
	return msg, true
}

func (s *Subscription) markMissed() {
	s.mu.Lock()
	s.missed = true
	s.mu.Unlock()
}

// takeMissed clears and returns the missed flag once the mailbox is empty.
func (s *Subscription) takeMissed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 || !s.missed {
		return false
	}
	s.missed = false
	return true
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			select {
			case <-s.done:
				return
			default:
			}

			msg, ok := s.next()
			if !ok {
				break
			}
			s.deliver(msg)
		}

		if s.takeMissed() {
			s.resync()
		}
	}
}

// resync lets a Resyncer handler catch up after drops or failures. A failed
// resync is retried after the next delivery.
func (s *Subscription) resync() {
	r, ok := s.handler.(Resyncer)
	if !ok {
		return
	}
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("resync panic: %v", p)
			}
		}()
		err = r.Resync(s.ctx)
	}()
	if err == nil || s.ctx.Err() != nil {
		return
	}

	s.markMissed()
	metrics.DeliveryErrors.Inc()
	s.hub.logger.Warn().
		Err(err).
		Uint64("subscription", s.id).
		Str("room_id", s.roomID).
		Msg("resync failed")
}

// deliver invokes the handler, converting errors and panics into logged
// delivery errors. The subscription stays registered either way.
func (s *Subscription) deliver(msg models.Message) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		err = s.handler.HandleMessage(s.ctx, msg)
	}()

	if err == nil {
		metrics.MessagesDelivered.Inc()
		return
	}
	if s.ctx.Err() != nil {
		// Unsubscribed mid-delivery.
		return
	}

	s.markMissed()
	derr := &DeliveryError{SubscriptionID: s.id, RoomID: s.roomID, MessageID: msg.ID, Err: err}
	metrics.DeliveryErrors.Inc()
	s.hub.logger.Warn().
		Err(derr).
		Uint64("subscription", s.id).
		Str("room_id", s.roomID).
		Str("message_id", msg.ID).
		Msg("delivery failed")
}
