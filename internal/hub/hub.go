// Package hub fans newly appended messages out to the live subscribers of a room.
package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/metrics"
	"github.com/eldtechnologies/roomsync/internal/models"
)

// DefaultBacklog is the number of undelivered messages a subscriber may
// accumulate before new messages are dropped for it.
const DefaultBacklog = 1024

// Handler receives messages for a room subscription. Calls for one
// subscription are sequential and follow publish order.
type Handler interface {
	HandleMessage(ctx context.Context, msg models.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg models.Message) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, msg models.Message) error {
	return f(ctx, msg)
}

// Resyncer is implemented by handlers that can catch up from the message
// log themselves. After a subscription has dropped a message for a full
// backlog, or its handler has failed, Resync is called once the mailbox is
// empty so the handler can recover what it missed even if the room then
// goes quiet.
type Resyncer interface {
	Resync(ctx context.Context) error
}

// Relay forwards locally published messages to other nodes.
type Relay interface {
	Publish(roomID string, msg models.Message)
}

// DeliveryError describes a subscriber that failed to handle a message.
type DeliveryError struct {
	SubscriptionID uint64
	RoomID         string
	MessageID      string
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver message %s to subscriber %d in room %s: %v", e.MessageID, e.SubscriptionID, e.RoomID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Options configures a Hub.
type Options struct {
	Backlog int   // per-subscriber mailbox bound; DefaultBacklog when zero
	Relay   Relay // optional cross-node relay
}

// Hub tracks subscribers per room. Each subscriber owns a mailbox and a
// delivery goroutine, so a slow or failing subscriber only holds up itself.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[uint64]*Subscription
	closed bool

	nextID  atomic.Uint64
	backlog int
	relay   Relay
	logger  zerolog.Logger
}

// New creates a hub.
func New(logger zerolog.Logger, opts Options) *Hub {
	backlog := opts.Backlog
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Hub{
		rooms:   make(map[string]map[uint64]*Subscription),
		backlog: backlog,
		relay:   opts.Relay,
		logger:  logger.With().Str("component", "hub").Logger(),
	}
}

// Subscribe registers handler for messages published to roomID from now on.
// History is not replayed.
func (h *Hub) Subscribe(roomID string, handler Handler) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		id:      h.nextID.Add(1),
		roomID:  roomID,
		hub:     h,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.stop()
		return sub
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[uint64]*Subscription)
	}
	h.rooms[roomID][sub.id] = sub
	h.mu.Unlock()

	metrics.ActiveSubscribers.Inc()
	go sub.run()
	return sub
}

// Unsubscribe removes a subscription. It is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	removed := false
	if subs, ok := h.rooms[sub.roomID]; ok {
		if _, ok := subs[sub.id]; ok {
			delete(subs, sub.id)
			removed = true
		}
		if len(subs) == 0 {
			delete(h.rooms, sub.roomID)
		}
	}
	h.mu.Unlock()

	if removed {
		metrics.ActiveSubscribers.Dec()
	}
	sub.stop()
}

// Publish delivers msg to every current subscriber of roomID and hands it to
// the relay. It never waits on a subscriber.
func (h *Hub) Publish(roomID string, msg models.Message) {
	h.DeliverLocal(roomID, msg)
	if h.relay != nil {
		h.relay.Publish(roomID, msg)
	}
}

// DeliverLocal delivers msg to this node's subscribers only. The relay uses
// it for messages that originated on other nodes.
func (h *Hub) DeliverLocal(roomID string, msg models.Message) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.rooms[roomID]))
	for _, sub := range h.rooms[roomID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.enqueue(msg)
	}
}

// Stats reports the number of rooms with at least one subscriber and the
// total number of subscribers.
func (h *Hub) Stats() (rooms, subscribers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subs := range h.rooms {
		subscribers += len(subs)
	}
	return len(h.rooms), subscribers
}

// Close stops every subscription. Later subscriptions are inert.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	for _, subs := range h.rooms {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	h.rooms = make(map[string]map[uint64]*Subscription)
	h.mu.Unlock()

	for _, sub := range all {
		metrics.ActiveSubscribers.Dec()
		sub.stop()
	}
}
