package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/hub"
	"github.com/eldtechnologies/roomsync/internal/models"
	"github.com/eldtechnologies/roomsync/internal/store"
)

type testEnv struct {
	store    store.DataStore
	hub      *hub.Hub
	log      *MessageLog
	registry *Registry
	coord    *Coordinator
}

func newTestEnv(t *testing.T, ds store.DataStore) *testEnv {
	t.Helper()
	if ds == nil {
		ds = store.NewMemoryStore()
	}
	h := hub.New(zerolog.Nop(), hub.Options{})
	log := NewMessageLog(ds, h, LogOptions{StoreName: "memory", Logger: zerolog.Nop()})
	env := &testEnv{
		store:    ds,
		hub:      h,
		log:      log,
		registry: NewRegistry(ds, zerolog.Nop()),
		coord:    NewCoordinator(log, h, zerolog.Nop()),
	}
	t.Cleanup(func() {
		env.coord.Close()
		h.Close()
	})
	return env
}

func (e *testEnv) room(t *testing.T, name string) *models.Room {
	t.Helper()
	room, err := e.registry.CreateRoom(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateRoom(%q): %v", name, err)
	}
	return room
}

// recordingSink keeps every successfully delivered message.
type recordingSink struct {
	mu   sync.Mutex
	msgs []models.Message
	fail func(models.Message) error
}

func (s *recordingSink) Deliver(ctx context.Context, msg models.Message) error {
	if s.fail != nil {
		if err := s.fail(msg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.msgs...)
}

// waitFor polls until the sink holds n messages.
func (s *recordingSink) waitFor(t *testing.T, n int) []models.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		msgs := s.messages()
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("sink got %d messages, want %d", len(msgs), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func orderKeys(msgs []models.Message) []int64 {
	keys := make([]int64, len(msgs))
	for i, m := range msgs {
		keys[i] = m.OrderKey
	}
	return keys
}

// requireContiguous fails unless msgs carry keys 1..len(msgs) in order.
func requireContiguous(t *testing.T, msgs []models.Message) {
	t.Helper()
	for i, m := range msgs {
		if m.OrderKey != int64(i+1) {
			t.Fatalf("position %d has key %d; keys %v", i, m.OrderKey, orderKeys(msgs))
		}
	}
}

// hookedStore lets tests intercept appends.
type hookedStore struct {
	*store.MemoryStore
	beforeAppend func(ctx context.Context) error
	listErr      error
}

func (s *hookedStore) ListMessagesSince(ctx context.Context, roomID string, cursor int64) ([]models.Message, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.MemoryStore.ListMessagesSince(ctx, roomID, cursor)
}

func (s *hookedStore) AppendMessage(ctx context.Context, roomID string, draft models.Draft) (*models.Message, error) {
	if s.beforeAppend != nil {
		if err := s.beforeAppend(ctx); err != nil {
			return nil, err
		}
	}
	return s.MemoryStore.AppendMessage(ctx, roomID, draft)
}

const pngDataURL = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNk+M9QDwADhgGAWjR9awAAAABJRU5ErkJggg=="
