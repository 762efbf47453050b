package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eldtechnologies/roomsync/internal/ids"
	"github.com/eldtechnologies/roomsync/internal/models"
)

// MemoryStore keeps rooms and messages in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	mu       sync.RWMutex
	room     models.Room
	messages []models.Message // ascending by order key; index i holds key i+1
	byID     map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*memoryRoom)}
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) room(id string) *memoryRoom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[id]
}

// CreateRoom creates a new room.
func (s *MemoryStore) CreateRoom(ctx context.Context, name string) (*models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &memoryRoom{
		room: models.Room{
			ID:        ids.NewRoomID(),
			Name:      name,
			CreatedAt: time.Now().UTC(),
		},
		byID: make(map[string]int),
	}

	s.mu.Lock()
	s.rooms[r.room.ID] = r
	s.mu.Unlock()

	room := r.room
	return &room, nil
}

// GetRoom retrieves a room by ID.
func (s *MemoryStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	r := s.room(id)
	if r == nil {
		return nil, nil
	}
	r.mu.RLock()
	room := r.room
	r.mu.RUnlock()
	return &room, nil
}

// ListRooms returns every room, oldest first.
func (s *MemoryStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	s.mu.RLock()
	all := make([]*memoryRoom, 0, len(s.rooms))
	for _, r := range s.rooms {
		all = append(all, r)
	}
	s.mu.RUnlock()

	rooms := make([]models.Room, 0, len(all))
	for _, r := range all {
		r.mu.RLock()
		rooms = append(rooms, r.room)
		r.mu.RUnlock()
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].ID < rooms[j].ID
	})
	return rooms, nil
}

// RoomExists reports whether a room exists.
func (s *MemoryStore) RoomExists(ctx context.Context, id string) (bool, error) {
	return s.room(id) != nil, nil
}

// CountRooms returns the number of rooms.
func (s *MemoryStore) CountRooms(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.rooms)), nil
}

// SumMessageCount returns the total message count across all rooms.
func (s *MemoryStore) SumMessageCount(ctx context.Context) (int64, error) {
	rooms, err := s.ListRooms(ctx)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, r := range rooms {
		sum += r.MessageCount
	}
	return sum, nil
}

// AppendMessage appends a message to the room's log under the room's write lock.
func (s *MemoryStore) AppendMessage(ctx context.Context, roomID string, draft models.Draft) (*models.Message, error) {
	r := s.room(roomID)
	if r == nil {
		return nil, ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg := models.Message{
		ID:        ids.NewMessageID(),
		RoomID:    roomID,
		Author:    draft.Author,
		Text:      draft.Text,
		Image:     draft.Image,
		OrderKey:  int64(len(r.messages)) + 1,
		CreatedAt: time.Now().UTC(),
	}
	if draft.ReplyTo != nil {
		ref := *draft.ReplyTo
		msg.ReplyTo = &ref
	}

	r.messages = append(r.messages, msg)
	r.byID[msg.ID] = len(r.messages) - 1
	r.room.MessageCount++

	return copyMessage(msg), nil
}

// ListMessagesSince returns messages with an order key greater than cursor, ascending.
func (s *MemoryStore) ListMessagesSince(ctx context.Context, roomID string, cursor int64) ([]models.Message, error) {
	r := s.room(roomID)
	if r == nil {
		return []models.Message{}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if cursor < 0 {
		cursor = 0
	}
	if cursor >= int64(len(r.messages)) {
		return []models.Message{}, nil
	}

	tail := r.messages[cursor:]
	out := make([]models.Message, len(tail))
	for i := range tail {
		out[i] = *copyMessage(tail[i])
	}
	return out, nil
}

// GetMessage retrieves a specific message by ID.
func (s *MemoryStore) GetMessage(ctx context.Context, roomID, msgID string) (*models.Message, error) {
	r := s.room(roomID)
	if r == nil {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.byID[msgID]
	if !ok {
		return nil, nil
	}
	return copyMessage(r.messages[i]), nil
}

// copyMessage detaches the reply snapshot so callers cannot mutate stored state.
func copyMessage(m models.Message) *models.Message {
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		m.ReplyTo = &ref
	}
	return &m
}
