package chat

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/metrics"
	"github.com/eldtechnologies/roomsync/internal/models"
	"github.com/eldtechnologies/roomsync/internal/store"
)

// Registry creates and enumerates rooms.
type Registry struct {
	store  store.DataStore
	logger zerolog.Logger
}

// NewRegistry creates a registry backed by ds.
func NewRegistry(ds store.DataStore, logger zerolog.Logger) *Registry {
	return &Registry{store: ds, logger: logger.With().Str("component", "registry").Logger()}
}

// CreateRoom creates a room with a fresh id. Names need not be unique.
func (r *Registry) CreateRoom(ctx context.Context, name string) (*models.Room, error) {
	name = sanitizeName(name)
	if name == "" {
		return nil, invalid("name", "is required")
	}

	room, err := r.store.CreateRoom(ctx, name)
	if err != nil {
		return nil, unavailable("create room", err)
	}

	metrics.RoomsCreated.Inc()
	r.logger.Info().Str("room_id", room.ID).Str("name", room.Name).Msg("room created")
	return room, nil
}

// ListRooms returns every room. Order is not significant.
func (r *Registry) ListRooms(ctx context.Context) ([]models.Room, error) {
	rooms, err := r.store.ListRooms(ctx)
	if err != nil {
		return nil, unavailable("list rooms", err)
	}
	return rooms, nil
}

// SearchRooms returns rooms whose name contains query, ignoring case.
// A blank query matches every room.
func (r *Registry) SearchRooms(ctx context.Context, query string) ([]models.Room, error) {
	rooms, err := r.ListRooms(ctx)
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return rooms, nil
	}

	matched := make([]models.Room, 0, len(rooms))
	for _, room := range rooms {
		if strings.Contains(strings.ToLower(room.Name), query) {
			matched = append(matched, room)
		}
	}
	return matched, nil
}

// GetRoom returns the room with id, or ErrRoomNotFound.
func (r *Registry) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room, err := r.store.GetRoom(ctx, id)
	if err != nil {
		return nil, unavailable("get room", err)
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}
	return room, nil
}
