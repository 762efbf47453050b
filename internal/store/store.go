package store

import (
	"context"
	"errors"

	"github.com/eldtechnologies/roomsync/internal/models"
)

// ErrRoomNotFound is returned by AppendMessage when the target room does not exist.
var ErrRoomNotFound = errors.New("room not found")

// ErrCorruptRecord is returned when a stored room or message cannot be read
// back. Readers fail instead of skipping it, since a skipped message would
// be a gap in the log.
var ErrCorruptRecord = errors.New("corrupt record")

// DataStore defines the interface for persistent storage of rooms and their
// message logs. MemoryStore, SQLiteStore, PostgresStore and RedisStore
// implement it.
//
// AppendMessage must assign the message id, creation time and the room's next
// order key atomically: keys within a room start at 1, never repeat and never
// leave gaps. A failed append leaves no trace.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Room operations
	CreateRoom(ctx context.Context, name string) (*models.Room, error)
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	ListRooms(ctx context.Context) ([]models.Room, error)
	RoomExists(ctx context.Context, id string) (bool, error)
	CountRooms(ctx context.Context) (int64, error)
	SumMessageCount(ctx context.Context) (int64, error)

	// Message operations
	AppendMessage(ctx context.Context, roomID string, draft models.Draft) (*models.Message, error)
	ListMessagesSince(ctx context.Context, roomID string, cursor int64) ([]models.Message, error)
	GetMessage(ctx context.Context, roomID, msgID string) (*models.Message, error)
}
