package ids

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewRoomID generates a time-ordered UUID v7 for a room.
func NewRoomID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewMessageID generates a ULID for a message. IDs made in the same process
// are monotonic, but ordering within a room comes from the order key, never
// from the id.
func NewMessageID() string {
	return ulid.Make().String()
}

// NewNodeID identifies this process when relaying messages between nodes.
func NewNodeID() string {
	return uuid.NewString()
}

// NewSessionID identifies a room session.
func NewSessionID() string {
	return uuid.NewString()
}
