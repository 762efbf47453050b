package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/roomsync/internal/ids"
	"github.com/eldtechnologies/roomsync/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateRoom creates a new room.
func (s *PostgresStore) CreateRoom(ctx context.Context, name string) (*models.Room, error) {
	room := &models.Room{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rooms (id, name)
		VALUES ($1, $2)
		RETURNING id, name, created_at, message_count
	`, ids.NewRoomID(), name).Scan(
		&room.ID,
		&room.Name,
		&room.CreatedAt,
		&room.MessageCount,
	)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// GetRoom retrieves a room by ID.
func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room := &models.Room{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, created_at, message_count
		FROM rooms WHERE id = $1
	`, id).Scan(
		&room.ID,
		&room.Name,
		&room.CreatedAt,
		&room.MessageCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// ListRooms retrieves all rooms.
func (s *PostgresStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, created_at, message_count
		FROM rooms
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []models.Room{}
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.MessageCount); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// RoomExists reports whether a room exists.
func (s *PostgresStore) RoomExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

// CountRooms returns the total number of rooms.
func (s *PostgresStore) CountRooms(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&count)
	return count, err
}

// SumMessageCount returns the total message count across all rooms.
func (s *PostgresStore) SumMessageCount(ctx context.Context) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(message_count), 0)::BIGINT FROM rooms`).Scan(&sum)
	return sum, err
}

// AppendMessage assigns the next order key under the room row's lock and
// inserts the message in the same transaction. Appends to different rooms
// lock different rows and do not wait on each other.
func (s *PostgresStore) AppendMessage(ctx context.Context, roomID string, draft models.Draft) (*models.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	msg := &models.Message{
		ID:        ids.NewMessageID(),
		RoomID:    roomID,
		Author:    draft.Author,
		Text:      draft.Text,
		Image:     draft.Image,
		CreatedAt: time.Now().UTC(),
	}

	err = tx.QueryRow(ctx, `
		UPDATE rooms
		SET last_order_key = last_order_key + 1, message_count = message_count + 1
		WHERE id = $1
		RETURNING last_order_key
	`, roomID).Scan(&msg.OrderKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	var replyID, replyAuthor, replyText *string
	if draft.ReplyTo != nil {
		ref := *draft.ReplyTo
		msg.ReplyTo = &ref
		replyID, replyAuthor, replyText = &ref.ID, &ref.Author, &ref.Text
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, room_id, author, text, image, reply_to_id, reply_to_author, reply_to_text, order_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, msg.ID, roomID, msg.Author, msg.Text, msg.Image, replyID, replyAuthor, replyText, msg.OrderKey, msg.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessagesSince returns messages with an order key greater than cursor, ascending.
func (s *PostgresStore) ListMessagesSince(ctx context.Context, roomID string, cursor int64) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, author, text, image, reply_to_id, reply_to_author, reply_to_text, order_key, created_at
		FROM messages
		WHERE room_id = $1 AND order_key > $2
		ORDER BY order_key ASC
	`, roomID, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanPostgresMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// GetMessage retrieves a specific message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, roomID, msgID string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, room_id, author, text, image, reply_to_id, reply_to_author, reply_to_text, order_key, created_at
		FROM messages
		WHERE room_id = $1 AND id = $2
	`, roomID, msgID)

	msg, err := scanPostgresMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

func scanPostgresMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	var replyID, replyAuthor, replyText *string
	err := row.Scan(
		&msg.ID,
		&msg.RoomID,
		&msg.Author,
		&msg.Text,
		&msg.Image,
		&replyID,
		&replyAuthor,
		&replyText,
		&msg.OrderKey,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if replyID != nil {
		ref := &models.ReplyRef{ID: *replyID}
		if replyAuthor != nil {
			ref.Author = *replyAuthor
		}
		if replyText != nil {
			ref.Text = *replyText
		}
		msg.ReplyTo = ref
	}
	return &msg, nil
}
