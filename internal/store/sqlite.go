package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/roomsync/internal/ids"
	"github.com/eldtechnologies/roomsync/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/roomsync.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/roomsync.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// Immediate transactions take the write lock up front, so two appends to
	// the same room queue on the busy timeout instead of failing on upgrade.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		last_order_key INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES rooms(id),
		author TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		reply_to_id TEXT,
		reply_to_author TEXT,
		reply_to_text TEXT,
		order_key INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_room_order ON messages(room_id, order_key);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateRoom creates a new room.
func (s *SQLiteStore) CreateRoom(ctx context.Context, name string) (*models.Room, error) {
	room := &models.Room{
		ID:        ids.NewRoomID(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, created_at, message_count, last_order_key)
		VALUES (?, ?, ?, 0, 0)
	`, room.ID, room.Name, room.CreatedAt)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// GetRoom retrieves a room by ID.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room := &models.Room{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, message_count
		FROM rooms WHERE id = ?
	`, id).Scan(
		&room.ID,
		&room.Name,
		&room.CreatedAt,
		&room.MessageCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// ListRooms retrieves all rooms.
func (s *SQLiteStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
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
func (s *SQLiteStore) RoomExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

// CountRooms returns the total number of rooms.
func (s *SQLiteStore) CountRooms(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&count)
	return count, err
}

// SumMessageCount returns the total message count across all rooms.
func (s *SQLiteStore) SumMessageCount(ctx context.Context) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(message_count), 0) FROM rooms`).Scan(&sum)
	return sum, err
}

// AppendMessage bumps the room's order key and inserts the message in one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, roomID string, draft models.Draft) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	msg := &models.Message{
		ID:        ids.NewMessageID(),
		RoomID:    roomID,
		Author:    draft.Author,
		Text:      draft.Text,
		Image:     draft.Image,
		CreatedAt: time.Now().UTC(),
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE rooms
		SET last_order_key = last_order_key + 1, message_count = message_count + 1
		WHERE id = ?
		RETURNING last_order_key
	`, roomID).Scan(&msg.OrderKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, author, text, image, reply_to_id, reply_to_author, reply_to_text, order_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, roomID, msg.Author, msg.Text, msg.Image, replyID, replyAuthor, replyText, msg.OrderKey, msg.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessagesSince returns messages with an order key greater than cursor, ascending.
func (s *SQLiteStore) ListMessagesSince(ctx context.Context, roomID string, cursor int64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, author, text, image, reply_to_id, reply_to_author, reply_to_text, order_key, created_at
		FROM messages
		WHERE room_id = ? AND order_key > ?
		ORDER BY order_key ASC
	`, roomID, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// GetMessage retrieves a specific message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, roomID, msgID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, author, text, image, reply_to_id, reply_to_author, reply_to_text, order_key, created_at
		FROM messages
		WHERE room_id = ? AND id = ?
	`, roomID, msgID)

	msg, err := scanSQLiteMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var replyID, replyAuthor, replyText sql.NullString
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
	if replyID.Valid {
		msg.ReplyTo = &models.ReplyRef{
			ID:     replyID.String,
			Author: replyAuthor.String,
			Text:   replyText.String,
		}
	}
	return &msg, nil
}
