package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/roomsync/internal/ids"
	"github.com/eldtechnologies/roomsync/internal/models"
)

const roomIndexKey = "rooms:index"

// RedisStore keeps rooms and message logs in Redis. Each room's log is a
// sorted set of message ids scored by order key, with message bodies in a
// companion hash.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the underlying connection for the relay and rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() {
	s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// roomKey returns the key for a room's metadata hash.
func roomKey(roomID string) string {
	return fmt.Sprintf("room:%s", roomID)
}

// roomMessagesKey returns the key for a room's message sorted set.
func roomMessagesKey(roomID string) string {
	return fmt.Sprintf("room:%s:messages", roomID)
}

// roomBodiesKey returns the key for a room's message body hash.
func roomBodiesKey(roomID string) string {
	return fmt.Sprintf("room:%s:bodies", roomID)
}

// CreateRoom creates a new room.
func (s *RedisStore) CreateRoom(ctx context.Context, name string) (*models.Room, error) {
	room := &models.Room{
		ID:        ids.NewRoomID(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, roomKey(room.ID),
		"id", room.ID,
		"name", room.Name,
		"created_at", room.CreatedAt.Format(time.RFC3339Nano),
		"message_count", 0,
		"seq", 0,
	)
	pipe.ZAdd(ctx, roomIndexKey, redis.Z{
		Score:  float64(room.CreatedAt.UnixMilli()),
		Member: room.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return room, nil
}

// GetRoom retrieves a room by ID.
func (s *RedisStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	vals, err := s.client.HGetAll(ctx, roomKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return roomFromHash(vals)
}

func roomFromHash(vals map[string]string) (*models.Room, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, vals["created_at"])
	if err != nil {
		return nil, err
	}
	count, _ := strconv.ParseInt(vals["message_count"], 10, 64)
	return &models.Room{
		ID:           vals["id"],
		Name:         vals["name"],
		CreatedAt:    createdAt,
		MessageCount: count,
	}, nil
}

// ListRooms retrieves all rooms, oldest first.
func (s *RedisStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	roomIDs, err := s.client.ZRange(ctx, roomIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(roomIDs) == 0 {
		return []models.Room{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(roomIDs))
	for i, id := range roomIDs {
		cmds[i] = pipe.HGetAll(ctx, roomKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	rooms := make([]models.Room, 0, len(roomIDs))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			return nil, fmt.Errorf("%w: room %s is indexed but has no hash", ErrCorruptRecord, roomIDs[i])
		}
		room, err := roomFromHash(vals)
		if err != nil {
			return nil, fmt.Errorf("%w: room %s: %v", ErrCorruptRecord, roomIDs[i], err)
		}
		rooms = append(rooms, *room)
	}
	return rooms, nil
}

// RoomExists reports whether a room exists.
func (s *RedisStore) RoomExists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, roomKey(id)).Result()
	return n == 1, err
}

// CountRooms returns the total number of rooms.
func (s *RedisStore) CountRooms(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, roomIndexKey).Result()
}

// SumMessageCount returns the total message count across all rooms.
func (s *RedisStore) SumMessageCount(ctx context.Context) (int64, error) {
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

// appendScript assigns the next order key and stores the message atomically.
// KEYS: room hash, message sorted set, body hash. ARGV: message id, body.
// Returns -1 when the room does not exist.
var appendScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	local seq = redis.call('HINCRBY', KEYS[1], 'seq', 1)
	redis.call('HINCRBY', KEYS[1], 'message_count', 1)
	redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
	redis.call('ZADD', KEYS[2], seq, ARGV[1])
	return seq
`)

// AppendMessage stores a message in Redis. The body is stored without its
// order key; readers take the key from the sorted set score.
func (s *RedisStore) AppendMessage(ctx context.Context, roomID string, draft models.Draft) (*models.Message, error) {
	msg := &models.Message{
		ID:        ids.NewMessageID(),
		RoomID:    roomID,
		Author:    draft.Author,
		Text:      draft.Text,
		Image:     draft.Image,
		CreatedAt: time.Now().UTC(),
	}
	if draft.ReplyTo != nil {
		ref := *draft.ReplyTo
		msg.ReplyTo = &ref
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	seq, err := appendScript.Run(ctx, s.client,
		[]string{roomKey(roomID), roomMessagesKey(roomID), roomBodiesKey(roomID)},
		msg.ID, string(data),
	).Int64()
	if err != nil {
		return nil, err
	}
	if seq < 0 {
		return nil, ErrRoomNotFound
	}

	msg.OrderKey = seq
	return msg, nil
}

// ListMessagesSince returns messages with an order key greater than cursor, ascending.
func (s *RedisStore) ListMessagesSince(ctx context.Context, roomID string, cursor int64) ([]models.Message, error) {
	entries, err := s.client.ZRangeByScoreWithScores(ctx, roomMessagesKey(roomID), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", cursor), // exclusive
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []models.Message{}, nil
	}

	msgIDs := make([]string, len(entries))
	for i, e := range entries {
		msgIDs[i], _ = e.Member.(string)
	}

	bodies, err := s.client.HMGet(ctx, roomBodiesKey(roomID), msgIDs...).Result()
	if err != nil {
		return nil, err
	}

	return decodeLog(roomID, entries, bodies)
}

// decodeLog pairs sorted-set entries with their HMGET bodies. A missing or
// unreadable body is an error.
func decodeLog(roomID string, entries []redis.Z, bodies []interface{}) ([]models.Message, error) {
	if len(bodies) != len(entries) {
		return nil, fmt.Errorf("%w: room %s: %d log entries but %d bodies", ErrCorruptRecord, roomID, len(entries), len(bodies))
	}
	messages := make([]models.Message, 0, len(entries))
	for i, body := range bodies {
		key := int64(entries[i].Score)
		data, ok := body.(string)
		if !ok {
			return nil, fmt.Errorf("%w: room %s: message at order key %d has no body", ErrCorruptRecord, roomID, key)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("%w: room %s: message at order key %d: %v", ErrCorruptRecord, roomID, key, err)
		}
		msg.OrderKey = key
		messages = append(messages, msg)
	}
	return messages, nil
}

// GetMessage retrieves a specific message by ID.
func (s *RedisStore) GetMessage(ctx context.Context, roomID, msgID string) (*models.Message, error) {
	pipe := s.client.Pipeline()
	bodyCmd := pipe.HGet(ctx, roomBodiesKey(roomID), msgID)
	scoreCmd := pipe.ZScore(ctx, roomMessagesKey(roomID), msgID)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	data, err := bodyCmd.Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msg models.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("%w: message %s: %v", ErrCorruptRecord, msgID, err)
	}
	msg.OrderKey = int64(scoreCmd.Val())
	return &msg, nil
}
