package hub

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/models"
)

const (
	relayChannelPrefix = "roomsync:room:"
	relayOutboxSize    = 4096
)

type relayEnvelope struct {
	Node    string         `json:"node"`
	RoomID  string         `json:"room_id"`
	Message models.Message `json:"message"`
}

// RedisRelay mirrors hub traffic between nodes over Redis pub/sub. Outbound
// messages leave through a single goroutine so per-room publish order is
// kept on the wire.
type RedisRelay struct {
	client *redis.Client
	nodeID string
	out    chan relayEnvelope
	logger zerolog.Logger
}

// NewRedisRelay creates a relay identified by nodeID.
func NewRedisRelay(client *redis.Client, nodeID string, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		client: client,
		nodeID: nodeID,
		out:    make(chan relayEnvelope, relayOutboxSize),
		logger: logger.With().Str("component", "relay").Str("node", nodeID).Logger(),
	}
}

func relayChannel(roomID string) string {
	return relayChannelPrefix + roomID
}

// Publish queues msg for other nodes. A full outbox drops the message; remote
// sessions recover it through gap backfill.
func (r *RedisRelay) Publish(roomID string, msg models.Message) {
	select {
	case r.out <- relayEnvelope{Node: r.nodeID, RoomID: roomID, Message: msg}:
	default:
		r.logger.Warn().Str("room_id", roomID).Str("message_id", msg.ID).Msg("relay outbox full, message not forwarded")
	}
}

// Run forwards queued messages to Redis and hands messages published by
// other nodes to deliver. It blocks until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, deliver func(roomID string, msg models.Message)) error {
	pubsub := r.client.PSubscribe(ctx, relayChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	incoming := pubsub.Channel()

	r.logger.Info().Msg("relay started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-r.out:
			payload, err := json.Marshal(env)
			if err != nil {
				r.logger.Error().Err(err).Str("room_id", env.RoomID).Msg("failed to encode relay message")
				continue
			}
			if err := r.client.Publish(ctx, relayChannel(env.RoomID), payload).Err(); err != nil {
				r.logger.Error().Err(err).Str("room_id", env.RoomID).Msg("failed to publish relay message")
			}
		case m, ok := <-incoming:
			if !ok {
				return nil
			}
			r.handlePayload(m.Channel, m.Payload, deliver)
		}
	}
}

func (r *RedisRelay) handlePayload(channel, payload string, deliver func(roomID string, msg models.Message)) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Str("channel", channel).Msg("malformed relay message")
		return
	}
	if env.Node == r.nodeID {
		return
	}
	if env.RoomID != strings.TrimPrefix(channel, relayChannelPrefix) {
		r.logger.Warn().Str("channel", channel).Str("room_id", env.RoomID).Msg("relay message room mismatch")
		return
	}
	deliver(env.RoomID, env.Message)
}
