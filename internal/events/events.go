// Package events publishes message-appended events to an external stream.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/eldtechnologies/roomsync/internal/metrics"
	"github.com/eldtechnologies/roomsync/internal/models"
)

// TypeMessageAppended is the event type written for every appended message.
const TypeMessageAppended = "message.appended"

// Publisher receives every message after it has been committed.
type Publisher interface {
	PublishMessage(ctx context.Context, msg models.Message) error
	Close() error
}

// MessageEvent is the JSON value written to the stream.
type MessageEvent struct {
	Type       string         `json:"type"`
	RoomID     string         `json:"room_id"`
	Message    models.Message `json:"message"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewMessageEvent wraps msg in an event envelope.
func NewMessageEvent(msg models.Message) MessageEvent {
	return MessageEvent{
		Type:       TypeMessageAppended,
		RoomID:     msg.RoomID,
		Message:    msg,
		OccurredAt: time.Now().UTC(),
	}
}

// Encode returns the Kafka record for msg. The room id is the key so the
// hash balancer keeps a room's events on one partition, in order.
func Encode(msg models.Message) (kafka.Message, error) {
	value, err := json.Marshal(NewMessageEvent(msg))
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(msg.RoomID),
		Value: value,
		Time:  msg.CreatedAt,
	}, nil
}

// KafkaPublisher writes events with an asynchronous kafka-go writer, so
// publishing never waits on the brokers.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger) *KafkaPublisher {
	logger = logger.With().Str("component", "events").Str("topic", topic).Logger()
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				metrics.EventsPublished.WithLabelValues("error").Add(float64(len(messages)))
				logger.Error().Err(err).Int("count", len(messages)).Msg("failed to write message events")
				return
			}
			metrics.EventsPublished.WithLabelValues("ok").Add(float64(len(messages)))
		},
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

// PublishMessage queues an event for msg.
func (p *KafkaPublisher) PublishMessage(ctx context.Context, msg models.Message) error {
	record, err := Encode(msg)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, record)
}

// Close flushes pending events and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
