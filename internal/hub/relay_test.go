package hub

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/models"
)

func TestRelayHandlePayload(t *testing.T) {
	r := NewRedisRelay(nil, "node-a", zerolog.Nop())

	encode := func(node, room string, key int64) string {
		b, err := json.Marshal(relayEnvelope{Node: node, RoomID: room, Message: models.Message{RoomID: room, OrderKey: key}})
		if err != nil {
			t.Fatal(err)
		}
		return string(b)
	}

	var delivered []int64
	deliver := func(roomID string, m models.Message) {
		if roomID != "general" {
			t.Errorf("delivered to room %q", roomID)
		}
		delivered = append(delivered, m.OrderKey)
	}

	r.handlePayload(relayChannel("general"), encode("node-a", "general", 1), deliver)
	r.handlePayload(relayChannel("general"), encode("node-b", "general", 2), deliver)
	r.handlePayload(relayChannel("random"), encode("node-b", "general", 3), deliver)
	r.handlePayload(relayChannel("general"), "{not json", deliver)

	if len(delivered) != 1 || delivered[0] != 2 {
		t.Fatalf("delivered = %v, want only the other node's message", delivered)
	}
}

func TestRelayPublishDoesNotBlockWhenFull(t *testing.T) {
	r := NewRedisRelay(nil, "node-a", zerolog.Nop())
	for i := 0; i < relayOutboxSize+10; i++ {
		r.Publish("general", models.Message{OrderKey: int64(i + 1)})
	}
	if len(r.out) != relayOutboxSize {
		t.Fatalf("outbox = %d, want %d", len(r.out), relayOutboxSize)
	}
}

func TestHubForwardsToRelay(t *testing.T) {
	r := NewRedisRelay(nil, "node-a", zerolog.Nop())
	h := New(zerolog.Nop(), Options{Relay: r})
	defer h.Close()

	h.Publish("general", models.Message{RoomID: "general", OrderKey: 1})
	h.DeliverLocal("general", models.Message{RoomID: "general", OrderKey: 2})

	if len(r.out) != 1 {
		t.Fatalf("relay outbox = %d, want 1", len(r.out))
	}
	env := <-r.out
	if env.Node != "node-a" || env.RoomID != "general" || env.Message.OrderKey != 1 {
		t.Fatalf("unexpected envelope %+v", env)
	}
}
