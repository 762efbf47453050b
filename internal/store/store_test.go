package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/eldtechnologies/roomsync/internal/models"
)

// runDataStoreSuite exercises the behaviour every DataStore backend must share.
// It only relies on deltas so it can run against a shared database.
func runDataStoreSuite(t *testing.T, s DataStore) {
	t.Helper()

	t.Run("CreateAndGetRoom", func(t *testing.T) {
		ctx := context.Background()
		room, err := s.CreateRoom(ctx, "general")
		if err != nil {
			t.Fatal(err)
		}
		if room.ID == "" || room.Name != "general" || room.CreatedAt.IsZero() {
			t.Fatalf("unexpected room: %+v", room)
		}

		got, err := s.GetRoom(ctx, room.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.ID != room.ID || got.Name != "general" {
			t.Fatalf("GetRoom returned %+v", got)
		}

		exists, err := s.RoomExists(ctx, room.ID)
		if err != nil || !exists {
			t.Fatalf("RoomExists = %v, %v", exists, err)
		}
	})

	t.Run("MissingRoom", func(t *testing.T) {
		ctx := context.Background()
		got, err := s.GetRoom(ctx, "no-such-room")
		if err != nil || got != nil {
			t.Fatalf("GetRoom(missing) = %+v, %v", got, err)
		}
		exists, err := s.RoomExists(ctx, "no-such-room")
		if err != nil || exists {
			t.Fatalf("RoomExists(missing) = %v, %v", exists, err)
		}
		_, err = s.AppendMessage(ctx, "no-such-room", models.Draft{Author: "a", Text: "x"})
		if !errors.Is(err, ErrRoomNotFound) {
			t.Fatalf("expected ErrRoomNotFound, got %v", err)
		}
	})

	t.Run("DuplicateNamesCreateDistinctRooms", func(t *testing.T) {
		ctx := context.Background()
		a, err := s.CreateRoom(ctx, "dup")
		if err != nil {
			t.Fatal(err)
		}
		b, err := s.CreateRoom(ctx, "dup")
		if err != nil {
			t.Fatal(err)
		}
		if a.ID == b.ID {
			t.Fatal("rooms with the same name must get distinct ids")
		}

		rooms, err := s.ListRooms(ctx)
		if err != nil {
			t.Fatal(err)
		}
		found := 0
		for _, r := range rooms {
			if r.ID == a.ID || r.ID == b.ID {
				found++
			}
		}
		if found != 2 {
			t.Fatalf("expected both rooms in listing, found %d", found)
		}
	})

	t.Run("AppendAndListSince", func(t *testing.T) {
		ctx := context.Background()
		room, err := s.CreateRoom(ctx, "log")
		if err != nil {
			t.Fatal(err)
		}

		first, err := s.AppendMessage(ctx, room.ID, models.Draft{Author: "alice", Text: "hi"})
		if err != nil {
			t.Fatal(err)
		}
		second, err := s.AppendMessage(ctx, room.ID, models.Draft{
			Author:  "bob",
			Text:    "hey",
			ReplyTo: models.NewReplyRef(*first),
		})
		if err != nil {
			t.Fatal(err)
		}
		third, err := s.AppendMessage(ctx, room.ID, models.Draft{
			Author: "carol",
			Image:  "data:image/png;base64,iVBORw0KGgo=",
		})
		if err != nil {
			t.Fatal(err)
		}

		if first.OrderKey != 1 || second.OrderKey != 2 || third.OrderKey != 3 {
			t.Fatalf("order keys = %d, %d, %d", first.OrderKey, second.OrderKey, third.OrderKey)
		}

		all, err := s.ListMessagesSince(ctx, room.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(all))
		}
		if all[0].ID != first.ID || all[1].ID != second.ID || all[2].ID != third.ID {
			t.Fatal("messages out of order")
		}
		if all[1].ReplyTo == nil || all[1].ReplyTo.ID != first.ID || all[1].ReplyTo.Text != "hi" || all[1].ReplyTo.Author != "alice" {
			t.Fatalf("reply snapshot not persisted: %+v", all[1].ReplyTo)
		}
		if all[2].Image == "" || all[2].Text != "" {
			t.Fatalf("image message not persisted: %+v", all[2])
		}

		tail, err := s.ListMessagesSince(ctx, room.ID, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(tail) != 1 || tail[0].ID != third.ID || tail[0].OrderKey != 3 {
			t.Fatalf("ListMessagesSince(2) = %+v", tail)
		}

		none, err := s.ListMessagesSince(ctx, room.ID, 3)
		if err != nil {
			t.Fatal(err)
		}
		if len(none) != 0 {
			t.Fatalf("expected no messages after the last key, got %d", len(none))
		}

		got, err := s.GetMessage(ctx, room.ID, second.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.Text != "hey" || got.OrderKey != 2 {
			t.Fatalf("GetMessage = %+v", got)
		}
		missing, err := s.GetMessage(ctx, room.ID, "nope")
		if err != nil || missing != nil {
			t.Fatalf("GetMessage(missing) = %+v, %v", missing, err)
		}

		r, err := s.GetRoom(ctx, room.ID)
		if err != nil {
			t.Fatal(err)
		}
		if r.MessageCount != 3 {
			t.Fatalf("message_count = %d, want 3", r.MessageCount)
		}
	})

	t.Run("ConcurrentAppendsGetDistinctContiguousKeys", func(t *testing.T) {
		ctx := context.Background()
		room, err := s.CreateRoom(ctx, "busy")
		if err != nil {
			t.Fatal(err)
		}

		const writers = 8
		const perWriter = 10

		var wg sync.WaitGroup
		errs := make(chan error, writers*perWriter)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					if _, err := s.AppendMessage(ctx, room.ID, models.Draft{Author: "w", Text: "x"}); err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatal(err)
		}

		all, err := s.ListMessagesSince(ctx, room.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != writers*perWriter {
			t.Fatalf("expected %d messages, got %d", writers*perWriter, len(all))
		}
		seen := make(map[string]bool)
		for i, m := range all {
			if m.OrderKey != int64(i+1) {
				t.Fatalf("position %d has order key %d", i, m.OrderKey)
			}
			if seen[m.ID] {
				t.Fatalf("duplicate id %s", m.ID)
			}
			seen[m.ID] = true
		}
	})

	t.Run("Counts", func(t *testing.T) {
		ctx := context.Background()
		roomsBefore, err := s.CountRooms(ctx)
		if err != nil {
			t.Fatal(err)
		}
		msgsBefore, err := s.SumMessageCount(ctx)
		if err != nil {
			t.Fatal(err)
		}

		room, err := s.CreateRoom(ctx, "counted")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.AppendMessage(ctx, room.ID, models.Draft{Author: "a", Text: "1"}); err != nil {
			t.Fatal(err)
		}

		roomsAfter, _ := s.CountRooms(ctx)
		msgsAfter, _ := s.SumMessageCount(ctx)
		if roomsAfter-roomsBefore != 1 {
			t.Fatalf("room count delta = %d", roomsAfter-roomsBefore)
		}
		if msgsAfter-msgsBefore != 1 {
			t.Fatalf("message count delta = %d", msgsAfter-msgsBefore)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := s.Ping(context.Background()); err != nil {
			t.Fatal(err)
		}
	})
}
