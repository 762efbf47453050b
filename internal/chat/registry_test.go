package chat

import (
	"context"
	"errors"
	"sort"
	"testing"
)

func TestCreateRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	room, err := env.registry.CreateRoom(ctx, "  general \n")
	if err != nil {
		t.Fatal(err)
	}
	if room.Name != "general" || room.ID == "" || room.CreatedAt.IsZero() {
		t.Fatalf("unexpected room %+v", room)
	}

	for _, name := range []string{"", "   ", "\t\n"} {
		_, err := env.registry.CreateRoom(ctx, name)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("CreateRoom(%q) = %v, want validation error", name, err)
		}
	}
}

func TestCreateRoomAllowsDuplicateNames(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	a := env.room(t, "general")
	b := env.room(t, "general")
	if a.ID == b.ID {
		t.Fatal("duplicate names must produce distinct rooms")
	}

	rooms, err := env.registry.ListRooms(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 {
		t.Fatalf("ListRooms returned %d rooms, want 2", len(rooms))
	}
}

func TestSearchRooms(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for _, name := range []string{"General", "random", "gen-z", "Off Topic"} {
		env.room(t, name)
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"General", "Off Topic", "gen-z", "random"}},
		{"GEN", []string{"General", "gen-z"}},
		{" topic ", []string{"Off Topic"}},
		{"nothing", nil},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rooms, err := env.registry.SearchRooms(ctx, tt.query)
			if err != nil {
				t.Fatal(err)
			}
			var names []string
			for _, r := range rooms {
				names = append(names, r.Name)
			}
			sort.Strings(names)
			if len(names) != len(tt.want) {
				t.Fatalf("got %v, want %v", names, tt.want)
			}
			for i := range names {
				if names[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", names, tt.want)
				}
			}
		})
	}
}

func TestGetRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	room := env.room(t, "general")

	got, err := env.registry.GetRoom(context.Background(), room.ID)
	if err != nil || got.Name != "general" {
		t.Fatalf("GetRoom = %+v, %v", got, err)
	}
	if _, err := env.registry.GetRoom(context.Background(), "missing"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}
