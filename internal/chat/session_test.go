package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/hub"
	"github.com/eldtechnologies/roomsync/internal/models"
	"github.com/eldtechnologies/roomsync/internal/store"
)

func TestOpenSessionRequiresDisplayName(t *testing.T) {
	env := newTestEnv(t, nil)
	room := env.room(t, "general")

	for _, name := range []string{"", "   "} {
		s, err := env.coord.OpenSession(context.Background(), room.ID, name, &recordingSink{})
		if !errors.Is(err, ErrValidation) || s != nil {
			t.Fatalf("OpenSession(%q) = %v, %v", name, s, err)
		}
	}
	if n := env.coord.Count(); n != 0 {
		t.Fatalf("%d sessions registered", n)
	}
	if _, subs := env.hub.Stats(); subs != 0 {
		t.Fatalf("%d subscriptions leaked", subs)
	}
}

func TestOpenSessionUnknownRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.coord.OpenSession(context.Background(), "missing", "alice", &recordingSink{})
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestGeneralRoomConversation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	general := env.room(t, "general")

	aliceSink := &recordingSink{}
	alice, err := env.coord.OpenSession(ctx, general.ID, "alice", aliceSink)
	if err != nil {
		t.Fatal(err)
	}
	if alice.State() != StateActive || len(alice.Snapshot()) != 0 {
		t.Fatalf("alice: state %v, snapshot %d", alice.State(), len(alice.Snapshot()))
	}

	hi, err := env.coord.Send(ctx, alice, SendRequest{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if hi.Author != "alice" || hi.OrderKey != 1 {
		t.Fatalf("unexpected message %+v", hi)
	}

	bobSink := &recordingSink{}
	bob, err := env.coord.OpenSession(ctx, general.ID, "bob", bobSink)
	if err != nil {
		t.Fatal(err)
	}
	if snap := bob.Snapshot(); len(snap) != 1 || snap[0].ID != hi.ID {
		t.Fatalf("bob's snapshot = %+v", snap)
	}

	reply, err := env.coord.Send(ctx, bob, SendRequest{Text: "hello alice", ReplyTo: &models.ReplyRef{ID: hi.ID}})
	if err != nil {
		t.Fatal(err)
	}
	want := models.ReplyRef{ID: hi.ID, Author: "alice", Text: "hi"}
	if reply.ReplyTo == nil || *reply.ReplyTo != want {
		t.Fatalf("reply_to = %+v, want %+v", reply.ReplyTo, want)
	}

	got := aliceSink.waitFor(t, 2)
	if got[0].ID != hi.ID || got[1].ID != reply.ID {
		t.Fatalf("alice saw %v", orderKeys(got))
	}
	if got := bobSink.waitFor(t, 1); got[0].ID != reply.ID {
		t.Fatalf("bob saw %v", orderKeys(got))
	}

	log, err := env.log.ListSince(ctx, general.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 2 || log[0].Text != "hi" || log[1].ReplyTo.Author != "alice" {
		t.Fatalf("unexpected log %+v", log)
	}
	requireContiguous(t, log)
}

func TestSnapshotPlusLiveCoversEveryMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	room := env.room(t, "general")

	const total = 200
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total/4; i++ {
				if _, err := env.coord.SendAs(ctx, room.ID, "writer", SendRequest{Text: "x"}); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}

	type joined struct {
		session *Session
		sink    *recordingSink
	}
	var sessions []joined
	for i := 0; i < 5; i++ {
		sink := &recordingSink{}
		s, err := env.coord.OpenSession(ctx, room.ID, "reader", sink)
		if err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, joined{s, sink})
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	for i, j := range sessions {
		snap := j.session.Snapshot()
		live := j.sink.waitFor(t, total-len(snap))
		all := append(append([]models.Message(nil), snap...), live...)
		if len(all) != total {
			t.Fatalf("session %d: snapshot %d + live %d != %d", i, len(snap), len(live), total)
		}
		requireContiguous(t, all)
	}
}

func TestSendRejectsOverlap(t *testing.T) {
	ds := &hookedStore{MemoryStore: store.NewMemoryStore()}
	env := newTestEnv(t, ds)
	ctx := context.Background()
	room := env.room(t, "general")

	s, err := env.coord.OpenSession(ctx, room.ID, "alice", &recordingSink{})
	if err != nil {
		t.Fatal(err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	ds.beforeAppend = func(context.Context) error {
		close(entered)
		<-release
		return nil
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := env.coord.Send(ctx, s, SendRequest{Text: "first"})
		firstDone <- err
	}()
	<-entered

	if !s.Busy() {
		t.Fatal("session should be busy while a send is in flight")
	}
	if _, err := env.coord.Send(ctx, s, SendRequest{Text: "second"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first send: %v", err)
	}
	ds.beforeAppend = nil

	if s.Busy() {
		t.Fatal("busy flag not cleared")
	}
	msg, err := env.coord.Send(ctx, s, SendRequest{Text: "second"})
	if err != nil {
		t.Fatalf("retry after busy: %v", err)
	}
	if msg.OrderKey != 2 {
		t.Fatalf("order key = %d, want 2", msg.OrderKey)
	}
}

func TestSendValidatesBeforeTouchingStore(t *testing.T) {
	ds := &hookedStore{MemoryStore: store.NewMemoryStore()}
	env := newTestEnv(t, ds)
	ctx := context.Background()
	room := env.room(t, "general")
	s, err := env.coord.OpenSession(ctx, room.ID, "alice", &recordingSink{})
	if err != nil {
		t.Fatal(err)
	}

	ds.beforeAppend = func(context.Context) error {
		t.Error("store reached with an invalid draft")
		return nil
	}
	if _, err := env.coord.Send(ctx, s, SendRequest{Text: "   "}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if s.Busy() {
		t.Fatal("busy flag left set after validation failure")
	}
}

func TestSendReplyToUnknownMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	room := env.room(t, "general")
	s, err := env.coord.OpenSession(ctx, room.ID, "alice", &recordingSink{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = env.coord.Send(ctx, s, SendRequest{Text: "re", ReplyTo: &models.ReplyRef{ID: "nope"}})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "reply_to" {
		t.Fatalf("expected reply_to validation error, got %v", err)
	}
}

func TestReplySnapshotIsTruncatedAndImmutable(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	room := env.room(t, "general")
	s, err := env.coord.OpenSession(ctx, room.ID, "alice", &recordingSink{})
	if err != nil {
		t.Fatal(err)
	}

	original := strings.Repeat("日本", 40)
	target, err := env.coord.Send(ctx, s, SendRequest{Text: original})
	if err != nil {
		t.Fatal(err)
	}
	reply, err := env.coord.Send(ctx, s, SendRequest{Text: "quoting", ReplyTo: &models.ReplyRef{ID: target.ID}})
	if err != nil {
		t.Fatal(err)
	}

	wantSnippet := string([]rune(original)[:models.ReplySnippetRunes])
	if reply.ReplyTo.Text != wantSnippet {
		t.Fatalf("snippet = %q, want %q", reply.ReplyTo.Text, wantSnippet)
	}

	// Mutating a returned copy must not change what is stored.
	reply.ReplyTo.Text = "edited"
	stored, err := env.log.Get(ctx, room.ID, reply.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ReplyTo.Text != wantSnippet {
		t.Fatalf("stored snippet changed to %q", stored.ReplyTo.Text)
	}
}

func TestSendWithClientSuppliedReplySnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	room := env.room(t, "general")

	msg, err := env.coord.SendAs(ctx, room.ID, "bob", SendRequest{
		Text:    "sure",
		ReplyTo: &models.ReplyRef{ID: "m1", Author: "alice", Text: strings.Repeat("a", 70)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.ReplyTo.Text) != models.ReplySnippetRunes || msg.ReplyTo.Author != "alice" {
		t.Fatalf("unexpected reply snapshot %+v", msg.ReplyTo)
	}
}

func TestCloseSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	room := env.room(t, "general")

	sink := &recordingSink{}
	s, err := env.coord.OpenSession(ctx, room.ID, "alice", sink)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := env.coord.Lookup(s.ID()); !ok || got != s {
		t.Fatal("session not registered")
	}

	env.coord.CloseSession(s)
	env.coord.CloseSession(s)

	if s.State() != StateClosed {
		t.Fatalf("state = %v", s.State())
	}
	if _, ok := env.coord.Lookup(s.ID()); ok {
		t.Fatal("closed session still registered")
	}
	if _, subs := env.hub.Stats(); subs != 0 {
		t.Fatalf("%d subscriptions after close", subs)
	}
	if _, err := env.coord.Send(ctx, s, SendRequest{Text: "hi"}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}

	// Other participants keep working.
	if _, err := env.coord.SendAs(ctx, room.ID, "bob", SendRequest{Text: "still here"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(sink.messages()); n != 0 {
		t.Fatalf("closed session received %d messages", n)
	}
}

func TestSessionBackfillsGaps(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	room := env.room(t, "general")

	sink := &recordingSink{}
	s, err := env.coord.OpenSession(ctx, room.ID, "alice", sink)
	if err != nil {
		t.Fatal(err)
	}

	// Appended behind the hub's back, as if the live event had been dropped.
	first, err := env.store.AppendMessage(ctx, room.ID, models.Draft{Author: "bob", Text: "one"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.store.AppendMessage(ctx, room.ID, models.Draft{Author: "bob", Text: "two"})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.HandleMessage(ctx, *second); err != nil {
		t.Fatal(err)
	}
	if err := s.HandleMessage(ctx, *first); err != nil {
		t.Fatal(err)
	}
	if err := s.HandleMessage(ctx, *second); err != nil {
		t.Fatal(err)
	}

	got := sink.messages()
	if len(got) != 2 {
		t.Fatalf("delivered %v", orderKeys(got))
	}
	requireContiguous(t, got)
}

func TestSessionRecoversFromSinkFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	room := env.room(t, "general")

	var failOnce sync.Once
	sink := &recordingSink{}
	sink.fail = func(models.Message) error {
		var err error
		failOnce.Do(func() { err = errors.New("write timeout") })
		return err
	}
	if _, err := env.coord.OpenSession(ctx, room.ID, "alice", sink); err != nil {
		t.Fatal(err)
	}

	for _, text := range []string{"one", "two"} {
		if _, err := env.coord.SendAs(ctx, room.ID, "bob", SendRequest{Text: text}); err != nil {
			t.Fatal(err)
		}
	}

	got := sink.waitFor(t, 2)
	requireContiguous(t, got)
}

func TestSendAsRequiresAuthor(t *testing.T) {
	env := newTestEnv(t, nil)
	room := env.room(t, "general")
	if _, err := env.coord.SendAs(context.Background(), room.ID, " ", SendRequest{Text: "hi"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.coord.SendAs(context.Background(), "missing", "bob", SendRequest{Text: "hi"}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestSessionCatchesUpAfterDropsInQuietRoom(t *testing.T) {
	ds := store.NewMemoryStore()
	h := hub.New(zerolog.Nop(), hub.Options{Backlog: 1})
	log := NewMessageLog(ds, h, LogOptions{Logger: zerolog.Nop()})
	coord := NewCoordinator(log, h, zerolog.Nop())
	defer func() {
		coord.Close()
		h.Close()
	}()
	ctx := context.Background()
	room, err := NewRegistry(ds, zerolog.Nop()).CreateRoom(ctx, "general")
	if err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	var first sync.Once
	sink := &recordingSink{}
	sink.fail = func(models.Message) error {
		first.Do(func() { <-release })
		return nil
	}
	if _, err := coord.OpenSession(ctx, room.ID, "alice", sink); err != nil {
		t.Fatal(err)
	}

	// The sink stalls on the first message, so most of these are dropped by
	// the hub, and nothing is sent afterwards.
	for i := 0; i < 10; i++ {
		if _, err := coord.SendAs(ctx, room.ID, "bob", SendRequest{Text: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	close(release)

	got := sink.waitFor(t, 10)
	requireContiguous(t, got)
}
