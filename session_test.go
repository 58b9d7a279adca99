package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeChannel is an in-process Channel for session tests. Events are fed
// straight to the registered handlers, mirroring the synchronous dispatch of
// the socket read loop.
type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	joined    map[RoomID]bool
	left      []RoomID

	onNewMessage      []func(NewMessageEvent)
	onMessageEdited   []func(MessageEditedEvent)
	onMessagesDeleted []func(MessagesDeletedEvent)
	onOnlineUsers     []func(OnlineUsersEvent)
	onRoomMembers     []func(RoomMembersEvent)
	onTyping          []func(TypingEvent)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{connected: true, joined: make(map[RoomID]bool)}
}

func (f *fakeChannel) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) JoinRoom(_ context.Context, roomID RoomID, _ int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[roomID] = true
	return nil
}

func (f *fakeChannel) LeaveRoom(_ context.Context, roomID RoomID, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.joined, roomID)
	f.left = append(f.left, roomID)
	return nil
}

func (f *fakeChannel) SendTyping(context.Context, RoomID, int64, string, bool) error { return nil }

func (f *fakeChannel) OnNewMessage(h func(NewMessageEvent)) func() {
	f.onNewMessage = append(f.onNewMessage, h)
	return func() { f.onNewMessage = nil }
}

func (f *fakeChannel) OnMessageEdited(h func(MessageEditedEvent)) func() {
	f.onMessageEdited = append(f.onMessageEdited, h)
	return func() { f.onMessageEdited = nil }
}

func (f *fakeChannel) OnMessagesDeleted(h func(MessagesDeletedEvent)) func() {
	f.onMessagesDeleted = append(f.onMessagesDeleted, h)
	return func() { f.onMessagesDeleted = nil }
}

func (f *fakeChannel) OnOnlineUsers(h func(OnlineUsersEvent)) func() {
	f.onOnlineUsers = append(f.onOnlineUsers, h)
	return func() { f.onOnlineUsers = nil }
}

func (f *fakeChannel) OnRoomMembers(h func(RoomMembersEvent)) func() {
	f.onRoomMembers = append(f.onRoomMembers, h)
	return func() { f.onRoomMembers = nil }
}

func (f *fakeChannel) OnTyping(h func(TypingEvent)) func() {
	f.onTyping = append(f.onTyping, h)
	return func() { f.onTyping = nil }
}

func (f *fakeChannel) OnConnected(func()) func()          { return func() {} }
func (f *fakeChannel) OnDisconnected(func(string)) func() { return func() {} }

func (f *fakeChannel) emitNewMessage(ev NewMessageEvent) {
	for _, h := range f.onNewMessage {
		h(ev)
	}
}

func (f *fakeChannel) emitEdited(ev MessageEditedEvent) {
	for _, h := range f.onMessageEdited {
		h(ev)
	}
}

func (f *fakeChannel) emitDeleted(ev MessagesDeletedEvent) {
	for _, h := range f.onMessagesDeleted {
		h(ev)
	}
}

// roomServer serves the room endpoint with the given snapshot.
func roomServer(t *testing.T, meta RoomMetadata) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/rooms/"+string(meta.RoomID), func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(meta)
	})
	mux.HandleFunc("/api/chat/rooms/"+string(meta.RoomID)+"/scheduled-messages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Message{})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestSession(t *testing.T, srv *httptest.Server, store *MessageStore, channel Channel, user Identity, roomID RoomID, opts ...SessionOption) *RoomSession {
	t.Helper()
	client := NewClient(srv.URL, "test-token")
	bridge := NewNotificationBridge(store)
	return NewRoomSession(client, store, channel, bridge, user, roomID, opts...)
}

var testUser = Identity{UserID: 7, UserName: "Asha"}

func TestSessionOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("cold cache seeds from snapshot", func(t *testing.T) {
		srv := roomServer(t, RoomMetadata{
			RoomID:   "42",
			Members:  []RoomMember{{UserID: 7, UserName: "Asha", IsAdmin: true}},
			Messages: []Message{textMsg(1, "42", 8, "welcome")},
		})
		store := NewMessageStore(NewMemoryStorage())
		session := newTestSession(t, srv, store, newFakeChannel(), testUser, "42")

		if err := session.Open(ctx); err != nil {
			t.Fatal(err)
		}
		if session.State() != SessionReady {
			t.Fatalf("state = %v", session.State())
		}
		if msgs := session.Messages(); len(msgs) != 1 || msgs[0].ID.Num != 1 {
			t.Fatalf("messages = %+v", msgs)
		}
		if cached, ok := store.Messages(ctx, "42"); !ok || len(cached) != 1 {
			t.Fatal("cache not seeded")
		}
		if !session.IsAdmin() || !session.IsMember() {
			t.Fatal("membership not derived from metadata")
		}
	})

	t.Run("warm cache reconciled against snapshot", func(t *testing.T) {
		edited := textMsg(2, "42", 8, "two (edited)")
		edited.IsEdited = true
		srv := roomServer(t, RoomMetadata{
			RoomID: "42",
			Messages: []Message{
				textMsg(1, "42", 8, "one"),
				edited,
				textMsg(3, "42", 8, "three"),
				textMsg(4, "42", 9, "four"),
			},
		})
		store := NewMessageStore(NewMemoryStorage())
		store.SaveMessages(ctx, "42", []Message{
			textMsg(1, "42", 8, "one"),
			textMsg(2, "42", 8, "two"),
			textMsg(3, "42", 8, "three"),
		})

		session := newTestSession(t, srv, store, newFakeChannel(), testUser, "42")
		if err := session.Open(ctx); err != nil {
			t.Fatal(err)
		}

		msgs := session.Messages()
		if len(msgs) != 4 {
			t.Fatalf("got %d messages, want 4", len(msgs))
		}
		if msgs[1].MessageText != "two (edited)" {
			t.Fatalf("edit not reconciled: %+v", msgs[1])
		}
		cached, _ := store.Messages(ctx, "42")
		if len(cached) != 4 {
			t.Fatal("reconciled list not persisted")
		}
	})

	t.Run("message cached during the fetch survives the save", func(t *testing.T) {
		store := NewMessageStore(NewMemoryStorage())
		store.SaveMessages(ctx, "42", []Message{textMsg(1, "42", 8, "one")})

		// The snapshot was generated before the live insert, so it carries
		// messages 1 and 2 but not 99. The insert lands in the cache while
		// the response is still in flight.
		mux := http.NewServeMux()
		mux.HandleFunc("/api/chat/rooms/42", func(w http.ResponseWriter, r *http.Request) {
			store.AddMessage(r.Context(), "42", textMsg(99, "42", 9, "in flight"))
			json.NewEncoder(w).Encode(RoomMetadata{
				RoomID:   "42",
				Messages: []Message{textMsg(1, "42", 8, "one"), textMsg(2, "42", 8, "two")},
			})
		})
		mux.HandleFunc("/api/chat/rooms/42/scheduled-messages", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]Message{})
		})
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)

		session := newTestSession(t, srv, store, newFakeChannel(), testUser, "42")
		if err := session.Open(ctx); err != nil {
			t.Fatal(err)
		}

		want := map[int64]bool{1: false, 2: false, 99: false}
		msgs := session.Messages()
		for _, m := range msgs {
			want[m.ID.Num] = true
		}
		for id, seen := range want {
			if !seen {
				t.Fatalf("message %d missing from session list: %+v", id, msgs)
			}
		}
		cached, _ := store.Messages(ctx, "42")
		if len(cached) != 3 {
			t.Fatalf("cache holds %d messages, want 3", len(cached))
		}
	})

	t.Run("fetch failure keeps cache and returns to idle", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(srv.Close)

		store := NewMessageStore(NewMemoryStorage())
		store.SaveMessages(ctx, "42", []Message{textMsg(1, "42", 8, "kept")})

		session := newTestSession(t, srv, store, newFakeChannel(), testUser, "42")
		if err := session.Open(ctx); err == nil {
			t.Fatal("expected load error")
		}
		if session.State() != SessionIdle {
			t.Fatalf("state = %v, want idle for retry", session.State())
		}
		if cached, ok := store.Messages(ctx, "42"); !ok || len(cached) != 1 {
			t.Fatal("cache disturbed by failed load")
		}
	})

	t.Run("joins the room on the channel", func(t *testing.T) {
		srv := roomServer(t, RoomMetadata{RoomID: "42"})
		channel := newFakeChannel()
		session := newTestSession(t, srv, NewMessageStore(NewMemoryStorage()), channel, testUser, "42")
		if err := session.Open(ctx); err != nil {
			t.Fatal(err)
		}
		if !channel.joined["42"] {
			t.Fatal("room not joined")
		}
	})
}

func TestSessionSocketEvents(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T) (*RoomSession, *fakeChannel, *MessageStore) {
		srv := roomServer(t, RoomMetadata{RoomID: "42", Messages: []Message{textMsg(1, "42", 8, "one")}})
		store := NewMessageStore(NewMemoryStorage())
		channel := newFakeChannel()
		session := newTestSession(t, srv, store, channel, testUser, "42")
		if err := session.Open(ctx); err != nil {
			t.Fatal(err)
		}
		return session, channel, store
	}

	t.Run("new message appended once", func(t *testing.T) {
		session, channel, store := open(t)
		ev := NewMessageEvent{
			RoomID:      "42",
			ID:          ConfirmedID(2),
			Sender:      EventSender{UserID: 8, UserName: "Ben"},
			MessageText: "hello",
		}
		channel.emitNewMessage(ev)
		channel.emitNewMessage(ev)

		if msgs := session.Messages(); len(msgs) != 2 {
			t.Fatalf("messages = %+v", msgs)
		}
		if cached, _ := store.Messages(ctx, "42"); len(cached) != 2 {
			t.Fatal("cache out of step with session")
		}
	})

	t.Run("self echo suppressed", func(t *testing.T) {
		session, channel, store := open(t)
		channel.emitNewMessage(NewMessageEvent{
			RoomID:      "42",
			ID:          ConfirmedID(2),
			Sender:      EventSender{UserID: testUser.UserID},
			MessageText: "mine",
		})
		if msgs := session.Messages(); len(msgs) != 1 {
			t.Fatalf("own echo appended: %+v", msgs)
		}
		if cached, _ := store.Messages(ctx, "42"); len(cached) != 1 {
			t.Fatal("own echo written to cache")
		}
	})

	t.Run("other room ignored", func(t *testing.T) {
		session, channel, _ := open(t)
		channel.emitNewMessage(NewMessageEvent{
			RoomID:      "99",
			ID:          ConfirmedID(2),
			Sender:      EventSender{UserID: 8},
			MessageText: "elsewhere",
		})
		if msgs := session.Messages(); len(msgs) != 1 {
			t.Fatalf("cross-room event applied: %+v", msgs)
		}
	})

	t.Run("edit applied in place", func(t *testing.T) {
		session, channel, store := open(t)
		channel.emitEdited(MessageEditedEvent{
			RoomID:      "42",
			MessageID:   ConfirmedID(1),
			MessageText: "one (edited)",
			IsEdited:    true,
		})
		msgs := session.Messages()
		if msgs[0].MessageText != "one (edited)" || !msgs[0].IsEdited {
			t.Fatalf("edit lost: %+v", msgs[0])
		}
		cached, _ := store.Messages(ctx, "42")
		if cached[0].MessageText != "one (edited)" {
			t.Fatal("edit not persisted")
		}
	})

	t.Run("delete removes from session and cache", func(t *testing.T) {
		session, channel, store := open(t)
		channel.emitDeleted(MessagesDeletedEvent{RoomID: "42", MessageIDs: []MessageID{ConfirmedID(1)}})
		if msgs := session.Messages(); len(msgs) != 0 {
			t.Fatalf("messages = %+v", msgs)
		}
		if cached, _ := store.Messages(ctx, "42"); len(cached) != 0 {
			t.Fatal("delete not persisted")
		}
	})

	t.Run("listener observes every change", func(t *testing.T) {
		srv := roomServer(t, RoomMetadata{RoomID: "42"})
		channel := newFakeChannel()
		var snapshots [][]Message
		session := newTestSession(t, srv, NewMessageStore(NewMemoryStorage()), channel, testUser, "42",
			WithMessagesListener(func(msgs []Message) { snapshots = append(snapshots, msgs) }))
		if err := session.Open(ctx); err != nil {
			t.Fatal(err)
		}
		before := len(snapshots)
		channel.emitNewMessage(NewMessageEvent{RoomID: "42", ID: ConfirmedID(1), Sender: EventSender{UserID: 8}})
		if len(snapshots) != before+1 {
			t.Fatal("listener not invoked on socket append")
		}
	})
}

func TestSessionOptimisticSend(t *testing.T) {
	ctx := context.Background()
	srv := roomServer(t, RoomMetadata{RoomID: "42"})
	store := NewMessageStore(NewMemoryStorage())
	session := newTestSession(t, srv, store, newFakeChannel(), testUser, "42")
	if err := session.Open(ctx); err != nil {
		t.Fatal(err)
	}

	optimistic := session.NewOptimisticMessage("On my way")
	if !optimistic.ID.Pending() {
		t.Fatal("optimistic message should carry a pending id")
	}
	if optimistic.SenderID != testUser.UserID || optimistic.RoomID != "42" {
		t.Fatalf("optimistic fields: %+v", optimistic)
	}

	if err := session.AddMessage(ctx, optimistic); err != nil {
		t.Fatal(err)
	}
	if msgs := session.Messages(); len(msgs) != 1 {
		t.Fatalf("messages = %+v", msgs)
	}

	session.RemoveTempMessages(ctx)
	if msgs := session.Messages(); len(msgs) != 0 {
		t.Fatalf("pending survived purge: %+v", msgs)
	}
	if cached, _ := store.Messages(ctx, "42"); len(cached) != 0 {
		t.Fatal("pending survived in cache")
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("background and foreground resync", func(t *testing.T) {
		meta := RoomMetadata{RoomID: "42", Messages: []Message{textMsg(1, "42", 8, "one")}}
		mux := http.NewServeMux()
		var mu sync.Mutex
		mux.HandleFunc("/api/chat/rooms/42", func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			json.NewEncoder(w).Encode(meta)
		})
		mux.HandleFunc("/api/chat/rooms/42/scheduled-messages", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]Message{})
		})
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)

		store := NewMessageStore(NewMemoryStorage())
		channel := newFakeChannel()
		session := newTestSession(t, srv, store, channel, testUser, "42")
		if err := session.Open(ctx); err != nil {
			t.Fatal(err)
		}

		session.HandleBackground()
		if session.State() != SessionBackgrounded {
			t.Fatalf("state = %v", session.State())
		}

		// A message lands server-side while backgrounded and the socket drops.
		mu.Lock()
		meta.Messages = append(meta.Messages, textMsg(2, "42", 8, "missed"))
		mu.Unlock()
		channel.Disconnect()

		if err := session.HandleForeground(ctx); err != nil {
			t.Fatal(err)
		}
		if session.State() != SessionReady {
			t.Fatalf("state = %v", session.State())
		}
		if !channel.Connected() {
			t.Fatal("socket not reconnected on foreground")
		}
		if msgs := session.Messages(); len(msgs) != 2 {
			t.Fatalf("missed message not recovered: %+v", msgs)
		}
	})

	t.Run("close detaches handlers and leaves the room", func(t *testing.T) {
		srv := roomServer(t, RoomMetadata{RoomID: "42"})
		store := NewMessageStore(NewMemoryStorage())
		channel := newFakeChannel()
		session := newTestSession(t, srv, store, channel, testUser, "42")
		if err := session.Open(ctx); err != nil {
			t.Fatal(err)
		}
		store.SaveMessages(ctx, "42", []Message{textMsg(1, "42", 8, "kept")})

		session.Close(ctx)
		if session.State() != SessionClosed {
			t.Fatalf("state = %v", session.State())
		}
		if len(channel.left) != 1 || channel.left[0] != "42" {
			t.Fatalf("left = %v", channel.left)
		}
		if channel.onNewMessage != nil {
			t.Fatal("handlers still registered after close")
		}
		if _, ok := store.Messages(ctx, "42"); !ok {
			t.Fatal("close cleared the cache")
		}

		if err := session.AddMessage(ctx, session.NewOptimisticMessage("late")); err != ErrSessionClosed {
			t.Fatalf("post-close add returned %v", err)
		}
		if err := session.Open(ctx); err != ErrSessionClosed {
			t.Fatalf("post-close open returned %v", err)
		}
	})
}
