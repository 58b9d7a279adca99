package chatsync

import (
	"context"
	"fmt"
	"testing"
)

func TestNormalizePayload(t *testing.T) {
	t.Run("folds snake_case into camelCase", func(t *testing.T) {
		p := NormalizePayload(map[string]any{
			"room_id":    "42",
			"message_id": "1001",
			"custom":     "kept",
		})
		if p["roomId"] != "42" || p["messageId"] != "1001" {
			t.Fatalf("aliases not folded: %+v", p)
		}
		if _, ok := p["room_id"]; ok {
			t.Fatal("snake_case key survived")
		}
		if p["custom"] != "kept" {
			t.Fatal("unknown key dropped")
		}
	})

	t.Run("camelCase wins over snake_case", func(t *testing.T) {
		p := NormalizePayload(map[string]any{
			"roomId":  "42",
			"room_id": "99",
		})
		if p["roomId"] != "42" {
			t.Fatalf("roomId = %v, want camelCase value", p["roomId"])
		}
	})
}

func TestBuildMessage(t *testing.T) {
	bridge := NewNotificationBridge(NewMessageStore(NewMemoryStorage()))

	t.Run("full payload", func(t *testing.T) {
		msg := bridge.BuildMessage(map[string]any{
			"roomId":      "42",
			"messageId":   "1001",
			"senderId":    float64(7),
			"senderName":  "Asha",
			"messageText": "On my way",
			"messageType": "text",
			"createdAt":   "2025-03-01T10:00:00Z",
		})
		if msg == nil {
			t.Fatal("message dropped")
		}
		if msg.ID.Num != 1001 || msg.ID.Pending() {
			t.Fatalf("id = %+v, want confirmed 1001", msg.ID)
		}
		if msg.RoomID != "42" || msg.SenderID != 7 || msg.SenderName != "Asha" {
			t.Fatalf("fields: %+v", msg)
		}
	})

	t.Run("missing roomId drops the payload", func(t *testing.T) {
		if msg := bridge.BuildMessage(map[string]any{"messageId": "1"}); msg != nil {
			t.Fatalf("payload without roomId produced %+v", msg)
		}
	})

	t.Run("missing messageId drops the payload", func(t *testing.T) {
		if msg := bridge.BuildMessage(map[string]any{"roomId": "42"}); msg != nil {
			t.Fatalf("payload without messageId produced %+v", msg)
		}
	})

	t.Run("defaults message type and timestamp fallback", func(t *testing.T) {
		msg := bridge.BuildMessage(map[string]any{
			"roomId":    "42",
			"messageId": "1001",
			"timestamp": "1709287200000",
		})
		if msg.MessageType != TypeText {
			t.Fatalf("messageType = %q", msg.MessageType)
		}
		if msg.CreatedAt != "1709287200000" {
			t.Fatalf("createdAt fallback = %q", msg.CreatedAt)
		}
	})

	t.Run("numeric room id tolerated", func(t *testing.T) {
		msg := bridge.BuildMessage(map[string]any{
			"roomId":    float64(42),
			"messageId": float64(1001),
		})
		if msg == nil || msg.RoomID != "42" || msg.ID.Num != 1001 {
			t.Fatalf("numeric ids: %+v", msg)
		}
	})

	t.Run("reply block parsed", func(t *testing.T) {
		msg := bridge.BuildMessage(map[string]any{
			"roomId":           "42",
			"messageId":        "1002",
			"replyMessageId":   "1001",
			"replyMessageText": "On my way",
			"replySenderName":  "Asha",
		})
		if msg.ReplyMessageID == nil || msg.ReplyMessageID.Num != 1001 {
			t.Fatalf("reply id = %+v", msg.ReplyMessageID)
		}
		if msg.ReplyMessageText != "On my way" || msg.ReplySenderName != "Asha" {
			t.Fatalf("reply fields: %+v", msg)
		}
	})
}

func TestHandleTapColdStart(t *testing.T) {
	// The room screen opening from a killed app must find the tapped
	// message in cache without a network round trip.
	ctx := context.Background()
	store := NewMessageStore(NewMemoryStorage())

	var navigated []RoomID
	var cachedAtNavigate int
	bridge := NewNotificationBridge(store, WithNavigator(func(roomID RoomID) {
		msgs, _ := store.Messages(ctx, roomID)
		cachedAtNavigate = len(msgs)
		navigated = append(navigated, roomID)
	}))

	payload := map[string]any{
		"room_id":      "42",
		"message_id":   "1001",
		"sender_name":  "Asha",
		"message_text": "On my way",
		"timestamp":    "1709287200000",
	}

	if !bridge.HandleTap(ctx, payload) {
		t.Fatal("first tap should navigate")
	}
	if len(navigated) != 1 || navigated[0] != "42" {
		t.Fatalf("navigated = %v", navigated)
	}
	if cachedAtNavigate != 1 {
		t.Fatal("message was not cached before navigation fired")
	}

	msgs, _ := store.Messages(ctx, "42")
	if len(msgs) != 1 || msgs[0].ID.Num != 1001 || msgs[0].MessageText != "On my way" {
		t.Fatalf("cached message: %+v", msgs)
	}
}

func TestHandleTapDedup(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate tap suppressed", func(t *testing.T) {
		bridge := NewNotificationBridge(NewMessageStore(NewMemoryStorage()))
		payload := map[string]any{"roomId": "42", "messageId": "1001", "timestamp": "100"}

		if !bridge.HandleTap(ctx, payload) {
			t.Fatal("first tap should pass")
		}
		if bridge.HandleTap(ctx, payload) {
			t.Fatal("second identical tap should be suppressed")
		}
	})

	t.Run("different timestamp is a new tap", func(t *testing.T) {
		bridge := NewNotificationBridge(NewMessageStore(NewMemoryStorage()))
		bridge.HandleTap(ctx, map[string]any{"roomId": "42", "messageId": "1001", "timestamp": "100"})
		if !bridge.HandleTap(ctx, map[string]any{"roomId": "42", "messageId": "1002", "timestamp": "200"}) {
			t.Fatal("distinct tap suppressed")
		}
	})

	t.Run("announcement taps keyed by announcementId", func(t *testing.T) {
		bridge := NewNotificationBridge(NewMessageStore(NewMemoryStorage()))
		payload := map[string]any{"announcement_id": "7", "timestamp": "100"}
		if !bridge.HandleTap(ctx, payload) {
			t.Fatal("announcement tap should pass")
		}
		if bridge.HandleTap(ctx, payload) {
			t.Fatal("duplicate announcement tap should be suppressed")
		}
	})

	t.Run("payload without any id ignored", func(t *testing.T) {
		bridge := NewNotificationBridge(NewMessageStore(NewMemoryStorage()))
		if bridge.HandleTap(ctx, map[string]any{"timestamp": "100"}) {
			t.Fatal("id-less tap should not navigate")
		}
	})
}

func TestTapDedupEviction(t *testing.T) {
	d := newTapDedup(3)
	for i := 0; i < 3; i++ {
		if !d.observe(fmt.Sprintf("k%d", i)) {
			t.Fatalf("k%d should be new", i)
		}
	}
	// k0 is evicted by the fourth key and becomes observable again.
	if !d.observe("k3") {
		t.Fatal("k3 should be new")
	}
	if !d.observe("k0") {
		t.Fatal("evicted key should read as new")
	}
	if d.observe("k2") {
		t.Fatal("k2 should still be remembered")
	}
}

func TestNotificationGroups(t *testing.T) {
	bridge := NewNotificationBridge(NewMessageStore(NewMemoryStorage()))

	for i := 1; i <= 5; i++ {
		bridge.Track(map[string]any{
			"roomId":      "42",
			"senderName":  "Asha",
			"messageText": fmt.Sprintf("msg %d", i),
			"timestamp":   float64(i * 100),
		}, fmt.Sprintf("notif-%d", i))
	}

	group, ok := bridge.Group("42")
	if !ok {
		t.Fatal("group missing")
	}
	if len(group.Previews) != notificationPreviewWindow {
		t.Fatalf("preview window = %d, want %d", len(group.Previews), notificationPreviewWindow)
	}
	if group.Previews[0].MessageContent != "msg 3" || group.Previews[2].MessageContent != "msg 5" {
		t.Fatalf("window contents: %+v", group.Previews)
	}
	if group.LastNotificationID != "notif-5" {
		t.Fatalf("last notification id = %q", group.LastNotificationID)
	}

	var dismissed []RoomID
	bridge.dismiss = func(roomID RoomID) { dismissed = append(dismissed, roomID) }
	bridge.ClearRoom("42")
	if _, ok := bridge.Group("42"); ok {
		t.Fatal("group survived clear")
	}
	if len(dismissed) != 1 || dismissed[0] != "42" {
		t.Fatalf("dismissed = %v", dismissed)
	}
}

func TestTrackReturnsSnapshot(t *testing.T) {
	bridge := NewNotificationBridge(NewMessageStore(NewMemoryStorage()))

	first := bridge.Track(map[string]any{
		"roomId":      "42",
		"senderName":  "Asha",
		"messageText": "first",
		"timestamp":   float64(100),
	}, "notif-1")

	bridge.Track(map[string]any{
		"roomId":      "42",
		"senderName":  "Ben",
		"messageText": "second",
		"timestamp":   float64(200),
	}, "notif-2")

	if len(first.Previews) != 1 || first.Previews[0].MessageContent != "first" {
		t.Fatalf("earlier group mutated by later push: %+v", first.Previews)
	}
	if first.LastNotificationID != "notif-1" {
		t.Fatalf("earlier group id overwritten: %q", first.LastNotificationID)
	}

	viewed, _ := bridge.Group("42")
	viewed.Previews[0].MessageContent = "tampered"
	current, _ := bridge.Group("42")
	if current.Previews[0].MessageContent == "tampered" {
		t.Fatal("caller write reached the bridge's state")
	}
}

func TestStoreMessageIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMessageStore(NewMemoryStorage())
	bridge := NewNotificationBridge(store)

	payload := map[string]any{"roomId": "42", "messageId": "1001", "messageText": "hi"}
	if !bridge.StoreMessage(ctx, payload) {
		t.Fatal("first store should write")
	}
	if bridge.StoreMessage(ctx, payload) {
		t.Fatal("second store should be a no-op")
	}
	msgs, _ := store.Messages(ctx, "42")
	if len(msgs) != 1 {
		t.Fatalf("cache holds %d messages", len(msgs))
	}
}
