package chatsync

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Payload normalization
// ============================================================================

// Push payloads arrive with either camelCase or snake_case keys depending on
// the delivery path. Everything past this table sees camelCase only.
var snakeKeyAliases = map[string]string{
	"room_id":            "roomId",
	"message_id":         "messageId",
	"sender_id":          "senderId",
	"sender_name":        "senderName",
	"message_text":       "messageText",
	"message_type":       "messageType",
	"media_files_id":     "mediaFilesId",
	"poll_id":            "pollId",
	"table_id":           "tableId",
	"reply_message_id":   "replyMessageId",
	"reply_message_text": "replyMessageText",
	"reply_sender_name":  "replySenderName",
	"reply_message_type": "replyMessageType",
	"announcement_id":    "announcementId",
	"created_at":         "createdAt",
}

// NormalizePayload returns a copy of the payload with snake_case keys folded
// into their camelCase equivalents. A camelCase key already present wins.
func NormalizePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if canonical, ok := snakeKeyAliases[k]; ok {
			if _, exists := payload[canonical]; !exists {
				out[canonical] = v
			}
			continue
		}
		out[k] = v
	}
	return out
}

// payloadString extracts a value as a string, tolerating the numeric types
// JSON decoding produces.
func payloadString(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func payloadInt64(payload map[string]any, key string) (int64, bool) {
	s := payloadString(payload, key)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ============================================================================
// Notification groups
// ============================================================================

// notificationPreviewWindow caps the rolling preview window per room, so
// repeated pushes for one room collapse into a single visible notification.
const notificationPreviewWindow = 3

// tapDedupCapacity bounds the recent-tap set. The same notification can be
// delivered twice in quick succession on some platforms; a small recency
// window is enough to catch that without growing forever.
const tapDedupCapacity = 50

// NotificationPreview is one line of a collapsed room notification.
type NotificationPreview struct {
	SenderName     string `json:"senderName"`
	MessageContent string `json:"messageContent"`
	Timestamp      int64  `json:"timestamp"`
}

// NotificationGroup collects the recent pushes for one room. Created on the
// first notification for a room, updated on each subsequent one, discarded
// when the room's notifications are cleared.
type NotificationGroup struct {
	RoomID RoomID `json:"roomId"`
	// Previews holds at most notificationPreviewWindow entries, oldest
	// dropped first.
	Previews []NotificationPreview `json:"previews"`
	// LastNotificationID identifies the most recently scheduled visible
	// notification, so the next push replaces it instead of stacking.
	LastNotificationID string `json:"lastNotificationId"`
}

// tapDedup is a bounded recent-set with oldest-first eviction.
type tapDedup struct {
	capacity int
	order    []string
	seen     map[string]struct{}
}

func newTapDedup(capacity int) *tapDedup {
	return &tapDedup{capacity: capacity, seen: make(map[string]struct{}, capacity)}
}

// observe records the key and reports whether it was seen for the first time.
func (d *tapDedup) observe(key string) bool {
	if _, dup := d.seen[key]; dup {
		return false
	}
	if len(d.order) >= d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.order = append(d.order, key)
	d.seen[key] = struct{}{}
	return true
}

// ============================================================================
// NotificationBridge
// ============================================================================

// NotificationBridge turns push-notification payloads into cache writes and
// deduplicated navigation intents. The cache write happens before any
// navigation, so a cold-started room screen shows the message without
// waiting on a network round trip.
type NotificationBridge struct {
	store  *MessageStore
	logger zerolog.Logger

	// navigate is invoked at most once per logical tap.
	navigate func(RoomID)
	// dismiss removes delivered platform notifications for a room.
	dismiss func(RoomID)

	mu     sync.Mutex
	recent *tapDedup
	groups map[RoomID]*NotificationGroup
}

// BridgeOption configures a NotificationBridge.
type BridgeOption func(*NotificationBridge)

// WithNavigator sets the navigation callback fired on a deduplicated tap.
func WithNavigator(fn func(RoomID)) BridgeOption {
	return func(b *NotificationBridge) { b.navigate = fn }
}

// WithDismisser sets the hook that dismisses delivered platform
// notifications for a room.
func WithDismisser(fn func(RoomID)) BridgeOption {
	return func(b *NotificationBridge) { b.dismiss = fn }
}

// WithBridgeLogger sets the logger for dropped payloads.
func WithBridgeLogger(logger zerolog.Logger) BridgeOption {
	return func(b *NotificationBridge) { b.logger = logger }
}

// NewNotificationBridge creates a bridge writing into the given store.
func NewNotificationBridge(store *MessageStore, opts ...BridgeOption) *NotificationBridge {
	b := &NotificationBridge{
		store:  store,
		logger: zerolog.Nop(),
		recent: newTapDedup(tapDedupCapacity),
		groups: make(map[RoomID]*NotificationGroup),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildMessage converts a push payload into a Message. Returns nil when the
// payload lacks a room id or message id; a malformed payload is dropped
// silently rather than treated as an error.
func (b *NotificationBridge) BuildMessage(payload map[string]any) *Message {
	p := NormalizePayload(payload)

	roomID := payloadString(p, "roomId")
	rawID := payloadString(p, "messageId")
	if roomID == "" || rawID == "" {
		b.logger.Debug().Msg("dropping notification payload without roomId/messageId")
		return nil
	}

	msg := &Message{
		ID:          ParseMessageID(rawID),
		RoomID:      RoomID(roomID),
		SenderName:  payloadString(p, "senderName"),
		MessageText: payloadString(p, "messageText"),
		MessageType: payloadString(p, "messageType"),
		CreatedAt:   payloadString(p, "createdAt"),
	}
	if msg.MessageType == "" {
		msg.MessageType = TypeText
	}
	if msg.CreatedAt == "" {
		msg.CreatedAt = payloadString(p, "timestamp")
	}
	if senderID, ok := payloadInt64(p, "senderId"); ok {
		msg.SenderID = senderID
	}
	if mediaID, ok := payloadInt64(p, "mediaFilesId"); ok {
		msg.MediaFilesID = &mediaID
	}
	if pollID, ok := payloadInt64(p, "pollId"); ok {
		msg.PollID = &pollID
	}
	if tableID, ok := payloadInt64(p, "tableId"); ok {
		msg.TableID = &tableID
	}
	if rawReply := payloadString(p, "replyMessageId"); rawReply != "" {
		replyID := ParseMessageID(rawReply)
		msg.ReplyMessageID = &replyID
		msg.ReplyMessageText = payloadString(p, "replyMessageText")
		msg.ReplySenderName = payloadString(p, "replySenderName")
		msg.ReplyMessageType = payloadString(p, "replyMessageType")
	}
	return msg
}

// StoreMessage builds the message and writes it to the cache. Safe to call
// repeatedly for the same payload: the store's id check makes the write
// idempotent. Returns whether a message was written.
func (b *NotificationBridge) StoreMessage(ctx context.Context, payload map[string]any) bool {
	msg := b.BuildMessage(payload)
	if msg == nil {
		return false
	}
	added := b.store.AddMessage(ctx, msg.RoomID, *msg)
	if added {
		notificationsStored.Inc()
	}
	return added
}

// Track folds the push into the room's rolling notification group and
// returns a snapshot of the updated group for the caller to render as a
// single collapsed notification. The snapshot is the caller's own copy;
// later pushes do not mutate it.
func (b *NotificationBridge) Track(payload map[string]any, notificationID string) *NotificationGroup {
	p := NormalizePayload(payload)
	roomID := RoomID(payloadString(p, "roomId"))
	if roomID == "" {
		return nil
	}

	ts, _ := payloadInt64(p, "timestamp")
	preview := NotificationPreview{
		SenderName:     payloadString(p, "senderName"),
		MessageContent: payloadString(p, "messageText"),
		Timestamp:      ts,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	group, ok := b.groups[roomID]
	if !ok {
		group = &NotificationGroup{RoomID: roomID}
		b.groups[roomID] = group
	}
	group.Previews = append(group.Previews, preview)
	if len(group.Previews) > notificationPreviewWindow {
		group.Previews = group.Previews[len(group.Previews)-notificationPreviewWindow:]
	}
	group.LastNotificationID = notificationID
	return copyGroup(group)
}

// Group returns a snapshot of the current notification group for a room,
// if any.
func (b *NotificationBridge) Group(roomID RoomID) (*NotificationGroup, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[roomID]
	if !ok {
		return nil, false
	}
	return copyGroup(g), true
}

func copyGroup(g *NotificationGroup) *NotificationGroup {
	out := *g
	out.Previews = append([]NotificationPreview(nil), g.Previews...)
	return &out
}

// HandleTap processes a notification tap: the message is cached first, then
// navigation fires at most once per logical tap. Two taps carrying the same
// room id and timestamp collapse into a single navigation. Returns whether
// navigation was triggered.
func (b *NotificationBridge) HandleTap(ctx context.Context, payload map[string]any) bool {
	p := NormalizePayload(payload)

	roomID := payloadString(p, "roomId")
	if roomID == "" {
		roomID = payloadString(p, "announcementId")
	}
	if roomID == "" {
		return false
	}
	key := roomID + "/" + payloadString(p, "timestamp")

	b.mu.Lock()
	first := b.recent.observe(key)
	b.mu.Unlock()
	if !first {
		notificationTapsDeduped.Inc()
		return false
	}

	// Write-before-navigate: the room screen must find the message in cache
	// on a cold start.
	b.StoreMessage(ctx, p)

	if b.navigate != nil {
		b.navigate(RoomID(roomID))
	}
	return true
}

// ClearRoom dismisses the room's delivered notifications and discards its
// group. Called when the room is opened.
func (b *NotificationBridge) ClearRoom(roomID RoomID) {
	b.mu.Lock()
	delete(b.groups, roomID)
	b.mu.Unlock()

	if b.dismiss != nil {
		b.dismiss(roomID)
	}
}
