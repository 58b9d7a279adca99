package chatsync

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// ============================================================================
// Identifiers
// ============================================================================

// RoomID identifies a chat room. Servers send room ids as either JSON
// numbers or strings depending on the delivery path, so unmarshalling
// accepts both and normalizes to a string.
type RoomID string

func (r *RoomID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty room id")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RoomID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*r = RoomID(n.String())
	return nil
}

// MessageID is either a server-confirmed numeric id or a client-generated
// pending id for an optimistic send the server has not acknowledged yet.
// Exactly one of the two fields is set.
type MessageID struct {
	// Num is the server-assigned id. Valid only when Local is empty.
	Num int64
	// Local is the client-side placeholder id. Non-empty means pending.
	Local string
}

// NewPendingID returns a fresh client-side placeholder id.
func NewPendingID() MessageID {
	return MessageID{Local: "temp-" + uuid.NewString()}
}

// ConfirmedID wraps a server-assigned numeric id.
func ConfirmedID(n int64) MessageID {
	return MessageID{Num: n}
}

// ParseMessageID interprets a wire-format id. Numeric-looking strings are
// parsed as confirmed ids so that notification, socket, and REST paths agree
// on the id type; anything else is treated as a pending placeholder.
func ParseMessageID(s string) MessageID {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return MessageID{Num: n}
	}
	return MessageID{Local: s}
}

// Pending reports whether the id is an unconfirmed client placeholder.
func (id MessageID) Pending() bool { return id.Local != "" }

// IsZero reports whether the id is unset.
func (id MessageID) IsZero() bool { return id.Num == 0 && id.Local == "" }

// Key returns a map key that is unique across both id variants.
func (id MessageID) Key() string {
	if id.Pending() {
		return id.Local
	}
	return strconv.FormatInt(id.Num, 10)
}

// Equal reports whether two ids refer to the same message.
func (id MessageID) Equal(other MessageID) bool {
	return id.Num == other.Num && id.Local == other.Local
}

func (id MessageID) String() string { return id.Key() }

// MarshalJSON writes confirmed ids as numbers and pending ids as strings,
// matching the wire format the rest of the system speaks.
func (id MessageID) MarshalJSON() ([]byte, error) {
	if id.Pending() {
		return json.Marshal(id.Local)
	}
	return json.Marshal(id.Num)
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty message id")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ParseMessageID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = MessageID{Num: n}
	return nil
}

// ============================================================================
// Message
// ============================================================================

// Message types accepted by the room message list.
const (
	TypeText         = "text"
	TypeMedia        = "media"
	TypeAudio        = "audio"
	TypePoll         = "poll"
	TypeTable        = "table"
	TypeAnnouncement = "announcement"
)

// Message is a single chat message as cached on the client. Within a room,
// confirmed ids are unique; pending ids exist only until the server assigns
// a real id for the same logical send.
type Message struct {
	ID          MessageID `json:"id"`
	RoomID      RoomID    `json:"roomId"`
	SenderID    int64     `json:"senderId"`
	SenderName  string    `json:"senderName"`
	MessageText string    `json:"messageText"`
	MessageType string    `json:"messageType"`
	CreatedAt   string    `json:"createdAt"`

	MediaFilesID *int64 `json:"mediaFilesId,omitempty"`
	PollID       *int64 `json:"pollId,omitempty"`
	TableID      *int64 `json:"tableId,omitempty"`

	ReplyMessageID   *MessageID `json:"replyMessageId,omitempty"`
	ReplyMessageText string     `json:"replyMessageText,omitempty"`
	ReplySenderName  string     `json:"replySenderName,omitempty"`
	ReplyMessageType string     `json:"replyMessageType,omitempty"`

	IsEdited   bool   `json:"isEdited,omitempty"`
	EditedAt   string `json:"editedAt,omitempty"`
	EditedBy   *int64 `json:"editedBy,omitempty"`
	EditorName string `json:"editorName,omitempty"`
}

// MessagePatch is a partial update merged into a cached message. Nil fields
// are left untouched.
type MessagePatch struct {
	MessageText *string `json:"messageText,omitempty"`
	IsEdited    *bool   `json:"isEdited,omitempty"`
	EditedAt    *string `json:"editedAt,omitempty"`
	EditedBy    *int64  `json:"editedBy,omitempty"`
	EditorName  *string `json:"editorName,omitempty"`
}

// sameContent reports whether all observable fields agree between two
// versions of a message with the same id. Change detection classifies a
// message as updated when this returns false.
func sameContent(a, b Message) bool {
	if a.MessageText != b.MessageText ||
		a.MessageType != b.MessageType ||
		a.SenderID != b.SenderID ||
		a.SenderName != b.SenderName {
		return false
	}
	if a.IsEdited != b.IsEdited || a.EditedAt != b.EditedAt || a.EditorName != b.EditorName {
		return false
	}
	if !int64PtrEqual(a.EditedBy, b.EditedBy) ||
		!int64PtrEqual(a.MediaFilesID, b.MediaFilesID) ||
		!int64PtrEqual(a.PollID, b.PollID) ||
		!int64PtrEqual(a.TableID, b.TableID) {
		return false
	}
	if (a.ReplyMessageID == nil) != (b.ReplyMessageID == nil) {
		return false
	}
	if a.ReplyMessageID != nil && !a.ReplyMessageID.Equal(*b.ReplyMessageID) {
		return false
	}
	if a.ReplyMessageText != b.ReplyMessageText ||
		a.ReplySenderName != b.ReplySenderName ||
		a.ReplyMessageType != b.ReplyMessageType {
		return false
	}
	return true
}

func int64PtrEqual(a, b *int64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

// ============================================================================
// Room metadata
// ============================================================================

// RoomMember is a room participant with their admin flag.
type RoomMember struct {
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
	IsAdmin  bool   `json:"isAdmin"`
}

// RoomMetadata is the value fetched from the room endpoint: membership,
// presence, and the authoritative message snapshot at fetch time. Treated
// as immutable once fetched.
type RoomMetadata struct {
	RoomID      RoomID       `json:"roomId"`
	RoomName    string       `json:"roomName,omitempty"`
	Members     []RoomMember `json:"members"`
	OnlineUsers []int64      `json:"onlineUsers,omitempty"`
	Messages    []Message    `json:"messages"`
}

// ============================================================================
// Cache entry
// ============================================================================

// CachedRoomMessages is the per-room persisted cache value. Message order is
// arrival order, not necessarily createdAt order.
type CachedRoomMessages struct {
	Messages      []Message `json:"messages"`
	Timestamp     int64     `json:"timestamp"`
	LastMessageID *int64    `json:"lastMessageId"`
}

// ============================================================================
// Change detection result
// ============================================================================

// ChangeSet is the delta between a cached message list and a fresh one:
// a full outer join on id.
type ChangeSet struct {
	NewMessages     []Message
	UpdatedMessages []Message
	DeletedIDs      []MessageID
	HasChanges      bool
}

// ============================================================================
// Socket event payloads
// ============================================================================

// EventSender identifies the author of a socket-delivered message.
type EventSender struct {
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
}

// NewMessageEvent is delivered when a message is posted to a joined room.
type NewMessageEvent struct {
	RoomID       RoomID      `json:"roomId"`
	ID           MessageID   `json:"id"`
	Sender       EventSender `json:"sender"`
	MessageText  string      `json:"messageText"`
	MessageType  string      `json:"messageType"`
	CreatedAt    string      `json:"createdAt"`
	MediaFilesID *int64      `json:"mediaFilesId,omitempty"`
	PollID       *int64      `json:"pollId,omitempty"`
	TableID      *int64      `json:"tableId,omitempty"`
}

// Message converts the event into the cached message shape.
func (e NewMessageEvent) Message() Message {
	return Message{
		ID:           e.ID,
		RoomID:       e.RoomID,
		SenderID:     e.Sender.UserID,
		SenderName:   e.Sender.UserName,
		MessageText:  e.MessageText,
		MessageType:  e.MessageType,
		CreatedAt:    e.CreatedAt,
		MediaFilesID: e.MediaFilesID,
		PollID:       e.PollID,
		TableID:      e.TableID,
	}
}

// MessageEditedEvent is delivered when a message is edited in place.
type MessageEditedEvent struct {
	RoomID      RoomID    `json:"roomId"`
	MessageID   MessageID `json:"messageId"`
	MessageText string    `json:"messageText"`
	IsEdited    bool      `json:"isEdited"`
	EditedAt    string    `json:"editedAt"`
	EditedBy    *int64    `json:"editedBy,omitempty"`
	EditorName  string    `json:"editorName,omitempty"`
}

// Patch converts the event into a partial cache update.
func (e MessageEditedEvent) Patch() MessagePatch {
	edited := e.IsEdited
	return MessagePatch{
		MessageText: &e.MessageText,
		IsEdited:    &edited,
		EditedAt:    &e.EditedAt,
		EditedBy:    e.EditedBy,
		EditorName:  &e.EditorName,
	}
}

// MessagesDeletedEvent is delivered when messages are removed server-side.
type MessagesDeletedEvent struct {
	RoomID     RoomID      `json:"roomId"`
	MessageIDs []MessageID `json:"messageIds"`
}

// OnlineUsersEvent reports the current presence set for a room.
type OnlineUsersEvent struct {
	RoomID      RoomID  `json:"roomId"`
	OnlineUsers []int64 `json:"onlineUsers"`
}

// RoomMembersEvent reports a membership change for a room.
type RoomMembersEvent struct {
	RoomID  RoomID       `json:"roomId"`
	Members []RoomMember `json:"members"`
}

// TypingEvent reports a typing indicator toggle.
type TypingEvent struct {
	RoomID   RoomID `json:"roomId"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// Identity is the locally signed-in user as seen by the sync core.
type Identity struct {
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
}
