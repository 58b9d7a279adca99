package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Session state
// ============================================================================

// SessionState tracks where a room session is in its lifecycle:
// Idle → Loading → Ready → (Backgrounded) → Ready → Closed.
type SessionState int32

const (
	SessionIdle SessionState = iota
	SessionLoading
	SessionReady
	SessionBackgrounded
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionLoading:
		return "loading"
	case SessionReady:
		return "ready"
	case SessionBackgrounded:
		return "backgrounded"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ============================================================================
// RoomSession
// ============================================================================

// RoomSession orchestrates one open room: it loads the cache, fetches the
// authoritative snapshot, reconciles, subscribes to the live channel, and
// re-synchronizes on foreground transitions. The in-memory message list it
// maintains is what the UI observes.
//
// A REST reconciliation and a socket event can be in flight simultaneously;
// that is tolerated because cache writes are idempotent and id-keyed. Late
// REST responses for an abandoned load are detected by a generation counter
// and discarded rather than overwriting newer state.
type RoomSession struct {
	client  *Client
	store   *MessageStore
	channel Channel
	bridge  *NotificationBridge
	user    Identity
	roomID  RoomID
	logger  zerolog.Logger

	// onMessages, when set, observes every change to the message list.
	onMessages func([]Message)

	mu        sync.Mutex
	state     SessionState
	gen       int
	messages  []Message
	members   []RoomMember
	online    []int64
	typing    map[int64]string
	scheduled []Message
	isAdmin   bool
	isMember  bool
	offs      []func()
}

// SessionOption configures a RoomSession.
type SessionOption func(*RoomSession)

// WithSessionLogger sets the session logger.
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *RoomSession) { s.logger = logger }
}

// WithMessagesListener registers an observer invoked with a copy of the
// message list after every change.
func WithMessagesListener(fn func([]Message)) SessionOption {
	return func(s *RoomSession) { s.onMessages = fn }
}

// NewRoomSession wires a session for one room. The channel is injected so
// sessions are testable without a live socket.
func NewRoomSession(client *Client, store *MessageStore, channel Channel, bridge *NotificationBridge, user Identity, roomID RoomID, opts ...SessionOption) *RoomSession {
	s := &RoomSession{
		client:  client,
		store:   store,
		channel: channel,
		bridge:  bridge,
		user:    user,
		roomID:  roomID,
		logger:  zerolog.Nop(),
		state:   SessionIdle,
		typing:  make(map[int64]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *RoomSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the in-memory message list.
func (s *RoomSession) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Members returns the current room membership.
func (s *RoomSession) Members() []RoomMember {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RoomMember(nil), s.members...)
}

// OnlineUsers returns the user ids currently online in the room.
func (s *RoomSession) OnlineUsers() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.online...)
}

// ScheduledMessages returns the most recent scheduled-message side fetch.
func (s *RoomSession) ScheduledMessages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.scheduled...)
}

// TypingUsers returns the names of other users currently typing.
func (s *RoomSession) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.typing))
	for _, name := range s.typing {
		names = append(names, name)
	}
	return names
}

// IsAdmin reports whether the current user is a room admin.
func (s *RoomSession) IsAdmin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAdmin
}

// IsMember reports whether the current user belongs to the room.
func (s *RoomSession) IsMember() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isMember
}

// ============================================================================
// Lifecycle
// ============================================================================

// Open runs the full load sequence and brings the session to Ready: cache
// seed, REST snapshot, reconciliation, channel subscription, notification
// clearing, and the scheduled-messages side fetch. A REST failure leaves the
// session Idle for a later retry; the existing cache is untouched.
func (s *RoomSession) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != SessionIdle {
		s.mu.Unlock()
		return fmt.Errorf("open from state %s", s.state)
	}
	s.mu.Unlock()

	if err := s.load(ctx, SessionIdle); err != nil {
		return err
	}

	s.subscribe()
	s.bridge.ClearRoom(s.roomID)

	if err := s.channel.JoinRoom(ctx, s.roomID, s.user.UserID, s.user.UserName); err != nil {
		s.logger.Warn().Err(err).Msg("room join failed, live events unavailable until reconnect")
	}

	s.fetchScheduled(ctx)

	s.mu.Lock()
	if s.state != SessionClosed {
		s.state = SessionReady
	}
	s.mu.Unlock()
	return nil
}

// HandleBackground marks the session backgrounded. Socket and cache stay
// alive; missed events are recovered on the next foreground transition.
func (s *RoomSession) HandleBackground() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionReady {
		s.state = SessionBackgrounded
	}
}

// HandleForeground re-runs the full load sequence after the app returns to
// the foreground. If the socket dropped while backgrounded it is
// reconnected and the room re-joined; events missed during the gap are
// recovered by the REST re-fetch, never assumed lost.
func (s *RoomSession) HandleForeground(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case SessionClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case SessionBackgrounded, SessionReady:
	default:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if !s.channel.Connected() {
		if err := s.channel.Connect(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("socket reconnect failed, retrying on next foreground")
		} else if err := s.channel.JoinRoom(ctx, s.roomID, s.user.UserID, s.user.UserName); err != nil {
			s.logger.Warn().Err(err).Msg("room rejoin failed")
		}
	}

	if err := s.load(ctx, SessionReady); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != SessionClosed {
		s.state = SessionReady
	}
	s.mu.Unlock()
	return nil
}

// Close tears the session down: listeners are removed synchronously before
// any further state change, then the room is left. The cache is retained.
func (s *RoomSession) Close(ctx context.Context) {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = SessionClosed
	s.gen++
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()

	for _, off := range offs {
		off()
	}

	if err := s.channel.LeaveRoom(ctx, s.roomID, s.user.UserID); err != nil {
		s.logger.Warn().Err(err).Msg("room leave failed")
	}
}

// load seeds from cache, fetches the authoritative snapshot, reconciles,
// and persists. failState is what the session reverts to when the fetch
// fails: Idle on first open, Ready on a foreground resync (cache intact).
func (s *RoomSession) load(ctx context.Context, failState SessionState) error {
	s.mu.Lock()
	s.gen++
	myGen := s.gen
	s.state = SessionLoading
	s.mu.Unlock()

	cached, hasCache := s.store.Messages(ctx, s.roomID)
	if hasCache {
		s.setMessages(myGen, cached)
	}

	meta, err := s.client.FetchRoom(ctx, s.roomID)
	if err != nil {
		roomLoads.WithLabelValues("error").Inc()
		s.mu.Lock()
		if s.gen == myGen && s.state == SessionLoading {
			s.state = failState
		}
		s.mu.Unlock()
		return fmt.Errorf("load room %s: %w", s.roomID, err)
	}
	roomLoads.WithLabelValues("ok").Inc()

	// A response for a load the session has moved past must not overwrite
	// newer state.
	s.mu.Lock()
	if s.gen != myGen || s.state == SessionClosed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var next []Message
	if !hasCache {
		next = meta.Messages
	} else {
		// The room fetch returns the full history, so the snapshot may
		// authorize deletions.
		res := Reconcile(cached, Snapshot{Messages: meta.Messages, Complete: true})
		next = res.Messages
		if res.Changes.HasChanges {
			reconciliations.WithLabelValues("changed").Inc()
			s.logger.Debug().
				Int("new", len(res.Changes.NewMessages)).
				Int("updated", len(res.Changes.UpdatedMessages)).
				Int("deleted", len(res.Changes.DeletedIDs)).
				Int("purgedPending", len(res.PurgedPending)).
				Str("roomId", string(s.roomID)).
				Msg("snapshot reconciled")
		} else {
			reconciliations.WithLabelValues("clean").Inc()
		}
	}

	// Socket messages cached while the fetch was in flight are in neither the
	// pre-fetch read nor the snapshot. Fold them back in before persisting so
	// the save does not erase them.
	if latest, ok := s.store.Messages(ctx, s.roomID); ok {
		known := make(map[string]struct{}, len(next)+len(cached))
		for _, m := range next {
			known[m.ID.Key()] = struct{}{}
		}
		for _, m := range cached {
			known[m.ID.Key()] = struct{}{}
		}
		for _, m := range latest {
			if _, seen := known[m.ID.Key()]; !seen {
				next = append(next, m)
			}
		}
	}
	s.store.SaveMessages(ctx, s.roomID, next)

	s.mu.Lock()
	if s.gen != myGen || s.state == SessionClosed {
		s.mu.Unlock()
		return nil
	}
	s.messages = next
	s.members = meta.Members
	s.online = meta.OnlineUsers
	s.isAdmin, s.isMember = membership(meta.Members, s.user.UserID)
	s.mu.Unlock()

	s.notifyMessages()
	return nil
}

// setMessages replaces the in-memory list if the load generation is still
// current.
func (s *RoomSession) setMessages(gen int, messages []Message) {
	s.mu.Lock()
	if s.gen != gen || s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.messages = messages
	s.mu.Unlock()
	s.notifyMessages()
}

func (s *RoomSession) fetchScheduled(ctx context.Context) {
	scheduled, err := s.client.FetchScheduledMessages(ctx, s.roomID)
	if err != nil {
		// Side channel only; the session stays usable without it.
		s.logger.Debug().Err(err).Msg("scheduled messages fetch failed")
		return
	}
	s.mu.Lock()
	s.scheduled = scheduled
	s.mu.Unlock()
}

func membership(members []RoomMember, userID int64) (isAdmin, isMember bool) {
	for _, m := range members {
		if m.UserID == userID {
			return m.IsAdmin, true
		}
	}
	return false, false
}

// ============================================================================
// Socket event handlers
// ============================================================================

// subscribe registers the session's channel handlers. Every handler filters
// by room id first: during teardown the channel may still deliver events for
// a room the session just left.
func (s *RoomSession) subscribe() {
	offs := []func(){
		s.channel.OnNewMessage(s.handleNewMessage),
		s.channel.OnMessageEdited(s.handleMessageEdited),
		s.channel.OnMessagesDeleted(s.handleMessagesDeleted),
		s.channel.OnOnlineUsers(s.handleOnlineUsers),
		s.channel.OnRoomMembers(s.handleRoomMembers),
		s.channel.OnTyping(s.handleTyping),
	}
	s.mu.Lock()
	s.offs = append(s.offs, offs...)
	s.mu.Unlock()
}

func (s *RoomSession) handleNewMessage(ev NewMessageEvent) {
	if ev.RoomID != s.roomID {
		return
	}
	// Self-echo: the optimistic local append already represents the current
	// user's own message.
	if ev.Sender.UserID == s.user.UserID {
		return
	}
	if !s.store.AddMessage(context.Background(), s.roomID, ev.Message()) {
		return
	}

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.messages = append(s.messages, ev.Message())
	delete(s.typing, ev.Sender.UserID)
	s.mu.Unlock()
	s.notifyMessages()
}

func (s *RoomSession) handleMessageEdited(ev MessageEditedEvent) {
	if ev.RoomID != s.roomID {
		return
	}
	s.store.UpdateMessage(context.Background(), s.roomID, ev.MessageID, ev.Patch())

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	for i := range s.messages {
		if s.messages[i].ID.Equal(ev.MessageID) {
			applyPatch(&s.messages[i], ev.Patch())
			break
		}
	}
	s.mu.Unlock()
	s.notifyMessages()
}

func (s *RoomSession) handleMessagesDeleted(ev MessagesDeletedEvent) {
	if ev.RoomID != s.roomID {
		return
	}
	s.store.RemoveMessages(context.Background(), s.roomID, ev.MessageIDs)

	drop := make(map[string]struct{}, len(ev.MessageIDs))
	for _, id := range ev.MessageIDs {
		drop[id.Key()] = struct{}{}
	}
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	kept := s.messages[:0]
	for _, m := range s.messages {
		if _, gone := drop[m.ID.Key()]; !gone {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	s.mu.Unlock()
	s.notifyMessages()
}

func (s *RoomSession) handleOnlineUsers(ev OnlineUsersEvent) {
	if ev.RoomID != s.roomID {
		return
	}
	s.mu.Lock()
	s.online = ev.OnlineUsers
	s.mu.Unlock()
}

func (s *RoomSession) handleRoomMembers(ev RoomMembersEvent) {
	if ev.RoomID != s.roomID {
		return
	}
	s.mu.Lock()
	s.members = ev.Members
	s.isAdmin, s.isMember = membership(ev.Members, s.user.UserID)
	s.mu.Unlock()
}

func (s *RoomSession) handleTyping(ev TypingEvent) {
	if ev.RoomID != s.roomID || ev.UserID == s.user.UserID {
		return
	}
	s.mu.Lock()
	if ev.IsTyping {
		s.typing[ev.UserID] = ev.UserName
	} else {
		delete(s.typing, ev.UserID)
	}
	s.mu.Unlock()
}

// ============================================================================
// UI-facing operations
// ============================================================================

// NewOptimisticMessage builds a pending text message from the current user,
// for appending ahead of server confirmation.
func (s *RoomSession) NewOptimisticMessage(text string) Message {
	return Message{
		ID:          NewPendingID(),
		RoomID:      s.roomID,
		SenderID:    s.user.UserID,
		SenderName:  s.user.UserName,
		MessageText: text,
		MessageType: TypeText,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// AddMessage appends a message to the session and the cache. Idempotent on
// message id.
func (s *RoomSession) AddMessage(ctx context.Context, msg Message) error {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	if !s.store.AddMessage(ctx, s.roomID, msg) {
		return nil
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.notifyMessages()
	return nil
}

// RemoveMessage removes a single message from the session and the cache.
func (s *RoomSession) RemoveMessage(ctx context.Context, id MessageID) error {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	s.store.RemoveMessages(ctx, s.roomID, []MessageID{id})
	s.mu.Lock()
	kept := s.messages[:0]
	for _, m := range s.messages {
		if !m.ID.Equal(id) {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	s.mu.Unlock()
	s.notifyMessages()
	return nil
}

// UpdateMessage merges a partial update into a message in the session and
// the cache.
func (s *RoomSession) UpdateMessage(ctx context.Context, id MessageID, patch MessagePatch) error {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	s.store.UpdateMessage(ctx, s.roomID, id, patch)
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID.Equal(id) {
			applyPatch(&s.messages[i], patch)
			break
		}
	}
	s.mu.Unlock()
	s.notifyMessages()
	return nil
}

// RemoveTempMessages purges every unconfirmed optimistic message. Invoked
// after a send error or a confirmed echo, so the sender's own message never
// renders twice.
func (s *RoomSession) RemoveTempMessages(ctx context.Context) {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	var pending []MessageID
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.ID.Pending() {
			pending = append(pending, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	s.mu.Unlock()

	if len(pending) > 0 {
		s.store.RemoveMessages(ctx, s.roomID, pending)
		s.notifyMessages()
	}
}

// SetTyping emits the current user's typing indicator for this room.
func (s *RoomSession) SetTyping(ctx context.Context, isTyping bool) error {
	return s.channel.SendTyping(ctx, s.roomID, s.user.UserID, s.user.UserName, isTyping)
}

func (s *RoomSession) notifyMessages() {
	if s.onMessages == nil {
		return
	}
	s.onMessages(s.Messages())
}
