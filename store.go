package chatsync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// cacheKeyPrefix scopes every per-room entry in the backing storage.
const cacheKeyPrefix = "chat_messages_"

func roomCacheKey(roomID RoomID) string {
	return cacheKeyPrefix + string(roomID)
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore is the per-room message cache. It is pure data access: no
// network awareness, and cache I/O failures are logged and swallowed rather
// than surfaced, since the REST and socket paths remain the source of truth.
type MessageStore struct {
	storage CacheStorage
	logger  zerolog.Logger
	mu      sync.Mutex
}

// StoreOption configures a MessageStore.
type StoreOption func(*MessageStore)

// WithStoreLogger sets the logger used for swallowed cache failures.
func WithStoreLogger(logger zerolog.Logger) StoreOption {
	return func(s *MessageStore) { s.logger = logger }
}

// NewMessageStore creates a store on top of the given backend.
func NewMessageStore(storage CacheStorage, opts ...StoreOption) *MessageStore {
	s := &MessageStore{
		storage: storage,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveMessages atomically replaces the cached list for a room and stamps the
// entry with the write time and last confirmed id. Storage failures are
// logged and swallowed.
func (s *MessageStore) SaveMessages(ctx context.Context, roomID RoomID, messages []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist(ctx, roomID, messages)
}

// Messages returns the cached list for a room and whether an entry exists.
// A cached-but-empty room returns (nil, true); no entry returns (nil, false).
// A backend read failure reads as no entry.
func (s *MessageStore) Messages(ctx context.Context, roomID RoomID) ([]Message, bool) {
	entry, ok, _ := s.read(ctx, roomID)
	if !ok {
		return nil, false
	}
	return entry.Messages, true
}

// Entry returns the full cache record for a room, including the write
// timestamp and last confirmed id.
func (s *MessageStore) Entry(ctx context.Context, roomID RoomID) (*CachedRoomMessages, bool) {
	entry, ok, _ := s.read(ctx, roomID)
	return entry, ok
}

// read distinguishes a missing entry from a failed backend read. Mutators
// must not mistake a transient read failure for an empty room, or their
// persist would truncate the history.
func (s *MessageStore) read(ctx context.Context, roomID RoomID) (*CachedRoomMessages, bool, error) {
	data, ok, err := s.storage.Read(ctx, roomCacheKey(roomID))
	if err != nil {
		s.logger.Warn().Err(err).Str("roomId", string(roomID)).Msg("cache read failed")
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var entry CachedRoomMessages
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry is unrecoverable; reading it as missing lets the
		// next write replace it.
		s.logger.Warn().Err(err).Str("roomId", string(roomID)).Msg("cache entry corrupt")
		return nil, false, nil
	}
	return &entry, true, nil
}

// AddMessage appends a message to a room's cache. The append is idempotent:
// if the id is already present the cache is left untouched. Returns whether
// the message was added. When the backing read fails the append is skipped
// entirely.
func (s *MessageStore) AddMessage(ctx context.Context, roomID RoomID, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok, err := s.read(ctx, roomID)
	if err != nil {
		return false
	}
	var cached []Message
	if ok {
		cached = entry.Messages
	}
	for _, m := range cached {
		if m.ID.Equal(msg.ID) {
			return false
		}
	}
	s.persist(ctx, roomID, append(cached, msg))
	messagesCached.Inc()
	return true
}

// UpdateMessage merges a partial update into the message with the given id.
// If the id is absent the call is a no-op; updates never create entries.
func (s *MessageStore) UpdateMessage(ctx context.Context, roomID RoomID, id MessageID, patch MessagePatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok, err := s.read(ctx, roomID)
	if err != nil || !ok {
		return false
	}
	cached := entry.Messages
	updated := false
	for i := range cached {
		if !cached[i].ID.Equal(id) {
			continue
		}
		applyPatch(&cached[i], patch)
		updated = true
		break
	}
	if updated {
		s.persist(ctx, roomID, cached)
	}
	return updated
}

// RemoveMessages filters out the given ids and persists the remainder.
func (s *MessageStore) RemoveMessages(ctx context.Context, roomID RoomID, ids []MessageID) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok, err := s.read(ctx, roomID)
	if err != nil || !ok {
		return
	}
	cached := entry.Messages
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id.Key()] = struct{}{}
	}
	kept := cached[:0]
	for _, m := range cached {
		if _, gone := drop[m.ID.Key()]; !gone {
			kept = append(kept, m)
		}
	}
	if len(kept) != len(cached) {
		s.persist(ctx, roomID, kept)
	}
}

// DeleteRoom removes a room's cache entry entirely. Only explicit
// user-driven room deletion reaches this.
func (s *MessageStore) DeleteRoom(ctx context.Context, roomID RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.Delete(ctx, roomCacheKey(roomID)); err != nil {
		s.logger.Warn().Err(err).Str("roomId", string(roomID)).Msg("cache delete failed")
	}
}

// CachedRooms lists the rooms with cache entries.
func (s *MessageStore) CachedRooms(ctx context.Context) []RoomID {
	keys, err := s.storage.Keys(ctx, cacheKeyPrefix)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache key listing failed")
		return nil
	}
	rooms := make([]RoomID, 0, len(keys))
	for _, k := range keys {
		rooms = append(rooms, RoomID(strings.TrimPrefix(k, cacheKeyPrefix)))
	}
	return rooms
}

// persist writes the room entry. Callers hold s.mu.
func (s *MessageStore) persist(ctx context.Context, roomID RoomID, messages []Message) {
	entry := CachedRoomMessages{
		Messages:      messages,
		Timestamp:     time.Now().UnixMilli(),
		LastMessageID: lastConfirmedID(messages),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error().Err(err).Str("roomId", string(roomID)).Msg("cache marshal failed")
		cacheWriteFailures.Inc()
		return
	}
	if err := s.storage.Write(ctx, roomCacheKey(roomID), data); err != nil {
		s.logger.Warn().Err(err).Str("roomId", string(roomID)).Msg("cache write failed")
		cacheWriteFailures.Inc()
	}
}

func lastConfirmedID(messages []Message) *int64 {
	for i := len(messages) - 1; i >= 0; i-- {
		if !messages[i].ID.Pending() {
			n := messages[i].ID.Num
			return &n
		}
	}
	return nil
}

func applyPatch(m *Message, patch MessagePatch) {
	if patch.MessageText != nil {
		m.MessageText = *patch.MessageText
	}
	if patch.IsEdited != nil {
		m.IsEdited = *patch.IsEdited
	}
	if patch.EditedAt != nil {
		m.EditedAt = *patch.EditedAt
	}
	if patch.EditedBy != nil {
		m.EditedBy = patch.EditedBy
	}
	if patch.EditorName != nil {
		m.EditorName = *patch.EditorName
	}
}

// ============================================================================
// Change detection
// ============================================================================

// DetectChanges computes the delta between a cached list and a freshly
// fetched one: a full outer join on id. A message only in fresh is new, a
// message only in cached is deleted, and a shared id whose observable fields
// differ is updated.
func DetectChanges(cached, fresh []Message) ChangeSet {
	cachedByID := make(map[string]Message, len(cached))
	for _, m := range cached {
		cachedByID[m.ID.Key()] = m
	}
	freshByID := make(map[string]Message, len(fresh))
	for _, m := range fresh {
		freshByID[m.ID.Key()] = m
	}

	var cs ChangeSet
	for _, f := range fresh {
		c, exists := cachedByID[f.ID.Key()]
		if !exists {
			cs.NewMessages = append(cs.NewMessages, f)
			continue
		}
		if !sameContent(c, f) {
			cs.UpdatedMessages = append(cs.UpdatedMessages, f)
		}
	}
	for _, c := range cached {
		if _, exists := freshByID[c.ID.Key()]; !exists {
			cs.DeletedIDs = append(cs.DeletedIDs, c.ID)
		}
	}
	cs.HasChanges = len(cs.NewMessages) > 0 || len(cs.UpdatedMessages) > 0 || len(cs.DeletedIDs) > 0
	return cs
}
