package chatsync

import (
	"time"
)

// ============================================================================
// Snapshot reconciliation
// ============================================================================

// Snapshot is a REST-fetched, point-in-time message list for a room.
// Complete marks a full room history fetch; paginated fetches are partial
// and may only add or update, never remove, so a page boundary can never
// race a real-time insert into deleting it.
type Snapshot struct {
	Messages []Message
	Complete bool
}

// pendingMatchWindow bounds how far apart an optimistic send and its
// server-confirmed counterpart may be stamped and still count as the same
// logical message.
const pendingMatchWindow = 2 * time.Minute

// ReconcileResult is what the cache should become after folding in a
// snapshot, plus the delta that was applied.
type ReconcileResult struct {
	// Messages preserves cached arrival order, with snapshot-only messages
	// appended in snapshot order.
	Messages []Message
	Changes  ChangeSet
	// PurgedPending lists optimistic placeholders that were superseded by a
	// server-confirmed message in the snapshot.
	PurgedPending []MessageID
}

// Reconcile folds a fetched snapshot into the cached list. The snapshot is
// authoritative for every id it contains (full field replace). Cached
// confirmed messages absent from the snapshot survive unless the snapshot is
// complete, since a socket-delivered message can be newer than the fetch. Pending
// messages are kept until a confirmed message for the same logical send
// supersedes them, matched by sender, text, and time window rather than id.
func Reconcile(cached []Message, snap Snapshot) ReconcileResult {
	freshByID := make(map[string]Message, len(snap.Messages))
	for _, m := range snap.Messages {
		freshByID[m.ID.Key()] = m
	}
	cachedIDs := make(map[string]struct{}, len(cached))
	for _, m := range cached {
		cachedIDs[m.ID.Key()] = struct{}{}
	}

	var result ReconcileResult
	// Fresh confirmed messages may supersede at most one pending each.
	claimed := make(map[string]struct{})

	for _, c := range cached {
		if c.ID.Pending() {
			if match, ok := findSuperseding(c, snap.Messages, cachedIDs, claimed); ok {
				claimed[match.ID.Key()] = struct{}{}
				result.PurgedPending = append(result.PurgedPending, c.ID)
				continue
			}
			result.Messages = append(result.Messages, c)
			continue
		}

		f, inFresh := freshByID[c.ID.Key()]
		if inFresh {
			result.Messages = append(result.Messages, f)
			if !sameContent(c, f) {
				result.Changes.UpdatedMessages = append(result.Changes.UpdatedMessages, f)
			}
			continue
		}
		if snap.Complete {
			result.Changes.DeletedIDs = append(result.Changes.DeletedIDs, c.ID)
			continue
		}
		result.Messages = append(result.Messages, c)
	}

	for _, f := range snap.Messages {
		if _, exists := cachedIDs[f.ID.Key()]; exists {
			continue
		}
		result.Messages = append(result.Messages, f)
		result.Changes.NewMessages = append(result.Changes.NewMessages, f)
	}

	result.Changes.HasChanges = len(result.Changes.NewMessages) > 0 ||
		len(result.Changes.UpdatedMessages) > 0 ||
		len(result.Changes.DeletedIDs) > 0 ||
		len(result.PurgedPending) > 0
	return result
}

// findSuperseding looks for a confirmed snapshot message representing the
// same logical send as the pending message: same room and sender, identical
// text, stamped within the match window, not already cached under its own
// id, and not already claimed by another pending.
func findSuperseding(pending Message, fresh []Message, cachedIDs, claimed map[string]struct{}) (Message, bool) {
	pendingAt, pendingOK := parseMessageTime(pending.CreatedAt)
	for _, f := range fresh {
		if f.ID.Pending() {
			continue
		}
		if _, taken := claimed[f.ID.Key()]; taken {
			continue
		}
		if _, exists := cachedIDs[f.ID.Key()]; exists {
			continue
		}
		if f.SenderID != pending.SenderID || f.MessageText != pending.MessageText {
			continue
		}
		if f.RoomID != "" && pending.RoomID != "" && f.RoomID != pending.RoomID {
			continue
		}
		if pendingOK {
			if freshAt, ok := parseMessageTime(f.CreatedAt); ok {
				if absDuration(freshAt.Sub(pendingAt)) > pendingMatchWindow {
					continue
				}
			}
		}
		return f, true
	}
	return Message{}, false
}

var messageTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

func parseMessageTime(s string) (time.Time, bool) {
	for _, layout := range messageTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
