package timeline

import (
	"sort"
	"sync"
)

// MaxRoomMessages bounds the per-room cache; the oldest messages are
// evicted first.
const MaxRoomMessages = 100

// Cache holds the per-room message timelines and implements the merge
// rules that keep visible content monotonic: once a decrypted version of
// an event has been observed, no later merge can reinstall its ciphertext
// placeholder.
type Cache struct {
	mu        sync.Mutex
	localUser string
	rooms     map[string]*roomTimeline
}

type roomTimeline struct {
	byID map[string]*cacheEntry
	seq  int64
}

type cacheEntry struct {
	msg     *Message
	arrival int64
}

// NewCache creates a cache. localUser is the session's own user id, used to
// mark self-reactions.
func NewCache(localUser string) *Cache {
	return &Cache{
		localUser: localUser,
		rooms:     make(map[string]*roomTimeline),
	}
}

// Upsert merges a freshly derived message into the room cache. Returns true
// when the visible state of the room changed.
//
// Precedence when a cached version exists for the same event id:
// the non-placeholder version wins; two placeholders keep the cached one;
// two decrypted versions keep the fresh one (it may carry newer status),
// with reaction aggregates merged so they stay monotonic.
func (c *Cache) Upsert(msg *Message) bool {
	if msg == nil || msg.EventID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.rooms[msg.RoomID]
	if room == nil {
		room = &roomTimeline{byID: make(map[string]*cacheEntry)}
		c.rooms[msg.RoomID] = room
	}

	existing, ok := room.byID[msg.EventID]
	if !ok {
		room.seq++
		room.byID[msg.EventID] = &cacheEntry{msg: cloneMessage(msg), arrival: room.seq}
		c.evictLocked(room)
		return true
	}

	merged := merge(existing.msg, msg)
	if merged == existing.msg {
		return false
	}
	// Replace in place: keep the original arrival order so decryption does
	// not move the message within its timestamp tie group.
	existing.msg = merged
	return true
}

// merge applies the precedence rule. Returns cached when the fresh version
// loses (no change), or a new message value otherwise.
func merge(cached, fresh *Message) *Message {
	if fresh.IsPlaceholder() {
		// Decrypted content never regresses to ciphertext, and between two
		// placeholders the cached one stands.
		return cached
	}
	out := cloneMessage(fresh)
	out.Reactions = mergeReactions(cached.Reactions, fresh.Reactions)
	return out
}

// mergeReactions keeps per-emoji aggregates monotonic across re-derivations.
func mergeReactions(a, b map[string]Reaction) map[string]Reaction {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]Reaction, len(a)+len(b))
	for emoji, r := range a {
		out[emoji] = r
	}
	for emoji, r := range b {
		prev := out[emoji]
		if r.Count > prev.Count {
			prev.Count = r.Count
		}
		prev.SelfReacted = prev.SelfReacted || r.SelfReacted
		out[emoji] = prev
	}
	return out
}

// React aggregates an annotation onto its target message. Unknown targets
// are ignored (the reaction may refer to an evicted or never-seen event).
// Returns true when the target message changed.
func (c *Cache) React(evt ReactionEvent) bool {
	if evt.TargetEventID == "" || evt.Emoji == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.rooms[evt.RoomID]
	if room == nil {
		return false
	}
	entry, ok := room.byID[evt.TargetEventID]
	if !ok {
		return false
	}

	if entry.msg.Reactions == nil {
		entry.msg.Reactions = make(map[string]Reaction)
	}
	r := entry.msg.Reactions[evt.Emoji]
	r.Count++
	if evt.Sender == c.localUser {
		r.SelfReacted = true
	}
	entry.msg.Reactions[evt.Emoji] = r
	return true
}

// Messages returns the room's messages ordered ascending by timestamp,
// ties broken by arrival order.
func (c *Cache) Messages(roomID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.rooms[roomID]
	if room == nil {
		return nil
	}
	entries := make([]*cacheEntry, 0, len(room.byID))
	for _, e := range room.byID {
		entries = append(entries, e)
	}
	sortEntries(entries)

	out := make([]Message, len(entries))
	for i, e := range entries {
		out[i] = *cloneMessage(e.msg)
	}
	return out
}

// Message returns a single message by id, or nil.
func (c *Cache) Message(roomID, eventID string) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.rooms[roomID]
	if room == nil {
		return nil
	}
	entry, ok := room.byID[eventID]
	if !ok {
		return nil
	}
	return cloneMessage(entry.msg)
}

// Reset drops all cached timelines. Called on disconnect.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = make(map[string]*roomTimeline)
}

func (c *Cache) evictLocked(room *roomTimeline) {
	for len(room.byID) > MaxRoomMessages {
		entries := make([]*cacheEntry, 0, len(room.byID))
		for _, e := range room.byID {
			entries = append(entries, e)
		}
		sortEntries(entries)
		delete(room.byID, entries[0].msg.EventID)
	}
}

func sortEntries(entries []*cacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].msg.Timestamp != entries[j].msg.Timestamp {
			return entries[i].msg.Timestamp < entries[j].msg.Timestamp
		}
		return entries[i].arrival < entries[j].arrival
	})
}

func cloneMessage(m *Message) *Message {
	out := *m
	if m.ReplyTo != nil {
		reply := *m.ReplyTo
		out.ReplyTo = &reply
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string]Reaction, len(m.Reactions))
		for emoji, r := range m.Reactions {
			out.Reactions[emoji] = r
		}
	}
	if m.Media != nil {
		media := *m.Media
		out.Media = &media
	}
	return &out
}
