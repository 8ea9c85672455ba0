// Package directory derives the user-facing room list from protocol room
// state. The projection has no identity of its own: it is fully recomputed
// on every sync/timeline event, never patched incrementally.
package directory

import "sort"

// RoomState is the raw per-room state the protocol adapter tracks from
// sync responses.
type RoomState struct {
	RoomID             string
	Name               string
	MemberCount        int
	Encrypted          bool
	UnreadCount        int
	LastMessageBody    string
	LastMessageTS      int64
	HasMessageActivity bool
}

// Room is the projected, user-facing room entry.
type Room struct {
	RoomID               string
	Name                 string
	LastMessagePreview   string
	LastMessageTimestamp int64
	UnreadCount          int
	IsDirect             bool
	MemberCount          int
	IsEncrypted          bool
}

const previewLimit = 100

// Project derives the room directory from raw room state: preview and
// timestamp from the most recent message-typed event, isDirect iff the room
// has exactly two members. Sorted by last message timestamp descending;
// rooms without message activity sort last.
func Project(states []RoomState) []Room {
	rooms := make([]Room, 0, len(states))
	for _, s := range states {
		room := Room{
			RoomID:      s.RoomID,
			Name:        s.Name,
			UnreadCount: s.UnreadCount,
			IsDirect:    s.MemberCount == 2,
			MemberCount: s.MemberCount,
			IsEncrypted: s.Encrypted,
		}
		if s.HasMessageActivity {
			room.LastMessagePreview = truncate(s.LastMessageBody, previewLimit)
			room.LastMessageTimestamp = s.LastMessageTS
		}
		rooms = append(rooms, room)
	}

	sort.SliceStable(rooms, func(i, j int) bool {
		a, b := rooms[i].LastMessageTimestamp, rooms[j].LastMessageTimestamp
		if (a == 0) != (b == 0) {
			return b == 0
		}
		return a > b
	})
	return rooms
}

// truncate cuts s to at most maxRunes characters, never splitting a
// multibyte character.
func truncate(s string, maxRunes int) string {
	if len(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}
