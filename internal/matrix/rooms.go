package matrix

import (
	"sort"
	"sync"

	"github.com/halldesk/matrixd/internal/directory"
	"github.com/halldesk/matrixd/internal/timeline"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// roomTracker accumulates per-room state from sync responses. Sync deltas
// only carry what changed, so the tracker is the durable in-memory view the
// directory projection reads from.
type roomTracker struct {
	localUser id.UserID

	mu    sync.Mutex
	rooms map[id.RoomID]*roomState
}

type roomState struct {
	name        string
	encrypted   bool
	members     map[id.UserID]bool
	summaryN    int
	unread      int
	lastBody    string
	lastTS      int64
	hasActivity bool
}

func newRoomTracker(localUser id.UserID) *roomTracker {
	return &roomTracker{
		localUser: localUser,
		rooms:     make(map[id.RoomID]*roomState),
	}
}

// ApplySync folds one sync response into the tracker.
func (t *roomTracker) ApplySync(resp *mautrix.RespSync) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for roomID, joined := range resp.Rooms.Join {
		st := t.rooms[roomID]
		if st == nil {
			st = &roomState{members: map[id.UserID]bool{t.localUser: true}}
			t.rooms[roomID] = st
		}

		if joined.Summary.JoinedMemberCount != nil {
			st.summaryN = *joined.Summary.JoinedMemberCount
		}
		if joined.UnreadNotifications != nil {
			st.unread = joined.UnreadNotifications.NotificationCount
		}
		for _, evt := range joined.State.Events {
			st.applyStateEvent(evt)
		}
		for _, evt := range joined.Timeline.Events {
			if evt.StateKey != nil {
				st.applyStateEvent(evt)
				continue
			}
			st.applyTimelineEvent(evt)
		}
	}

	for roomID := range resp.Rooms.Leave {
		delete(t.rooms, roomID)
	}
}

func (s *roomState) applyStateEvent(evt *event.Event) {
	// Sync responses hand us raw content; the per-type dispatcher has not
	// parsed these yet.
	_ = evt.Content.ParseRaw(evt.Type)

	switch evt.Type {
	case event.StateRoomName:
		if c, ok := evt.Content.Parsed.(*event.RoomNameEventContent); ok {
			s.name = c.Name
		}
	case event.StateEncryption:
		s.encrypted = true
	case event.StateMember:
		c, ok := evt.Content.Parsed.(*event.MemberEventContent)
		if !ok || evt.StateKey == nil {
			return
		}
		member := id.UserID(*evt.StateKey)
		if c.Membership == event.MembershipJoin {
			s.members[member] = true
		} else {
			delete(s.members, member)
		}
	}
}

func (s *roomState) applyTimelineEvent(evt *event.Event) {
	switch evt.Type {
	case event.EventMessage, event.EventSticker:
		_ = evt.Content.ParseRaw(evt.Type)
		body := ""
		if c, ok := evt.Content.Parsed.(*event.MessageEventContent); ok {
			body = c.Body
		}
		s.noteMessage(body, evt.Timestamp)
	case event.EventEncrypted:
		s.noteMessage(timeline.PlaceholderContent, evt.Timestamp)
	}
}

func (s *roomState) noteMessage(body string, ts int64) {
	if ts < s.lastTS {
		return
	}
	s.lastBody = body
	s.lastTS = ts
	s.hasActivity = true
}

// IsEncrypted reports whether the room has an m.room.encryption state event.
func (t *roomTracker) IsEncrypted(roomID id.RoomID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.rooms[roomID]
	return st != nil && st.encrypted
}

// Snapshot returns the raw room states in stable room ID order.
func (t *roomTracker) Snapshot() []directory.RoomState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]directory.RoomState, 0, len(t.rooms))
	for roomID, st := range t.rooms {
		count := st.summaryN
		if n := len(st.members); n > count {
			count = n
		}
		out = append(out, directory.RoomState{
			RoomID:             roomID.String(),
			Name:               st.name,
			MemberCount:        count,
			Encrypted:          st.encrypted,
			UnreadCount:        st.unread,
			LastMessageBody:    st.lastBody,
			LastMessageTS:      st.lastTS,
			HasMessageActivity: st.hasActivity,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Reset drops all tracked room state.
func (t *roomTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rooms = make(map[id.RoomID]*roomState)
}
