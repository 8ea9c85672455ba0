package timeline

import (
	"fmt"
	"testing"
)

const room = "!room:example.org"

func textMsg(eventID, content string, ts int64) *Message {
	return &Message{
		RoomID:    room,
		EventID:   eventID,
		Sender:    "@bob:example.org",
		Content:   content,
		Kind:      KindText,
		Status:    StatusSent,
		Timestamp: ts,
	}
}

func placeholderMsg(eventID string, ts int64) *Message {
	return &Message{
		RoomID:    room,
		EventID:   eventID,
		Sender:    "@bob:example.org",
		Content:   PlaceholderContent,
		Kind:      KindBadEncrypted,
		Status:    StatusSent,
		Timestamp: ts,
	}
}

func TestPlaceholderThenDecrypt(t *testing.T) {
	c := NewCache("@alice:example.org")

	if !c.Upsert(placeholderMsg("$1", 1000)) {
		t.Fatal("placeholder insert should change the cache")
	}
	if !c.Upsert(textMsg("$1", "hello", 1000)) {
		t.Fatal("decryption should change the cache")
	}

	msgs := c.Messages(room)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want exactly 1", len(msgs))
	}
	if msgs[0].EventID != "$1" || msgs[0].Content != "hello" {
		t.Errorf("message = %q/%q, want $1/hello", msgs[0].EventID, msgs[0].Content)
	}
	if msgs[0].Kind == KindBadEncrypted {
		t.Error("kind still bad-encrypted after decryption")
	}
}

func TestDecryptedNeverRegresses(t *testing.T) {
	c := NewCache("@alice:example.org")

	c.Upsert(textMsg("$1", "hello", 1000))

	// A timeline re-derivation that failed to decrypt must not reinstall
	// the ciphertext placeholder.
	if c.Upsert(placeholderMsg("$1", 1000)) {
		t.Error("placeholder merge over decrypted content reported a change")
	}

	got := c.Message(room, "$1")
	if got == nil || got.Content != "hello" {
		t.Fatalf("message = %+v, want content hello", got)
	}
}

func TestBothPlaceholdersKeepCached(t *testing.T) {
	c := NewCache("@alice:example.org")

	first := placeholderMsg("$1", 1000)
	c.Upsert(first)
	second := placeholderMsg("$1", 2000)
	if c.Upsert(second) {
		t.Error("second placeholder should not replace the cached one")
	}
	got := c.Message(room, "$1")
	if got.Timestamp != 1000 {
		t.Errorf("timestamp = %d, want cached 1000", got.Timestamp)
	}
}

func TestBothDecryptedFreshWins(t *testing.T) {
	c := NewCache("@alice:example.org")

	c.Upsert(textMsg("$1", "hello", 1000))
	fresh := textMsg("$1", "hello", 1000)
	fresh.Status = StatusRead
	if !c.Upsert(fresh) {
		t.Fatal("fresh decrypted version should replace cached")
	}
	got := c.Message(room, "$1")
	if got.Status != StatusRead {
		t.Errorf("status = %q, want read (fresh version carries updates)", got.Status)
	}
}

func TestFreshWinKeepsReactionAggregate(t *testing.T) {
	c := NewCache("@alice:example.org")
	c.Upsert(textMsg("$1", "hello", 1000))
	c.React(ReactionEvent{RoomID: room, TargetEventID: "$1", Emoji: "👍", Sender: "@bob:example.org"})

	// Re-derivation delivers the same event again without local aggregates.
	c.Upsert(textMsg("$1", "hello", 1000))

	got := c.Message(room, "$1")
	if got.Reactions["👍"].Count != 1 {
		t.Errorf("reaction count = %d, want 1 (monotonic within session)", got.Reactions["👍"].Count)
	}
}

func TestReactionAggregation(t *testing.T) {
	c := NewCache("@alice:example.org")
	c.Upsert(textMsg("$1", "hello", 1000))

	c.React(ReactionEvent{RoomID: room, TargetEventID: "$1", Emoji: "👍", Sender: "@bob:example.org"})
	c.React(ReactionEvent{RoomID: room, TargetEventID: "$1", Emoji: "👍", Sender: "@alice:example.org"})

	got := c.Message(room, "$1")
	r := got.Reactions["👍"]
	if r.Count != 2 {
		t.Errorf("count = %d, want 2", r.Count)
	}
	if !r.SelfReacted {
		t.Error("SelfReacted = false, want true (local user reacted)")
	}
}

func TestReactionFromOthersOnly(t *testing.T) {
	c := NewCache("@alice:example.org")
	c.Upsert(textMsg("$1", "hello", 1000))

	c.React(ReactionEvent{RoomID: room, TargetEventID: "$1", Emoji: "🎉", Sender: "@bob:example.org"})

	r := c.Message(room, "$1").Reactions["🎉"]
	if r.Count != 1 || r.SelfReacted {
		t.Errorf("reaction = %+v, want count 1, selfReacted false", r)
	}
}

func TestReactionUnknownTargetIgnored(t *testing.T) {
	c := NewCache("@alice:example.org")
	if c.React(ReactionEvent{RoomID: room, TargetEventID: "$missing", Emoji: "👍", Sender: "@bob:example.org"}) {
		t.Error("reaction on unknown target reported a change")
	}
}

func TestOrderingByTimestampStable(t *testing.T) {
	c := NewCache("@alice:example.org")

	c.Upsert(textMsg("$b", "second", 2000))
	c.Upsert(textMsg("$a", "first", 1000))
	// Same timestamp: arrival order breaks the tie.
	c.Upsert(textMsg("$c", "tie-one", 3000))
	c.Upsert(textMsg("$d", "tie-two", 3000))

	msgs := c.Messages(room)
	wantOrder := []string{"$a", "$b", "$c", "$d"}
	if len(msgs) != len(wantOrder) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(wantOrder))
	}
	for i, want := range wantOrder {
		if msgs[i].EventID != want {
			t.Errorf("position %d = %s, want %s", i, msgs[i].EventID, want)
		}
	}
}

func TestDecryptionKeepsPosition(t *testing.T) {
	c := NewCache("@alice:example.org")

	c.Upsert(textMsg("$a", "first", 1000))
	c.Upsert(placeholderMsg("$b", 1000))
	c.Upsert(textMsg("$c", "third", 1000))

	// Decrypt $b: same timestamp, must keep its arrival slot.
	c.Upsert(textMsg("$b", "second", 1000))

	msgs := c.Messages(room)
	wantOrder := []string{"$a", "$b", "$c"}
	for i, want := range wantOrder {
		if msgs[i].EventID != want {
			t.Errorf("position %d = %s, want %s", i, msgs[i].EventID, want)
		}
	}
}

func TestBoundedEviction(t *testing.T) {
	c := NewCache("@alice:example.org")

	for i := 0; i < MaxRoomMessages+10; i++ {
		c.Upsert(textMsg(fmt.Sprintf("$%03d", i), "msg", int64(1000+i)))
	}

	msgs := c.Messages(room)
	if len(msgs) != MaxRoomMessages {
		t.Fatalf("cache size = %d, want %d", len(msgs), MaxRoomMessages)
	}
	// Oldest were evicted first.
	if msgs[0].EventID != "$010" {
		t.Errorf("oldest surviving = %s, want $010", msgs[0].EventID)
	}
}

func TestRoomsIsolated(t *testing.T) {
	c := NewCache("@alice:example.org")

	c.Upsert(textMsg("$1", "hello", 1000))
	other := textMsg("$1", "elsewhere", 1000)
	other.RoomID = "!other:example.org"
	c.Upsert(other)

	if got := c.Message(room, "$1").Content; got != "hello" {
		t.Errorf("room content = %q, want hello", got)
	}
	if got := c.Message("!other:example.org", "$1").Content; got != "elsewhere" {
		t.Errorf("other room content = %q, want elsewhere", got)
	}
}

func TestReset(t *testing.T) {
	c := NewCache("@alice:example.org")
	c.Upsert(textMsg("$1", "hello", 1000))
	c.Reset()
	if msgs := c.Messages(room); len(msgs) != 0 {
		t.Errorf("messages after reset = %d, want 0", len(msgs))
	}
}
