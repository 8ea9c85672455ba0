package matrix

import (
	"testing"

	"github.com/halldesk/matrixd/internal/timeline"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const testLocalUser = id.UserID("@me:example.org")

func messageEvent(eventID, sender string, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		ID:        id.EventID(eventID),
		RoomID:    id.RoomID("!room:example.org"),
		Sender:    id.UserID(sender),
		Type:      event.EventMessage,
		Timestamp: 1700000000000,
		Content:   event.Content{Parsed: content},
	}
}

func TestDetectKind(t *testing.T) {
	tests := []struct {
		name    string
		msgType event.MessageType
		want    string
	}{
		{"text", event.MsgText, timeline.KindText},
		{"notice", event.MsgNotice, timeline.KindNotice},
		{"emote", event.MsgEmote, timeline.KindEmote},
		{"image", event.MsgImage, timeline.KindImage},
		{"video", event.MsgVideo, timeline.KindVideo},
		{"audio", event.MsgAudio, timeline.KindAudio},
		{"file", event.MsgFile, timeline.KindFile},
		{"location falls back to text", event.MsgLocation, timeline.KindText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectKind(&event.MessageEventContent{MsgType: tt.msgType})
			if got != tt.want {
				t.Errorf("detectKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeText(t *testing.T) {
	evt := messageEvent("$1", "@alice:example.org", &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "hello world",
	})

	msg := Normalize(evt, testLocalUser, nil)
	if msg == nil {
		t.Fatal("Normalize() = nil, want message")
	}
	if msg.RoomID != "!room:example.org" || msg.EventID != "$1" {
		t.Errorf("identity = (%q, %q)", msg.RoomID, msg.EventID)
	}
	if msg.Content != "hello world" || msg.Kind != timeline.KindText {
		t.Errorf("content = %q kind = %q", msg.Content, msg.Kind)
	}
	if msg.Status != timeline.StatusDelivered {
		t.Errorf("status = %q, want %q for a remote sender", msg.Status, timeline.StatusDelivered)
	}
	if msg.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d", msg.Timestamp)
	}
}

func TestNormalizeOwnMessageMarkedSent(t *testing.T) {
	evt := messageEvent("$1", string(testLocalUser), &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "mine",
	})

	msg := Normalize(evt, testLocalUser, nil)
	if msg == nil {
		t.Fatal("Normalize() = nil, want message")
	}
	if msg.Status != timeline.StatusSent {
		t.Errorf("status = %q, want %q", msg.Status, timeline.StatusSent)
	}
}

func TestNormalizeSkipsAnnotationsAndEdits(t *testing.T) {
	tests := []struct {
		name string
		rel  *event.RelatesTo
	}{
		{"annotation", &event.RelatesTo{Type: event.RelAnnotation, EventID: "$target", Key: "👍"}},
		{"edit", &event.RelatesTo{Type: event.RelReplace, EventID: "$target"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := messageEvent("$1", "@alice:example.org", &event.MessageEventContent{
				MsgType:   event.MsgText,
				Body:      "related",
				RelatesTo: tt.rel,
			})
			if msg := Normalize(evt, testLocalUser, nil); msg != nil {
				t.Errorf("Normalize() = %+v, want nil", msg)
			}
		})
	}
}

func TestNormalizeNonMessageContent(t *testing.T) {
	evt := messageEvent("$1", "@alice:example.org", nil)
	evt.Content = event.Content{Parsed: &event.MemberEventContent{}}
	if msg := Normalize(evt, testLocalUser, nil); msg != nil {
		t.Errorf("Normalize() = %+v, want nil for non-message content", msg)
	}
}

func TestNormalizeResolvesReply(t *testing.T) {
	content := &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      "> quoted\n\nreplying",
		RelatesTo: &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: "$orig"}},
	}
	evt := messageEvent("$2", "@bob:example.org", content)

	lookup := func(roomID, eventID string) *timeline.Message {
		if roomID == "!room:example.org" && eventID == "$orig" {
			return &timeline.Message{Sender: "@alice:example.org", Content: "quoted"}
		}
		return nil
	}

	msg := Normalize(evt, testLocalUser, lookup)
	if msg == nil || msg.ReplyTo == nil {
		t.Fatalf("Normalize() reply = %+v, want resolved reference", msg)
	}
	if msg.ReplyTo.EventID != "$orig" || msg.ReplyTo.Sender != "@alice:example.org" || msg.ReplyTo.Content != "quoted" {
		t.Errorf("reply = %+v", msg.ReplyTo)
	}
}

func TestNormalizeReplyTargetNotCached(t *testing.T) {
	content := &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      "replying",
		RelatesTo: &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: "$gone"}},
	}
	evt := messageEvent("$2", "@bob:example.org", content)

	msg := Normalize(evt, testLocalUser, func(string, string) *timeline.Message { return nil })
	if msg == nil || msg.ReplyTo == nil {
		t.Fatal("want reply reference even when the target is not cached")
	}
	if msg.ReplyTo.EventID != "$gone" || msg.ReplyTo.Sender != "" || msg.ReplyTo.Content != "" {
		t.Errorf("reply = %+v, want bare event ID", msg.ReplyTo)
	}
}

func TestNormalizeMedia(t *testing.T) {
	evt := messageEvent("$1", "@alice:example.org", &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    "cat.png",
		URL:     "mxc://example.org/abc123",
		Info: &event.FileInfo{
			MimeType: "image/png",
			Size:     4096,
		},
	})

	msg := Normalize(evt, testLocalUser, nil)
	if msg == nil || msg.Media == nil {
		t.Fatal("want media payload on image message")
	}
	if msg.Kind != timeline.KindImage {
		t.Errorf("kind = %q", msg.Kind)
	}
	if msg.Media.URL != "mxc://example.org/abc123" || msg.Media.MimeType != "image/png" ||
		msg.Media.FileName != "cat.png" || msg.Media.Size != 4096 {
		t.Errorf("media = %+v", msg.Media)
	}
}

func TestNormalizeEncryptedMediaURL(t *testing.T) {
	evt := messageEvent("$1", "@alice:example.org", &event.MessageEventContent{
		MsgType: event.MsgFile,
		Body:    "doc.pdf",
		File: &event.EncryptedFileInfo{URL: "mxc://example.org/enc456"},
	})

	msg := Normalize(evt, testLocalUser, nil)
	if msg == nil || msg.Media == nil {
		t.Fatal("want media payload on file message")
	}
	if msg.Media.URL != "mxc://example.org/enc456" {
		t.Errorf("media URL = %q, want encrypted file URL", msg.Media.URL)
	}
}

func TestNormalizePlaceholder(t *testing.T) {
	evt := &event.Event{
		ID:        "$enc",
		RoomID:    "!room:example.org",
		Sender:    "@alice:example.org",
		Type:      event.EventEncrypted,
		Timestamp: 1700000001000,
	}

	msg := NormalizePlaceholder(evt, testLocalUser)
	if !msg.IsPlaceholder() {
		t.Fatalf("kind = %q, want placeholder", msg.Kind)
	}
	if msg.Content != timeline.PlaceholderContent {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.EventID != "$enc" || msg.Timestamp != 1700000001000 {
		t.Errorf("identity = %q ts = %d", msg.EventID, msg.Timestamp)
	}
}

func TestNormalizeReaction(t *testing.T) {
	evt := &event.Event{
		ID:     "$react",
		RoomID: "!room:example.org",
		Sender: "@bob:example.org",
		Type:   event.EventReaction,
		Content: event.Content{Parsed: &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{
				Type:    event.RelAnnotation,
				EventID: "$target",
				Key:     "👍",
			},
		}},
	}

	reaction := NormalizeReaction(evt)
	if reaction == nil {
		t.Fatal("NormalizeReaction() = nil")
	}
	if reaction.TargetEventID != "$target" || reaction.Emoji != "👍" || reaction.Sender != "@bob:example.org" {
		t.Errorf("reaction = %+v", reaction)
	}
}

func TestNormalizeReactionMalformed(t *testing.T) {
	tests := []struct {
		name string
		rel  event.RelatesTo
	}{
		{"missing target", event.RelatesTo{Type: event.RelAnnotation, Key: "👍"}},
		{"missing key", event.RelatesTo{Type: event.RelAnnotation, EventID: "$target"}},
		{"wrong relation type", event.RelatesTo{Type: event.RelReference, EventID: "$target", Key: "👍"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := &event.Event{
				ID:      "$react",
				RoomID:  "!room:example.org",
				Sender:  "@bob:example.org",
				Type:    event.EventReaction,
				Content: event.Content{Parsed: &event.ReactionEventContent{RelatesTo: tt.rel}},
			}
			if r := NormalizeReaction(evt); r != nil {
				t.Errorf("NormalizeReaction() = %+v, want nil", r)
			}
		})
	}
}
