package matrix

import (
	"github.com/halldesk/matrixd/internal/timeline"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MessageLookup resolves an event ID in a room to an already-cached
// timeline message, for reply reference enrichment. May return nil.
type MessageLookup func(roomID, eventID string) *timeline.Message

// Normalize converts a message event into a timeline message. Returns nil
// for events that are not message-shaped: annotations and edits relate to
// an existing message and never become timeline entries of their own.
func Normalize(evt *event.Event, localUser id.UserID, lookup MessageLookup) *timeline.Message {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return nil
	}
	if rel := content.RelatesTo; rel != nil {
		if rel.Type == event.RelAnnotation || rel.Type == event.RelReplace {
			return nil
		}
	}

	body := content.Body
	if content.NewContent != nil {
		body = content.NewContent.Body
	}

	msg := &timeline.Message{
		RoomID:    evt.RoomID.String(),
		EventID:   evt.ID.String(),
		Sender:    evt.Sender.String(),
		Content:   body,
		Kind:      detectKind(content),
		Status:    statusFor(evt.Sender, localUser),
		Timestamp: evt.Timestamp,
		ReplyTo:   resolveReply(evt, content, lookup),
		Media:     extractMedia(content),
	}
	return msg
}

// NormalizePlaceholder converts a still-encrypted event into a ciphertext
// placeholder message. The reconciler replaces it in place once the event
// decrypts.
func NormalizePlaceholder(evt *event.Event, localUser id.UserID) *timeline.Message {
	return &timeline.Message{
		RoomID:    evt.RoomID.String(),
		EventID:   evt.ID.String(),
		Sender:    evt.Sender.String(),
		Content:   timeline.PlaceholderContent,
		Kind:      timeline.KindBadEncrypted,
		Status:    statusFor(evt.Sender, localUser),
		Timestamp: evt.Timestamp,
	}
}

// NormalizeReaction converts an annotation event into a reaction targeting
// a cached message. Returns nil for malformed annotations.
func NormalizeReaction(evt *event.Event) *timeline.ReactionEvent {
	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok {
		return nil
	}
	rel := content.RelatesTo
	if rel.Type != event.RelAnnotation || rel.EventID == "" || rel.Key == "" {
		return nil
	}
	return &timeline.ReactionEvent{
		RoomID:        evt.RoomID.String(),
		TargetEventID: rel.EventID.String(),
		Emoji:         rel.Key,
		Sender:        evt.Sender.String(),
	}
}

func statusFor(sender, localUser id.UserID) string {
	if sender == localUser {
		return timeline.StatusSent
	}
	return timeline.StatusDelivered
}

func detectKind(content *event.MessageEventContent) string {
	switch content.MsgType {
	case event.MsgNotice:
		return timeline.KindNotice
	case event.MsgEmote:
		return timeline.KindEmote
	case event.MsgImage:
		return timeline.KindImage
	case event.MsgVideo:
		return timeline.KindVideo
	case event.MsgAudio:
		return timeline.KindAudio
	case event.MsgFile:
		return timeline.KindFile
	default:
		return timeline.KindText
	}
}

func resolveReply(evt *event.Event, content *event.MessageEventContent, lookup MessageLookup) *timeline.ReplyRef {
	if content.RelatesTo == nil {
		return nil
	}
	target := content.RelatesTo.GetReplyTo()
	if target == "" {
		return nil
	}
	ref := &timeline.ReplyRef{EventID: target.String()}
	if lookup != nil {
		if orig := lookup(evt.RoomID.String(), target.String()); orig != nil {
			ref.Sender = orig.Sender
			ref.Content = orig.Content
		}
	}
	return ref
}

func extractMedia(content *event.MessageEventContent) *timeline.Media {
	switch content.MsgType {
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
	default:
		return nil
	}

	media := &timeline.Media{FileName: content.Body}
	if content.FileName != "" {
		media.FileName = content.FileName
	}
	if content.URL != "" {
		media.URL = string(content.URL)
	} else if content.File != nil {
		media.URL = string(content.File.URL)
	}
	if content.Info != nil {
		media.MimeType = content.Info.MimeType
		media.Size = int64(content.Info.Size)
	}
	return media
}
