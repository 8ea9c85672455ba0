package timeline

// Message kinds. KindBadEncrypted marks a ciphertext placeholder: the event
// arrived encrypted and no cleartext is available yet.
const (
	KindText         = "text"
	KindNotice       = "notice"
	KindEmote        = "emote"
	KindImage        = "image"
	KindVideo        = "video"
	KindAudio        = "audio"
	KindFile         = "file"
	KindBadEncrypted = "bad-encrypted"
)

// Message statuses.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusError     = "error"
)

// PlaceholderContent is the visible body of a still-encrypted message.
const PlaceholderContent = "[Encrypted]"

// Message is a user-visible timeline message. Identity is (RoomID, EventID).
type Message struct {
	RoomID     string
	EventID    string
	Sender     string
	SenderName string
	Content    string
	Kind       string
	Status     string
	Timestamp  int64
	ReplyTo    *ReplyRef
	Reactions  map[string]Reaction
	Media      *Media
}

// IsPlaceholder reports whether the message is still ciphertext.
func (m *Message) IsPlaceholder() bool {
	return m.Kind == KindBadEncrypted
}

// ReplyRef is a resolved reference to the message being replied to.
type ReplyRef struct {
	EventID string
	Sender  string
	Content string
}

// Reaction is the per-emoji aggregate on a message.
type Reaction struct {
	Count       int
	SelfReacted bool
}

// Media is the payload attached to image/video/audio/file messages.
type Media struct {
	URL      string
	MimeType string
	FileName string
	Size     int64
}

// ReactionEvent is a normalized annotation relation targeting a message.
type ReactionEvent struct {
	RoomID        string
	TargetEventID string
	Emoji         string
	Sender        string
}
