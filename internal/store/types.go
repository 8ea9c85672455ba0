package store

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	RoomID       string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerEvtID  string
}
