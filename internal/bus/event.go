package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kind is a dot-separated name; subscribers filter by prefix. Kinds used
// across the daemon:
//
//	mx.message              inbound normalized message (*timeline.Message)
//	mx.decrypted            late decryption of a known event (*timeline.Message)
//	mx.reaction             reaction annotation (timeline.ReactionEvent)
//	sync.prepared           first successful sync after connect
//	sync.rooms              room state snapshot ([]directory.RoomState)
//	sync.error              sync loop terminated with an error (string)
//	rooms.updated           re-derived room directory ([]directory.Room)
//	message.upserted        timeline cache changed (map room_id/event_id)
//	message.send_ack        outbox entry accepted by the homeserver
//	message.send_failed     outbox entry rejected
//	session.status_changed  connection state transition (status.StatusChange)
//	verify.changed          verification phase change (verify.Phase)
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
