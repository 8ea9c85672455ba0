package matrix

import (
	"context"
	"sync"
	"time"

	"github.com/halldesk/matrixd/internal/bus"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
)

// maxPendingDecrypts bounds the undecryptable-event retry list. Events past
// the cap are dropped oldest-first; their placeholders stay in the timeline.
const maxPendingDecrypts = 256

// pendingDecrypts tracks encrypted events that could not be decrypted yet.
// Each sync tick retries them, since the missing room keys usually arrive
// in a later to-device batch.
type pendingDecrypts struct {
	mu     sync.Mutex
	events []*event.Event
}

func newPendingDecrypts() *pendingDecrypts {
	return &pendingDecrypts{}
}

func (p *pendingDecrypts) add(evt *event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e.ID == evt.ID {
			return
		}
	}
	p.events = append(p.events, evt)
	if len(p.events) > maxPendingDecrypts {
		p.events = p.events[len(p.events)-maxPendingDecrypts:]
	}
}

func (p *pendingDecrypts) remove(eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.events {
		if e.ID.String() == eventID {
			p.events = append(p.events[:i], p.events[i+1:]...)
			return
		}
	}
}

func (p *pendingDecrypts) snapshot() []*event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*event.Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *pendingDecrypts) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

func (a *Adapter) attachHandlers() {
	syncer := a.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnSync(a.onSync)
	syncer.OnEventType(event.EventMessage, a.onMessage)
	syncer.OnEventType(event.EventEncrypted, a.onEncrypted)
	syncer.OnEventType(event.EventReaction, a.onReaction)
}

// onSync runs once per sync response: update the room tracker, publish the
// room snapshot, signal readiness on the first pass, and retry pending
// decrypts now that new to-device keys may have landed.
func (a *Adapter) onSync(ctx context.Context, resp *mautrix.RespSync, since string) bool {
	a.rooms.ApplySync(resp)
	a.bus.Publish(bus.Event{
		Kind:      "sync.rooms",
		Timestamp: time.Now(),
		Payload:   a.rooms.Snapshot(),
	})

	a.mu.Lock()
	select {
	case <-a.prepared:
	default:
		close(a.prepared)
		a.bus.Publish(bus.Event{Kind: "sync.prepared", Timestamp: time.Now()})
	}
	a.mu.Unlock()

	a.retryPendingDecrypts(ctx)
	return true
}

// onMessage handles plaintext messages and messages the crypto layer has
// already decrypted and re-dispatched.
func (a *Adapter) onMessage(ctx context.Context, evt *event.Event) {
	msg := Normalize(evt, a.cfg.UserID, a.cfg.Lookup)
	if msg == nil {
		return
	}
	kind := "mx.message"
	if evt.Mautrix.WasEncrypted {
		kind = "mx.decrypted"
		a.pending.remove(msg.EventID)
	}
	a.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: msg})
}

// onEncrypted publishes a ciphertext placeholder for every encrypted event.
// If the crypto layer decrypts it, the decrypted re-dispatch lands in
// onMessage and the reconciler replaces the placeholder in place; otherwise
// the event joins the pending retry list. Events are queued even before the
// crypto helper exists: bootstrap can succeed after sync start, and retries
// no-op until it does.
func (a *Adapter) onEncrypted(ctx context.Context, evt *event.Event) {
	a.bus.Publish(bus.Event{
		Kind:      "mx.message",
		Timestamp: time.Now(),
		Payload:   NormalizePlaceholder(evt, a.cfg.UserID),
	})
	a.pending.add(evt)
}

func (a *Adapter) onReaction(ctx context.Context, evt *event.Event) {
	reaction := NormalizeReaction(evt)
	if reaction == nil {
		return
	}
	a.bus.Publish(bus.Event{Kind: "mx.reaction", Timestamp: time.Now(), Payload: *reaction})
}

func (a *Adapter) retryPendingDecrypts(ctx context.Context) {
	helper := a.cryptoHelper()
	if helper == nil {
		return
	}
	for _, evt := range a.pending.snapshot() {
		decrypted, err := helper.Decrypt(ctx, evt)
		if err != nil {
			continue
		}
		a.pending.remove(evt.ID.String())
		msg := Normalize(decrypted, a.cfg.UserID, a.cfg.Lookup)
		if msg == nil {
			continue
		}
		a.logger.Debug("late decryption succeeded",
			zap.String("room_id", msg.RoomID),
			zap.String("event_id", msg.EventID))
		a.bus.Publish(bus.Event{Kind: "mx.decrypted", Timestamp: time.Now(), Payload: msg})
	}
}
