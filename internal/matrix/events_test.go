package matrix

import (
	"context"
	"testing"
	"time"

	"github.com/halldesk/matrixd/internal/bus"
	"github.com/halldesk/matrixd/internal/timeline"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func newTestAdapter(t *testing.T, b *bus.Bus, lookup MessageLookup) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{
		HomeserverURL: "https://example.org",
		UserID:        testLocalUser,
		AccessToken:   "syt_secret",
		Lookup:        lookup,
	}, b, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func recvMessage(t *testing.T, ch <-chan bus.Event) *timeline.Message {
	t.Helper()
	select {
	case evt := <-ch:
		msg, ok := evt.Payload.(*timeline.Message)
		if !ok {
			t.Fatalf("payload type = %T, want *timeline.Message", evt.Payload)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for bus event")
		return nil
	}
}

func TestHandlerEnrichesReplyFromCache(t *testing.T) {
	cache := timeline.NewCache(string(testLocalUser))
	cache.Upsert(&timeline.Message{
		RoomID:    "!room:example.org",
		EventID:   "$orig",
		Sender:    "@bob:example.org",
		Content:   "the original",
		Kind:      timeline.KindText,
		Status:    timeline.StatusDelivered,
		Timestamp: 1699999999000,
	})

	b := bus.New()
	a := newTestAdapter(t, b, cache.Message)
	ch, unsub := b.Subscribe("mx.", 10)
	defer unsub()

	a.onMessage(context.Background(), messageEvent("$reply", "@alice:example.org", &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      "> the original\n\nagreed",
		RelatesTo: &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: "$orig"}},
	}))

	msg := recvMessage(t, ch)
	if msg.ReplyTo == nil {
		t.Fatal("ReplyTo = nil, want reference to the cached target")
	}
	if msg.ReplyTo.Sender != "@bob:example.org" || msg.ReplyTo.Content != "the original" {
		t.Errorf("ReplyTo = %+v, want sender and content copied from the cache", msg.ReplyTo)
	}
}

func TestEncryptedQueuedBeforeCryptoBootstrap(t *testing.T) {
	b := bus.New()
	a := newTestAdapter(t, b, nil)
	if a.CryptoReady() {
		t.Fatal("adapter should start without a crypto helper")
	}
	ch, unsub := b.Subscribe("mx.", 10)
	defer unsub()

	a.onEncrypted(context.Background(), &event.Event{
		ID:        id.EventID("$enc"),
		RoomID:    id.RoomID("!room:example.org"),
		Sender:    id.UserID("@alice:example.org"),
		Type:      event.EventEncrypted,
		Timestamp: 1700000000000,
	})

	msg := recvMessage(t, ch)
	if msg.Kind != timeline.KindBadEncrypted {
		t.Errorf("kind = %q, want placeholder", msg.Kind)
	}
	// The event must be retryable once a later bootstrap attempt succeeds.
	if got := len(a.pending.snapshot()); got != 1 {
		t.Errorf("pending decrypts = %d, want 1", got)
	}
}
