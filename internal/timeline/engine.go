package timeline

import (
	"context"
	"time"

	"github.com/halldesk/matrixd/internal/bus"
	"go.uber.org/zap"
)

// Engine applies inbound protocol events to the cache. It subscribes to
// "mx.*" events on the bus and processes them on its own goroutine, so
// decryption and timeline callbacks never mutate the cache from the
// protocol client's call sites.
type Engine struct {
	cache  *Cache
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a new timeline engine.
func NewEngine(cache *Cache, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		cache:  cache,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to inbound Matrix events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("mx.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "mx.message", "mx.decrypted":
		msg, ok := evt.Payload.(*Message)
		if !ok {
			return
		}
		if e.cache.Upsert(msg) {
			e.publishUpserted(msg.RoomID, msg.EventID)
		}
	case "mx.reaction":
		reaction, ok := evt.Payload.(ReactionEvent)
		if !ok {
			return
		}
		if e.cache.React(reaction) {
			e.publishUpserted(reaction.RoomID, reaction.TargetEventID)
		}
	}
}

func (e *Engine) publishUpserted(roomID, eventID string) {
	e.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"room_id":  roomID,
			"event_id": eventID,
		},
	})
}
