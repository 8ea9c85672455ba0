package directory

import (
	"context"
	"sync"
	"time"

	"github.com/halldesk/matrixd/internal/bus"
	"go.uber.org/zap"
)

// Projector listens for room state snapshots on the bus and republishes the
// derived directory. It also keeps the latest projection for synchronous
// reads.
type Projector struct {
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu     sync.RWMutex
	latest []Room
}

// NewProjector creates a projector.
func NewProjector(b *bus.Bus, logger *zap.Logger) *Projector {
	return &Projector{
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to sync.rooms snapshots.
func (p *Projector) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	ch, unsub := p.bus.Subscribe("sync.rooms", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				states, ok := evt.Payload.([]RoomState)
				if !ok {
					continue
				}
				p.apply(states)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the projector.
func (p *Projector) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Rooms returns the latest projection.
func (p *Projector) Rooms() []Room {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Room, len(p.latest))
	copy(out, p.latest)
	return out
}

// Reset drops the projection. Called on disconnect.
func (p *Projector) Reset() {
	p.mu.Lock()
	p.latest = nil
	p.mu.Unlock()
}

func (p *Projector) apply(states []RoomState) {
	rooms := Project(states)
	p.mu.Lock()
	p.latest = rooms
	p.mu.Unlock()

	p.bus.Publish(bus.Event{
		Kind:      "rooms.updated",
		Timestamp: time.Now(),
		Payload:   rooms,
	})
}
