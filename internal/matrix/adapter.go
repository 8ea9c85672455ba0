package matrix

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/halldesk/matrixd/internal/bus"
	"github.com/halldesk/matrixd/internal/directory"
	"github.com/halldesk/matrixd/internal/logging"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	_ "github.com/mattn/go-sqlite3"
)

// Config carries everything the adapter needs to talk to a homeserver for
// one account. Credentials come from the account's credentials file, paths
// from the account directory layout.
type Config struct {
	HomeserverURL string
	UserID        id.UserID
	AccessToken   string
	DeviceID      id.DeviceID
	CryptoDBPath  string
	PickleKey     []byte
	// RecoveryKey is the locally cached secret storage recovery key, or
	// empty. It is the only key material the bootstrap will use to unlock
	// secret storage; the daemon never prompts.
	RecoveryKey string
	// Lookup resolves reply targets against the timeline cache so reply
	// references carry the original sender and content. Optional.
	Lookup MessageLookup
}

// Adapter wraps the mautrix client and manages the homeserver connection.
// It publishes normalized domain events on the bus; the timeline engine and
// room projector subscribe independently.
type Adapter struct {
	client *mautrix.Client
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger

	crypto     *cryptoState
	verifier   *verifier
	verifySink VerificationSink
	rooms      *roomTracker
	pending    *pendingDecrypts

	mu         sync.Mutex
	prepared   chan struct{}
	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// NewAdapter creates an adapter for the given account credentials. No
// network traffic happens until Whoami or StartSync.
func NewAdapter(cfg Config, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	client, err := mautrix.NewClient(cfg.HomeserverURL, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	client.DeviceID = cfg.DeviceID
	client.Log = logging.Mautrix(logger)

	a := &Adapter{
		client:   client,
		cfg:      cfg,
		bus:      b,
		logger:   logger,
		crypto:   &cryptoState{},
		rooms:    newRoomTracker(cfg.UserID),
		pending:  newPendingDecrypts(),
		prepared: make(chan struct{}),
	}
	a.attachHandlers()
	return a, nil
}

// Client returns the underlying mautrix client.
func (a *Adapter) Client() *mautrix.Client {
	return a.client
}

// UserID returns the account's Matrix user ID.
func (a *Adapter) UserID() id.UserID {
	return a.cfg.UserID
}

// Whoami validates the access token against the homeserver and returns the
// server-assigned device ID for it.
func (a *Adapter) Whoami(ctx context.Context) (id.DeviceID, error) {
	resp, err := a.client.Whoami(ctx)
	if err != nil {
		return "", fmt.Errorf("whoami: %w", err)
	}
	if resp.UserID != a.cfg.UserID {
		return "", fmt.Errorf("token belongs to %s, not %s", resp.UserID, a.cfg.UserID)
	}
	return resp.DeviceID, nil
}

// SetDeviceID updates the device ID used by the client. Called after Whoami
// when the cached device ID was empty or stale.
func (a *Adapter) SetDeviceID(deviceID id.DeviceID) {
	a.cfg.DeviceID = deviceID
	a.client.DeviceID = deviceID
}

// StartSync launches the sync loop on its own goroutine. Sync errors are
// published as "sync.error" events; the loop itself retries transient
// failures until the context is cancelled.
func (a *Adapter) StartSync(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.syncCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.syncCancel = cancel
	a.syncDone = make(chan struct{})

	go func() {
		defer close(a.syncDone)
		err := a.client.SyncWithContext(ctx)
		if err != nil && ctx.Err() == nil {
			a.logger.Error("sync loop exited", zap.Error(err))
			a.bus.Publish(bus.Event{
				Kind:      "sync.error",
				Timestamp: time.Now(),
				Payload:   err.Error(),
			})
		}
	}()
}

// StopSync stops the sync loop and waits for it to exit.
func (a *Adapter) StopSync() {
	a.mu.Lock()
	cancel, done := a.syncCancel, a.syncDone
	a.syncCancel = nil
	a.syncDone = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	a.client.StopSync()
}

// WaitPrepared blocks until the first sync response has been processed, the
// sync loop fails, or ctx expires.
func (a *Adapter) WaitPrepared(ctx context.Context) error {
	a.mu.Lock()
	prepared := a.prepared
	a.mu.Unlock()

	select {
	case <-prepared:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RoomStates returns the current raw room state snapshot, for callers that
// need it outside the "sync.rooms" bus feed.
func (a *Adapter) RoomStates() []directory.RoomState {
	return a.rooms.Snapshot()
}

// SendText sends a plain text message. Encrypted rooms require a working
// crypto subsystem; without one the send is refused rather than leaking
// plaintext.
func (a *Adapter) SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	if a.rooms.IsEncrypted(roomID) && !a.CryptoReady() {
		return "", ErrEncryptionUnsupported
	}
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	resp, err := a.client.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.EventID, nil
}

// SendReaction sends an annotation relation targeting the given event.
func (a *Adapter) SendReaction(ctx context.Context, roomID id.RoomID, target id.EventID, emoji string) (id.EventID, error) {
	content := event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: target,
			Key:     emoji,
		},
	}
	resp, err := a.client.SendMessageEvent(ctx, roomID, event.EventReaction, &content)
	if err != nil {
		return "", fmt.Errorf("send reaction: %w", err)
	}
	return resp.EventID, nil
}

// SendTyping sets or clears the typing notification for a room.
func (a *Adapter) SendTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error {
	_, err := a.client.UserTyping(ctx, roomID, typing, timeout)
	if err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

// CreateRoom creates a new room, optionally end-to-end encrypted. Direct
// rooms get the is_direct flag so clients file them under people.
func (a *Adapter) CreateRoom(ctx context.Context, name string, invite []id.UserID, encrypted, direct bool) (id.RoomID, error) {
	req := &mautrix.ReqCreateRoom{
		Name:     name,
		Invite:   invite,
		IsDirect: direct,
		Preset:   "private_chat",
	}
	if encrypted {
		req.InitialState = []*event.Event{{
			Type: event.StateEncryption,
			Content: event.Content{Parsed: &event.EncryptionEventContent{
				Algorithm: id.AlgorithmMegolmV1,
			}},
		}}
	}
	resp, err := a.client.CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return resp.RoomID, nil
}

// Close releases the crypto store and stops syncing. Safe to call more than
// once.
func (a *Adapter) Close() {
	a.StopSync()
	a.closeCrypto()
}
