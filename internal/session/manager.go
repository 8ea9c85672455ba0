// Package session owns the account's connection lifecycle: connect,
// disconnect and crypto store recovery. It drives the status machine and
// keeps the diagnostics record current; everything protocol-specific stays
// behind the Client interface.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/halldesk/matrixd/internal/bus"
	"github.com/halldesk/matrixd/internal/config"
	"github.com/halldesk/matrixd/internal/diag"
	"github.com/halldesk/matrixd/internal/directory"
	"github.com/halldesk/matrixd/internal/status"
	"github.com/halldesk/matrixd/internal/store"
	"github.com/halldesk/matrixd/internal/timeline"
	"go.uber.org/zap"
)

// ErrNoCredentials is returned by ResetCryptoStore before any successful
// Connect has recorded credentials to reconnect with.
var ErrNoCredentials = errors.New("no credentials available for reconnect")

// Client is the protocol connection the manager drives. The matrix adapter
// implements it.
type Client interface {
	// Whoami validates the token and returns the server-side device id.
	Whoami(ctx context.Context) (string, error)
	SetDeviceID(deviceID string)
	// InitCrypto bootstraps encryption. Failure is degraded operation, not
	// a connection error.
	InitCrypto(ctx context.Context) error
	CryptoReady() bool
	// ProbeCryptoStatus reports server-side encryption readiness.
	ProbeCryptoStatus(ctx context.Context) diag.CryptoState
	StartSync(ctx context.Context)
	// WaitPrepared blocks until the first sync response has been applied.
	WaitPrepared(ctx context.Context) error
	Close()
}

// ClientFactory builds a fresh Client for one connection attempt. A new
// client per attempt keeps reconnects free of stale sync state.
type ClientFactory func(creds *config.Credentials, deviceID string) (Client, error)

// Verifier is the in-flight verification state Disconnect clears.
type Verifier interface {
	Reset()
}

// Manager is the connection lifecycle manager for one account.
type Manager struct {
	factory   ClientFactory
	machine   *status.Machine
	bus       *bus.Bus
	db        *store.DB
	cache     *timeline.Cache
	projector *directory.Projector
	verifier  Verifier
	cfg       *config.Config
	cryptoDir string
	env       diag.Environment
	logger    *zap.Logger

	mu      muState
	runCtx  context.Context
	runStop context.CancelFunc
	unsub   func()
}

// muState is the mutex-owned portion of the manager.
type muState struct {
	sync.Mutex
	client      Client
	creds       *config.Credentials
	userID      string
	crypto      diag.CryptoState
	inflight    chan struct{}
	inflightErr error
}

// Options bundles the manager's collaborators.
type Options struct {
	Factory   ClientFactory
	Machine   *status.Machine
	Bus       *bus.Bus
	DB        *store.DB
	Cache     *timeline.Cache
	Projector *directory.Projector
	Verifier  Verifier
	Config    *config.Config
	CryptoDir string
	Env       diag.Environment
	Logger    *zap.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(opts Options) *Manager {
	return &Manager{
		factory:   opts.Factory,
		machine:   opts.Machine,
		bus:       opts.Bus,
		db:        opts.DB,
		cache:     opts.Cache,
		projector: opts.Projector,
		verifier:  opts.Verifier,
		cfg:       opts.Config,
		cryptoDir: opts.CryptoDir,
		env:       opts.Env,
		logger:    opts.Logger,
	}
}

// Start begins watching for sync loop failures. Sync errors move the
// machine to Error and stop the connection; reconnecting is an explicit
// caller decision.
func (m *Manager) Start(ctx context.Context) {
	m.runCtx, m.runStop = context.WithCancel(ctx)
	ch, unsub := m.bus.Subscribe("sync.error", 16)
	m.unsub = unsub

	go func() {
		for {
			select {
			case evt := <-ch:
				reason, _ := evt.Payload.(string)
				m.logger.Error("sync loop failed", zap.String("reason", reason))
				_ = m.machine.Fail(reason)
			case <-m.runCtx.Done():
				return
			}
		}
	}()
}

// Stop tears down the watcher and the active connection.
func (m *Manager) Stop() {
	if m.runStop != nil {
		m.runStop()
	}
	if m.unsub != nil {
		m.unsub()
	}
	m.Disconnect()
}

// Connect establishes the connection. Concurrent calls coalesce onto the
// single in-flight attempt and all observe its outcome; a call while
// already connected is a no-op.
func (m *Manager) Connect(ctx context.Context, creds *config.Credentials) error {
	m.mu.Lock()
	if m.mu.inflight != nil {
		done := m.mu.inflight
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.mu.inflightErr
	}
	if m.machine.Current() == status.Connected {
		m.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	m.mu.inflight = done
	m.mu.Unlock()

	err := m.connect(ctx, creds)

	m.mu.Lock()
	m.mu.inflightErr = err
	m.mu.inflight = nil
	m.mu.Unlock()
	close(done)
	return err
}

func (m *Manager) connect(ctx context.Context, creds *config.Credentials) error {
	if err := creds.Validate(); err != nil {
		return fmt.Errorf("validate credentials: %w", err)
	}
	if err := m.machine.Transition(status.Connecting); err != nil {
		return err
	}

	deviceID := creds.DeviceID
	if deviceID == "" {
		cached, err := m.db.DeviceID(creds.UserID)
		if err != nil {
			m.logger.Warn("device id cache read failed", zap.Error(err))
		}
		deviceID = cached
	}

	client, err := m.factory(creds, deviceID)
	if err != nil {
		return m.failConnect(nil, fmt.Errorf("create client: %w", err))
	}

	if deviceID == "" {
		deviceID, err = client.Whoami(ctx)
		if err != nil {
			return m.failConnect(client, fmt.Errorf("resolve device id: %w", err))
		}
		client.SetDeviceID(deviceID)
	}

	cryptoErr := client.InitCrypto(ctx)
	if cryptoErr != nil {
		m.logger.Warn("crypto bootstrap failed, continuing unencrypted", zap.Error(cryptoErr))
	}

	// Watch for a sync loop death racing the prepared signal.
	syncErrCh, unsubErr := m.bus.Subscribe("sync.error", 1)
	defer unsubErr()

	client.StartSync(ctx)

	if cryptoErr != nil {
		// One retry after sync start: the first attempt can lose a race
		// against account data that only lands with the initial sync.
		cryptoErr = client.InitCrypto(ctx)
		if cryptoErr != nil {
			m.logger.Warn("crypto bootstrap retry failed", zap.Error(cryptoErr))
		}
	}

	cryptoState := m.probeCrypto(ctx, client, cryptoErr)

	if deviceID != "" {
		if err := m.db.SetDeviceID(creds.UserID, deviceID); err != nil {
			m.logger.Warn("device id cache write failed", zap.Error(err))
		}
	}

	prepared := make(chan error, 1)
	go func() { prepared <- client.WaitPrepared(ctx) }()

	select {
	case err := <-prepared:
		if err != nil {
			return m.failConnect(client, fmt.Errorf("initial sync: %w", err))
		}
	case evt := <-syncErrCh:
		reason, _ := evt.Payload.(string)
		return m.failConnect(client, fmt.Errorf("sync loop: %s", reason))
	}

	m.mu.Lock()
	m.mu.client = client
	m.mu.creds = creds
	m.mu.userID = creds.UserID
	m.mu.crypto = cryptoState
	m.mu.Unlock()

	if err := m.machine.Transition(status.Connected); err != nil {
		// A Disconnect raced the attempt; don't leave the closed client
		// behind for CryptoReady/Diagnostics to consult.
		m.mu.Lock()
		if m.mu.client == client {
			m.mu.client = nil
			m.mu.crypto = diag.CryptoState{}
		}
		m.mu.Unlock()
		return m.failConnect(client, err)
	}
	m.logger.Info("connected",
		zap.String("user_id", creds.UserID),
		zap.String("device_id", deviceID),
		zap.Bool("crypto_ready", client.CryptoReady()))
	return nil
}

func (m *Manager) failConnect(client Client, err error) error {
	if client != nil {
		client.Close()
	}
	_ = m.machine.Fail(err.Error())
	return err
}

func (m *Manager) probeCrypto(ctx context.Context, client Client, bootstrapErr error) diag.CryptoState {
	state := client.ProbeCryptoStatus(ctx)
	if bootstrapErr != nil {
		state.LastError = bootstrapErr.Error()
	}
	m.mu.Lock()
	m.mu.crypto = state
	m.mu.Unlock()
	return state
}

// Disconnect tears the connection down. Never fails: it is the universal
// cancellation primitive the other operations build on. Timeline and room
// projections and any in-flight verification are cleared; diagnostics
// crypto fields reset to unknown while environment flags persist.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	client := m.mu.client
	m.mu.client = nil
	m.mu.crypto = diag.CryptoState{}
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	m.cache.Reset()
	m.projector.Reset()
	if m.verifier != nil {
		m.verifier.Reset()
	}
	_ = m.machine.Transition(status.Disconnected)
	m.logger.Info("disconnected")
}

// ResetCryptoStore wipes the local crypto databases and reconnects with a
// fresh device identity. The file deletes are best-effort; a file that
// cannot be removed is logged and skipped. Ends Connected or in Error,
// never stuck in Connecting.
func (m *Manager) ResetCryptoStore(ctx context.Context) error {
	m.mu.Lock()
	creds := m.mu.creds
	userID := m.mu.userID
	m.mu.Unlock()
	if creds == nil {
		return ErrNoCredentials
	}

	m.Disconnect()

	for _, path := range m.cryptoStoreFiles() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("crypto store file not removed", zap.String("path", path), zap.Error(err))
			continue
		}
		m.logger.Info("crypto store file removed", zap.String("path", path))
	}

	if err := m.db.ClearDeviceID(userID); err != nil {
		m.logger.Warn("device id cache clear failed", zap.Error(err))
	}

	// Let the filesystem and any sqlite WAL checkpointing settle before
	// the new crypto store is created at the same paths.
	select {
	case <-time.After(m.cfg.SettleDelay()):
	case <-ctx.Done():
		return ctx.Err()
	}

	fresh := *creds
	fresh.DeviceID = ""
	return m.Connect(ctx, &fresh)
}

// cryptoStoreFiles enumerates the crypto directory, falling back to the
// configured fixed-name list when enumeration fails.
func (m *Manager) cryptoStoreFiles() []string {
	entries, err := os.ReadDir(m.cryptoDir)
	if err != nil {
		m.logger.Warn("crypto dir enumeration failed, using fallback list", zap.Error(err))
		out := make([]string, 0, len(m.cfg.CryptoResetFallbackDBs))
		for _, name := range m.cfg.CryptoResetFallbackDBs {
			out = append(out, filepath.Join(m.cryptoDir, name))
		}
		return out
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		out = append(out, filepath.Join(m.cryptoDir, entry.Name()))
	}
	return out
}

// Diagnostics returns the current diagnostics record.
func (m *Manager) Diagnostics() diag.Diagnostics {
	m.mu.Lock()
	crypto := m.mu.crypto
	m.mu.Unlock()
	return diag.Probe(m.env, crypto)
}

// CryptoReady reports whether the active connection has a working crypto
// subsystem. False when disconnected.
func (m *Manager) CryptoReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.client != nil && m.mu.client.CryptoReady()
}
