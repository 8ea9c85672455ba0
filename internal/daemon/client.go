package daemon

import (
	"context"
	"sync"

	"github.com/halldesk/matrixd/internal/account"
	"github.com/halldesk/matrixd/internal/bus"
	"github.com/halldesk/matrixd/internal/config"
	"github.com/halldesk/matrixd/internal/diag"
	"github.com/halldesk/matrixd/internal/matrix"
	"github.com/halldesk/matrixd/internal/session"
	"github.com/halldesk/matrixd/internal/store"
	"github.com/halldesk/matrixd/internal/timeline"
	"github.com/halldesk/matrixd/internal/verify"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"
)

// adapterHolder tracks the adapter of the active connection. The lifecycle
// manager creates a fresh adapter per connect; the verification transport
// and crypto gates need a stable handle to whichever one is current.
type adapterHolder struct {
	mu      sync.Mutex
	adapter *matrix.Adapter
}

func (h *adapterHolder) set(a *matrix.Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapter = a
}

func (h *adapterHolder) get() *matrix.Adapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.adapter
}

func (h *adapterHolder) cryptoReady() bool {
	a := h.get()
	return a != nil && a.CryptoReady()
}

// adapterClient adapts *matrix.Adapter to the lifecycle manager's Client
// interface.
type adapterClient struct {
	adapter *matrix.Adapter
	holder  *adapterHolder
}

func (c *adapterClient) Whoami(ctx context.Context) (string, error) {
	deviceID, err := c.adapter.Whoami(ctx)
	return deviceID.String(), err
}

func (c *adapterClient) SetDeviceID(deviceID string) {
	c.adapter.SetDeviceID(id.DeviceID(deviceID))
}

func (c *adapterClient) InitCrypto(ctx context.Context) error {
	return c.adapter.InitCrypto(ctx)
}

func (c *adapterClient) CryptoReady() bool {
	return c.adapter.CryptoReady()
}

func (c *adapterClient) ProbeCryptoStatus(ctx context.Context) diag.CryptoState {
	s := c.adapter.ProbeCryptoStatus(ctx)
	return diag.CryptoState{
		SecretStorageReady: diag.Bool(s.SecretStorageReady),
		CrossSigningReady:  diag.Bool(s.CrossSigningReady),
		KeyBackupEnabled:   s.KeyBackupEnabled,
	}
}

func (c *adapterClient) StartSync(ctx context.Context) {
	c.adapter.StartSync(ctx)
}

func (c *adapterClient) WaitPrepared(ctx context.Context) error {
	return c.adapter.WaitPrepared(ctx)
}

func (c *adapterClient) Close() {
	c.adapter.Close()
	if c.holder.get() == c.adapter {
		c.holder.set(nil)
	}
}

// newClientFactory builds the session.ClientFactory for an account: one
// mautrix adapter per connection attempt, registered with the holder and
// wired to the verification coordinator.
func newClientFactory(p Params, holder *adapterHolder, sink matrix.VerificationSink, db *store.DB, cache *timeline.Cache, b *bus.Bus, logger *zap.Logger) session.ClientFactory {
	return func(creds *config.Credentials, deviceID string) (session.Client, error) {
		recoveryKey, err := db.RecoveryKey(creds.UserID)
		if err != nil {
			logger.Warn("recovery key cache read failed", zap.Error(err))
		}
		adapter, err := matrix.NewAdapter(matrix.Config{
			HomeserverURL: creds.HomeserverURL,
			UserID:        id.UserID(creds.UserID),
			AccessToken:   creds.AccessToken,
			DeviceID:      id.DeviceID(deviceID),
			CryptoDBPath:  account.CryptoDBPath(p.AccountName),
			PickleKey:     pickleKey(creds),
			RecoveryKey:   recoveryKey,
			Lookup:        cache.Message,
		}, b, logger)
		if err != nil {
			return nil, err
		}
		adapter.SetVerificationSink(sink)
		holder.set(adapter)
		return &adapterClient{adapter: adapter, holder: holder}, nil
	}
}

// pickleKey returns the key protecting the local crypto store. A fixed
// per-account default keeps the store usable across restarts when the user
// configured no explicit key; the store never leaves the account dir.
func pickleKey(creds *config.Credentials) []byte {
	if creds.PickleKey != "" {
		return []byte(creds.PickleKey)
	}
	return []byte("matrixd." + creds.UserID)
}

// transportProxy routes verification calls to the current connection's
// transport. Without a connected, crypto-capable adapter every call reports
// the crypto subsystem unavailable.
type transportProxy struct {
	holder *adapterHolder
}

func (t *transportProxy) current() (verify.Transport, error) {
	a := t.holder.get()
	if a == nil {
		return nil, verify.ErrCryptoUnavailable
	}
	transport := a.Verifier()
	if transport == nil {
		return nil, verify.ErrCryptoUnavailable
	}
	return transport, nil
}

func (t *transportProxy) RequestSelf(ctx context.Context) (string, error) {
	transport, err := t.current()
	if err != nil {
		return "", err
	}
	return transport.RequestSelf(ctx)
}

func (t *transportProxy) RequestDevice(ctx context.Context, deviceID string) (string, error) {
	transport, err := t.current()
	if err != nil {
		return "", err
	}
	return transport.RequestDevice(ctx, deviceID)
}

func (t *transportProxy) StartSAS(ctx context.Context, txnID string) error {
	transport, err := t.current()
	if err != nil {
		return err
	}
	return transport.StartSAS(ctx, txnID)
}

func (t *transportProxy) ConfirmSAS(ctx context.Context, txnID string) error {
	transport, err := t.current()
	if err != nil {
		return err
	}
	return transport.ConfirmSAS(ctx, txnID)
}

func (t *transportProxy) Cancel(ctx context.Context, txnID string, mismatch bool, reason string) error {
	transport, err := t.current()
	if err != nil {
		return err
	}
	return transport.Cancel(ctx, txnID, mismatch, reason)
}
