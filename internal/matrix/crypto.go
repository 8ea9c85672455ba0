package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// cryptoState holds the optional encryption subsystem. Connect treats a
// failed bootstrap as degraded rather than fatal, so every consumer has to
// tolerate a nil helper.
type cryptoState struct {
	mu     sync.Mutex
	helper *cryptohelper.CryptoHelper
}

// CryptoStatus is the probed server-side encryption readiness for the
// account. KeyBackupEnabled is nil when the probe itself failed.
type CryptoStatus struct {
	SecretStorageReady bool
	CrossSigningReady  bool
	KeyBackupEnabled   *bool
}

// InitCrypto bootstraps the encryption subsystem: olm account, device keys
// and the crypto store at the account's crypto database path. Must run
// before the first sync so the helper sees all to-device events.
func (a *Adapter) InitCrypto(ctx context.Context) error {
	a.crypto.mu.Lock()
	defer a.crypto.mu.Unlock()
	if a.crypto.helper != nil {
		return nil
	}

	helper, err := cryptohelper.NewCryptoHelper(a.client, a.cfg.PickleKey, a.cfg.CryptoDBPath)
	if err != nil {
		return fmt.Errorf("create crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return fmt.Errorf("init crypto helper: %w", err)
	}
	a.client.Crypto = helper
	a.crypto.helper = helper

	if a.cfg.RecoveryKey != "" {
		// Unlock is best-effort: a wrong or rotated recovery key degrades
		// to unverified cross-signing, it does not fail the bootstrap.
		if err := a.unlockSecretStorage(ctx, helper); err != nil {
			a.logger.Warn("secret storage unlock failed", zap.Error(err))
		}
	}

	if err := a.initVerifier(ctx, helper); err != nil {
		return fmt.Errorf("init verification: %w", err)
	}
	return nil
}

// unlockSecretStorage fetches the cross-signing private keys from server
// side secret storage using the cached recovery key and signs our own
// device with them.
func (a *Adapter) unlockSecretStorage(ctx context.Context, helper *cryptohelper.CryptoHelper) error {
	mach := helper.Machine()
	keyID, keyData, err := mach.SSSS.GetDefaultKeyData(ctx)
	if err != nil {
		return fmt.Errorf("get default key data: %w", err)
	}
	key, err := keyData.VerifyRecoveryKey(keyID, a.cfg.RecoveryKey)
	if err != nil {
		return fmt.Errorf("verify recovery key: %w", err)
	}
	if err := mach.FetchCrossSigningKeysFromSSSS(ctx, key); err != nil {
		return fmt.Errorf("fetch cross-signing keys: %w", err)
	}
	if err := mach.SignOwnDevice(ctx, mach.OwnIdentity()); err != nil {
		return fmt.Errorf("sign own device: %w", err)
	}
	if err := mach.SignOwnMasterKey(ctx); err != nil {
		return fmt.Errorf("sign own master key: %w", err)
	}
	return nil
}

// CryptoReady reports whether the encryption subsystem bootstrapped.
func (a *Adapter) CryptoReady() bool {
	return a.cryptoHelper() != nil
}

func (a *Adapter) cryptoHelper() *cryptohelper.CryptoHelper {
	a.crypto.mu.Lock()
	defer a.crypto.mu.Unlock()
	return a.crypto.helper
}

func (a *Adapter) closeCrypto() {
	a.crypto.mu.Lock()
	defer a.crypto.mu.Unlock()
	if a.crypto.helper != nil {
		_ = a.crypto.helper.Close()
		a.crypto.helper = nil
		a.client.Crypto = nil
	}
}

// ProbeCryptoStatus queries the homeserver for the account's secret
// storage, cross-signing and key backup state. Probe failures degrade to
// not-ready rather than erroring: the caller records the result in the
// diagnostics snapshot either way.
func (a *Adapter) ProbeCryptoStatus(ctx context.Context) CryptoStatus {
	var status CryptoStatus

	var defaultKey struct {
		Key string `json:"key"`
	}
	err := a.client.GetAccountData(ctx, "m.secret_storage.default_key", &defaultKey)
	status.SecretStorageReady = err == nil && defaultKey.Key != ""

	if helper := a.cryptoHelper(); helper != nil {
		mach := helper.Machine()
		status.CrossSigningReady = mach != nil && mach.CrossSigningKeys != nil
	}

	var backup struct {
		Version string `json:"version"`
	}
	url := a.client.BuildClientURL("v3", "room_keys", "version")
	_, err = a.client.MakeRequest(ctx, http.MethodGet, url, nil, &backup)
	switch {
	case err == nil:
		enabled := backup.Version != ""
		status.KeyBackupEnabled = &enabled
	case errors.Is(err, mautrix.MNotFound):
		disabled := false
		status.KeyBackupEnabled = &disabled
	}
	return status
}
