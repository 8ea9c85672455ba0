package matrix

import (
	"context"
	"errors"
	"fmt"

	"github.com/halldesk/matrixd/internal/verify"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/crypto/verificationhelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// VerificationSink receives verification lifecycle callbacks from the wire.
// The coordinator in internal/verify implements it.
type VerificationSink interface {
	OnReady(txnID, otherDeviceID string)
	OnShowSAS(txnID string, emojis []verify.Emoji, decimals *[3]int)
	OnDone(txnID string)
	OnRemoteCancel(txnID, reason string)
}

// verifier adapts the mautrix verification helper to the coordinator's
// Transport interface and routes its callbacks to the sink.
type verifier struct {
	adapter *Adapter
	helper  *verificationhelper.VerificationHelper
	sink    VerificationSink
}

// SetVerificationSink wires the coordinator in. May be called before the
// crypto subsystem bootstraps; the sink is applied when the verification
// helper comes up. Callbacks arriving with no sink are dropped.
func (a *Adapter) SetVerificationSink(sink VerificationSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.verifySink = sink
	if a.verifier != nil {
		a.verifier.sink = sink
	}
}

// Verifier returns the verification transport, or nil when the crypto
// subsystem did not bootstrap.
func (a *Adapter) Verifier() verify.Transport {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.verifier == nil {
		return nil
	}
	return a.verifier
}

func (a *Adapter) initVerifier(ctx context.Context, helper *cryptohelper.CryptoHelper) error {
	a.mu.Lock()
	sink := a.verifySink
	a.mu.Unlock()

	v := &verifier{adapter: a, sink: sink}
	callbacks := &verificationCallbacks{v: v}
	v.helper = verificationhelper.NewVerificationHelper(
		a.client,
		helper.Machine(),
		verificationhelper.NewInMemoryVerificationStore(),
		callbacks,
		false,
		false,
		true,
	)
	if err := v.helper.Init(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.verifier = v
	a.mu.Unlock()
	return nil
}

// RequestSelf sends a verification request to all of the user's other
// devices.
func (v *verifier) RequestSelf(ctx context.Context) (string, error) {
	txnID, err := v.helper.StartVerification(ctx, v.adapter.cfg.UserID)
	if err != nil {
		return "", fmt.Errorf("request verification: %w", err)
	}
	return txnID.String(), nil
}

// RequestDevice checks the target device exists under the account, then
// sends the verification request. A homeserver that no longer knows the
// device yields verify.ErrUnknownDevice so the coordinator can fall back.
func (v *verifier) RequestDevice(ctx context.Context, deviceID string) (string, error) {
	_, err := v.adapter.client.GetDeviceInfo(ctx, id.DeviceID(deviceID))
	if err != nil {
		if errors.Is(err, mautrix.MNotFound) {
			return "", fmt.Errorf("device %s: %w", deviceID, verify.ErrUnknownDevice)
		}
		return "", fmt.Errorf("look up device %s: %w", deviceID, err)
	}
	txnID, err := v.helper.StartVerification(ctx, v.adapter.cfg.UserID)
	if err != nil {
		return "", fmt.Errorf("request verification: %w", err)
	}
	return txnID.String(), nil
}

// StartSAS begins the SAS sub-protocol for an accepted transaction.
func (v *verifier) StartSAS(ctx context.Context, txnID string) error {
	err := v.helper.StartSAS(ctx, id.VerificationTransactionID(txnID))
	if err != nil {
		if errors.Is(err, mautrix.MNotFound) {
			return fmt.Errorf("start sas: %w", verify.ErrUnknownDevice)
		}
		return fmt.Errorf("start sas: %w", err)
	}
	return nil
}

// ConfirmSAS asserts the displayed codes matched.
func (v *verifier) ConfirmSAS(ctx context.Context, txnID string) error {
	if err := v.helper.ConfirmSAS(ctx, id.VerificationTransactionID(txnID)); err != nil {
		return fmt.Errorf("confirm sas: %w", err)
	}
	return nil
}

// Cancel aborts the transaction on the wire.
func (v *verifier) Cancel(ctx context.Context, txnID string, mismatch bool, reason string) error {
	code := event.VerificationCancelCodeUser
	if mismatch {
		code = event.VerificationCancelCodeSASMismatch
	}
	err := v.helper.CancelVerification(ctx, id.VerificationTransactionID(txnID), code, reason)
	if err != nil {
		return fmt.Errorf("cancel verification: %w", err)
	}
	return nil
}

// verificationCallbacks implements the callback surface the verification
// helper probes for.
type verificationCallbacks struct {
	v *verifier
}

func (c *verificationCallbacks) VerificationRequested(ctx context.Context, txnID id.VerificationTransactionID, from id.UserID, fromDevice id.DeviceID) {
	// Inbound requests from other devices are out of scope; this account
	// only initiates.
}

func (c *verificationCallbacks) VerificationReady(ctx context.Context, txnID id.VerificationTransactionID, otherDeviceID id.DeviceID) {
	if sink := c.v.sink; sink != nil {
		sink.OnReady(txnID.String(), otherDeviceID.String())
	}
}

func (c *verificationCallbacks) ShowSAS(ctx context.Context, txnID id.VerificationTransactionID, emojis []rune, emojiDescriptions []string, decimals []int) {
	sink := c.v.sink
	if sink == nil {
		return
	}
	out := make([]verify.Emoji, 0, len(emojis))
	for i, r := range emojis {
		e := verify.Emoji{Symbol: string(r)}
		if i < len(emojiDescriptions) {
			e.Description = emojiDescriptions[i]
		}
		out = append(out, e)
	}
	var dec *[3]int
	if len(decimals) == 3 {
		dec = &[3]int{decimals[0], decimals[1], decimals[2]}
	}
	sink.OnShowSAS(txnID.String(), out, dec)
}

func (c *verificationCallbacks) VerificationDone(ctx context.Context, txnID id.VerificationTransactionID) {
	if sink := c.v.sink; sink != nil {
		sink.OnDone(txnID.String())
	}
}

func (c *verificationCallbacks) VerificationCancelled(ctx context.Context, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) {
	if sink := c.v.sink; sink != nil {
		sink.OnRemoteCancel(txnID.String(), reason)
	}
}
