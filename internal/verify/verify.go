// Package verify drives the SAS (short authentication string) device
// verification handshake: request, wait for the other client to become
// ready, start the SAS sub-protocol, show comparison codes, and resolve
// with confirm, mismatch or cancel. At most one verification session is
// active process-wide.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/halldesk/matrixd/internal/bus"
	"go.uber.org/zap"
)

// Phase is the coordinator's observable state.
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseRequested     Phase = "REQUESTED"
	PhaseAwaitingReady Phase = "AWAITING_READY"
	PhaseStarted       Phase = "STARTED"
	PhaseShowingCodes  Phase = "SHOWING_CODES"
)

// ErrUnknownDevice is wrapped by transports when the homeserver does not
// know the targeted device. The coordinator recovers from this once by
// retrying in the general self-verification form.
var ErrUnknownDevice = errors.New("other device is unknown to the homeserver")

// ErrSessionActive is returned when a verification is requested while one
// is already in flight. Superseding an active handshake is deliberately not
// supported; the caller must cancel first.
var ErrSessionActive = errors.New("a verification session is already active")

// ErrCryptoUnavailable is returned when verification is requested without a
// working crypto subsystem.
var ErrCryptoUnavailable = errors.New("verification requires encryption support")

// errReset is returned by a Request whose handshake was torn down by Reset.
// The state is already cleared; nothing is sent on the wire and no error is
// recorded.
var errReset = errors.New("verification abandoned: session reset")

// resetSignal is the internal cancellation reason Reset feeds into the
// failed channel to wake a blocked handshake.
const resetSignal = "\x00reset"

// Emoji is one SAS comparison symbol with its protocol-defined description.
type Emoji struct {
	Symbol      string
	Description string
}

// Session is the single active verification session: the two code
// representations plus the transaction identity.
type Session struct {
	TransactionID string
	OtherDeviceID string
	Emojis        []Emoji
	Decimals      *[3]int
}

// Transport is the protocol-client capability set the coordinator drives.
type Transport interface {
	// RequestSelf asks all of the user's other devices for verification.
	RequestSelf(ctx context.Context) (txnID string, err error)
	// RequestDevice asks one specific device for verification.
	RequestDevice(ctx context.Context, deviceID string) (txnID string, err error)
	// StartSAS begins the SAS sub-protocol for an accepted transaction.
	StartSAS(ctx context.Context, txnID string) error
	// ConfirmSAS asserts the displayed codes matched.
	ConfirmSAS(ctx context.Context, txnID string) error
	// Cancel aborts the transaction. mismatch selects the "keys don't
	// match" cancellation code over the neutral "user cancelled" one.
	Cancel(ctx context.Context, txnID string, mismatch bool, reason string) error
}

// Coordinator owns the verification state machine. All transport callbacks
// and public operations are serialized behind its mutex.
type Coordinator struct {
	transport    Transport
	cryptoReady  func() bool
	readyTimeout time.Duration
	bus          *bus.Bus
	logger       *zap.Logger

	mu       sync.Mutex
	phase    Phase
	session  *Session
	lastErr  string
	ready    chan string // carries other device id
	codes    chan Session
	failed   chan string // carries remote cancellation reason
	txnID    string
}

// NewCoordinator creates a coordinator. cryptoReady gates Request: it must
// report whether the session's crypto subsystem is usable. readyTimeout
// bounds the wait for the other client, 60 seconds in the default config.
func NewCoordinator(transport Transport, cryptoReady func() bool, readyTimeout time.Duration, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		transport:    transport,
		cryptoReady:  cryptoReady,
		readyTimeout: readyTimeout,
		bus:          b,
		logger:       logger,
		phase:        PhaseIdle,
	}
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Session returns a copy of the active session, or nil.
func (c *Coordinator) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// LastError returns the last verification error, held until superseded or
// cleared by a new attempt.
func (c *Coordinator) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Request runs the handshake up to ShowingCodes: request verification
// (of otherDeviceID when non-empty, else of the user's other devices in
// general), wait for ready bounded by the configured timeout, then start
// SAS. A stale device id that the homeserver no longer knows is recovered
// once by falling back to the general form.
func (c *Coordinator) Request(ctx context.Context, otherDeviceID string) error {
	if !c.cryptoReady() {
		return ErrCryptoUnavailable
	}

	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.lastErr = ""
	c.session = nil
	c.ready = make(chan string, 1)
	c.codes = make(chan Session, 1)
	c.failed = make(chan string, 1)
	c.setPhaseLocked(PhaseRequested)
	c.mu.Unlock()

	err := c.runHandshake(ctx, otherDeviceID, true)
	if errors.Is(err, errReset) {
		// Reset already cleared the state; recording the abandonment as an
		// error would repollute the fresh slot.
		return err
	}
	if err != nil {
		c.failWith(err.Error())
		return err
	}
	return nil
}

func (c *Coordinator) runHandshake(ctx context.Context, otherDeviceID string, allowFallback bool) error {
	var txnID string
	var err error
	if otherDeviceID != "" {
		txnID, err = c.transport.RequestDevice(ctx, otherDeviceID)
	} else {
		txnID, err = c.transport.RequestSelf(ctx)
	}
	if err != nil {
		if allowFallback && otherDeviceID != "" && errors.Is(err, ErrUnknownDevice) {
			return c.runHandshake(ctx, "", false)
		}
		return fmt.Errorf("request verification: %w", err)
	}

	c.mu.Lock()
	c.txnID = txnID
	c.setPhaseLocked(PhaseAwaitingReady)
	ready, codes, failed := c.ready, c.codes, c.failed
	c.mu.Unlock()

	// Wait for the other client to accept, bounded by the ready timeout.
	timer := time.NewTimer(c.readyTimeout)
	defer timer.Stop()

	var otherDevice string
	select {
	case otherDevice = <-ready:
	case reason := <-failed:
		if reason == resetSignal {
			return errReset
		}
		return fmt.Errorf("verification cancelled by other client: %s", reason)
	case <-timer.C:
		_ = c.transport.Cancel(ctx, txnID, false, "timeout")
		return errors.New("the other client did not respond in time")
	case <-ctx.Done():
		_ = c.transport.Cancel(ctx, txnID, false, "cancelled")
		return ctx.Err()
	}

	c.mu.Lock()
	c.setPhaseLocked(PhaseStarted)
	c.mu.Unlock()

	if err := c.transport.StartSAS(ctx, txnID); err != nil {
		if allowFallback && otherDeviceID != "" && errors.Is(err, ErrUnknownDevice) {
			// Stale cached device id: retry once in the general form.
			c.logger.Info("verification target device unknown, retrying general self-verification")
			return c.runHandshake(ctx, "", false)
		}
		return fmt.Errorf("start SAS: %w", err)
	}

	// Wait for the comparison codes.
	select {
	case session := <-codes:
		session.OtherDeviceID = otherDevice
		c.mu.Lock()
		c.session = &session
		c.setPhaseLocked(PhaseShowingCodes)
		c.mu.Unlock()
		return nil
	case reason := <-failed:
		if reason == resetSignal {
			return errReset
		}
		return fmt.Errorf("verification cancelled by other client: %s", reason)
	case <-timer.C:
		_ = c.transport.Cancel(ctx, txnID, false, "timeout")
		return errors.New("the other client did not respond in time")
	case <-ctx.Done():
		_ = c.transport.Cancel(ctx, txnID, false, "cancelled")
		return ctx.Err()
	}
}

// Confirm asserts the codes matched and completes the handshake.
func (c *Coordinator) Confirm(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseShowingCodes {
		c.mu.Unlock()
		return fmt.Errorf("no codes are being shown")
	}
	txnID := c.txnID
	c.mu.Unlock()

	if err := c.transport.ConfirmSAS(ctx, txnID); err != nil {
		c.failWith(err.Error())
		return fmt.Errorf("confirm SAS: %w", err)
	}

	c.mu.Lock()
	c.session = nil
	c.lastErr = ""
	c.setPhaseLocked(PhaseIdle)
	c.mu.Unlock()
	return nil
}

// Mismatch asserts the codes did not match, cancelling the handshake.
func (c *Coordinator) Mismatch(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseShowingCodes {
		c.mu.Unlock()
		return fmt.Errorf("no codes are being shown")
	}
	txnID := c.txnID
	c.mu.Unlock()

	err := c.transport.Cancel(ctx, txnID, true, "the comparison codes did not match")
	c.failWith("verification failed: the codes did not match")
	return err
}

// Cancel aborts the handshake without asserting a mismatch.
func (c *Coordinator) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == PhaseIdle {
		c.mu.Unlock()
		return nil
	}
	txnID := c.txnID
	c.mu.Unlock()

	err := c.transport.Cancel(ctx, txnID, false, "verification cancelled")
	c.failWith("verification cancelled")
	return err
}

// Reset clears the coordinator without touching the network. Called on
// disconnect: the underlying transaction dies with the connection. A
// Request blocked in the handshake is woken and returns immediately
// instead of running out its ready timeout against the dead connection.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	failed := c.failed
	c.session = nil
	c.txnID = ""
	c.lastErr = ""
	c.setPhaseLocked(PhaseIdle)
	c.mu.Unlock()

	if failed != nil {
		select {
		case failed <- resetSignal:
		default:
		}
	}
}

// OnReady is the transport callback for the other client accepting the
// request (or the request arriving already started).
func (c *Coordinator) OnReady(txnID, otherDeviceID string) {
	c.mu.Lock()
	ready := c.ready
	match := txnID == c.txnID
	c.mu.Unlock()
	if !match || ready == nil {
		return
	}
	select {
	case ready <- otherDeviceID:
	default:
	}
}

// OnShowSAS is the transport callback delivering the comparison codes.
func (c *Coordinator) OnShowSAS(txnID string, emojis []Emoji, decimals *[3]int) {
	c.mu.Lock()
	codes := c.codes
	match := txnID == c.txnID
	c.mu.Unlock()
	if !match || codes == nil {
		return
	}
	select {
	case codes <- Session{TransactionID: txnID, Emojis: emojis, Decimals: decimals}:
	default:
	}
}

// OnDone is the transport callback for the other side confirming.
func (c *Coordinator) OnDone(txnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if txnID != c.txnID {
		return
	}
	c.logger.Info("verification completed by other client", zap.String("txn_id", txnID))
}

// OnRemoteCancel is the transport callback for the other party aborting.
// The remote-supplied reason surfaces through the same error slot local
// failures use.
func (c *Coordinator) OnRemoteCancel(txnID, reason string) {
	c.mu.Lock()
	failed := c.failed
	match := txnID == c.txnID
	waiting := c.phase == PhaseAwaitingReady || c.phase == PhaseStarted
	c.mu.Unlock()
	if !match {
		return
	}
	if waiting && failed != nil {
		// A Request call is blocked on the handshake; let it surface the
		// remote reason itself.
		select {
		case failed <- reason:
		default:
		}
		return
	}
	c.failWith("verification cancelled by other client: " + reason)
}

// failWith records an error, clears the session and returns to Idle.
func (c *Coordinator) failWith(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = reason
	c.session = nil
	c.txnID = ""
	c.setPhaseLocked(PhaseIdle)
}

func (c *Coordinator) setPhaseLocked(p Phase) {
	if c.phase == p {
		return
	}
	c.phase = p
	if c.bus != nil {
		c.bus.Publish(bus.Event{
			Kind:      "verify.changed",
			Timestamp: time.Now(),
			Payload:   p,
		})
	}
}
