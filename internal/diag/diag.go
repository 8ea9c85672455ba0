// Package diag computes the session's diagnostics record: environment
// capability flags plus the latest known crypto-subsystem readiness.
// Probe is a pure function; the record is always replaced as a whole,
// never patched field by field.
package diag

// Environment holds capability flags of the surface embedding the session.
// A web surface fills these from the browser; the daemon derives a host-side
// equivalent (TLS homeserver, writable account dir, crypto store control).
type Environment struct {
	SecureContext              bool
	CrossOriginIsolated        bool
	SharedArrayBufferAvailable bool
	ServiceWorkerControlled    bool
}

// CryptoState is the latest known state of the cryptographic subsystems.
// Readiness fields are tri-state: nil means unknown (crypto not probed or
// session disconnected).
type CryptoState struct {
	SecretStorageReady *bool
	CrossSigningReady  *bool
	KeyBackupEnabled   *bool
	LastError          string
}

// Diagnostics is the combined probe result.
type Diagnostics struct {
	SecureContext              bool
	CrossOriginIsolated        bool
	SharedArrayBufferAvailable bool
	ServiceWorkerControlled    bool

	SecretStorageReady *bool
	CrossSigningReady  *bool
	KeyBackupEnabled   *bool
	LastCryptoError    string
}

// Probe combines environment flags with crypto state into a fresh
// diagnostics record. Total and side-effect free: connection state and
// crypto readiness are deliberately kept orthogonal and only meet here.
func Probe(env Environment, crypto CryptoState) Diagnostics {
	return Diagnostics{
		SecureContext:              env.SecureContext,
		CrossOriginIsolated:        env.CrossOriginIsolated,
		SharedArrayBufferAvailable: env.SharedArrayBufferAvailable,
		ServiceWorkerControlled:    env.ServiceWorkerControlled,
		SecretStorageReady:         crypto.SecretStorageReady,
		CrossSigningReady:          crypto.CrossSigningReady,
		KeyBackupEnabled:           crypto.KeyBackupEnabled,
		LastCryptoError:            crypto.LastError,
	}
}

// Bool is a convenience for building tri-state readiness values.
func Bool(v bool) *bool {
	return &v
}
