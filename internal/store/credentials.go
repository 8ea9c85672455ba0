package store

import (
	"database/sql"
	"errors"
	"time"
)

// DeviceID returns the cached device id for a user, or empty string when
// none is cached. The cache is what makes reconnects idempotent: the same
// device identity is presented to the homeserver across restarts.
func (db *DB) DeviceID(userID string) (string, error) {
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM device_ids WHERE user_id = ?`, userID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return deviceID, nil
}

// SetDeviceID caches the resolved device id for a user.
func (db *DB) SetDeviceID(userID, deviceID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO device_ids (user_id, device_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			device_id = excluded.device_id,
			updated_at = excluded.updated_at`,
		userID, deviceID, now)
	return err
}

// ClearDeviceID removes the cached device id, forcing the homeserver to
// assign a fresh one on the next connect. Used by the crypto store reset.
func (db *DB) ClearDeviceID(userID string) error {
	_, err := db.Exec(`DELETE FROM device_ids WHERE user_id = ?`, userID)
	return err
}

// RecoveryKey returns the locally cached secret-storage recovery key for a
// user, or empty string when none is cached. The session never prompts for
// a recovery key remotely; this cache is the only source.
func (db *DB) RecoveryKey(userID string) (string, error) {
	var key string
	err := db.QueryRow(`SELECT recovery_key FROM recovery_keys WHERE user_id = ?`, userID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return key, nil
}

// SetRecoveryKey caches the recovery key for a user.
func (db *DB) SetRecoveryKey(userID, key string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO recovery_keys (user_id, recovery_key, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			recovery_key = excluded.recovery_key,
			updated_at = excluded.updated_at`,
		userID, key, now)
	return err
}
