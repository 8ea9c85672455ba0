package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestDeviceIDCache(t *testing.T) {
	db := testDB(t)
	user := "@alice:example.org"

	// Empty cache returns empty string, no error.
	got, err := db.DeviceID(user)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("DeviceID on empty cache = %q, want empty", got)
	}

	if err := db.SetDeviceID(user, "DEVICEAAA"); err != nil {
		t.Fatal(err)
	}
	got, err = db.DeviceID(user)
	if err != nil {
		t.Fatal(err)
	}
	if got != "DEVICEAAA" {
		t.Errorf("DeviceID = %q, want DEVICEAAA", got)
	}

	// Upsert replaces.
	if err := db.SetDeviceID(user, "DEVICEBBB"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.DeviceID(user)
	if got != "DEVICEBBB" {
		t.Errorf("DeviceID after upsert = %q, want DEVICEBBB", got)
	}

	// Clear forces a fresh server-assigned id next connect.
	if err := db.ClearDeviceID(user); err != nil {
		t.Fatal(err)
	}
	got, _ = db.DeviceID(user)
	if got != "" {
		t.Errorf("DeviceID after clear = %q, want empty", got)
	}
}

func TestDeviceIDKeyedByUser(t *testing.T) {
	db := testDB(t)
	_ = db.SetDeviceID("@alice:example.org", "AAA")
	_ = db.SetDeviceID("@bob:example.org", "BBB")

	got, _ := db.DeviceID("@alice:example.org")
	if got != "AAA" {
		t.Errorf("alice device = %q, want AAA", got)
	}
	got, _ = db.DeviceID("@bob:example.org")
	if got != "BBB" {
		t.Errorf("bob device = %q, want BBB", got)
	}
}

func TestRecoveryKeyCache(t *testing.T) {
	db := testDB(t)
	user := "@alice:example.org"

	got, err := db.RecoveryKey(user)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("RecoveryKey on empty cache = %q, want empty", got)
	}

	if err := db.SetRecoveryKey(user, "EsT1 abcd efgh"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.RecoveryKey(user)
	if got != "EsT1 abcd efgh" {
		t.Errorf("RecoveryKey = %q", got)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("c1", "!room:example.org", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("c2", "!room:example.org", "world"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ClientMsgID != "c1" {
		t.Errorf("first pending = %q, want c1 (FIFO)", pending[0].ClientMsgID)
	}

	if err := db.MarkOutboxSending("c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("c1", "$evt1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("c2", "M_FORBIDDEN"); err != nil {
		t.Fatal(err)
	}

	pending, err = db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after terminal states = %d, want 0", len(pending))
	}
}
