package account

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.matrixd.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".matrixd")
}

// Dir returns the account-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "accounts", name)
}

// LockPath returns the lock file path for an account.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// CacheDBPath returns the app-owned cache.db path (device id cache,
// recovery key cache, outbox).
func CacheDBPath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// CryptoDir returns the directory holding the protocol client's crypto
// databases (olm account, sessions, key store).
func CryptoDir(name string) string {
	return filepath.Join(Dir(name), "crypto")
}

// CryptoDBPath returns the default crypto database path inside CryptoDir.
func CryptoDBPath(name string) string {
	return filepath.Join(CryptoDir(name), "crypto.db")
}

// CredentialsPath returns the per-account credentials file path.
func CredentialsPath(name string) string {
	return filepath.Join(Dir(name), "credentials.toml")
}

// LogDir returns the log directory for an account.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "matrixd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the account directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		CryptoDir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
