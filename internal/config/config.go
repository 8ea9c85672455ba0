package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.matrixd/config.toml.
type Config struct {
	DefaultAccount string `toml:"default_account"`

	// CryptoResetFallbackDBs lists well-known crypto database file names to
	// delete during a crypto store reset when directory enumeration fails.
	// Kept as configuration because not every storage backend supports
	// enumeration.
	CryptoResetFallbackDBs []string `toml:"crypto_reset_fallback_dbs"`

	// CryptoResetSettleDelay is how long a reset waits between wiping the
	// crypto store and reconnecting.
	CryptoResetSettleDelay duration `toml:"crypto_reset_settle_delay"`

	// VerificationReadyTimeout bounds how long a verification request waits
	// for the other client to signal ready.
	VerificationReadyTimeout duration `toml:"verification_ready_timeout"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults applied by Load when the file omits a value.
const (
	defaultSettleDelay  = 750 * time.Millisecond
	defaultReadyTimeout = 60 * time.Second
)

var defaultFallbackDBs = []string{
	"crypto.db", "crypto.db-wal", "crypto.db-shm",
	"olm.db", "keys.db",
}

// Load reads config from the given path and fills in defaults. Returns zero
// config and error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with all defaults applied, for use when no
// config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.CryptoResetFallbackDBs) == 0 {
		c.CryptoResetFallbackDBs = append([]string(nil), defaultFallbackDBs...)
	}
	if c.CryptoResetSettleDelay.Duration == 0 {
		c.CryptoResetSettleDelay.Duration = defaultSettleDelay
	}
	if c.VerificationReadyTimeout.Duration == 0 {
		c.VerificationReadyTimeout.Duration = defaultReadyTimeout
	}
}

// SettleDelay returns the crypto reset settle delay.
func (c *Config) SettleDelay() time.Duration {
	return c.CryptoResetSettleDelay.Duration
}

// ReadyTimeout returns the verification ready-wait timeout.
func (c *Config) ReadyTimeout() time.Duration {
	return c.VerificationReadyTimeout.Duration
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
