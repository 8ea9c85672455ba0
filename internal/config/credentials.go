package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Credentials holds what the daemon needs to bind a Matrix session. The
// daemon only consumes these; storage policy belongs to whoever provisioned
// the account directory.
type Credentials struct {
	HomeserverURL string `toml:"homeserver_url"`
	UserID        string `toml:"user_id"`
	AccessToken   string `toml:"access_token"`
	// DeviceID is optional. When empty the daemon falls back to the cached
	// device id, then the homeserver's who-am-I answer, then lets the server
	// assign one.
	DeviceID string `toml:"device_id"`
	// PickleKey protects the local crypto store. Optional; a fixed
	// per-account default is derived from the user id when empty.
	PickleKey string `toml:"pickle_key"`
}

// Validate checks the required credential fields.
func (c *Credentials) Validate() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("credentials: homeserver_url is required")
	}
	if !strings.HasPrefix(c.UserID, "@") || !strings.Contains(c.UserID, ":") {
		return fmt.Errorf("credentials: user_id %q is not a fully-qualified Matrix user id", c.UserID)
	}
	if c.AccessToken == "" {
		return fmt.Errorf("credentials: access_token is required")
	}
	return nil
}

// LoadCredentials reads and validates a credentials file.
func LoadCredentials(path string) (*Credentials, error) {
	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveCredentials writes a credentials file with 0600 permissions.
func SaveCredentials(path string, creds *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(creds)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
