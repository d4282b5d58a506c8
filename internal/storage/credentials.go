// Package storage reads machine-local agent state written by the login
// wizard.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CredentialsFileName is the default file name under the agent home.
const CredentialsFileName = "credentials.json"

// ErrIncompleteCredentials is returned for a credentials file missing the
// agent id or api key.
var ErrIncompleteCredentials = errors.New("incomplete credentials")

// Credentials is the {agentId, apiKey} pair produced by login.
//
// The api key is a secret: it is only ever sent in the authenticate frame and
// must not be logged.
type Credentials struct {
	AgentID   string `json:"agentId"`
	APIKey    string `json:"apiKey"`
	AgentName string `json:"agentName,omitempty"`
}

// DefaultCredentialsPath returns ~/.stamn/credentials.json.
func DefaultCredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".stamn", CredentialsFileName), nil
}

// LoadCredentials reads the credentials file at path.
//
// ok is false when no file exists.
func LoadCredentials(path string) (creds Credentials, ok bool, err error) {
	if strings.TrimSpace(path) == "" {
		return Credentials{}, false, fmt.Errorf("missing credentials path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, false, nil
		}
		return Credentials{}, false, err
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, false, fmt.Errorf("parse %s: %w", path, err)
	}
	creds.AgentID = strings.TrimSpace(creds.AgentID)
	creds.APIKey = strings.TrimSpace(creds.APIKey)
	if creds.AgentID == "" || creds.APIKey == "" {
		return Credentials{}, false, fmt.Errorf("%w: %s", ErrIncompleteCredentials, path)
	}
	return creds, true, nil
}

// CheckPermissions reports an error if the credentials file at path is
// readable by group or others.
func CheckPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("%s has mode %04o, expected 0600", path, perm)
	}
	return nil
}
