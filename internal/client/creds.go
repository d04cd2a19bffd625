package client

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Credentials is the persisted device identity after pairing.
type Credentials struct {
	DeviceID      string `yaml:"device_id"`
	DeviceName    string `yaml:"device_name"`
	WorkspaceID   string `yaml:"workspace_id"`
	WorkspaceName string `yaml:"workspace_name"`
	AccessToken   string `yaml:"access_token"`
	RefreshToken  string `yaml:"refresh_token"`
	LocalURL      string `yaml:"local_url,omitempty"`
	RelayURL      string `yaml:"relay_url,omitempty"`
}

// CredentialStore reads and writes the credentials YAML file.
type CredentialStore struct {
	path string
	mu   sync.Mutex
}

func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path}
}

// DefaultCredentialsPath is ~/.codeleash/credentials.yaml.
func DefaultCredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".codeleash", "credentials.yaml"), nil
}

// Load reads stored credentials; a missing file returns nil, nil.
func (s *CredentialStore) Load() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var c Credentials
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &c, nil
}

// Save writes credentials with owner-only permissions.
func (s *CredentialStore) Save(c *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Clear removes the stored credentials.
func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}
