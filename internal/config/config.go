package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the host-side server configuration.
type Config struct {
	LocalPort        int      `yaml:"local_port"`
	RelayPort        int      `yaml:"relay_port"`
	MDNSEnabled      bool     `yaml:"mdns_enabled"`
	AutoStartTunnel  bool     `yaml:"auto_start_tunnel"`
	PairingTTLSecs   int      `yaml:"pairing_ttl_seconds"`
	AccessTTLSecs    int      `yaml:"access_ttl_seconds"`
	RefreshTTLSecs   int      `yaml:"refresh_ttl_seconds"`
	MaxFileSizeBytes int64    `yaml:"max_file_size_bytes"`
	CORSOrigins      []string `yaml:"cors_origins"`
	JWTSecret        string   `yaml:"jwt_secret"`
	JWTRefreshSecret string   `yaml:"jwt_refresh_secret"`
	TunnelHost       string   `yaml:"tunnel_host"`
	DemoToken        string   `yaml:"demo_token"` // dev-only relay handshake token
	DiagnosticsFile  string   `yaml:"diagnostics_file"`

	Logging LoggingConfig `yaml:"logging"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns a Config with all defaults filled in.
func Default() *Config {
	return &Config{
		LocalPort:        3002,
		RelayPort:        3004,
		MDNSEnabled:      true,
		AutoStartTunnel:  false,
		PairingTTLSecs:   300,
		AccessTTLSecs:    86400,
		RefreshTTLSecs:   604800,
		MaxFileSizeBytes: 5 * 1024 * 1024,
		TunnelHost:       "https://localtunnel.me",
		Logging:          LoggingConfig{Level: "info"},
	}
}

// PairingTTL is the lifetime of a pending pairing session.
func (c *Config) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLSecs) * time.Second
}

// AccessTTL is the access token lifetime.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTTLSecs) * time.Second
}

// RefreshTTL is the refresh token lifetime.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTTLSecs) * time.Second
}

// Load reads configuration from a file, then applies environment overrides.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides fields from CODELEASH_* environment variables.
// Variable names mirror the yaml keys uppercased.
func (c *Config) applyEnv() {
	if v := envInt("CODELEASH_LOCAL_PORT"); v != 0 {
		c.LocalPort = v
	}
	if v := envInt("CODELEASH_RELAY_PORT"); v != 0 {
		c.RelayPort = v
	}
	if v, ok := envBool("CODELEASH_MDNS_ENABLED"); ok {
		c.MDNSEnabled = v
	}
	if v, ok := envBool("CODELEASH_AUTO_START_TUNNEL"); ok {
		c.AutoStartTunnel = v
	}
	if v := envInt("CODELEASH_PAIRING_TTL_SECONDS"); v != 0 {
		c.PairingTTLSecs = v
	}
	if v := envInt("CODELEASH_ACCESS_TTL_SECONDS"); v != 0 {
		c.AccessTTLSecs = v
	}
	if v := envInt("CODELEASH_REFRESH_TTL_SECONDS"); v != 0 {
		c.RefreshTTLSecs = v
	}
	if v := envInt("CODELEASH_MAX_FILE_SIZE_BYTES"); v != 0 {
		c.MaxFileSizeBytes = int64(v)
	}
	if v := os.Getenv("CODELEASH_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("CODELEASH_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("CODELEASH_JWT_REFRESH_SECRET"); v != "" {
		c.JWTRefreshSecret = v
	}
	if v := os.Getenv("CODELEASH_TUNNEL_HOST"); v != "" {
		c.TunnelHost = v
	}
	if v := os.Getenv("CODELEASH_DIAGNOSTICS_FILE"); v != "" {
		c.DiagnosticsFile = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.LocalPort < 1 || c.LocalPort > 65535 {
		return fmt.Errorf("local_port must be 1-65535, got %d", c.LocalPort)
	}
	if c.RelayPort < 1 || c.RelayPort > 65535 {
		return fmt.Errorf("relay_port must be 1-65535, got %d", c.RelayPort)
	}
	if c.LocalPort == c.RelayPort {
		return fmt.Errorf("local_port and relay_port must differ")
	}
	if c.PairingTTLSecs <= 0 {
		return fmt.Errorf("pairing_ttl_seconds must be positive")
	}
	if c.AccessTTLSecs <= 0 || c.RefreshTTLSecs <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("max_file_size_bytes must be positive")
	}
	return nil
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
