package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LocalPort != 3002 {
		t.Errorf("LocalPort = %d, want 3002", cfg.LocalPort)
	}
	if cfg.RelayPort != 3004 {
		t.Errorf("RelayPort = %d, want 3004", cfg.RelayPort)
	}
	if !cfg.MDNSEnabled {
		t.Error("MDNSEnabled should default to true")
	}
	if cfg.AutoStartTunnel {
		t.Error("AutoStartTunnel should default to false")
	}
	if cfg.MaxFileSizeBytes != 5*1024*1024 {
		t.Errorf("MaxFileSizeBytes = %d, want 5 MiB", cfg.MaxFileSizeBytes)
	}
	if cfg.PairingTTLSecs != 300 || cfg.AccessTTLSecs != 86400 || cfg.RefreshTTLSecs != 604800 {
		t.Errorf("unexpected TTL defaults: %d %d %d", cfg.PairingTTLSecs, cfg.AccessTTLSecs, cfg.RefreshTTLSecs)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("local_port: 4002\nrelay_port: 4004\njwt_secret: abc\nlogging:\n  level: debug\n")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LocalPort != 4002 || cfg.RelayPort != 4004 {
		t.Errorf("ports = %d/%d, want 4002/4004", cfg.LocalPort, cfg.RelayPort)
	}
	if cfg.JWTSecret != "abc" {
		t.Errorf("JWTSecret = %q", cfg.JWTSecret)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	// Untouched fields keep defaults
	if cfg.PairingTTLSecs != 300 {
		t.Errorf("PairingTTLSecs = %d, want 300", cfg.PairingTTLSecs)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CODELEASH_LOCAL_PORT", "5002")
	t.Setenv("CODELEASH_JWT_SECRET", "env-secret")
	t.Setenv("CODELEASH_MDNS_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LocalPort != 5002 {
		t.Errorf("LocalPort = %d, want 5002", cfg.LocalPort)
	}
	if cfg.JWTSecret != "env-secret" {
		t.Errorf("JWTSecret = %q", cfg.JWTSecret)
	}
	if cfg.MDNSEnabled {
		t.Error("MDNSEnabled should be overridden to false")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.LocalPort = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 0")
	}

	cfg = Default()
	cfg.RelayPort = cfg.LocalPort
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for equal ports")
	}

	cfg = Default()
	cfg.PairingTTLSecs = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative TTL")
	}
}
