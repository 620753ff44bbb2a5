package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Role != RoleRelay {
		t.Errorf("expected default role %q, got %q", RoleRelay, cfg.Role)
	}
	if cfg.Region == "" {
		t.Error("expected non-empty default region")
	}
	if len(cfg.Network.Listen) == 0 {
		t.Error("expected default listen addresses")
	}
	if cfg.Tunnel.HandshakeTimeout <= 0 {
		t.Error("expected positive handshake timeout")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Role != RoleRelay {
		t.Errorf("expected default role, got %q", cfg.Role)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Role = RoleHolder
	cfg.Region = "eu-west"
	cfg.Network.Bootstrap = []string{
		"/ip4/127.0.0.1/tcp/4701/p2p/12D3KooWLr1gYejUTeriAsSu6roR2aQ423G3Q4fFTqzqSwTsMz9n",
	}
	cfg.Tunnel.ChallengeTTL = 30 * time.Second

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if loaded.Role != RoleHolder {
		t.Errorf("expected role %q, got %q", RoleHolder, loaded.Role)
	}
	if loaded.Region != "eu-west" {
		t.Errorf("expected region eu-west, got %q", loaded.Region)
	}
	if len(loaded.Network.Bootstrap) != 1 {
		t.Errorf("expected 1 bootstrap peer, got %d", len(loaded.Network.Bootstrap))
	}
	if loaded.Tunnel.ChallengeTTL != 30*time.Second {
		t.Errorf("expected challenge TTL 30s, got %v", loaded.Tunnel.ChallengeTTL)
	}
}

func TestValidateRejectsBadRole(t *testing.T) {
	cfg := Default()
	cfg.Role = "observer"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid role")
	}
}

func TestValidateRejectsBadListenAddr(t *testing.T) {
	cfg := Default()
	cfg.Network.Listen = []string{"not-a-multiaddr"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid listen address")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("role: nobody\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error on load")
	}
}
