// Package config provides configuration management for the tunnel server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

// Roles a node can run as.
const (
	RoleHolder = "holder"
	RoleRelay  = "relay"
)

// Config represents the tunnel server configuration.
type Config struct {
	Role    string        `yaml:"role"`   // "holder" or "relay"
	Region  string        `yaml:"region"` // opaque partition tag used for peer discovery
	Network NetworkConfig `yaml:"network"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Vault   VaultConfig   `yaml:"vault"`
	SSO     SSOConfig     `yaml:"sso"`
	Storage StorageConfig `yaml:"storage"`
}

// NetworkConfig contains transport-related settings.
type NetworkConfig struct {
	Listen    []string `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
	MaxConns  int      `yaml:"max_connections"`
}

// TunnelConfig contains secure-tunnel protocol settings.
type TunnelConfig struct {
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	ChallengeTTL        time.Duration `yaml:"challenge_ttl"`
	CollaboratorTimeout time.Duration `yaml:"collaborator_timeout"`
	// Auth-failure backoff per peer.
	AuthFailuresPerMinute int `yaml:"auth_failures_per_minute"`
	AuthFailureBurst      int `yaml:"auth_failure_burst"`
	// Envelope authentication failures tolerated before an operator alert.
	DecryptAlertThreshold int `yaml:"decrypt_alert_threshold"`
}

// LedgerConfig locates the identity registry collaborator.
type LedgerConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// VaultConfig locates the content-addressed vault gateway.
type VaultConfig struct {
	GatewayURL string        `yaml:"gateway_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SSOConfig contains token issuance settings.
type SSOConfig struct {
	Issuer      string        `yaml:"issuer"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	AppTokenTTL time.Duration `yaml:"app_token_ttl"`
}

// StorageConfig contains local data directory settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataPath := filepath.Join(homeDir, ".identivault", "data")

	return &Config{
		Role:   RoleRelay,
		Region: "global",
		Network: NetworkConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4701",
				"/ip4/0.0.0.0/tcp/8701/ws",
			},
			Bootstrap: []string{},
			MaxConns:  1000,
		},
		Tunnel: TunnelConfig{
			HandshakeTimeout:      15 * time.Second,
			ChallengeTTL:          2 * time.Minute,
			CollaboratorTimeout:   10 * time.Second,
			AuthFailuresPerMinute: 10,
			AuthFailureBurst:      5,
			DecryptAlertThreshold: 5,
		},
		Ledger: LedgerConfig{
			BaseURL: "http://127.0.0.1:1317",
			Timeout: 10 * time.Second,
		},
		Vault: VaultConfig{
			GatewayURL: "http://127.0.0.1:8080/ipfs",
			Timeout:    15 * time.Second,
		},
		SSO: SSOConfig{
			Issuer:      "identivault-relay",
			TokenTTL:    time.Hour,
			AppTokenTTL: 15 * time.Minute,
		},
		Storage: StorageConfig{
			Path: dataPath,
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".identivault", "config.yaml")
}

// Load loads the configuration from a file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	// Unmarshal over defaults so partial config files keep sane values.
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Role != RoleHolder && c.Role != RoleRelay {
		return fmt.Errorf("invalid role %q (must be %q or %q)", c.Role, RoleHolder, RoleRelay)
	}
	for _, addr := range c.Network.Listen {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
	}
	if c.Tunnel.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive")
	}
	if c.Tunnel.ChallengeTTL <= 0 {
		return fmt.Errorf("challenge_ttl must be positive")
	}
	return nil
}
