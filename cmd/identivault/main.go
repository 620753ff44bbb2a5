// Package main provides the entry point for the IdentiVault tunnel
// server, an encrypted identity tunnel between credential holders and
// relay gateways.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"github.com/identivault/tunnel-server/internal/config"
	"github.com/identivault/tunnel-server/internal/keys"
	"github.com/identivault/tunnel-server/internal/ledger"
	"github.com/identivault/tunnel-server/internal/sso"
	"github.com/identivault/tunnel-server/internal/tunnel"
	"github.com/identivault/tunnel-server/internal/vault"
)

var log = logging.Logger("identivault")

var rootCmd = &cobra.Command{
	Use:   "identivault",
	Short: "IdentiVault - encrypted identity tunnel",
	Long: `identivault runs an encrypted tunnel between credential holders and
relay gateways. Relays authenticate holders against a distributed
identity ledger and broker access to sealed credential vaults and
single sign-on tokens.`,
	// Runs after flag parsing, so --debug takes effect for every
	// subcommand.
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		applyLogLevel()
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the tunnel daemon",
	Long:  `Start the tunnel daemon in the configured role (holder or relay).`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and keys",
	Long:  `Initialize the configuration file, data directories, and wallet secret.`,
	RunE:  runInit,
}

var connectCmd = &cobra.Command{
	Use:   "connect <relay-multiaddr>",
	Short: "Connect to a relay and authenticate",
	Long:  `Dial a relay, run the key-exchange handshake, and authenticate as the given principal.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runConnect,
}

var (
	configPath string
	listenAddr string
	principal  string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")
	connectCmd.Flags().StringVarP(&principal, "principal", "p", "", "principal identifier to authenticate as")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(connectCmd)
}

func applyLogLevel() {
	if debug {
		logging.SetAllLoggers(logging.LevelDebug)
	} else {
		logging.SetAllLoggers(logging.LevelInfo)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadIdentity loads the wallet secret from the sealed keystore,
// creating one on first run, and derives the peer identity from it.
func loadIdentity(cfg *config.Config) (*keys.Identity, error) {
	basePath := filepath.Dir(cfg.Storage.Path)
	ks, err := keys.NewKeystore(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}

	password := keys.DeriveDefaultPassword()

	if !ks.HasSecret() {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate wallet secret: %w", err)
		}
		if err := ks.SaveSecret(secret, password); err != nil {
			return nil, fmt.Errorf("failed to save wallet secret: %w", err)
		}
		log.Infof("Generated new wallet secret in %s", basePath)
	}

	secret, err := ks.LoadSecret(password)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet secret: %w", err)
	}

	identity, err := keys.FromWalletSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive identity: %w", err)
	}
	log.Infof("Identity loaded (fingerprint %s)", identity.Fingerprint())
	return identity, nil
}

// buildCollaborators wires the ledger, vault, and SSO backends a relay
// serves requests with. Holders carry no collaborators.
func buildCollaborators(cfg *config.Config, identity *keys.Identity) (tunnel.Collaborators, *sso.RecordStore, error) {
	if cfg.Role != config.RoleRelay {
		return tunnel.Collaborators{}, nil, nil
	}

	records, err := sso.NewRecordStore(filepath.Join(filepath.Dir(cfg.Storage.Path), "sso.db"))
	if err != nil {
		return tunnel.Collaborators{}, nil, fmt.Errorf("failed to open sso record store: %w", err)
	}

	issuer, err := sso.NewIssuer(
		cfg.SSO.Issuer,
		ed25519.PrivateKey(identity.SigningKey.PrivateKey),
		cfg.SSO.TokenTTL,
		cfg.SSO.AppTokenTTL,
		records,
	)
	if err != nil {
		records.Close()
		return tunnel.Collaborators{}, nil, fmt.Errorf("failed to create sso issuer: %w", err)
	}

	return tunnel.Collaborators{
		Ledger: ledger.NewClient(cfg.Ledger.BaseURL, cfg.Ledger.Timeout),
		Vault:  vault.NewClient(cfg.Vault.GatewayURL, cfg.Vault.Timeout),
		SSO:    issuer,
	}, records, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Network.Listen = []string{listenAddr}
	}

	identity, err := loadIdentity(cfg)
	if err != nil {
		return err
	}
	defer identity.Zero()

	collab, records, err := buildCollaborators(cfg, identity)
	if err != nil {
		return err
	}
	if records != nil {
		defer records.Close()
	}

	m, err := tunnel.New(ctx, cfg, identity, collab)
	if err != nil {
		return fmt.Errorf("failed to create tunnel manager: %w", err)
	}

	log.Infof("Starting IdentiVault daemon (role=%s)...", cfg.Role)
	if err := m.Start(ctx); err != nil {
		_ = m.Stop()
		return fmt.Errorf("failed to start tunnel manager: %w", err)
	}

	log.Infof("Peer ID: %s", m.PeerID())
	for _, addr := range m.ListenAddrs() {
		log.Infof("Listening on: %s", addr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")
	return m.Stop()
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if _, err := loadIdentity(cfg); err != nil {
		return err
	}

	log.Infof("Initialized IdentiVault configuration at %s", config.DefaultPath())
	return nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Role = config.RoleHolder
	cfg.Network.Listen = []string{"/ip4/0.0.0.0/tcp/0"}

	identity, err := loadIdentity(cfg)
	if err != nil {
		return err
	}
	defer identity.Zero()

	relayInfo, err := peer.AddrInfoFromString(args[0])
	if err != nil {
		return fmt.Errorf("invalid relay address: %w", err)
	}

	m, err := tunnel.New(ctx, cfg, identity, tunnel.Collaborators{})
	if err != nil {
		return fmt.Errorf("failed to create tunnel manager: %w", err)
	}
	defer m.Stop()

	dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
	defer dialCancel()
	if err := m.Connect(dialCtx, *relayInfo); err != nil {
		return err
	}
	log.Infof("Tunnel established with %s", relayInfo.ID)

	if principal == "" {
		return nil
	}

	token, err := m.Authenticate(dialCtx, relayInfo.ID, principal)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	log.Infof("Authenticated as %s", principal)
	fmt.Println(token)
	return nil
}
