package tunnel

import (
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/identivault/tunnel-server/internal/config"
	"github.com/identivault/tunnel-server/internal/keys"
	"github.com/identivault/tunnel-server/internal/ledger"
	"github.com/identivault/tunnel-server/internal/session"
)

func testConfig(t *testing.T, role string) *config.Config {
	cfg := config.Default()
	cfg.Role = role
	cfg.Network.Listen = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Storage.Path = filepath.Join(t.TempDir(), "data")
	return cfg
}

// tunnelPair spins up a relay and a holder on loopback with an
// established tunnel between them.
type tunnelPair struct {
	relay    *Manager
	holder   *Manager
	resolver *mockResolver
	fetcher  *mockFetcher
	issuer   *mockIssuer
}

func newTunnelPair(t *testing.T) *tunnelPair {
	t.Helper()
	ctx := context.Background()

	relayID, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate relay identity: %v", err)
	}
	holderID, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate holder identity: %v", err)
	}

	resolver := &mockResolver{
		keys: map[string]ed25519.PublicKey{
			"did:idv:alice": ed25519.PublicKey(holderID.SigningKey.PublicKey),
		},
		records: map[string]*ledger.IdentityRecord{
			"did:idv:alice": {VaultRef: "bafyvaultref", IsActive: true},
		},
	}
	fetcher := &mockFetcher{payload: []byte("sealed vault bytes")}
	issuer := &mockIssuer{}

	relay, err := New(ctx, testConfig(t, config.RoleRelay), relayID, Collaborators{
		Ledger: resolver, Vault: fetcher, SSO: issuer,
	})
	if err != nil {
		t.Fatalf("create relay: %v", err)
	}
	t.Cleanup(func() { _ = relay.Stop() })

	holder, err := New(ctx, testConfig(t, config.RoleHolder), holderID, Collaborators{})
	if err != nil {
		t.Fatalf("create holder: %v", err)
	}
	t.Cleanup(func() { _ = holder.Stop() })

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err = holder.Connect(connectCtx, peer.AddrInfo{
		ID:    relay.PeerID(),
		Addrs: relay.ListenAddrs(),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	return &tunnelPair{relay: relay, holder: holder, resolver: resolver, fetcher: fetcher, issuer: issuer}
}

func TestTunnelHandshakeEstablishesSharedSecret(t *testing.T) {
	pair := newTunnelPair(t)

	holderSess, err := pair.holder.Sessions().Get(pair.relay.PeerID())
	if err != nil {
		t.Fatalf("holder session missing: %v", err)
	}
	relaySess, err := pair.relay.Sessions().Get(pair.holder.PeerID())
	if err != nil {
		t.Fatalf("relay session missing: %v", err)
	}

	if holderSess.State() != session.StateEstablished {
		t.Errorf("holder session state = %s", holderSess.State())
	}
	if relaySess.State() != session.StateEstablished {
		t.Errorf("relay session state = %s", relaySess.State())
	}
	if string(holderSess.SecretCopy()) != string(relaySess.SecretCopy()) {
		t.Error("both sides must derive the identical session secret")
	}
	if holderSess.Role != config.RoleRelay || relaySess.Role != config.RoleHolder {
		t.Errorf("roles recorded wrong: %s / %s", holderSess.Role, relaySess.Role)
	}
}

func TestTunnelFullFlow(t *testing.T) {
	pair := newTunnelPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	relayPeer := pair.relay.PeerID()

	token, err := pair.holder.Authenticate(ctx, relayPeer, "did:idv:alice")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token == "" {
		t.Fatal("empty session token")
	}

	payload, err := pair.holder.DecryptVault(ctx, relayPeer, token, "")
	if err != nil {
		t.Fatalf("decrypt vault: %v", err)
	}
	if string(payload) != "sealed vault bytes" {
		t.Errorf("wrong vault payload: %q", payload)
	}

	ssoToken, expiry, err := pair.holder.SSOLogin(ctx, relayPeer, token)
	if err != nil {
		t.Fatalf("sso login: %v", err)
	}
	if ssoToken == "" || !expiry.After(time.Now()) {
		t.Errorf("bad sso token %q expiry %v", ssoToken, expiry)
	}

	appToken, tokenType, err := pair.holder.AppToken(ctx, relayPeer, token, ssoToken, "calendar")
	if err != nil {
		t.Fatalf("app token: %v", err)
	}
	if appToken == "" || tokenType != "Bearer" {
		t.Errorf("bad app token %q type %q", appToken, tokenType)
	}
}

func TestTunnelAuthFailureKeepsSessionUsable(t *testing.T) {
	pair := newTunnelPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	relayPeer := pair.relay.PeerID()

	_, err := pair.holder.Authenticate(ctx, relayPeer, "did:idv:nobody")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != CodeAuthenticationFailure {
		t.Fatalf("expected authentication_failure, got %v", err)
	}

	// The session survived the failure and can still authenticate.
	token, err := pair.holder.Authenticate(ctx, relayPeer, "did:idv:alice")
	if err != nil {
		t.Fatalf("authenticate after failure: %v", err)
	}
	if token == "" {
		t.Fatal("empty session token")
	}
}

func TestTunnelUnauthenticatedRequestRefused(t *testing.T) {
	pair := newTunnelPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := pair.holder.DecryptVault(ctx, pair.relay.PeerID(), "guessed-token", "")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != CodeAuthorizationFailure {
		t.Fatalf("expected authorization_failure, got %v", err)
	}
	if pair.fetcher.calls != 0 {
		t.Error("vault must never be touched for an unauthorized request")
	}
}

func TestTunnelRequestWithoutSession(t *testing.T) {
	pair := newTunnelPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := pair.holder.DecryptVault(ctx, peer.ID("unknown-peer"), "token", "")
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestTunnelReconnectReplacesSession(t *testing.T) {
	pair := newTunnelPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	relayPeer := pair.relay.PeerID()

	first, err := pair.holder.Sessions().Get(relayPeer)
	if err != nil {
		t.Fatalf("first session missing: %v", err)
	}
	firstSecret := first.SecretCopy()

	// A second handshake replaces the session on both sides.
	if err := pair.holder.Connect(ctx, peer.AddrInfo{ID: relayPeer, Addrs: pair.relay.ListenAddrs()}); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	second, err := pair.holder.Sessions().Get(relayPeer)
	if err != nil {
		t.Fatalf("second session missing: %v", err)
	}
	if second == first {
		t.Fatal("reconnect must create a fresh session")
	}
	if string(second.SecretCopy()) == string(firstSecret) {
		t.Error("fresh handshake must derive a fresh secret")
	}

	// The replaced session is closed and its secret wiped.
	if first.SecretCopy() != nil {
		t.Error("evicted session must report no secret")
	}
	if first.State() != session.StateClosed {
		t.Errorf("evicted session state = %s", first.State())
	}

	// The new session still works end to end.
	token, err := pair.holder.Authenticate(ctx, relayPeer, "did:idv:alice")
	if err != nil {
		t.Fatalf("authenticate on fresh session: %v", err)
	}
	if _, err := pair.holder.DecryptVault(ctx, relayPeer, token, ""); err != nil {
		t.Fatalf("decrypt on fresh session: %v", err)
	}
}
