package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/identivault/tunnel-server/internal/audit"
	"github.com/identivault/tunnel-server/internal/keys"
	"github.com/identivault/tunnel-server/internal/ledger"
	"github.com/identivault/tunnel-server/internal/session"
	"github.com/identivault/tunnel-server/internal/sso"
	"github.com/identivault/tunnel-server/internal/vault"
)

// challengeSize is the nonce length issued for authentication.
const challengeSize = 32

// maxOutstandingChallenges caps unconsumed challenges per peer so a
// peer spamming challenge requests cannot grow the map without bound.
const maxOutstandingChallenges = 8

// Collaborators bundles the backing services the dispatcher calls
// after a request passes its authorization checks.
type Collaborators struct {
	Ledger ledger.Resolver
	Vault  vault.Fetcher
	SSO    sso.Issuance
}

// DispatcherConfig holds the dispatcher's tunable knobs.
type DispatcherConfig struct {
	// ChallengeTTL bounds how long an issued challenge stays valid.
	ChallengeTTL time.Duration
	// CollaboratorTimeout bounds each outbound collaborator call.
	CollaboratorTimeout time.Duration
}

// DefaultDispatcherConfig returns the default dispatcher settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		ChallengeTTL:        2 * time.Minute,
		CollaboratorTimeout: 10 * time.Second,
	}
}

// issuedChallenge is an outstanding, not yet consumed challenge.
type issuedChallenge struct {
	expires time.Time
}

// Dispatcher routes decrypted protocol messages to their handlers.
// Every request produces exactly one response; failures come back as
// typed error responses, never as dropped messages.
type Dispatcher struct {
	config  DispatcherConfig
	store   *session.Store
	collab  Collaborators
	limiter *AuthLimiter
	trail   *audit.Trail

	mu         sync.Mutex
	challenges map[peer.ID]map[string]issuedChallenge
}

// NewDispatcher creates a dispatcher over the given session store and
// collaborators.
func NewDispatcher(config DispatcherConfig, store *session.Store, collab Collaborators, limiter *AuthLimiter) *Dispatcher {
	if config.ChallengeTTL <= 0 {
		config.ChallengeTTL = DefaultDispatcherConfig().ChallengeTTL
	}
	if config.CollaboratorTimeout <= 0 {
		config.CollaboratorTimeout = DefaultDispatcherConfig().CollaboratorTimeout
	}
	return &Dispatcher{
		config:     config,
		store:      store,
		collab:     collab,
		limiter:    limiter,
		challenges: make(map[peer.ID]map[string]issuedChallenge),
	}
}

// SetAuditTrail attaches a trail that records authentication and vault
// access events. A nil trail disables recording.
func (d *Dispatcher) SetAuditTrail(trail *audit.Trail) {
	d.trail = trail
}

// Dispatch handles one decrypted request for an established session
// and always returns a response message.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, msg *Message) *Message {
	switch msg.Type {
	case MsgAuthChallenge:
		return d.handleAuthChallenge(sess, msg)
	case MsgAuthenticate:
		return d.handleAuthenticate(ctx, sess, msg)
	case MsgDecryptVault:
		return d.handleDecryptVault(ctx, sess, msg)
	case MsgSSOLogin:
		return d.handleSSOLogin(sess, msg)
	case MsgAppToken:
		return d.handleAppToken(sess, msg)
	default:
		return errorResponse(msg.Type, CodeBadRequest, "unknown message type %q", msg.Type)
	}
}

// handleAuthChallenge issues a fresh single-use challenge nonce and
// moves the session into the authenticating state.
func (d *Dispatcher) handleAuthChallenge(sess *session.Session, msg *Message) *Message {
	// Holder peers carry no collaborators and cannot verify anyone;
	// refuse up front rather than reach a nil backend later.
	if d.collab.Ledger == nil {
		return errorResponse(msg.Type, CodeCollaboratorFailure, "this peer does not serve authentication")
	}
	if st := sess.State(); st != session.StateEstablished && st != session.StateAuthenticating {
		return errorResponse(msg.Type, CodeAuthenticationFailure, "session not eligible for authentication")
	}

	nonce := make([]byte, challengeSize)
	if _, err := rand.Read(nonce); err != nil {
		return errorResponse(msg.Type, CodeAuthenticationFailure, "challenge generation failed")
	}
	challenge := base64.RawURLEncoding.EncodeToString(nonce)

	d.mu.Lock()
	byPeer, ok := d.challenges[sess.Peer]
	if !ok {
		byPeer = make(map[string]issuedChallenge)
		d.challenges[sess.Peer] = byPeer
	}
	now := time.Now()
	for c, issued := range byPeer {
		if !now.Before(issued.expires) {
			delete(byPeer, c)
		}
	}
	// At the cap, the earliest-expiring challenge gives way.
	for len(byPeer) >= maxOutstandingChallenges {
		var oldest string
		var oldestExpiry time.Time
		for c, issued := range byPeer {
			if oldest == "" || issued.expires.Before(oldestExpiry) {
				oldest, oldestExpiry = c, issued.expires
			}
		}
		delete(byPeer, oldest)
	}
	byPeer[challenge] = issuedChallenge{expires: now.Add(d.config.ChallengeTTL)}
	d.mu.Unlock()

	sess.MarkAuthenticating()

	return &Message{
		Type:      MsgAuthChallengeResponse,
		Success:   true,
		Challenge: challenge,
	}
}

// consumeChallenge removes an outstanding challenge for the peer.
// A challenge can be consumed at most once; expired challenges are
// treated as never issued.
func (d *Dispatcher) consumeChallenge(peerID peer.ID, challenge string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	byPeer, ok := d.challenges[peerID]
	if !ok {
		return false
	}
	issued, ok := byPeer[challenge]
	delete(byPeer, challenge)
	if len(byPeer) == 0 {
		delete(d.challenges, peerID)
	}
	if !ok {
		return false
	}
	return time.Now().Before(issued.expires)
}

// DropChallenges discards outstanding challenges for a peer, typically
// when its session closes.
func (d *Dispatcher) DropChallenges(peerID peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.challenges, peerID)
}

// handleAuthenticate verifies a signed challenge against the principal's
// registered public key and binds the principal to the session.
func (d *Dispatcher) handleAuthenticate(ctx context.Context, sess *session.Session, msg *Message) *Message {
	if d.collab.Ledger == nil {
		return errorResponse(msg.Type, CodeCollaboratorFailure, "this peer does not serve authentication")
	}
	if d.limiter != nil && d.limiter.Blocked(sess.Peer) {
		return errorResponse(msg.Type, CodeRateLimited, "too many failed authentication attempts")
	}
	if msg.Principal == "" || msg.Challenge == "" || msg.Signature == "" {
		return d.authFailure(sess, msg, "missing principal, challenge, or signature")
	}

	// Consume first so a replayed challenge fails even when the rest
	// of the request is valid.
	if !d.consumeChallenge(sess.Peer, msg.Challenge) {
		return d.authFailure(sess, msg, "challenge not issued, expired, or already used")
	}

	sig, err := base64.RawURLEncoding.DecodeString(msg.Signature)
	if err != nil {
		return d.authFailure(sess, msg, "malformed signature encoding")
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.CollaboratorTimeout)
	defer cancel()
	pub, err := d.collab.Ledger.ResolvePrincipalPublicKey(callCtx, msg.Principal)
	if err != nil {
		if resp := collaboratorError(callCtx, msg.Type, err); resp != nil {
			return resp
		}
		return d.authFailure(sess, msg, "principal not registered")
	}

	if !keys.Verify(pub, []byte(msg.Challenge), sig) {
		return d.authFailure(sess, msg, "signature verification failed")
	}

	token, err := d.store.AttachPrincipal(sess.Peer, msg.Principal)
	if err != nil {
		return d.authFailure(sess, msg, "session not eligible for authentication")
	}
	if d.limiter != nil {
		d.limiter.Reset(sess.Peer)
	}
	d.trail.RecordAuth(sess.Peer.String(), msg.Principal, true)
	log.Infof("Peer %s authenticated as %s", sess.Peer.ShortString(), msg.Principal)

	return &Message{
		Type:         MsgAuthenticateResponse,
		Success:      true,
		SessionToken: token,
	}
}

// authFailure records a failed attempt against the peer's budget and
// returns the typed failure response. The session itself survives.
func (d *Dispatcher) authFailure(sess *session.Session, msg *Message, reason string) *Message {
	if d.limiter != nil {
		d.limiter.RecordFailure(sess.Peer)
	}
	d.trail.RecordAuth(sess.Peer.String(), msg.Principal, false)
	log.Debugf("Authentication failed for peer %s: %s", sess.Peer.ShortString(), reason)
	return errorResponse(msg.Type, CodeAuthenticationFailure, "%s", reason)
}

// authorize checks that the session is authenticated and that the
// request carries the session's own token.
func (d *Dispatcher) authorize(sess *session.Session, msg *Message) *Message {
	if !sess.Authenticated() {
		return errorResponse(msg.Type, CodeAuthorizationFailure, "session not authenticated")
	}
	if msg.SessionID == "" || msg.SessionID != sess.Token() {
		return errorResponse(msg.Type, CodeAuthorizationFailure, "session token mismatch")
	}
	return nil
}

// collaboratorError translates a collaborator call error into a typed
// response, distinguishing timeouts from other failures. Returns nil
// for errors the caller should map itself.
func collaboratorError(ctx context.Context, req MessageType, err error) *Message {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errorResponse(req, CodeCollaboratorTimeout, "collaborator call timed out")
	}
	switch {
	case errors.Is(err, ledger.ErrLedgerUnavailable),
		errors.Is(err, ledger.ErrMalformedRecord),
		errors.Is(err, vault.ErrStorageUnavailable),
		errors.Is(err, vault.ErrDigestMismatch):
		return errorResponse(req, CodeCollaboratorFailure, "collaborator failure: %v", err)
	}
	return nil
}

// handleDecryptVault fetches the principal's vault payload from
// storage after checking the identity record is still active.
func (d *Dispatcher) handleDecryptVault(ctx context.Context, sess *session.Session, msg *Message) *Message {
	if resp := d.authorize(sess, msg); resp != nil {
		return resp
	}
	if d.collab.Ledger == nil || d.collab.Vault == nil {
		return errorResponse(msg.Type, CodeCollaboratorFailure, "this peer does not serve vault requests")
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.CollaboratorTimeout)
	defer cancel()

	record, err := d.collab.Ledger.FetchIdentityRecord(callCtx, sess.Principal())
	if err != nil {
		if resp := collaboratorError(callCtx, msg.Type, err); resp != nil {
			return resp
		}
		return errorResponse(msg.Type, CodeCollaboratorFailure, "identity record lookup failed: %v", err)
	}
	if !record.IsActive {
		return errorResponse(msg.Type, CodeAuthorizationFailure, "identity record is deactivated")
	}

	ref := msg.VaultRef
	if ref == "" {
		ref = record.VaultRef
	} else if record.VaultRef != "" && ref != record.VaultRef {
		return errorResponse(msg.Type, CodeAuthorizationFailure, "vault reference does not belong to principal")
	}
	if ref == "" {
		return errorResponse(msg.Type, CodeBadRequest, "principal has no vault reference")
	}

	payload, err := d.collab.Vault.Fetch(callCtx, ref)
	if err != nil {
		if resp := collaboratorError(callCtx, msg.Type, err); resp != nil {
			return resp
		}
		if errors.Is(err, vault.ErrInvalidRef) {
			return errorResponse(msg.Type, CodeBadRequest, "invalid vault reference")
		}
		return errorResponse(msg.Type, CodeCollaboratorFailure, "vault fetch failed: %v", err)
	}
	d.trail.RecordVaultAccess(sess.Peer.String(), sess.Principal(), ref)

	return &Message{
		Type:    MsgDecryptVaultResponse,
		Success: true,
		Payload: payload,
	}
}

// handleSSOLogin issues a session-scoped SSO token for the
// authenticated principal.
func (d *Dispatcher) handleSSOLogin(sess *session.Session, msg *Message) *Message {
	if resp := d.authorize(sess, msg); resp != nil {
		return resp
	}
	if d.collab.SSO == nil {
		return errorResponse(msg.Type, CodeCollaboratorFailure, "this peer does not issue tokens")
	}

	token, expiry, err := d.collab.SSO.IssueToken(sess.Principal())
	if err != nil {
		return errorResponse(msg.Type, CodeCollaboratorFailure, "token issuance failed: %v", err)
	}

	return &Message{
		Type:    MsgSSOLoginResponse,
		Success: true,
		Token:   token,
		Expiry:  expiry.Unix(),
	}
}

// handleAppToken exchanges a valid SSO token for an app-scoped token.
func (d *Dispatcher) handleAppToken(sess *session.Session, msg *Message) *Message {
	if resp := d.authorize(sess, msg); resp != nil {
		return resp
	}
	if d.collab.SSO == nil {
		return errorResponse(msg.Type, CodeCollaboratorFailure, "this peer does not issue tokens")
	}
	if msg.AppID == "" || msg.SSOToken == "" {
		return errorResponse(msg.Type, CodeBadRequest, "app_id and sso_token are required")
	}

	token, tokenType, err := d.collab.SSO.IssueAppToken(msg.SSOToken, msg.AppID)
	if err != nil {
		return errorResponse(msg.Type, CodeAuthorizationFailure, "app token exchange refused: %v", err)
	}

	return &Message{
		Type:      MsgAppTokenResponse,
		Success:   true,
		Token:     token,
		TokenType: tokenType,
	}
}
