package tunnel

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/identivault/tunnel-server/internal/session"
	"github.com/identivault/tunnel-server/internal/tunnel/envelope"
)

// RequestError is a typed failure returned by the remote peer.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// roundTrip sends one sealed request on the peer's secure stream and
// waits for its response. Requests to the same peer are serialized so
// responses always pair with the request that produced them.
func (m *Manager) roundTrip(ctx context.Context, p peer.ID, req *Message) (*Message, error) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	sess, err := m.store.Get(p)
	if err != nil {
		return nil, err
	}
	stream := sess.Stream()
	if stream == nil || sess.State() == session.StateClosed {
		return nil, session.ErrSessionNotFound
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
		defer stream.SetDeadline(time.Time{})
	}

	if err := m.writeSealed(stream, sess, req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	frame, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	resp := m.processResponseFrame(sess, frame)
	if resp == nil {
		return nil, fmt.Errorf("undecryptable response from %s", p.ShortString())
	}
	if resp.Error != nil {
		return nil, &RequestError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp, nil
}

// processResponseFrame opens and decodes a response frame, or nil when
// the envelope fails authentication.
func (m *Manager) processResponseFrame(sess *session.Session, frame []byte) *Message {
	env, err := envelope.Decode(frame)
	if err != nil {
		return nil
	}
	secret := sess.SecretCopy()
	if secret == nil {
		return nil
	}
	plaintext, err := envelope.Open(env, secret)
	if err != nil {
		m.alerter.DecryptFailure(m.ctx, sess.Peer)
		return nil
	}
	m.alerter.Success(sess.Peer)

	msg, err := DecodeMessage(plaintext)
	if err != nil {
		return nil
	}
	return msg
}

// RequestChallenge asks the relay for a fresh authentication challenge.
func (m *Manager) RequestChallenge(ctx context.Context, p peer.ID) (string, error) {
	resp, err := m.roundTrip(ctx, p, &Message{Type: MsgAuthChallenge})
	if err != nil {
		return "", err
	}
	if resp.Challenge == "" {
		return "", fmt.Errorf("empty challenge in response")
	}
	return resp.Challenge, nil
}

// Authenticate runs the full challenge-signature exchange for the given
// principal, signing with this peer's identity key. On success the
// returned session token authorizes subsequent requests.
func (m *Manager) Authenticate(ctx context.Context, p peer.ID, principal string) (string, error) {
	challenge, err := m.RequestChallenge(ctx, p)
	if err != nil {
		return "", err
	}

	sig, err := m.identity.Sign([]byte(challenge))
	if err != nil {
		return "", fmt.Errorf("failed to sign challenge: %w", err)
	}

	resp, err := m.roundTrip(ctx, p, &Message{
		Type:      MsgAuthenticate,
		Principal: principal,
		Challenge: challenge,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	})
	if err != nil {
		return "", err
	}
	if resp.SessionToken == "" {
		return "", fmt.Errorf("empty session token in response")
	}
	return resp.SessionToken, nil
}

// DecryptVault retrieves the authenticated principal's vault payload.
// An empty vaultRef lets the relay use the ledger's registered
// reference.
func (m *Manager) DecryptVault(ctx context.Context, p peer.ID, sessionToken, vaultRef string) ([]byte, error) {
	resp, err := m.roundTrip(ctx, p, &Message{
		Type:      MsgDecryptVault,
		SessionID: sessionToken,
		VaultRef:  vaultRef,
	})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// SSOLogin obtains an SSO token for the authenticated principal.
func (m *Manager) SSOLogin(ctx context.Context, p peer.ID, sessionToken string) (string, time.Time, error) {
	resp, err := m.roundTrip(ctx, p, &Message{
		Type:      MsgSSOLogin,
		SessionID: sessionToken,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return resp.Token, time.Unix(resp.Expiry, 0), nil
}

// AppToken exchanges an SSO token for an app-scoped token.
func (m *Manager) AppToken(ctx context.Context, p peer.ID, sessionToken, ssoToken, appID string) (string, string, error) {
	resp, err := m.roundTrip(ctx, p, &Message{
		Type:      MsgAppToken,
		SessionID: sessionToken,
		SSOToken:  ssoToken,
		AppID:     appID,
	})
	if err != nil {
		return "", "", err
	}
	return resp.Token, resp.TokenType, nil
}
