package sso

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("idv-sso")

// Issuance is the SSO surface the tunnel consumes.
type Issuance interface {
	// IssueToken issues an SSO token for an authenticated principal.
	IssueToken(principal string) (token string, expiry time.Time, err error)
	// IssueAppToken exchanges a valid SSO token for a token scoped to a
	// single application.
	IssueAppToken(ssoToken, appID string) (token string, tokenType string, err error)
}

// Issuer signs SSO and app tokens with an Ed25519 key and records every
// issued token for audit and revocation.
type Issuer struct {
	name        string
	privateKey  ed25519.PrivateKey
	publicKey   ed25519.PublicKey
	tokenTTL    time.Duration
	appTokenTTL time.Duration
	records     *RecordStore // nil disables the audit trail
}

// NewIssuer creates a token issuer. records may be nil.
func NewIssuer(name string, privateKey ed25519.PrivateKey, tokenTTL, appTokenTTL time.Duration, records *RecordStore) (*Issuer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid issuer private key size: %d", len(privateKey))
	}
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	if appTokenTTL <= 0 {
		appTokenTTL = 15 * time.Minute
	}
	return &Issuer{
		name:        name,
		privateKey:  privateKey,
		publicKey:   privateKey.Public().(ed25519.PublicKey),
		tokenTTL:    tokenTTL,
		appTokenTTL: appTokenTTL,
		records:     records,
	}, nil
}

// PublicKey returns the issuer's verification key.
func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.publicKey
}

// IssueToken implements Issuance.
func (i *Issuer) IssueToken(principal string) (string, time.Time, error) {
	if principal == "" {
		return "", time.Time{}, fmt.Errorf("empty principal")
	}

	now := time.Now()
	expiry := now.Add(i.tokenTTL)
	jti, err := newJTI()
	if err != nil {
		return "", time.Time{}, err
	}

	token, err := signToken(Claims{
		Iss:       i.name,
		Sub:       principal,
		TokenType: TokenTypeSSO,
		Iat:       now.Unix(),
		Exp:       expiry.Unix(),
		JTI:       jti,
	}, i.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign sso token: %w", err)
	}

	if i.records != nil {
		if err := i.records.Record(jti, principal, TokenTypeSSO, "", expiry); err != nil {
			log.Warnf("Failed to record issued sso token for %s: %v", principal, err)
		}
	}

	log.Debugf("Issued sso token for %s (jti %s)", principal, jti)
	return token, expiry, nil
}

// IssueAppToken implements Issuance. The presented SSO token is verified
// (signature, expiry, type, revocation) before the app token is signed.
func (i *Issuer) IssueAppToken(ssoToken, appID string) (string, string, error) {
	if appID == "" {
		return "", "", fmt.Errorf("empty app id")
	}

	claims, err := VerifyToken(ssoToken, i.publicKey, VerifyOptions{
		Issuer:    i.name,
		TokenType: TokenTypeSSO,
	})
	if err != nil {
		return "", "", fmt.Errorf("sso token rejected: %w", err)
	}

	if i.records != nil {
		revoked, err := i.records.IsRevoked(claims.JTI)
		if err != nil {
			return "", "", fmt.Errorf("revocation check failed: %w", err)
		}
		if revoked {
			return "", "", ErrTokenRevoked
		}
	}

	now := time.Now()
	expiry := now.Add(i.appTokenTTL)
	jti, err := newJTI()
	if err != nil {
		return "", "", err
	}

	token, err := signToken(Claims{
		Iss:       i.name,
		Sub:       claims.Sub,
		TokenType: TokenTypeApp,
		AppID:     appID,
		Iat:       now.Unix(),
		Exp:       expiry.Unix(),
		JTI:       jti,
	}, i.privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign app token: %w", err)
	}

	if i.records != nil {
		if err := i.records.Record(jti, claims.Sub, TokenTypeApp, appID, expiry); err != nil {
			log.Warnf("Failed to record issued app token for %s: %v", claims.Sub, err)
		}
	}

	log.Debugf("Issued app token for %s app %s (jti %s)", claims.Sub, appID, jti)
	return token, "Bearer", nil
}

// Revoke marks an issued token as revoked by its jti.
func (i *Issuer) Revoke(jti string) error {
	if i.records == nil {
		return fmt.Errorf("no record store configured")
	}
	return i.records.Revoke(jti)
}

func newJTI() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate jti: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
