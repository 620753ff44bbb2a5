// Package sso issues and verifies single-sign-on tokens for authenticated
// principals, and exchanges them for per-application tokens.
package sso

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultVerifyLeeway = 30 * time.Second

// Token types carried in the typ claim.
const (
	TokenTypeSSO = "sso"
	TokenTypeApp = "app"
)

var (
	// ErrInvalidTokenFormat indicates compact token format is invalid.
	ErrInvalidTokenFormat = errors.New("invalid token format")
	// ErrInvalidTokenSignature indicates signature verification failed.
	ErrInvalidTokenSignature = errors.New("invalid token signature")
	// ErrTokenExpired indicates the token has expired.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenNotYetValid indicates the token iat is in the future.
	ErrTokenNotYetValid = errors.New("token not yet valid")
	// ErrTokenIssuerMismatch indicates the issuer does not match.
	ErrTokenIssuerMismatch = errors.New("token issuer mismatch")
	// ErrTokenTypeMismatch indicates an sso token was presented where an
	// app token was required, or vice versa.
	ErrTokenTypeMismatch = errors.New("token type mismatch")
	// ErrTokenRevoked indicates the token was revoked by the issuer.
	ErrTokenRevoked = errors.New("token revoked")
)

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Claims are the issuer-signed claims inside an SSO or app token.
type Claims struct {
	Iss       string `json:"iss"`
	Sub       string `json:"sub"`  // principal
	TokenType string `json:"typ"`  // "sso" or "app"
	AppID     string `json:"app,omitempty"`
	Iat       int64  `json:"iat"`
	Exp       int64  `json:"exp"`
	JTI       string `json:"jti"`
}

// VerifyOptions controls claim verification.
type VerifyOptions struct {
	Now       time.Time
	Leeway    time.Duration
	Issuer    string
	TokenType string
}

// signToken signs claims with Ed25519 in compact JWT-like form.
func signToken(claims Claims, privateKey ed25519.PrivateKey) (string, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid private key size: %d", len(privateKey))
	}
	header := tokenHeader{Alg: "EdDSA", Typ: "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	headerB64 := base64.RawURLEncoding.EncodeToString(headerJSON)
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)
	signingInput := headerB64 + "." + payloadB64
	signature := ed25519.Sign(privateKey, []byte(signingInput))
	sigB64 := base64.RawURLEncoding.EncodeToString(signature)
	return signingInput + "." + sigB64, nil
}

// VerifyToken verifies signature and registered claims of a compact token.
func VerifyToken(token string, publicKey ed25519.PublicKey, opts VerifyOptions) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidTokenFormat
	}
	signingInput := parts[0] + "." + parts[1]

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidTokenFormat
	}
	if !ed25519.Verify(publicKey, []byte(signingInput), signature) {
		return nil, ErrInvalidTokenSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidTokenFormat
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidTokenFormat
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = defaultVerifyLeeway
	}

	if opts.Issuer != "" && claims.Iss != opts.Issuer {
		return nil, ErrTokenIssuerMismatch
	}
	if opts.TokenType != "" && claims.TokenType != opts.TokenType {
		return nil, ErrTokenTypeMismatch
	}

	nowUnix := now.Unix()
	if claims.Iat > nowUnix+int64(leeway.Seconds()) {
		return nil, ErrTokenNotYetValid
	}
	if claims.Exp <= nowUnix-int64(leeway.Seconds()) {
		return nil, ErrTokenExpired
	}

	return &claims, nil
}
