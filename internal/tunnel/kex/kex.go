// Package kex implements the one-shot key-encapsulation handshake used to
// establish a session secret between two tunnel peers.
//
// Each side encapsulates a fresh secret share to the other's long-term
// X25519 exchange key and decapsulates the share it receives. The two
// shares are combined order-independently, so both peers derive the
// identical session secret.
package kex

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	// ShareSize is the size of one secret share.
	ShareSize = 32
	// BlobSize is the size of an encapsulated blob (an ephemeral X25519
	// public key).
	BlobSize = 32
	// SecretSize is the size of the combined shared secret.
	SecretSize = sha256.Size
)

var (
	// ErrMalformedBlob is returned when an encapsulated blob cannot be
	// decapsulated. No partial secret is ever returned alongside it.
	ErrMalformedBlob = errors.New("malformed encapsulated blob")
	// ErrInvalidPublicKey is returned for an unusable peer public key.
	ErrInvalidPublicKey = errors.New("invalid peer public key")
)

// KeyPair is an X25519 key pair for the encapsulation handshake.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// GenerateKeyPair generates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{
		Public:  priv.PublicKey().Bytes(),
		Private: priv.Bytes(),
	}, nil
}

// Encapsulate produces a fresh secret share for peerPublic along with the
// blob the peer needs to recover it. A new ephemeral key is drawn on every
// call, so shares are never reused across sessions.
func Encapsulate(peerPublic []byte) (share, blob []byte, err error) {
	peerKey, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	share, err = ephemeral.ECDH(peerKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encapsulation failed: %w", err)
	}

	return share, ephemeral.PublicKey().Bytes(), nil
}

// Decapsulate recovers the peer's secret share from an encapsulated blob
// using the local long-term private key. It fails closed: on any error no
// secret bytes are returned.
func Decapsulate(blob, localPrivate []byte) ([]byte, error) {
	priv, err := ecdh.X25519().NewPrivateKey(localPrivate)
	if err != nil {
		return nil, fmt.Errorf("invalid local private key: %w", err)
	}

	ephemeralPub, err := ecdh.X25519().NewPublicKey(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}

	share, err := priv.ECDH(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}

	return share, nil
}

// CombineShares derives the session secret from the two secret shares.
// The combination is order-independent (sorted concatenation, then
// SHA-256) so both peers reach the same value regardless of which share
// they generated locally.
func CombineShares(a, b []byte) ([]byte, error) {
	if len(a) != ShareSize || len(b) != ShareSize {
		return nil, fmt.Errorf("invalid share size: %d/%d", len(a), len(b))
	}

	buf := make([]byte, 0, 2*ShareSize)
	if bytes.Compare(a, b) <= 0 {
		buf = append(buf, a...)
		buf = append(buf, b...)
	} else {
		buf = append(buf, b...)
		buf = append(buf, a...)
	}

	secret := sha256.Sum256(buf)
	return secret[:], nil
}
