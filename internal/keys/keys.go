// Package keys provides cryptographic key management for tunnel peers.
// It handles Ed25519 signing keys and X25519 key-exchange keys, either
// generated randomly or derived deterministically from a wallet secret.
package keys

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/hkdf"
)

var log = logging.Logger("idv-keys")

// Errors
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrInvalidKey  = errors.New("invalid key data")
)

const (
	// Key sizes
	Ed25519PublicKeySize  = ed25519.PublicKeySize
	Ed25519PrivateKeySize = ed25519.PrivateKeySize
	X25519KeySize         = 32

	// HKDF domain-separation labels. The signing and exchange keys must
	// never share a derivation label, or compromising one primitive
	// exposes the other.
	labelSigning  = "identivault/signing-key/v1"
	labelExchange = "identivault/exchange-key/v1"
)

// KeyPair represents a cryptographic key pair.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
	KeyType    string // "Ed25519" or "X25519"
}

// Zero wipes the private key bytes.
func (kp *KeyPair) Zero() {
	for i := range kp.PrivateKey {
		kp.PrivateKey[i] = 0
	}
}

// Identity represents a peer's long-term cryptographic identity: an
// Ed25519 signing pair for challenge signatures and an X25519 pair for
// the key-exchange handshake. Private components never cross the wire.
type Identity struct {
	SigningKey  *KeyPair
	ExchangeKey *KeyPair
}

// Generate creates a fresh random identity.
func Generate() (*Identity, error) {
	signingPub, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	exchangePriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate exchange key: %w", err)
	}

	return newIdentity(signingPub, signingPriv, exchangePriv), nil
}

// FromWalletSecret derives an identity deterministically from an external
// wallet secret. The same secret always yields the same signing key,
// exchange key, and peer ID.
func FromWalletSecret(secret []byte) (*Identity, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty wallet secret", ErrInvalidKey)
	}

	signingSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(labelSigning)), signingSeed); err != nil {
		return nil, fmt.Errorf("failed to derive signing seed: %w", err)
	}
	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)

	exchangeSeed := make([]byte, X25519KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(labelExchange)), exchangeSeed); err != nil {
		return nil, fmt.Errorf("failed to derive exchange seed: %w", err)
	}
	exchangePriv, err := ecdh.X25519().NewPrivateKey(clampX25519(exchangeSeed))
	if err != nil {
		return nil, fmt.Errorf("failed to build exchange key: %w", err)
	}

	return newIdentity(signingPub, signingPriv, exchangePriv), nil
}

func newIdentity(signingPub ed25519.PublicKey, signingPriv ed25519.PrivateKey, exchangePriv *ecdh.PrivateKey) *Identity {
	return &Identity{
		SigningKey: &KeyPair{
			PublicKey:  append([]byte(nil), signingPub...),
			PrivateKey: append([]byte(nil), signingPriv...),
			KeyType:    "Ed25519",
		},
		ExchangeKey: &KeyPair{
			PublicKey:  exchangePriv.PublicKey().Bytes(),
			PrivateKey: exchangePriv.Bytes(),
			KeyType:    "X25519",
		},
	}
}

// clampX25519 clamps a 32-byte seed per the X25519 spec.
func clampX25519(b []byte) []byte {
	b[0] &= 248
	b[31] &= 127
	b[31] |= 64
	return b
}

// Sign signs data using the Ed25519 signing key.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if id == nil || id.SigningKey == nil || len(id.SigningKey.PrivateKey) != Ed25519PrivateKeySize {
		return nil, ErrKeyNotFound
	}
	return ed25519.Sign(ed25519.PrivateKey(id.SigningKey.PrivateKey), data), nil
}

// Verify verifies an Ed25519 signature. Malformed input never panics; it
// returns false.
func Verify(publicKey, data, signature []byte) bool {
	if len(publicKey) != Ed25519PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}

// PeerID returns the libp2p peer ID for this identity, derived from the
// Ed25519 signing key. A wallet secret therefore reproduces the same
// peer ID across restarts.
func (id *Identity) PeerID() (peer.ID, error) {
	priv, err := id.Libp2pPrivKey()
	if err != nil {
		return "", err
	}
	return peer.IDFromPrivateKey(priv)
}

// Libp2pPrivKey returns the identity's signing key as a libp2p private key
// for host construction.
func (id *Identity) Libp2pPrivKey() (crypto.PrivKey, error) {
	if id == nil || id.SigningKey == nil {
		return nil, ErrKeyNotFound
	}
	priv, err := crypto.UnmarshalEd25519PrivateKey(id.SigningKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return priv, nil
}

// Fingerprint returns a short fingerprint of the signing public key.
func (id *Identity) Fingerprint() string {
	if id == nil || id.SigningKey == nil {
		return ""
	}
	hash := sha256.Sum256(id.SigningKey.PublicKey)
	return hex.EncodeToString(hash[:8])
}

// Zero wipes all private key material. The identity is unusable afterwards.
func (id *Identity) Zero() {
	if id == nil {
		return
	}
	if id.SigningKey != nil {
		id.SigningKey.Zero()
	}
	if id.ExchangeKey != nil {
		id.ExchangeKey.Zero()
	}
}
