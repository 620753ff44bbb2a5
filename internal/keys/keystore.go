// At-rest sealing for the wallet secret.
//
// The secret is encrypted with XChaCha20-Poly1305 using a key derived
// from a password via Argon2id.  The password can be explicitly set via
// config/env, or derived deterministically from machine attributes
// (hostname + GOARCH + GOOS) so a relay can start unattended.
//
// File format:  salt (32 bytes) || nonce (24 bytes) || ciphertext
// Permissions:  0600

package keys

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keystoreSaltSize = 32
	keystoreFileName = "wallet.secret"

	// Argon2id parameters — tuned for server-side key derivation.
	keystoreArgon2Time    = 3
	keystoreArgon2Memory  = 64 * 1024 // 64 MiB
	keystoreArgon2Threads = 4
	keystoreArgon2KeyLen  = chacha20poly1305.KeySize // 32
)

// Keystore persists the wallet secret under a data directory.
type Keystore struct {
	basePath string
}

// NewKeystore creates a keystore rooted at basePath/keys.
func NewKeystore(basePath string) (*Keystore, error) {
	keysPath := filepath.Join(basePath, "keys")
	if err := os.MkdirAll(keysPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keys directory: %w", err)
	}
	return &Keystore{basePath: keysPath}, nil
}

// HasSecret returns true if a sealed wallet secret exists.
func (ks *Keystore) HasSecret() bool {
	_, err := os.Stat(filepath.Join(ks.basePath, keystoreFileName))
	return err == nil
}

// SaveSecret seals and writes the wallet secret.
func (ks *Keystore) SaveSecret(secret []byte, password string) error {
	sealed, err := SealSecret(secret, password)
	if err != nil {
		return err
	}
	path := filepath.Join(ks.basePath, keystoreFileName)
	if err := os.WriteFile(path, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write wallet secret: %w", err)
	}
	log.Infof("Sealed wallet secret written to %s", path)
	return nil
}

// LoadSecret reads and unseals the wallet secret.
func (ks *Keystore) LoadSecret(password string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(ks.basePath, keystoreFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return OpenSecret(data, password)
}

// Delete removes the sealed wallet secret.
func (ks *Keystore) Delete() error {
	err := os.Remove(filepath.Join(ks.basePath, keystoreFileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	log.Warn("Wallet secret deleted")
	return nil
}

// SealSecret encrypts a wallet secret for at-rest storage.
// Returns salt || nonce || ciphertext.
func SealSecret(secret []byte, password string) ([]byte, error) {
	salt := make([]byte, keystoreSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, keystoreArgon2Time, keystoreArgon2Memory, keystoreArgon2Threads, keystoreArgon2KeyLen)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, secret, nil)

	out := make([]byte, 0, keystoreSaltSize+chacha20poly1305.NonceSizeX+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// OpenSecret decrypts a sealed wallet secret produced by SealSecret.
func OpenSecret(data []byte, password string) ([]byte, error) {
	minLen := keystoreSaltSize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead + 1
	if len(data) < minLen {
		return nil, fmt.Errorf("sealed secret too short (%d bytes, need at least %d)", len(data), minLen)
	}

	salt := data[:keystoreSaltSize]
	nonce := data[keystoreSaltSize : keystoreSaltSize+chacha20poly1305.NonceSizeX]
	ciphertext := data[keystoreSaltSize+chacha20poly1305.NonceSizeX:]

	key := argon2.IDKey([]byte(password), salt, keystoreArgon2Time, keystoreArgon2Memory, keystoreArgon2Threads, keystoreArgon2KeyLen)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unseal wallet secret (wrong password?): %w", err)
	}

	return plaintext, nil
}

// DeriveDefaultPassword derives a deterministic password from machine
// attributes using Argon2id.  This allows a relay to start unattended
// without a password in the config.
//
// This is NOT a substitute for a strong explicit password; it merely
// prevents trivial offline reads of the secret file.
func DeriveDefaultPassword() string {
	hostname, _ := os.Hostname()
	homeDir, _ := os.UserHomeDir()
	input := fmt.Sprintf("%s:%s:%s", hostname, runtime.GOARCH, runtime.GOOS)
	salt := []byte(homeDir)
	derived := argon2.IDKey([]byte(input), salt, 1, 64*1024, 4, 32)
	return string(derived)
}
