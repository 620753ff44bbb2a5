// Package envelope implements the authenticated-encryption wire unit
// exchanged over an established tunnel session.
//
// An envelope is {nonce, ciphertext, tag} sealed with ChaCha20-Poly1305
// under the session secret. Opening is all-or-nothing: any bit flip in
// nonce, ciphertext, or tag is detected before plaintext is returned.
package envelope

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the envelope nonce size.
	NonceSize = chacha20poly1305.NonceSize // 12
	// TagSize is the Poly1305 authentication tag size.
	TagSize = chacha20poly1305.Overhead // 16
	// KeySize is the required session secret size.
	KeySize = chacha20poly1305.KeySize // 32

	// MaxPayloadSize bounds a single sealed payload.
	MaxPayloadSize = 1 * 1024 * 1024
)

var (
	// ErrDecryptFailed is returned when tag validation fails. The whole
	// envelope is discarded; no partial plaintext is ever exposed.
	ErrDecryptFailed = errors.New("envelope authentication failed")
	// ErrInvalidKey is returned for a session secret of the wrong size.
	ErrInvalidKey = errors.New("invalid session secret")
	// ErrMalformedEnvelope is returned when wire bytes cannot be decoded.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// Envelope is the sealed wire unit.
type Envelope struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// Seal encrypts plaintext under the session secret with a fresh random
// nonce. Nonces are never reused with the same key; reuse would break
// confidentiality for this construction.
func Seal(plaintext, secret []byte) (*Envelope, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(secret))
	}
	if len(plaintext) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d > %d bytes", len(plaintext), MaxPayloadSize)
	}

	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize

	return &Envelope{
		Nonce:      nonce,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
	}, nil
}

// Open authenticates and decrypts an envelope. On tag mismatch it returns
// ErrDecryptFailed and no plaintext.
func Open(env *Envelope, secret []byte) ([]byte, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(secret))
	}
	if env == nil || len(env.Nonce) != NonceSize || len(env.Tag) != TagSize {
		return nil, ErrMalformedEnvelope
	}

	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+TagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := aead.Open(nil, env.Nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

// Wire format:
//   nonceLen(1) + nonce + ctLen(4 BE) + ciphertext + tagLen(1) + tag

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() []byte {
	buf := make([]byte, 0, 1+len(e.Nonce)+4+len(e.Ciphertext)+1+len(e.Tag))
	buf = append(buf, byte(len(e.Nonce)))
	buf = append(buf, e.Nonce...)

	ctLen := make([]byte, 4)
	binary.BigEndian.PutUint32(ctLen, uint32(len(e.Ciphertext)))
	buf = append(buf, ctLen...)
	buf = append(buf, e.Ciphertext...)

	buf = append(buf, byte(len(e.Tag)))
	buf = append(buf, e.Tag...)
	return buf
}

// Decode parses an envelope from wire bytes.
func Decode(data []byte) (*Envelope, error) {
	r := &sliceReader{data: data}

	nonceLen, err := r.byte()
	if err != nil {
		return nil, err
	}
	if int(nonceLen) != NonceSize {
		return nil, fmt.Errorf("%w: nonce length %d", ErrMalformedEnvelope, nonceLen)
	}
	nonce, err := r.bytes(int(nonceLen))
	if err != nil {
		return nil, err
	}

	ctLenBytes, err := r.bytes(4)
	if err != nil {
		return nil, err
	}
	ctLen := binary.BigEndian.Uint32(ctLenBytes)
	if ctLen > MaxPayloadSize+TagSize {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrMalformedEnvelope, ctLen)
	}
	ciphertext, err := r.bytes(int(ctLen))
	if err != nil {
		return nil, err
	}

	tagLen, err := r.byte()
	if err != nil {
		return nil, err
	}
	if int(tagLen) != TagSize {
		return nil, fmt.Errorf("%w: tag length %d", ErrMalformedEnvelope, tagLen)
	}
	tag, err := r.bytes(int(tagLen))
	if err != nil {
		return nil, err
	}

	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedEnvelope, r.remaining())
	}

	return &Envelope{Nonce: nonce, Ciphertext: ciphertext, Tag: tag}, nil
}

type sliceReader struct {
	data []byte
	off  int
}

func (r *sliceReader) byte() (byte, error) {
	if r.off >= len(r.data) {
		return 0, fmt.Errorf("%w: %v", ErrMalformedEnvelope, io.ErrUnexpectedEOF)
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *sliceReader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, io.ErrUnexpectedEOF)
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+n])
	r.off += n
	return out, nil
}

func (r *sliceReader) remaining() int {
	return len(r.data) - r.off
}
