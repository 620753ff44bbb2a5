// Package vault fetches encrypted vault payloads from the content-addressed
// storage layer. The tunnel never interprets the bytes; they are opaque
// ciphertext produced by the holder's own vault encryption.
package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	mh "github.com/multiformats/go-multihash"
)

var log = logging.Logger("idv-vault")

// Errors
var (
	ErrInvalidRef         = errors.New("invalid vault reference")
	ErrPayloadNotFound    = errors.New("vault payload not found")
	ErrStorageUnavailable = errors.New("vault storage unavailable")
	ErrDigestMismatch     = errors.New("vault payload digest mismatch")
)

// maxPayloadSize bounds a single fetched vault payload (8 MiB).
const maxPayloadSize = 8 * 1024 * 1024

// Fetcher is the storage surface the tunnel consumes.
type Fetcher interface {
	// Fetch returns the opaque payload bytes for a vault reference.
	Fetch(ctx context.Context, vaultRef string) ([]byte, error)
}

// Client fetches payloads from a content-addressed HTTP gateway.
type Client struct {
	gatewayURL string
	http       *http.Client
}

// NewClient creates a vault client. A zero timeout falls back to 15s.
func NewClient(gatewayURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		http:       &http.Client{Timeout: timeout},
	}
}

// Fetch implements Fetcher. The reference is validated as a CID before
// any network call, and the fetched bytes are checked against the CID's
// multihash so a misbehaving gateway cannot substitute content.
func (c *Client) Fetch(ctx context.Context, vaultRef string) ([]byte, error) {
	ref, err := cid.Decode(vaultRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}

	endpoint := fmt.Sprintf("%s/%s", c.gatewayURL, ref.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build vault request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warnf("Vault fetch for %s failed: %v", ref, err)
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrPayloadNotFound, ref)
	default:
		return nil, fmt.Errorf("%w: gateway returned %s", ErrStorageUnavailable, resp.Status)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrStorageUnavailable, maxPayloadSize)
	}

	if err := verifyDigest(ref, payload); err != nil {
		return nil, err
	}

	log.Debugf("Fetched %d-byte vault payload for %s", len(payload), ref)
	return payload, nil
}

// verifyDigest recomputes the CID's multihash over the payload.
func verifyDigest(ref cid.Cid, payload []byte) error {
	decoded, err := mh.Decode(ref.Hash())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}

	sum, err := mh.Sum(payload, decoded.Code, decoded.Length)
	if err != nil {
		// Unknown hash function in the CID; the payload cannot be
		// verified locally, so refuse it rather than trust the gateway.
		return fmt.Errorf("%w: unverifiable hash function %d", ErrInvalidRef, decoded.Code)
	}

	if !bytes.Equal(sum, ref.Hash()) {
		return ErrDigestMismatch
	}
	return nil
}
