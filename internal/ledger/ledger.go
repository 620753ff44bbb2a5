// Package ledger provides a client for the distributed identity registry.
//
// The registry stores DID documents (public key commitments and vault
// pointers) and exposes them over a REST gateway. The tunnel only ever
// reads from it: resolving a principal's signing key during
// authentication and fetching the identity record afterwards.
package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("idv-ledger")

// Errors
var (
	ErrPrincipalNotFound = errors.New("principal not found on ledger")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrMalformedRecord   = errors.New("malformed ledger record")
)

// vaultEndpointScheme prefixes vault pointers among a DID document's
// service endpoints.
const vaultEndpointScheme = "vault://"

// Resolver is the ledger surface the tunnel consumes.
type Resolver interface {
	// ResolvePrincipalPublicKey returns the principal's registered
	// Ed25519 signing public key.
	ResolvePrincipalPublicKey(ctx context.Context, principal string) ([]byte, error)
	// FetchIdentityRecord returns the principal's vault pointer and
	// liveness flag.
	FetchIdentityRecord(ctx context.Context, principal string) (*IdentityRecord, error)
}

// IdentityRecord is the subset of a ledger identity entry the tunnel uses.
type IdentityRecord struct {
	VaultRef string
	IsActive bool
}

// didDocument mirrors the registry's REST representation.
type didDocument struct {
	ID               string   `json:"id"`
	PublicKey        string   `json:"public_key"`
	ServiceEndpoints []string `json:"service_endpoints"`
	Authentication   string   `json:"authentication"`
}

// Client is an HTTP Resolver against the registry's REST gateway.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a ledger client. A zero timeout falls back to 10s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// ResolvePrincipalPublicKey implements Resolver.
func (c *Client) ResolvePrincipalPublicKey(ctx context.Context, principal string) ([]byte, error) {
	doc, err := c.fetchDocument(ctx, principal)
	if err != nil {
		return nil, err
	}

	key, err := hex.DecodeString(doc.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not hex: %v", ErrMalformedRecord, err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty public key", ErrMalformedRecord)
	}
	return key, nil
}

// FetchIdentityRecord implements Resolver.
func (c *Client) FetchIdentityRecord(ctx context.Context, principal string) (*IdentityRecord, error) {
	doc, err := c.fetchDocument(ctx, principal)
	if err != nil {
		return nil, err
	}

	rec := &IdentityRecord{
		IsActive: doc.Authentication != "revoked",
	}
	for _, ep := range doc.ServiceEndpoints {
		if strings.HasPrefix(ep, vaultEndpointScheme) {
			rec.VaultRef = strings.TrimPrefix(ep, vaultEndpointScheme)
			break
		}
	}
	if rec.VaultRef == "" {
		return nil, fmt.Errorf("%w: no vault endpoint for %s", ErrMalformedRecord, principal)
	}
	return rec, nil
}

func (c *Client) fetchDocument(ctx context.Context, principal string) (*didDocument, error) {
	endpoint := fmt.Sprintf("%s/dids/%s", c.baseURL, url.PathEscape(principal))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build ledger request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warnf("Ledger request for %s failed: %v", principal, err)
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrPrincipalNotFound, principal)
	default:
		return nil, fmt.Errorf("%w: ledger returned %s", ErrLedgerUnavailable, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	var doc didDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("%w: document missing id", ErrMalformedRecord)
	}
	return &doc, nil
}
