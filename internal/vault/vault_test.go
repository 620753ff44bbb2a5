package vault

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// cidFor builds a CIDv1 (raw codec, SHA2-256) for payload.
func cidFor(t *testing.T, payload []byte) cid.Cid {
	t.Helper()
	sum, err := mh.Sum(payload, mh.SHA2_256, -1)
	if err != nil {
		t.Fatalf("failed to hash payload: %v", err)
	}
	return cid.NewCidV1(cid.Raw, sum)
}

func newGateway(t *testing.T, objects map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path[1:]
		data, ok := objects[key]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch(t *testing.T) {
	payload := []byte("opaque encrypted vault bytes")
	ref := cidFor(t, payload)

	srv := newGateway(t, map[string][]byte{ref.String(): payload})
	c := NewClient(srv.URL, 5*time.Second)

	got, err := c.Fetch(context.Background(), ref.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(payload) {
		t.Error("fetched payload does not match stored payload")
	}
}

func TestFetchInvalidRef(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", time.Second)
	_, err := c.Fetch(context.Background(), "definitely-not-a-cid")
	if !errors.Is(err, ErrInvalidRef) {
		t.Errorf("expected ErrInvalidRef, got %v", err)
	}
}

func TestFetchNotFound(t *testing.T) {
	ref := cidFor(t, []byte("missing"))
	srv := newGateway(t, nil)
	c := NewClient(srv.URL, 5*time.Second)

	_, err := c.Fetch(context.Background(), ref.String())
	if !errors.Is(err, ErrPayloadNotFound) {
		t.Errorf("expected ErrPayloadNotFound, got %v", err)
	}
}

func TestFetchDigestMismatch(t *testing.T) {
	ref := cidFor(t, []byte("the real payload"))
	srv := newGateway(t, map[string][]byte{ref.String(): []byte("substituted payload")})
	c := NewClient(srv.URL, 5*time.Second)

	_, err := c.Fetch(context.Background(), ref.String())
	if !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestFetchTimeout(t *testing.T) {
	ref := cidFor(t, []byte("slow"))
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	c := NewClient(slow.URL, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Fetch(ctx, ref.String())
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable on timeout, got %v", err)
	}
}
