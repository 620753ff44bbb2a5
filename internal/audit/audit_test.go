package audit

import (
	"testing"
	"time"
)

func newTestTrail(t *testing.T) *Trail {
	t.Helper()
	trail, err := NewTrail(t.TempDir())
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	t.Cleanup(func() { trail.Close() })
	return trail
}

func TestRecordAndCount(t *testing.T) {
	trail := newTestTrail(t)

	trail.RecordAuth("peer-a", "did:idv:alice", true)
	trail.RecordAuth("peer-b", "did:idv:mallory", false)
	trail.RecordVaultAccess("peer-a", "did:idv:alice", "bafyref")

	count, err := trail.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 entries, got %d", count)
	}
}

func TestChainVerifies(t *testing.T) {
	trail := newTestTrail(t)

	for i := 0; i < 10; i++ {
		trail.RecordAuth("peer-a", "did:idv:alice", i%2 == 0)
	}

	ok, err := trail.VerifyChain()
	if err != nil || !ok {
		t.Fatalf("chain must verify: ok=%v err=%v", ok, err)
	}
}

func TestTamperingDetected(t *testing.T) {
	trail := newTestTrail(t)

	trail.RecordAuth("peer-a", "did:idv:alice", true)
	trail.RecordVaultAccess("peer-a", "did:idv:alice", "bafyref")

	// Rewrite an entry behind the chain's back.
	if _, err := trail.db.Exec(`UPDATE audit_trail SET principal = 'did:idv:eve' WHERE id = 1`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	ok, err := trail.VerifyChain()
	if ok || err != ErrTrailTampered {
		t.Fatalf("tampering must be detected: ok=%v err=%v", ok, err)
	}
}

func TestChainLinksAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	trail, err := NewTrail(dir)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	trail.RecordAuth("peer-a", "did:idv:alice", true)
	lastHash := trail.LastHash()
	trail.Close()

	reopened, err := NewTrail(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.LastHash() != lastHash {
		t.Error("reopened trail must resume from the stored chain head")
	}
	reopened.RecordAuth("peer-b", "did:idv:bob", true)

	ok, err := reopened.VerifyChain()
	if err != nil || !ok {
		t.Fatalf("chain must verify across reopen: ok=%v err=%v", ok, err)
	}
}

func TestQueryFilters(t *testing.T) {
	trail := newTestTrail(t)

	trail.RecordAuth("peer-a", "did:idv:alice", true)
	trail.RecordAuth("peer-b", "did:idv:bob", false)
	trail.RecordDecryptFailure("peer-b")

	failures, err := trail.Query(QueryOptions{EventType: EventAuthFailure})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(failures) != 1 || failures[0].Principal != "did:idv:bob" {
		t.Errorf("wrong failure entries: %+v", failures)
	}

	byPeer, err := trail.Query(QueryOptions{Peer: "peer-b"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byPeer) != 2 {
		t.Errorf("expected 2 entries for peer-b, got %d", len(byPeer))
	}

	recent, err := trail.Query(QueryOptions{Since: time.Now().Add(-time.Minute), Limit: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("limit not honored: %d entries", len(recent))
	}
}

func TestNilTrailIsSafe(t *testing.T) {
	var trail *Trail

	trail.RecordAuth("peer-a", "did:idv:alice", true)
	trail.RecordVaultAccess("peer-a", "did:idv:alice", "ref")
	trail.RecordDecryptFailure("peer-a")
	if err := trail.Close(); err != nil {
		t.Errorf("nil trail close: %v", err)
	}
}
