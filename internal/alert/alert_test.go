package alert

import (
	"context"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestThresholdResetsCount(t *testing.T) {
	a, err := New(context.Background(), nil, "global", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := peer.ID("peer-a")

	for i := 0; i < 2; i++ {
		a.DecryptFailure(context.Background(), p)
	}
	if got := a.counts[p]; got != 2 {
		t.Errorf("expected count 2, got %d", got)
	}

	// Third failure crosses the threshold and resets.
	a.DecryptFailure(context.Background(), p)
	if got := a.counts[p]; got != 0 {
		t.Errorf("expected count reset after alert, got %d", got)
	}
}

func TestSuccessClearsCount(t *testing.T) {
	a, err := New(context.Background(), nil, "global", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := peer.ID("peer-b")

	a.DecryptFailure(context.Background(), p)
	a.DecryptFailure(context.Background(), p)
	a.Success(p)

	if got := a.counts[p]; got != 0 {
		t.Errorf("expected count cleared on success, got %d", got)
	}
}

func TestCountsAreIndependentPerPeer(t *testing.T) {
	a, err := New(context.Background(), nil, "global", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a.DecryptFailure(context.Background(), peer.ID("peer-c"))
	a.DecryptFailure(context.Background(), peer.ID("peer-d"))
	a.DecryptFailure(context.Background(), peer.ID("peer-d"))

	if a.counts[peer.ID("peer-c")] != 1 {
		t.Error("peer-c count affected by peer-d failures")
	}
	if a.counts[peer.ID("peer-d")] != 2 {
		t.Error("unexpected peer-d count")
	}
}

func TestDefaultThreshold(t *testing.T) {
	a, err := New(context.Background(), nil, "global", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.threshold != DefaultThreshold {
		t.Errorf("expected default threshold %d, got %d", DefaultThreshold, a.threshold)
	}
}
