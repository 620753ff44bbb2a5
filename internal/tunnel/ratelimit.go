package tunnel

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"
)

// AuthLimitConfig bounds how often a peer may fail authentication.
type AuthLimitConfig struct {
	// FailuresPerMinute is the sustained failed-attempt rate per peer.
	FailuresPerMinute float64
	// Burst is the maximum run of consecutive failures before the
	// peer is held off.
	Burst int
}

// DefaultAuthLimitConfig returns sensible defaults for auth throttling.
func DefaultAuthLimitConfig() AuthLimitConfig {
	return AuthLimitConfig{
		FailuresPerMinute: 6,
		Burst:             5,
	}
}

// peerAuthState tracks the failure budget for a single peer.
type peerAuthState struct {
	limiter    *rate.Limiter
	lastActive time.Time
}

// AuthLimiter throttles repeated authentication failures per peer.
// Successful authentications never consume budget.
type AuthLimiter struct {
	config AuthLimitConfig
	peers  map[peer.ID]*peerAuthState
	mu     sync.Mutex

	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// NewAuthLimiter creates an auth failure limiter and starts its
// background cleanup goroutine.
func NewAuthLimiter(config AuthLimitConfig) *AuthLimiter {
	if config.FailuresPerMinute <= 0 {
		config.FailuresPerMinute = DefaultAuthLimitConfig().FailuresPerMinute
	}
	if config.Burst <= 0 {
		config.Burst = DefaultAuthLimitConfig().Burst
	}
	al := &AuthLimiter{
		config:          config,
		peers:           make(map[peer.ID]*peerAuthState),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go al.cleanupLoop()
	return al
}

func (al *AuthLimiter) state(peerID peer.ID, now time.Time) *peerAuthState {
	st, ok := al.peers[peerID]
	if !ok {
		st = &peerAuthState{
			limiter: rate.NewLimiter(rate.Limit(al.config.FailuresPerMinute/60), al.config.Burst),
		}
		al.peers[peerID] = st
	}
	st.lastActive = now
	return st
}

// Blocked reports whether the peer has exhausted its failure budget
// and should be refused further authentication attempts.
func (al *AuthLimiter) Blocked(peerID peer.ID) bool {
	al.mu.Lock()
	defer al.mu.Unlock()

	st := al.state(peerID, time.Now())
	if st.limiter.Tokens() < 1 {
		log.Debugf("Auth rate limit active for peer %s", peerID.ShortString())
		return true
	}
	return false
}

// RecordFailure consumes one unit of the peer's failure budget.
func (al *AuthLimiter) RecordFailure(peerID peer.ID) {
	al.mu.Lock()
	defer al.mu.Unlock()

	st := al.state(peerID, time.Now())
	st.limiter.Allow()
}

// Reset clears the failure budget for a specific peer.
func (al *AuthLimiter) Reset(peerID peer.ID) {
	al.mu.Lock()
	defer al.mu.Unlock()

	delete(al.peers, peerID)
}

// Close stops the background cleanup goroutine.
func (al *AuthLimiter) Close() {
	al.closeOnce.Do(func() { close(al.stopCleanup) })
}

// cleanupLoop periodically removes idle peer state to prevent memory leaks.
func (al *AuthLimiter) cleanupLoop() {
	ticker := time.NewTicker(al.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			al.cleanup()
		case <-al.stopCleanup:
			return
		}
	}
}

func (al *AuthLimiter) cleanup() {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := time.Now()
	for peerID, st := range al.peers {
		if now.Sub(st.lastActive) > al.maxIdleTime {
			delete(al.peers, peerID)
		}
	}
}

// PeerCount returns the number of peers currently being tracked.
func (al *AuthLimiter) PeerCount() int {
	al.mu.Lock()
	defer al.mu.Unlock()

	return len(al.peers)
}
