// Package session tracks established tunnel sessions keyed by remote peer.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("idv-session")

// Errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotEstablished  = errors.New("session not established")
)

const sessionTokenLength = 32

// State is the per-peer connection state.
type State int

const (
	StateConnecting State = iota
	StateKeyExchanging
	StateEstablished
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateKeyExchanging:
		return "key-exchanging"
	case StateEstablished:
		return "established"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the per-peer record created by a successful handshake.
// Mutable fields are guarded by the session's own lock: the serving
// loop keeps sealing and opening frames while an eviction may close
// the session from another goroutine, and a seal must never observe a
// half-wiped key.
type Session struct {
	Peer          peer.ID
	Role          string // remote peer's role: "holder" or "relay"
	EstablishedAt time.Time

	mu        sync.RWMutex
	state     State
	secret    []byte // session secret; wiped on close
	principal string // authenticated principal, empty until auth succeeds
	token     string // opaque session token bound to this peer+session
	stream    network.Stream
}

// New creates an established session owning the given secret.
func New(p peer.ID, role string, secret []byte) *Session {
	return &Session{
		Peer:          p,
		Role:          role,
		EstablishedAt: time.Now(),
		state:         StateEstablished,
		secret:        secret,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState forces the session into the given state.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// MarkAuthenticating moves an established session into the
// authenticating state. Any other state is left unchanged.
func (s *Session) MarkAuthenticating() {
	s.mu.Lock()
	if s.state == StateEstablished {
		s.state = StateAuthenticating
	}
	s.mu.Unlock()
}

// Principal returns the authenticated principal, or "" before auth.
func (s *Session) Principal() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal
}

// Token returns the opaque session token, or "" before auth.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Authenticated reports whether the session carries an authenticated
// principal and a session token.
func (s *Session) Authenticated() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateAuthenticated && s.principal != "" && s.token != ""
}

// SecretCopy returns a copy of the session secret, or nil once the
// session has been closed and the secret wiped. Callers seal and open
// against the copy so a concurrent close cannot zero the key they are
// using mid-operation.
func (s *Session) SecretCopy() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateClosed || len(s.secret) == 0 {
		return nil
	}
	out := make([]byte, len(s.secret))
	copy(out, s.secret)
	return out
}

// Stream returns the secure stream attached to this session, if any.
func (s *Session) Stream() network.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stream
}

// SetStream attaches the secure stream serving this session.
func (s *Session) SetStream(str network.Stream) {
	s.mu.Lock()
	s.stream = str
	s.mu.Unlock()
}

// attachPrincipal binds the principal and token to the session. The
// session must currently be Established or Authenticating.
func (s *Session) attachPrincipal(principal, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished && s.state != StateAuthenticating {
		return fmt.Errorf("%w: state %s", ErrNotEstablished, s.state)
	}
	s.principal = principal
	s.token = token
	s.state = StateAuthenticated
	return nil
}

// closeAndWipe marks the session closed and zeroes its secret, both
// under the session lock so key material never outlives the session
// and no in-flight seal or open sees a partially wiped key. Returns
// the stream that was attached, if any, for the caller to reset.
func (s *Session) closeAndWipe() network.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	for i := range s.secret {
		s.secret[i] = 0
	}
	s.secret = nil
	str := s.stream
	s.stream = nil
	return str
}

// Store maps remote peer IDs to sessions. It supports concurrent reads
// and per-key exclusive writes. Exactly one session exists per peer; a
// second handshake from the same peer replaces the prior session
// (last-handshake-wins).
type Store struct {
	mu       sync.RWMutex
	sessions map[peer.ID]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[peer.ID]*Session)}
}

// Put records a session for a peer. Any prior session for the same peer
// is evicted: it is closed, its secret wiped, and its stream reset.
func (st *Store) Put(p peer.ID, s *Session) {
	st.mu.Lock()
	prior := st.sessions[p]
	st.sessions[p] = s
	st.mu.Unlock()

	if prior != nil && prior != s {
		log.Warnf("Replacing existing session for peer %s (last-handshake-wins)", p.ShortString())
		if evicted := prior.closeAndWipe(); evicted != nil && evicted != s.Stream() {
			_ = evicted.Reset()
		}
	}
}

// Get returns the session for a peer, or ErrSessionNotFound.
func (st *Store) Get(p peer.ID) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.sessions[p]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove deletes a peer's session, closing it and wiping its secret so
// key material does not outlive the session.
func (st *Store) Remove(p peer.ID) {
	st.mu.Lock()
	s, ok := st.sessions[p]
	delete(st.sessions, p)
	st.mu.Unlock()

	if ok {
		s.closeAndWipe()
		log.Debugf("Session removed for peer %s", p.ShortString())
	}
}

// AttachPrincipal transitions a session to Authenticated, binding the
// principal and a fresh opaque session token. The session must currently
// be Established or Authenticating.
func (st *Store) AttachPrincipal(p peer.ID, principal string) (string, error) {
	st.mu.RLock()
	s, ok := st.sessions[p]
	st.mu.RUnlock()
	if !ok {
		return "", ErrSessionNotFound
	}

	token, err := newSessionToken()
	if err != nil {
		return "", err
	}
	if err := s.attachPrincipal(principal, token); err != nil {
		return "", err
	}
	return token, nil
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Close removes all sessions, wiping their secrets.
func (st *Store) Close() {
	st.mu.Lock()
	sessions := st.sessions
	st.sessions = make(map[peer.ID]*Session)
	st.mu.Unlock()

	for _, s := range sessions {
		if str := s.closeAndWipe(); str != nil {
			_ = str.Reset()
		}
	}
}

func newSessionToken() (string, error) {
	buf := make([]byte, sessionTokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}
