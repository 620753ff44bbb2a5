// Package tunnel implements the encrypted tunnel between holder and
// relay peers: the key-exchange handshake, the sealed request stream,
// and the dispatcher that routes requests to backing services.
package tunnel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"

	"github.com/identivault/tunnel-server/internal/alert"
	"github.com/identivault/tunnel-server/internal/audit"
	"github.com/identivault/tunnel-server/internal/bootstrap"
	"github.com/identivault/tunnel-server/internal/config"
	"github.com/identivault/tunnel-server/internal/keys"
	"github.com/identivault/tunnel-server/internal/session"
	"github.com/identivault/tunnel-server/internal/tunnel/envelope"
)

var log = logging.Logger("idv-tunnel")

const (
	// TunnelVersion is the protocol version used for the discovery
	// namespace.
	TunnelVersion = "identivault/1.0.0"

	// MDNSServiceName is the local-network discovery service name.
	MDNSServiceName = "identivault-mdns"
)

// Manager owns the libp2p host and the full tunnel lifecycle: accepting
// handshakes, tracking sessions, and serving the sealed request stream.
type Manager struct {
	host     host.Host
	dht      *dht.IpfsDHT
	pubsub   *pubsub.PubSub
	config   *config.Config
	identity *keys.Identity

	store      *session.Store
	dispatcher *Dispatcher
	limiter    *AuthLimiter
	alerter    *alert.Alerter
	trail      *audit.Trail

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// clientMu serializes outbound requests per session so exactly one
	// request is in flight on a secure stream at a time.
	clientMu sync.Mutex
}

// New creates a tunnel manager with its libp2p host. The collaborators
// may be zero-valued for holder-only peers that never serve requests.
func New(ctx context.Context, cfg *config.Config, identity *keys.Identity, collab Collaborators) (*Manager, error) {
	mgrCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		config:   cfg,
		identity: identity,
		store:    session.NewStore(),
		ctx:      mgrCtx,
		cancel:   cancel,
	}

	if err := m.init(collab); err != nil {
		cancel()
		return nil, err
	}
	return m, nil
}

func (m *Manager) init(collab Collaborators) error {
	privKey, err := m.identity.Libp2pPrivKey()
	if err != nil {
		return fmt.Errorf("failed to load host identity: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(m.config.Network.Listen))
	for _, addr := range m.config.Network.Listen {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	connMgr, err := connmgr.NewConnManager(
		10,
		m.config.Network.MaxConns,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}

	var dhtRouting *dht.IpfsDHT
	m.host, err = libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(connMgr),
		libp2p.EnableHolePunching(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			dhtRouting, err = dht.New(m.ctx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.ProtocolPrefix("/identivault"),
			)
			return dhtRouting, err
		}),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	m.dht = dhtRouting

	m.pubsub, err = pubsub.NewGossipSub(m.ctx, m.host)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}

	m.alerter, err = alert.New(m.ctx, m.pubsub, m.config.Region, m.config.Tunnel.DecryptAlertThreshold)
	if err != nil {
		return fmt.Errorf("failed to create alerter: %w", err)
	}

	m.limiter = NewAuthLimiter(AuthLimitConfig{
		FailuresPerMinute: float64(m.config.Tunnel.AuthFailuresPerMinute),
		Burst:             m.config.Tunnel.AuthFailureBurst,
	})

	m.dispatcher = NewDispatcher(DispatcherConfig{
		ChallengeTTL:        m.config.Tunnel.ChallengeTTL,
		CollaboratorTimeout: m.config.Tunnel.CollaboratorTimeout,
	}, m.store, collab, m.limiter)

	// Relays keep a tamper-evident trail of auth and vault activity.
	if m.config.Role == config.RoleRelay && m.config.Storage.Path != "" {
		trail, err := audit.NewTrail(m.config.Storage.Path)
		if err != nil {
			log.Warnf("Audit trail disabled: %v", err)
		} else {
			m.trail = trail
			m.dispatcher.SetAuditTrail(trail)
		}
	}

	m.host.SetStreamHandler(HandshakeProtocolID, m.handleHandshakeStream)
	m.host.SetStreamHandler(SecureProtocolID, m.handleSecureStream)

	// Drop the session when the underlying connection goes away.
	m.host.Network().Notify(&network.NotifyBundle{
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			p := conn.RemotePeer()
			if m.host.Network().Connectedness(p) == network.Connected {
				return
			}
			m.store.Remove(p)
			m.dispatcher.DropChallenges(p)
			m.alerter.Forget(p)
		},
	})

	log.Infof("Tunnel host created: %s (role=%s region=%s)", m.host.ID().ShortString(), m.config.Role, m.config.Region)
	return nil
}

// Start begins network operations: DHT bootstrap, bootstrap peer
// dialing, mDNS, and region discovery.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	for _, w := range bootstrap.Warnings(m.config.Network.Bootstrap) {
		log.Warnf("Bootstrap configuration: %s", w)
	}
	pinned := bootstrap.Pinned(bootstrap.Parse(m.config.Network.Bootstrap))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		n := bootstrap.Connect(ctx, m.host, pinned)
		if len(pinned) > 0 {
			log.Infof("Connected to %d/%d bootstrap peers", n, len(pinned))
		}
	}()

	m.wg.Add(1)
	go m.runMDNS()

	m.wg.Add(1)
	go m.runRegionDiscovery()

	return nil
}

// regionCID derives the DHT discovery namespace for a region.
func regionCID(region string) (cid.Cid, error) {
	hash := sha256.Sum256([]byte(TunnelVersion + "/" + region))
	encoded, err := mh.Encode(hash[:], mh.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to create discovery multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, encoded), nil
}

// runRegionDiscovery announces this peer under its region namespace
// (relays only) and periodically looks up other region members.
func (m *Manager) runRegionDiscovery() {
	defer m.wg.Done()

	discoveryCID, err := regionCID(m.config.Region)
	if err != nil {
		log.Errorf("Region discovery disabled: %v", err)
		return
	}
	hash := discoveryCID.Hash()
	log.Infof("Region discovery namespace: %s...", hex.EncodeToString(hash)[:16])

	announceTicker := time.NewTicker(30 * time.Second)
	defer announceTicker.Stop()
	discoveryTicker := time.NewTicker(60 * time.Second)
	defer discoveryTicker.Stop()

	if m.config.Role == config.RoleRelay {
		m.announceRegion(discoveryCID)
	}

	for {
		select {
		case <-m.ctx.Done():
			log.Debug("Region discovery stopped")
			return

		case <-announceTicker.C:
			if m.config.Role == config.RoleRelay {
				m.announceRegion(discoveryCID)
			}

		case <-discoveryTicker.C:
			m.discoverRegionPeers(discoveryCID)
		}
	}
}

func (m *Manager) announceRegion(discoveryCID cid.Cid) {
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()

	if err := m.dht.Provide(ctx, discoveryCID, true); err != nil {
		log.Debugf("Region announce failed: %v", err)
	}
}

func (m *Manager) discoverRegionPeers(discoveryCID cid.Cid) {
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	peerChan := m.dht.FindProvidersAsync(ctx, discoveryCID, 20)
	for peerInfo := range peerChan {
		if peerInfo.ID == m.host.ID() {
			continue
		}
		if m.host.Network().Connectedness(peerInfo.ID) == network.Connected {
			continue
		}
		go func(pi peer.AddrInfo) {
			connectCtx, connectCancel := context.WithTimeout(m.ctx, 10*time.Second)
			defer connectCancel()
			if err := m.host.Connect(connectCtx, pi); err != nil {
				log.Debugf("Failed to connect to discovered peer %s: %v", pi.ID, err)
			} else {
				log.Infof("Connected to region peer: %s", pi.ID.ShortString())
			}
		}(peerInfo)
	}
}

// FindRelays returns region relays currently discoverable via the DHT.
func (m *Manager) FindRelays(ctx context.Context) ([]peer.AddrInfo, error) {
	discoveryCID, err := regionCID(m.config.Region)
	if err != nil {
		return nil, err
	}

	var found []peer.AddrInfo
	for pi := range m.dht.FindProvidersAsync(ctx, discoveryCID, 20) {
		if pi.ID == m.host.ID() {
			continue
		}
		found = append(found, pi)
	}
	return found, nil
}

type mdnsNotifee struct {
	host host.Host
	ctx  context.Context
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	log.Debugf("mDNS discovered peer: %s", pi.ID)
	if err := n.host.Connect(n.ctx, pi); err != nil {
		log.Debugf("Failed to connect to mDNS peer %s: %v", pi.ID, err)
	}
}

func (m *Manager) runMDNS() {
	defer m.wg.Done()

	service := mdns.NewMdnsService(m.host, MDNSServiceName, &mdnsNotifee{host: m.host, ctx: m.ctx})
	if err := service.Start(); err != nil {
		log.Warnf("Failed to start mDNS service: %v", err)
		return
	}
	defer service.Close()

	<-m.ctx.Done()
}

// Connect dials a peer and runs the handshake, leaving an established
// session and an open secure stream ready for requests.
func (m *Manager) Connect(ctx context.Context, pi peer.AddrInfo) error {
	if err := m.host.Connect(ctx, pi); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", pi.ID, err)
	}

	hs, err := m.host.NewStream(ctx, pi.ID, HandshakeProtocolID)
	if err != nil {
		return fmt.Errorf("failed to open handshake stream: %w", err)
	}

	secret, remoteRole, err := runDialHandshake(hs, m.identity, m.config.Role, m.config.Tunnel.HandshakeTimeout)
	if err != nil {
		_ = hs.Reset()
		return fmt.Errorf("handshake with %s failed: %w", pi.ID.ShortString(), err)
	}
	_ = hs.Close()

	secure, err := m.host.NewStream(ctx, pi.ID, SecureProtocolID)
	if err != nil {
		return fmt.Errorf("failed to open secure stream: %w", err)
	}

	sess := session.New(pi.ID, remoteRole, secret)
	sess.SetStream(secure)
	m.store.Put(pi.ID, sess)

	log.Infof("Tunnel established with %s (role=%s)", pi.ID.ShortString(), remoteRole)
	return nil
}

// handleHandshakeStream runs the listener side of the key exchange. An
// aborted handshake leaves no session state behind.
func (m *Manager) handleHandshakeStream(s network.Stream) {
	defer s.Close()
	p := s.Conn().RemotePeer()

	secret, remoteRole, err := runListenHandshake(s, m.identity, m.config.Role, m.config.Tunnel.HandshakeTimeout)
	if err != nil {
		log.Warnf("Handshake from %s failed: %v", p.ShortString(), err)
		_ = s.Reset()
		return
	}

	m.store.Put(p, session.New(p, remoteRole, secret))

	if err := sendHandshakeAck(s); err != nil {
		log.Warnf("Handshake ack to %s failed: %v", p.ShortString(), err)
		m.store.Remove(p)
		_ = s.Reset()
		return
	}

	log.Infof("Tunnel established with %s (role=%s)", p.ShortString(), remoteRole)
}

// handleSecureStream serves the sealed request loop for one session.
// Requests are processed strictly in order; each produces exactly one
// response before the next frame is read.
func (m *Manager) handleSecureStream(s network.Stream) {
	p := s.Conn().RemotePeer()

	sess, err := m.store.Get(p)
	if err != nil || len(sess.SecretCopy()) != envelope.KeySize {
		log.Warnf("Secure stream from %s without an established session", p.ShortString())
		_ = s.Reset()
		return
	}
	sess.SetStream(s)
	defer s.Close()

	for {
		frame, err := readFrame(s)
		if err != nil {
			if err != io.EOF {
				log.Debugf("Secure stream from %s closed: %v", p.ShortString(), err)
			}
			return
		}

		resp := m.processFrame(sess, frame)
		if resp == nil {
			continue
		}
		if err := m.writeSealed(s, sess, resp); err != nil {
			log.Warnf("Failed to write response to %s: %v", p.ShortString(), err)
			_ = s.Reset()
			return
		}
	}
}

// processFrame decodes, decrypts, and dispatches one request frame.
// A frame that fails authentication is discarded whole; the session
// survives and the peer gets a typed error response.
func (m *Manager) processFrame(sess *session.Session, frame []byte) *Message {
	env, err := envelope.Decode(frame)
	if err != nil {
		log.Debugf("Malformed envelope from %s: %v", sess.Peer.ShortString(), err)
		return errorResponse("", CodeBadRequest, "malformed envelope")
	}

	secret := sess.SecretCopy()
	if secret == nil {
		// Session evicted mid-loop; its stream is being reset.
		return nil
	}

	plaintext, err := envelope.Open(env, secret)
	if err != nil {
		m.alerter.DecryptFailure(m.ctx, sess.Peer)
		m.trail.RecordDecryptFailure(sess.Peer.String())
		return errorResponse("", CodeDecryptionFailure, "envelope authentication failed")
	}
	m.alerter.Success(sess.Peer)

	msg, err := DecodeMessage(plaintext)
	if err != nil {
		return errorResponse("", CodeBadRequest, "malformed protocol message")
	}

	return m.dispatcher.Dispatch(m.ctx, sess, msg)
}

// writeSealed seals a message under the session secret and writes it as
// one frame.
func (m *Manager) writeSealed(s network.Stream, sess *session.Session, msg *Message) error {
	plaintext, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	secret := sess.SecretCopy()
	if secret == nil {
		return session.ErrSessionNotFound
	}
	env, err := envelope.Seal(plaintext, secret)
	if err != nil {
		return err
	}
	return writeFrame(s, env.Encode())
}

// Stop shuts the manager down, closing all sessions and the host.
func (m *Manager) Stop() error {
	m.cancel()
	m.wg.Wait()

	m.store.Close()
	m.limiter.Close()
	if err := m.alerter.Close(); err != nil {
		log.Warnf("Error closing alerter: %v", err)
	}
	if err := m.trail.Close(); err != nil {
		log.Warnf("Error closing audit trail: %v", err)
	}

	if err := m.host.Close(); err != nil {
		return fmt.Errorf("failed to close host: %w", err)
	}
	return nil
}

// PeerID returns this peer's libp2p ID.
func (m *Manager) PeerID() peer.ID {
	return m.host.ID()
}

// ListenAddrs returns the host's listen addresses.
func (m *Manager) ListenAddrs() []multiaddr.Multiaddr {
	return m.host.Addrs()
}

// Host returns the libp2p host.
func (m *Manager) Host() host.Host {
	return m.host
}

// Sessions returns the session store.
func (m *Manager) Sessions() *session.Store {
	return m.store
}

// Dispatcher returns the request dispatcher.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}
