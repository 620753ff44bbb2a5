// Package bootstrap parses and dials bootstrap peers with peer ID
// pinning. Addresses without a pinned peer ID cannot be verified during
// the transport security handshake and are never dialed.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("idv-bootstrap")

// PeerInfo is a parsed bootstrap entry.
type PeerInfo struct {
	AddrInfo peer.AddrInfo

	// HasPinnedID is true when the address carried a /p2p/ component.
	HasPinnedID bool

	// RawAddress is the original multiaddr string, kept for logging.
	RawAddress string
}

// Parse parses bootstrap multiaddresses of the form
// /ip4/x.x.x.x/tcp/port/p2p/PEER_ID (or /dnsaddr/host/p2p/PEER_ID).
// Invalid entries are skipped with a warning; unpinned entries are kept
// but flagged.
func Parse(addresses []string) []PeerInfo {
	peers := make([]PeerInfo, 0, len(addresses))

	for _, addr := range addresses {
		info, err := ParseAddress(addr)
		if err != nil {
			log.Warnf("Invalid bootstrap address %s: %v", addr, err)
			continue
		}
		if !info.HasPinnedID {
			log.Warnf("Bootstrap address %s has no peer ID; it cannot be verified and will not be dialed", addr)
		}
		peers = append(peers, info)
	}

	return peers
}

// ParseAddress parses a single bootstrap multiaddress.
func ParseAddress(addr string) (PeerInfo, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("invalid multiaddr: %w", err)
	}

	if !hasP2PComponent(addr) {
		return PeerInfo{
			AddrInfo:   peer.AddrInfo{Addrs: []multiaddr.Multiaddr{ma}},
			RawAddress: addr,
		}, nil
	}

	addrInfo, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("failed to parse peer info: %w", err)
	}

	return PeerInfo{
		AddrInfo:    *addrInfo,
		HasPinnedID: true,
		RawAddress:  addr,
	}, nil
}

func hasP2PComponent(addr string) bool {
	return strings.Contains(addr, "/p2p/") || strings.Contains(addr, "/ipfs/")
}

// Pinned filters to the entries with pinned peer IDs.
func Pinned(peers []PeerInfo) []PeerInfo {
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.HasPinnedID {
			out = append(out, p)
		}
	}
	return out
}

// Warnings returns configuration warnings for unpinned addresses.
func Warnings(addresses []string) []string {
	var warnings []string
	for _, addr := range addresses {
		if !hasP2PComponent(addr) {
			warnings = append(warnings, fmt.Sprintf(
				"bootstrap address %q lacks peer ID - update to format: %s/p2p/<PEER_ID>", addr, addr))
		}
	}
	return warnings
}

// Connect dials the pinned bootstrap peers sequentially and returns the
// number of successful connections. The transport security handshake
// verifies each dialed peer's identity against the pinned ID.
func Connect(ctx context.Context, h host.Host, peers []PeerInfo) int {
	connected := 0
	for _, p := range Pinned(peers) {
		if err := h.Connect(ctx, p.AddrInfo); err != nil {
			log.Warnf("Failed to connect to bootstrap peer %s (%s): %v", p.AddrInfo.ID, p.RawAddress, err)
			continue
		}
		log.Infof("Connected to bootstrap peer %s (peer ID verified)", p.AddrInfo.ID)
		connected++
	}
	return connected
}
