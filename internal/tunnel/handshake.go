package tunnel

import (
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/identivault/tunnel-server/internal/config"
	"github.com/identivault/tunnel-server/internal/keys"
	"github.com/identivault/tunnel-server/internal/tunnel/kex"
)

// HandshakeProtocolID identifies the key-exchange handshake stream.
const HandshakeProtocolID = "/identivault/handshake/1.0.0"

// SecureProtocolID identifies the long-lived encrypted request stream.
const SecureProtocolID = "/identivault/secure/1.0.0"

const handshakeVersion = 0x01

// handshakeAck is written by the listener once its session state is in
// place, so the dialer never races ahead onto the secure stream.
const handshakeAck = 0x06

// Role bytes on the handshake wire.
const (
	roleByteHolder = 0x01
	roleByteRelay  = 0x02
)

func roleToByte(role string) (byte, error) {
	switch role {
	case config.RoleHolder:
		return roleByteHolder, nil
	case config.RoleRelay:
		return roleByteRelay, nil
	default:
		return 0, fmt.Errorf("unknown role %q", role)
	}
}

func roleFromByte(b byte) (string, error) {
	switch b {
	case roleByteHolder:
		return config.RoleHolder, nil
	case roleByteRelay:
		return config.RoleRelay, nil
	default:
		return "", fmt.Errorf("unknown role byte 0x%02x", b)
	}
}

// Handshake wire layout, all fields fixed size:
//
//	hello (dialer -> listener): version(1) role(1) exchangePub(32)
//	reply (listener -> dialer): version(1) role(1) exchangePub(32) blob(32)
//	final (dialer -> listener): blob(32)
//	ack   (listener -> dialer): ack(1), sent after session state exists
//
// Each side encapsulates a share to the other's exchange key and
// decapsulates the blob it received; the combined shares yield the
// session secret. An abort at any point leaves no session state.

// runDialHandshake performs the dialer side of the handshake and
// returns the session secret and the listener's role.
func runDialHandshake(s network.Stream, id *keys.Identity, localRole string, timeout time.Duration) ([]byte, string, error) {
	if err := s.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, "", fmt.Errorf("set handshake deadline: %w", err)
	}
	defer s.SetDeadline(time.Time{})

	roleByte, err := roleToByte(localRole)
	if err != nil {
		return nil, "", err
	}

	hello := make([]byte, 0, 2+kex.BlobSize)
	hello = append(hello, handshakeVersion, roleByte)
	hello = append(hello, id.ExchangeKey.PublicKey...)
	if _, err := s.Write(hello); err != nil {
		return nil, "", fmt.Errorf("write hello: %w", err)
	}

	reply := make([]byte, 2+kex.BlobSize+kex.BlobSize)
	if _, err := io.ReadFull(s, reply); err != nil {
		return nil, "", fmt.Errorf("read handshake reply: %w", err)
	}
	if reply[0] != handshakeVersion {
		return nil, "", fmt.Errorf("unsupported handshake version 0x%02x", reply[0])
	}
	remoteRole, err := roleFromByte(reply[1])
	if err != nil {
		return nil, "", err
	}
	remotePub := reply[2 : 2+kex.BlobSize]
	remoteBlob := reply[2+kex.BlobSize:]

	localShare, blob, err := kex.Encapsulate(remotePub)
	if err != nil {
		return nil, "", fmt.Errorf("encapsulate: %w", err)
	}
	if _, err := s.Write(blob); err != nil {
		return nil, "", fmt.Errorf("write final blob: %w", err)
	}

	remoteShare, err := kex.Decapsulate(remoteBlob, id.ExchangeKey.PrivateKey)
	if err != nil {
		return nil, "", fmt.Errorf("decapsulate: %w", err)
	}

	secret, err := kex.CombineShares(localShare, remoteShare)
	if err != nil {
		return nil, "", err
	}

	var ack [1]byte
	if _, err := io.ReadFull(s, ack[:]); err != nil {
		return nil, "", fmt.Errorf("read handshake ack: %w", err)
	}
	if ack[0] != handshakeAck {
		return nil, "", fmt.Errorf("unexpected handshake ack 0x%02x", ack[0])
	}
	return secret, remoteRole, nil
}

// runListenHandshake performs the listener side of the handshake and
// returns the session secret and the dialer's role. The caller must
// send the final ack once its session state is stored.
func runListenHandshake(s network.Stream, id *keys.Identity, localRole string, timeout time.Duration) ([]byte, string, error) {
	if err := s.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, "", fmt.Errorf("set handshake deadline: %w", err)
	}
	defer s.SetDeadline(time.Time{})

	hello := make([]byte, 2+kex.BlobSize)
	if _, err := io.ReadFull(s, hello); err != nil {
		return nil, "", fmt.Errorf("read hello: %w", err)
	}
	if hello[0] != handshakeVersion {
		return nil, "", fmt.Errorf("unsupported handshake version 0x%02x", hello[0])
	}
	remoteRole, err := roleFromByte(hello[1])
	if err != nil {
		return nil, "", err
	}
	remotePub := hello[2:]

	localShare, blob, err := kex.Encapsulate(remotePub)
	if err != nil {
		return nil, "", fmt.Errorf("encapsulate: %w", err)
	}

	roleByte, err := roleToByte(localRole)
	if err != nil {
		return nil, "", err
	}
	reply := make([]byte, 0, 2+kex.BlobSize+kex.BlobSize)
	reply = append(reply, handshakeVersion, roleByte)
	reply = append(reply, id.ExchangeKey.PublicKey...)
	reply = append(reply, blob...)
	if _, err := s.Write(reply); err != nil {
		return nil, "", fmt.Errorf("write handshake reply: %w", err)
	}

	remoteBlob := make([]byte, kex.BlobSize)
	if _, err := io.ReadFull(s, remoteBlob); err != nil {
		return nil, "", fmt.Errorf("read final blob: %w", err)
	}

	remoteShare, err := kex.Decapsulate(remoteBlob, id.ExchangeKey.PrivateKey)
	if err != nil {
		return nil, "", fmt.Errorf("decapsulate: %w", err)
	}

	secret, err := kex.CombineShares(localShare, remoteShare)
	if err != nil {
		return nil, "", err
	}
	return secret, remoteRole, nil
}

// sendHandshakeAck releases the dialer onto the secure stream.
func sendHandshakeAck(s network.Stream) error {
	_, err := s.Write([]byte{handshakeAck})
	return err
}
