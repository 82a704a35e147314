// Package session implements the WireGuard session core.
//
// A [Tunnel] owns the protocol state of its peers and converts between plaintext IP packets
// from the host and WireGuard messages on the network. All operations are synchronous and
// write their results into an [Output].
//
// A Tunnel holds no lock. Callers must serialize calls to a Tunnel.
package session

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/database64128/wgmux-go/internal/wireguard"
	"github.com/database64128/wgmux-go/tunn"
	"github.com/gaissmai/bart"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// scratchSize is the initial size of the per-tunnel scratch buffer.
// It fits a sealed packet of the largest common tunnel MTU.
const scratchSize = 2400

var (
	ErrNoPeers             = errors.New("no peers configured")
	ErrPeerIndexOutOfRange = errors.New("peer index out of range")
)

// PeerConfig is the configuration of a peer.
type PeerConfig struct {
	PublicKey    tunn.Key
	PresharedKey tunn.Key
	Endpoint     netip.AddrPort

	// AllowedIPs are the inner source prefixes accepted from the peer.
	// If empty, all sources are accepted.
	AllowedIPs []netip.Prefix

	// PersistentKeepalive is the interval of keepalives sent regardless of traffic.
	// Zero disables persistent keepalives.
	PersistentKeepalive time.Duration
}

// Config is the configuration of a [Tunnel].
type Config struct {
	PrivateKey tunn.Key
	Peers      []PeerConfig

	// Rand is the source of randomness for handshakes. If nil, [crypto/rand.Reader] is used.
	Rand io.Reader

	// Now is the clock. If nil, [time.Now] is used.
	Now func() time.Time
}

// Peer is a configured peer of a [Tunnel].
type Peer struct {
	index    int
	endpoint netip.AddrPort
	tunn     *tunn.Tunn
}

// Index returns the position of the peer in the tunnel's peer list.
func (p *Peer) Index() int {
	return p.index
}

// Endpoint returns the address WireGuard messages for the peer are sent to.
func (p *Peer) Endpoint() netip.AddrPort {
	return p.endpoint
}

// PublicKey returns the peer's static public key.
func (p *Peer) PublicKey() tunn.Key {
	return p.tunn.PeerPublicKey()
}

// Stats returns the peer's traffic counters.
func (p *Peer) Stats() tunn.Stats {
	return p.tunn.Stats()
}

// Tunnel is the WireGuard session core.
type Tunnel struct {
	logger     *zap.Logger
	privateKey tunn.Key

	peers       []*Peer
	byPublicKey map[tunn.Key]*Peer
	allowedIPs  bart.Table[*Peer]
	activePeer  int

	scratch []byte
	dropLog rate.Sometimes
}

// New creates a new [*Tunnel] from the configuration.
func New(cfg Config, logger *zap.Logger) (*Tunnel, error) {
	if len(cfg.Peers) == 0 {
		return nil, ErrNoPeers
	}
	if len(cfg.Peers) >= 1<<24 {
		return nil, fmt.Errorf("too many peers: %d", len(cfg.Peers))
	}

	t := Tunnel{
		logger:      logger,
		privateKey:  cfg.PrivateKey,
		peers:       make([]*Peer, len(cfg.Peers)),
		byPublicKey: make(map[tunn.Key]*Peer, len(cfg.Peers)),
		scratch:     make([]byte, scratchSize),
		dropLog:     rate.Sometimes{Interval: time.Second},
	}

	for i := range cfg.Peers {
		pc := &cfg.Peers[i]

		if _, ok := t.byPublicKey[pc.PublicKey]; ok {
			return nil, fmt.Errorf("duplicate peer public key: %s", pc.PublicKey)
		}

		tn, err := tunn.New(tunn.Config{
			PrivateKey:          cfg.PrivateKey,
			PeerPublicKey:       pc.PublicKey,
			PresharedKey:        pc.PresharedKey,
			PersistentKeepalive: pc.PersistentKeepalive,
			Index:               uint32(i),
			Rand:                cfg.Rand,
			Now:                 cfg.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create tunnel for peer %d: %w", i, err)
		}

		p := &Peer{
			index:    i,
			endpoint: pc.Endpoint,
			tunn:     tn,
		}
		t.peers[i] = p
		t.byPublicKey[pc.PublicKey] = p

		if len(pc.AllowedIPs) == 0 {
			t.allowedIPs.Insert(netip.PrefixFrom(netip.IPv4Unspecified(), 0), p)
			t.allowedIPs.Insert(netip.PrefixFrom(netip.IPv6Unspecified(), 0), p)
			continue
		}
		for _, prefix := range pc.AllowedIPs {
			t.allowedIPs.Insert(prefix.Masked(), p)
		}
	}

	return &t, nil
}

// Peers returns the configured peers.
func (t *Tunnel) Peers() []*Peer {
	return t.peers
}

// ActivePeer returns the peer that host traffic and timer ticks are addressed to.
func (t *Tunnel) ActivePeer() *Peer {
	return t.peers[t.activePeer]
}

// SetActivePeer selects the peer that host traffic and timer ticks are addressed to.
func (t *Tunnel) SetActivePeer(index int) error {
	if index < 0 || index >= len(t.peers) {
		return ErrPeerIndexOutOfRange
	}
	t.activePeer = index
	return nil
}

// SetPeerEndpoint changes the address WireGuard messages for the peer are sent to.
func (t *Tunnel) SetPeerEndpoint(index int, endpoint netip.AddrPort) error {
	if index < 0 || index >= len(t.peers) {
		return ErrPeerIndexOutOfRange
	}
	t.peers[index].endpoint = endpoint
	return nil
}

// TrafficStats returns the total bytes sent and received over all peers.
func (t *Tunnel) TrafficStats() (txBytes, rxBytes uint64) {
	for _, p := range t.peers {
		s := p.tunn.Stats()
		txBytes += s.TxBytes
		rxBytes += s.RxBytes
	}
	return
}

// Close zeroes the key material of all peers.
func (t *Tunnel) Close() {
	t.privateKey.Zero()
	for _, p := range t.peers {
		p.tunn.Close()
	}
}

// scratchFor returns the scratch buffer, grown to at least n bytes.
func (t *Tunnel) scratchFor(n int) []byte {
	if len(t.scratch) < n {
		t.scratch = make([]byte, n)
	}
	return t.scratch
}

// HandleHostTraffic encapsulates a plaintext IP packet from the host for the active peer.
//
// Packets sent while the handshake is pending are queued by the protocol engine and are not
// written to out.
func (t *Tunnel) HandleHostTraffic(packet []byte, out *Output) {
	p := t.peers[t.activePeer]
	dst := t.scratchFor(len(packet) + wireguard.DataPacketOverhead + 16)

	r, err := p.tunn.Encapsulate(dst, packet)
	if err != nil {
		t.logDrop("Failed to encapsulate host packet", p, err, len(packet))
		return
	}

	switch r.Kind {
	case tunn.WriteToNetwork:
		t.appendNetwork(p, r.Packet, out)
	case tunn.Done:
	default:
		t.logDrop("Unexpected encapsulation result", p, fmt.Errorf("result kind %s", r.Kind), len(packet))
	}
}

// HandleTunnelTraffic decapsulates a WireGuard message received from the network.
//
// Protocol replies are written to the UDP buffers of out, and decrypted packets whose inner
// source is within the peer's allowed IPs are written to the tunnel buffers.
func (t *Tunnel) HandleTunnelTraffic(packet []byte, from netip.AddrPort, out *Output) {
	p := t.peerForMessage(packet, from)
	dst := t.scratchFor(max(len(packet), wireguard.MessageLengthHandshakeResponse))

	r, err := p.tunn.Decapsulate(dst, packet)
	if err != nil {
		t.logDrop("Failed to decapsulate network packet", p, err, len(packet))
		return
	}

	switch r.Kind {
	case tunn.Done:

	case tunn.WriteToNetwork:
		t.appendNetwork(p, r.Packet, out)
		t.flushQueued(p, out)

	case tunn.WriteToTunnelV4:
		if t.checkSource(p, r.Source, len(r.Packet)) {
			out.TunnelV4.Append(r.Packet, netip.AddrPort{})
		}

	case tunn.WriteToTunnelV6:
		if t.checkSource(p, r.Source, len(r.Packet)) {
			out.TunnelV6.Append(r.Packet, netip.AddrPort{})
		}

	default:
		t.logDrop("Unexpected decapsulation result", p, fmt.Errorf("result kind %s", r.Kind), len(packet))
	}
}

// flushQueued drains packets the engine queued while waiting for the handshake.
func (t *Tunnel) flushQueued(p *Peer, out *Output) {
	for {
		r, err := p.tunn.Decapsulate(t.scratch, nil)
		if err != nil {
			t.logDrop("Failed to flush queued packet", p, err, 0)
			return
		}
		if r.Kind != tunn.WriteToNetwork {
			return
		}
		t.appendNetwork(p, r.Packet, out)
	}
}

// HandleTimerTick drives handshake retransmissions, rekeys and keepalives of the active peer.
// It must be called periodically.
func (t *Tunnel) HandleTimerTick(out *Output) {
	p := t.peers[t.activePeer]
	dst := t.scratchFor(wireguard.MessageLengthHandshakeInitiation)

	r, err := p.tunn.UpdateTimers(dst)
	if errors.Is(err, tunn.ErrConnectionExpired) {
		if ce := t.logger.Check(zap.DebugLevel, "Connection expired, initiating new handshake"); ce != nil {
			ce.Write(zap.Int("peer", p.index))
		}
		r, err = p.tunn.FormatHandshakeInitiation(dst, false)
	}
	if err != nil {
		t.logDrop("Failed to update timers", p, err, 0)
		return
	}

	if r.Kind == tunn.WriteToNetwork {
		t.appendNetwork(p, r.Packet, out)
	}
}

// peerForMessage returns the peer a network message belongs to.
func (t *Tunnel) peerForMessage(msg []byte, from netip.AddrPort) *Peer {
	switch wireguard.MessageType(msg) {
	case wireguard.MessageTypeHandshakeInitiation:
		if key, err := tunn.IdentifyInitiator(&t.privateKey, msg); err == nil {
			if p, ok := t.byPublicKey[key]; ok {
				return p
			}
		}
	default:
		if index, ok := tunn.ReceiverIndex(msg); ok {
			if i := int(index >> 8); i < len(t.peers) {
				return t.peers[i]
			}
		}
	}

	if from.IsValid() {
		for _, p := range t.peers {
			if p.endpoint == from {
				return p
			}
		}
	}
	return t.peers[t.activePeer]
}

func (t *Tunnel) appendNetwork(p *Peer, msg []byte, out *Output) {
	endpoint := p.endpoint
	var ok bool
	switch {
	case !endpoint.IsValid():
		t.logDrop("Dropped message for peer without endpoint", p, nil, len(msg))
		return
	case endpoint.Addr().Unmap().Is4():
		ok = out.UDPv4.Append(msg, endpoint)
	default:
		ok = out.UDPv6.Append(msg, endpoint)
	}
	if !ok {
		t.logDrop("Dropped message due to full output buffer", p, nil, len(msg))
	}
}

func (t *Tunnel) checkSource(p *Peer, source netip.Addr, length int) bool {
	if owner, ok := t.allowedIPs.Lookup(source); ok && owner == p {
		return true
	}
	if ce := t.logger.Check(zap.DebugLevel, "Dropped packet from disallowed source"); ce != nil {
		ce.Write(
			zap.Int("peer", p.index),
			zap.Stringer("source", source),
			zap.Int("packetLength", length),
		)
	}
	return false
}

// logDrop logs a dropped packet at error level, at most once per second.
// Drops in between are logged at debug level.
func (t *Tunnel) logDrop(msg string, p *Peer, err error, length int) {
	level := zap.DebugLevel
	t.dropLog.Do(func() {
		level = zap.ErrorLevel
	})
	if ce := t.logger.Check(level, msg); ce != nil {
		ce.Write(
			zap.Int("peer", p.index),
			zap.Stringer("endpoint", p.endpoint),
			zap.Int("packetLength", length),
			zap.Error(err),
		)
	}
}
