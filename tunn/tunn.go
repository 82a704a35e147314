// Package tunn implements the WireGuard protocol state machine for a single peer.
//
// A [Tunn] turns plaintext IP packets into WireGuard data messages and back, performs
// handshakes and keeps session keys fresh. It does no I/O: every operation writes the
// message to send, or the packet to deliver, into a caller-provided buffer, and reports
// what to do with it in a [Result].
//
// A Tunn is not safe for concurrent use.
package tunn

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"net/netip"
	"slices"
	"time"

	"github.com/database64128/wgmux-go/internal/wireguard"
	"golang.zx2c4.com/wireguard/tai64n"
)

// MaxQueueDepth is the maximum number of packets queued while waiting for a handshake.
const MaxQueueDepth = 256

var (
	ErrConnectionExpired         = errors.New("connection expired")
	ErrDestinationBufferTooSmall = errors.New("destination buffer too small")
	ErrInvalidPacket             = errors.New("invalid packet")
	ErrInvalidMAC                = errors.New("invalid mac1")
	ErrInvalidHandshake          = errors.New("invalid handshake message")
	ErrUnexpectedPeer            = errors.New("handshake initiation from unexpected peer")
	ErrWrongIndex                = errors.New("unknown receiver index")
	ErrReplayedTimestamp         = errors.New("handshake timestamp not newer than last one")
	ErrReplayedCounter           = errors.New("data message counter replayed or behind window")
	ErrCounterTooLarge           = errors.New("data message counter exceeds limit")
	ErrInvalidCookie             = errors.New("invalid cookie reply")
	ErrInvalidAEADTag            = errors.New("data message authentication failed")
	ErrExpiredKeypair            = errors.New("keypair expired")
)

// ResultKind is the action the caller must take on a [Result].
type ResultKind uint8

const (
	// Done means there is nothing to send or deliver.
	Done ResultKind = iota

	// WriteToNetwork means the packet must be sent to the peer.
	WriteToNetwork

	// WriteToTunnelV4 means the packet is a decrypted IPv4 packet for the tunnel interface.
	WriteToTunnelV4

	// WriteToTunnelV6 means the packet is a decrypted IPv6 packet for the tunnel interface.
	WriteToTunnelV6
)

func (k ResultKind) String() string {
	switch k {
	case Done:
		return "Done"
	case WriteToNetwork:
		return "WriteToNetwork"
	case WriteToTunnelV4:
		return "WriteToTunnelV4"
	case WriteToTunnelV6:
		return "WriteToTunnelV6"
	default:
		return fmt.Sprintf("ResultKind(%d)", k)
	}
}

// Result is the outcome of a [Tunn] operation.
type Result struct {
	Kind ResultKind

	// Packet aliases the destination buffer passed to the operation.
	Packet []byte

	// Source is the inner source address of a packet for the tunnel interface.
	Source netip.Addr
}

// Stats are the traffic counters of a [Tunn].
type Stats struct {
	TxBytes       uint64
	RxBytes       uint64
	LastHandshake time.Time
}

// Config is the configuration of a [Tunn].
type Config struct {
	// PrivateKey is the local static private key.
	PrivateKey Key

	// PeerPublicKey is the peer's static public key.
	PeerPublicKey Key

	// PresharedKey is the optional preshared key. The zero value means none.
	PresharedKey Key

	// PersistentKeepalive is the interval of keepalives sent regardless of traffic.
	// Zero disables persistent keepalives.
	PersistentKeepalive time.Duration

	// Index identifies the peer among the peers of a tunnel. It must fit in 24 bits and
	// makes up the upper bits of every local session index.
	Index uint32

	// Rand is the source of randomness for ephemeral keys. If nil, [crypto/rand.Reader] is used.
	Rand io.Reader

	// Now is the clock. If nil, [time.Now] is used.
	Now func() time.Time
}

// Tunn is the WireGuard protocol state of one peer.
type Tunn struct {
	staticPrivate Key
	staticPublic  Key
	peerPublic    Key
	psk           Key

	index               uint32
	indexCounter        uint8
	persistentKeepalive time.Duration

	rand io.Reader
	now  func() time.Time

	macs macState

	handshake         *handshake
	lastPeerTimestamp tai64n.Timestamp

	current  *keypair
	previous *keypair
	next     *keypair

	queue [][]byte

	timers timers
	stats  Stats
}

// New returns a new [*Tunn] for the given configuration.
//
// The first call to [Tunn.UpdateTimers] initiates a handshake.
func New(cfg Config) (*Tunn, error) {
	if cfg.PrivateKey.IsZero() {
		return nil, errors.New("missing private key")
	}
	if cfg.PeerPublicKey.IsZero() {
		return nil, errors.New("missing peer public key")
	}
	if cfg.Index >= 1<<24 {
		return nil, fmt.Errorf("peer index out of range: %d", cfg.Index)
	}

	t := Tunn{
		staticPrivate:       cfg.PrivateKey,
		staticPublic:        cfg.PrivateKey.PublicKey(),
		peerPublic:          cfg.PeerPublicKey,
		psk:                 cfg.PresharedKey,
		index:               cfg.Index,
		indexCounter:        uint8(mrand.Uint32()),
		persistentKeepalive: cfg.PersistentKeepalive,
		rand:                cfg.Rand,
		now:                 cfg.Now,
	}
	if t.rand == nil {
		t.rand = rand.Reader
	}
	if t.now == nil {
		t.now = time.Now
	}
	t.macs = newMACState(&t.staticPublic, &t.peerPublic)
	t.timers.wantHandshake = true
	return &t, nil
}

// PeerPublicKey returns the peer's static public key.
func (t *Tunn) PeerPublicKey() Key {
	return t.peerPublic
}

// Stats returns the traffic counters.
func (t *Tunn) Stats() Stats {
	return t.stats
}

// Index returns the peer index the tunnel was configured with.
func (t *Tunn) Index() uint32 {
	return t.index
}

// IsEstablished returns whether there is a session that can be used to send packets.
func (t *Tunn) IsEstablished() bool {
	return t.current != nil && t.current.canSend(t.now())
}

// Close zeroes key material. The Tunn must not be used afterwards.
func (t *Tunn) Close() {
	t.staticPrivate.Zero()
	t.psk.Zero()
	t.handshake = nil
	t.current = nil
	t.previous = nil
	t.next = nil
	t.queue = nil
}

func (t *Tunn) newLocalIndex() uint32 {
	t.indexCounter++
	return t.index<<8 | uint32(t.indexCounter)
}

// Encapsulate encrypts an IP packet for the peer.
//
// Without a usable session the packet is queued, and a handshake initiation is returned
// unless one is already in flight, in which case the result is [Done].
func (t *Tunn) Encapsulate(dst, packet []byte) (Result, error) {
	now := t.now()

	kp := t.current
	if kp == nil || !kp.canSend(now) {
		t.enqueue(packet)
		if t.handshake != nil || t.next != nil {
			return Result{}, nil
		}
		return t.sendInitiation(dst, now, false)
	}

	return t.sealWith(kp, dst, packet, now)
}

func (t *Tunn) sealWith(kp *keypair, dst, packet []byte, now time.Time) (Result, error) {
	if len(dst) < sealedLength(len(packet)) {
		return Result{}, ErrDestinationBufferTooSmall
	}

	msg := kp.seal(dst, packet)
	t.timers.lastPacketSent = now
	if len(packet) > 0 {
		t.timers.lastDataSent = now
	}
	t.stats.TxBytes += uint64(len(msg))
	return Result{Kind: WriteToNetwork, Packet: msg}, nil
}

func (t *Tunn) enqueue(packet []byte) {
	if len(packet) == 0 {
		return
	}
	if len(t.queue) >= MaxQueueDepth {
		t.queue[0] = nil
		t.queue = t.queue[1:]
	}
	t.queue = append(t.queue, slices.Clone(packet))
}

// sendQueued sends the oldest queued packet if there is a usable session.
func (t *Tunn) sendQueued(dst []byte, now time.Time) (Result, error) {
	kp := t.current
	if len(t.queue) == 0 || kp == nil || !kp.canSend(now) {
		return Result{}, nil
	}
	packet := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	return t.sealWith(kp, dst, packet, now)
}

// FormatHandshakeInitiation writes a handshake initiation into dst.
//
// If a handshake is already in flight and force is false, the result is [Done].
func (t *Tunn) FormatHandshakeInitiation(dst []byte, force bool) (Result, error) {
	if t.handshake != nil && !force {
		return Result{}, nil
	}
	return t.sendInitiation(dst, t.now(), t.handshake != nil)
}

func (t *Tunn) sendInitiation(dst []byte, now time.Time, isRetry bool) (Result, error) {
	if len(dst) < wireguard.MessageLengthHandshakeInitiation {
		return Result{}, ErrDestinationBufferTooSmall
	}

	hs, err := newHandshakeState(&t.staticPrivate, &t.staticPublic, &t.psk, &t.peerPublic, true, t.rand)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create handshake state: %w", err)
	}

	localIndex := t.newLocalIndex()
	msg := dst[:wireguard.MessageLengthHandshakeInitiation]
	binary.LittleEndian.PutUint32(msg, wireguard.MessageTypeHandshakeInitiation)
	binary.LittleEndian.PutUint32(msg[wireguard.InitiationSenderOffset:], localIndex)

	// The timestamp comes from the wall clock, which the responder compares across restarts.
	ts := tai64n.Now()
	noiseMsg, _, _, err := hs.WriteMessage(msg[wireguard.InitiationNoiseOffset:wireguard.InitiationNoiseOffset], ts[:])
	if err != nil {
		return Result{}, fmt.Errorf("failed to write handshake initiation: %w", err)
	}
	if len(noiseMsg) != noiseInitiationLength {
		return Result{}, fmt.Errorf("unexpected handshake initiation length: %d", len(noiseMsg))
	}
	t.macs.stamp(msg, now)

	t.handshake = &handshake{
		state:      hs,
		localIndex: localIndex,
	}
	t.timers.initiationSent(now, isRetry)
	t.timers.lastPacketSent = now
	t.stats.TxBytes += uint64(len(msg))
	return Result{Kind: WriteToNetwork, Packet: msg}, nil
}

// Decapsulate processes a message received from the peer.
//
// Passing an empty msg flushes packets queued while waiting for a handshake, one per call.
// Callers should keep calling Decapsulate with an empty msg after a [WriteToNetwork] result
// until the result is [Done].
func (t *Tunn) Decapsulate(dst, msg []byte) (Result, error) {
	now := t.now()
	if len(msg) == 0 {
		return t.sendQueued(dst, now)
	}

	switch wireguard.MessageType(msg) {
	case wireguard.MessageTypeHandshakeInitiation:
		return t.handleInitiation(dst, msg, now)
	case wireguard.MessageTypeHandshakeResponse:
		return t.handleResponse(dst, msg, now)
	case wireguard.MessageTypeHandshakeCookieReply:
		return t.handleCookieReply(msg, now)
	case wireguard.MessageTypeData:
		return t.handleData(dst, msg, now)
	default:
		return Result{}, ErrInvalidPacket
	}
}

func (t *Tunn) handleInitiation(dst, msg []byte, now time.Time) (Result, error) {
	if len(msg) != wireguard.MessageLengthHandshakeInitiation {
		return Result{}, ErrInvalidPacket
	}
	if !verifyMAC1(&t.macs.recvMAC1Key, msg) {
		return Result{}, ErrInvalidMAC
	}
	if len(dst) < wireguard.MessageLengthHandshakeResponse {
		return Result{}, ErrDestinationBufferTooSmall
	}

	hs, err := newHandshakeState(&t.staticPrivate, &t.staticPublic, &t.psk, nil, false, t.rand)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create handshake state: %w", err)
	}
	timestamp, _, _, err := hs.ReadMessage(nil, msg[wireguard.InitiationNoiseOffset:wireguard.InitiationMAC1Offset])
	if err != nil {
		return Result{}, ErrInvalidHandshake
	}

	var initiator Key
	copy(initiator[:], hs.PeerStatic())
	if !initiator.Equal(&t.peerPublic) {
		return Result{}, ErrUnexpectedPeer
	}
	var ts tai64n.Timestamp
	if len(timestamp) != tai64n.TimestampSize {
		return Result{}, ErrInvalidHandshake
	}
	copy(ts[:], timestamp)
	if !ts.After(t.lastPeerTimestamp) {
		return Result{}, ErrReplayedTimestamp
	}
	t.lastPeerTimestamp = ts
	t.stats.RxBytes += uint64(len(msg))
	t.timers.lastPacketReceived = now

	remoteIndex := binary.LittleEndian.Uint32(msg[wireguard.InitiationSenderOffset:])
	localIndex := t.newLocalIndex()

	resp := dst[:wireguard.MessageLengthHandshakeResponse]
	binary.LittleEndian.PutUint32(resp, wireguard.MessageTypeHandshakeResponse)
	binary.LittleEndian.PutUint32(resp[wireguard.ResponseSenderOffset:], localIndex)
	binary.LittleEndian.PutUint32(resp[wireguard.ResponseReceiverOffset:], remoteIndex)

	noiseMsg, cs1, cs2, err := hs.WriteMessage(resp[wireguard.ResponseNoiseOffset:wireguard.ResponseNoiseOffset], nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to write handshake response: %w", err)
	}
	if len(noiseMsg) != noiseResponseLength || cs1 == nil || cs2 == nil {
		return Result{}, ErrInvalidHandshake
	}
	t.macs.stamp(resp, now)

	// cs1 encrypts initiator to responder traffic.
	sendKey, recvKey := cs2.UnsafeKey(), cs1.UnsafeKey()
	kp, err := newKeypair(&sendKey, &recvKey, localIndex, remoteIndex, false, now)
	if err != nil {
		return Result{}, err
	}

	// The session is confirmed once the initiator sends a data message with it.
	t.next = kp
	t.timers.lastPacketSent = now
	t.stats.TxBytes += uint64(len(resp))
	return Result{Kind: WriteToNetwork, Packet: resp}, nil
}

func (t *Tunn) handleResponse(dst, msg []byte, now time.Time) (Result, error) {
	if len(msg) != wireguard.MessageLengthHandshakeResponse {
		return Result{}, ErrInvalidPacket
	}
	hs := t.handshake
	if hs == nil || binary.LittleEndian.Uint32(msg[wireguard.ResponseReceiverOffset:]) != hs.localIndex {
		return Result{}, ErrWrongIndex
	}
	if !verifyMAC1(&t.macs.recvMAC1Key, msg) {
		return Result{}, ErrInvalidMAC
	}

	// A failed read leaves the handshake state unusable. The retransmit timer starts a new one.
	_, cs1, cs2, err := hs.state.ReadMessage(nil, msg[wireguard.ResponseNoiseOffset:wireguard.ResponseMAC1Offset])
	if err != nil || cs1 == nil || cs2 == nil {
		t.handshake = nil
		return Result{}, ErrInvalidHandshake
	}

	sendKey, recvKey := cs1.UnsafeKey(), cs2.UnsafeKey()
	remoteIndex := binary.LittleEndian.Uint32(msg[wireguard.ResponseSenderOffset:])
	kp, err := newKeypair(&sendKey, &recvKey, hs.localIndex, remoteIndex, true, now)
	if err != nil {
		return Result{}, err
	}

	t.previous = t.current
	t.current = kp
	t.next = nil
	t.handshake = nil
	t.timers.sessionStarted(now)
	t.timers.lastPacketReceived = now
	t.stats.RxBytes += uint64(len(msg))
	t.stats.LastHandshake = now

	if len(t.queue) > 0 {
		return t.sendQueued(dst, now)
	}
	// Confirm the session to the responder.
	return t.sealWith(kp, dst, nil, now)
}

func (t *Tunn) handleCookieReply(msg []byte, now time.Time) (Result, error) {
	if len(msg) != wireguard.MessageLengthHandshakeCookieReply {
		return Result{}, ErrInvalidPacket
	}
	if hs := t.handshake; hs == nil || binary.LittleEndian.Uint32(msg[wireguard.CookieReplyReceiverOffset:]) != hs.localIndex {
		return Result{}, ErrWrongIndex
	}
	if err := t.macs.consumeCookieReply(msg, now); err != nil {
		return Result{}, err
	}
	t.stats.RxBytes += uint64(len(msg))
	return Result{}, nil
}

func (t *Tunn) keypairByIndex(localIndex uint32) *keypair {
	for _, kp := range [...]*keypair{t.current, t.next, t.previous} {
		if kp != nil && kp.localIndex == localIndex {
			return kp
		}
	}
	return nil
}

func (t *Tunn) handleData(dst, msg []byte, now time.Time) (Result, error) {
	if len(msg) < wireguard.DataPacketOverhead {
		return Result{}, ErrInvalidPacket
	}
	kp := t.keypairByIndex(binary.LittleEndian.Uint32(msg[wireguard.DataReceiverOffset:]))
	if kp == nil {
		return Result{}, ErrWrongIndex
	}
	if kp.expired(now) {
		return Result{}, ErrExpiredKeypair
	}
	if len(dst) < len(msg)-wireguard.DataPacketOverhead {
		return Result{}, ErrDestinationBufferTooSmall
	}

	packet, err := kp.open(dst, msg)
	if err != nil {
		return Result{}, err
	}

	if kp == t.next {
		t.previous = t.current
		t.current = kp
		t.next = nil
		t.timers.sessionStarted(now)
		t.stats.LastHandshake = now
	}
	t.timers.lastPacketReceived = now
	t.stats.RxBytes += uint64(len(msg))

	if len(packet) == 0 {
		// Keepalive.
		return Result{}, nil
	}
	t.timers.lastDataReceived = now

	switch packet[0] >> 4 {
	case 4:
		if len(packet) < 20 {
			return Result{}, ErrInvalidPacket
		}
		totalLen := int(binary.BigEndian.Uint16(packet[2:4]))
		if totalLen < 20 || totalLen > len(packet) {
			return Result{}, ErrInvalidPacket
		}
		return Result{
			Kind:   WriteToTunnelV4,
			Packet: packet[:totalLen],
			Source: netip.AddrFrom4([4]byte(packet[12:16])),
		}, nil

	case 6:
		if len(packet) < 40 {
			return Result{}, ErrInvalidPacket
		}
		totalLen := 40 + int(binary.BigEndian.Uint16(packet[4:6]))
		if totalLen > len(packet) {
			return Result{}, ErrInvalidPacket
		}
		return Result{
			Kind:   WriteToTunnelV6,
			Packet: packet[:totalLen],
			Source: netip.AddrFrom16([16]byte(packet[8:24])),
		}, nil

	default:
		return Result{}, ErrInvalidPacket
	}
}
