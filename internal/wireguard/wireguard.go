// Package wireguard provides constants related to the WireGuard protocol.
package wireguard

import (
	"encoding/binary"
	"net/netip"
	"time"
)

const (
	MessageTypeHandshakeInitiation  = 1
	MessageTypeHandshakeResponse    = 2
	MessageTypeHandshakeCookieReply = 3
	MessageTypeData                 = 4

	MessageLengthHandshakeInitiation  = 148
	MessageLengthHandshakeResponse    = 92
	MessageLengthHandshakeCookieReply = 64

	// DataHeaderLength is the length of the type, receiver index and counter fields of a data message.
	DataHeaderLength = 16

	DataPacketOverhead = 32

	// Data packets are padded such that the length is always a multiple of 16.
	DataPacketLengthMask = 0xFFF0

	KeySize    = 32
	MACSize    = 16
	CookieSize = 16
)

// Used to calculate max packet size from MTU.
const (
	IPv4HeaderLength = 20
	IPv6HeaderLength = 40
	UDPHeaderLength  = 8

	// MinimumMTU is the minimum MTU of an IPv6 link.
	MinimumMTU = 1280
)

// MaxPacketSize returns the maximum UDP payload size of a packet sent to addr
// over a link with the given MTU.
func MaxPacketSize(mtu int, addr netip.Addr) int {
	if addr.Unmap().Is4() {
		return mtu - IPv4HeaderLength - UDPHeaderLength
	}
	return mtu - IPv6HeaderLength - UDPHeaderLength
}

// TunnelMTU returns the tunnel MTU for which WireGuard data packets fit in maxPacketSize bytes.
func TunnelMTU(maxPacketSize int) int {
	return (maxPacketSize - DataPacketOverhead) & DataPacketLengthMask
}

// Field offsets in handshake messages.
const (
	InitiationSenderOffset = 4
	InitiationNoiseOffset  = 8
	InitiationMAC1Offset   = 116
	InitiationMAC2Offset   = 132

	ResponseSenderOffset   = 4
	ResponseReceiverOffset = 8
	ResponseNoiseOffset    = 12
	ResponseMAC1Offset     = 60
	ResponseMAC2Offset     = 76

	CookieReplyReceiverOffset = 4
	CookieReplyNonceOffset    = 8
	CookieReplyCookieOffset   = 32

	DataReceiverOffset = 4
	DataCounterOffset  = 8
)

// Protocol timers and limits.
const (
	RekeyAfterMessages  = 1 << 60
	RejectAfterMessages = 1<<64 - 1<<13 - 1

	RekeyAfterTime    = 120 * time.Second
	RekeyAttemptTime  = 90 * time.Second
	RekeyTimeout      = 5 * time.Second
	KeepaliveTimeout  = 10 * time.Second
	CookieRefreshTime = 120 * time.Second

	// RejectAfterTime is the maximum lifetime of a session.
	RejectAfterTime = 180 * time.Second
)

// MessageType returns the message type of a WireGuard packet,
// or 0 if the packet is too short or the reserved bytes are not zero.
func MessageType(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	t := binary.LittleEndian.Uint32(b)
	if t > MessageTypeData {
		return 0
	}
	return t
}

// HeaderLength returns the length of the header of a WireGuard message of the given type.
// For handshake messages the whole message is the header.
func HeaderLength(messageType byte) int {
	switch messageType {
	case MessageTypeHandshakeInitiation:
		return MessageLengthHandshakeInitiation
	case MessageTypeHandshakeResponse:
		return MessageLengthHandshakeResponse
	case MessageTypeHandshakeCookieReply:
		return MessageLengthHandshakeCookieReply
	case MessageTypeData:
		return DataPacketOverhead
	default:
		return 0
	}
}
