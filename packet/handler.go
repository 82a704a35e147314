// Package packet contains handlers that transform WireGuard packets into obfuscated datagrams and back.
package packet

import (
	"errors"
	"slices"
)

var (
	ErrPacketTooShort = errors.New("packet too short")
	ErrPacketTooLarge = errors.New("packet too large")
	ErrPayloadLength  = errors.New("payload length field value out of range")
)

// Headroom is the amount of extra space a handler adds before and after a packet.
type Headroom struct {
	Front int
	Rear  int
}

// Handler encrypts WireGuard packets and decrypts obfuscated packets.
//
// Both methods append their output to dst and return the extended slice.
// dst must not overlap the input.
type Handler interface {
	// Headroom returns the maximum extra space the handler adds to a packet.
	Headroom() Headroom

	// Encrypt appends the obfuscated form of wgPacket to dst.
	Encrypt(dst, wgPacket []byte) ([]byte, error)

	// Decrypt appends the WireGuard packet carried by obfsPacket to dst.
	Decrypt(dst, obfsPacket []byte) ([]byte, error)
}

// appendN extends dst by n bytes and returns the extended slice and the new bytes.
func appendN(dst []byte, n int) (head, tail []byte) {
	head = slices.Grow(dst, n)[:len(dst)+n]
	return head, head[len(dst):]
}
