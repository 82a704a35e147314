package session

import (
	"iter"
	"math"
	"net/netip"
)

// IOBufferCapacity is the maximum total size in bytes of the packets held by an [IOBuffer].
const IOBufferCapacity = math.MaxUint16

type packetInfo struct {
	start int
	end   int
	addr  netip.AddrPort
}

// IOBuffer is an append-only list of packets backed by a single byte slice of fixed capacity.
//
// Packets appended to a UDP output buffer carry their destination address.
// Packets for the tunnel interface carry the zero address.
//
// The zero value is ready for use. The backing storage is allocated on the first append.
type IOBuffer struct {
	data    []byte
	packets []packetInfo
	dropped uint64
}

// Append copies packet into the buffer. It returns false and counts a drop if the buffer
// does not have room for the packet.
func (b *IOBuffer) Append(packet []byte, addr netip.AddrPort) bool {
	if len(b.data)+len(packet) > IOBufferCapacity {
		b.dropped++
		return false
	}
	if b.data == nil {
		b.data = make([]byte, 0, IOBufferCapacity)
	}

	start := len(b.data)
	b.data = append(b.data, packet...)
	b.packets = append(b.packets, packetInfo{
		start: start,
		end:   len(b.data),
		addr:  addr,
	})
	return true
}

// Len returns the total size in bytes of the packets in the buffer.
func (b *IOBuffer) Len() int {
	return len(b.data)
}

// PacketCount returns the number of packets in the buffer.
func (b *IOBuffer) PacketCount() int {
	return len(b.packets)
}

// Packet returns the i-th packet and its address.
// The returned slice aliases the buffer and is valid until the buffer is reset.
func (b *IOBuffer) Packet(i int) ([]byte, netip.AddrPort) {
	p := b.packets[i]
	return b.data[p.start:p.end:p.end], p.addr
}

// All returns an iterator over the packets in the buffer.
func (b *IOBuffer) All() iter.Seq2[[]byte, netip.AddrPort] {
	return func(yield func([]byte, netip.AddrPort) bool) {
		for i := range b.packets {
			if !yield(b.Packet(i)) {
				return
			}
		}
	}
}

// Dropped returns the number of packets dropped because the buffer was full.
func (b *IOBuffer) Dropped() uint64 {
	return b.dropped
}

// Reset empties the buffer, keeping the backing storage for reuse.
func (b *IOBuffer) Reset() {
	b.data = b.data[:0]
	b.packets = b.packets[:0]
	b.dropped = 0
}

// Take moves the packets out of b into a new buffer owned by the caller.
// b is left empty and allocates new storage on its next append.
func (b *IOBuffer) Take() *IOBuffer {
	taken := *b
	*b = IOBuffer{}
	return &taken
}

// Output collects the packets produced by one operation on a [Tunnel].
type Output struct {
	// UDPv4 holds WireGuard messages for peers with IPv4 endpoints.
	UDPv4 IOBuffer

	// UDPv6 holds WireGuard messages for peers with IPv6 endpoints.
	UDPv6 IOBuffer

	// TunnelV4 holds decrypted IPv4 packets for the tunnel interface.
	TunnelV4 IOBuffer

	// TunnelV6 holds decrypted IPv6 packets for the tunnel interface.
	TunnelV6 IOBuffer
}

// Reset empties all buffers.
func (o *Output) Reset() {
	o.UDPv4.Reset()
	o.UDPv6.Reset()
	o.TunnelV4.Reset()
	o.TunnelV6.Reset()
}

// IsEmpty returns whether all buffers are empty.
func (o *Output) IsEmpty() bool {
	return o.UDPv4.PacketCount() == 0 &&
		o.UDPv6.PacketCount() == 0 &&
		o.TunnelV4.PacketCount() == 0 &&
		o.TunnelV6.PacketCount() == 0
}
