package connectivity

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	pingPayloadSize = 56
	pingTTL         = 64
)

var errAddressFamilyMismatch = errors.New("source and destination address families differ")

// ICMPPinger builds ICMP echo requests from the tunnel address to a host behind
// the tunnel, and hands them to send as if they had been read from the tunnel
// device. The session then encrypts them like any other host traffic.
type ICMPPinger struct {
	source      netip.Addr
	destination netip.Addr
	id          uint16
	seq         uint16
	payload     []byte
	send        func(packet []byte) error
}

// NewICMPPinger returns a pinger sending echo requests from source to destination.
// The packet passed to send is only valid for the duration of the call.
func NewICMPPinger(source, destination netip.Addr, id uint16, send func(packet []byte) error) (*ICMPPinger, error) {
	source, destination = source.Unmap(), destination.Unmap()
	if source.Is4() != destination.Is4() {
		return nil, errAddressFamilyMismatch
	}

	payload := make([]byte, pingPayloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	return &ICMPPinger{
		source:      source,
		destination: destination,
		id:          id,
		payload:     payload,
		send:        send,
	}, nil
}

// SendICMP implements [Pinger.SendICMP].
func (p *ICMPPinger) SendICMP() error {
	p.seq++
	b, err := p.appendPacket(nil)
	if err != nil {
		return err
	}
	return p.send(b)
}

// Reset implements [Pinger.Reset].
func (p *ICMPPinger) Reset() {
	p.seq = 0
}

func (p *ICMPPinger) appendPacket(b []byte) ([]byte, error) {
	echo := &icmp.Echo{
		ID:   int(p.id),
		Seq:  int(p.seq),
		Data: p.payload,
	}

	if p.destination.Is4() {
		msg, err := (&icmp.Message{Type: ipv4.ICMPTypeEcho, Body: echo}).Marshal(nil)
		if err != nil {
			return nil, err
		}

		// ipv4.Header.Marshal writes some fields in host byte order on BSDs.
		start := len(b)
		b = append(b, ipv4.Version<<4|ipv4.HeaderLen>>2, 0)
		b = binary.BigEndian.AppendUint16(b, uint16(ipv4.HeaderLen+len(msg)))
		b = binary.BigEndian.AppendUint16(b, p.seq)
		b = append(b, 0, 0, pingTTL, 1, 0, 0)
		b = append(b, p.source.AsSlice()...)
		b = append(b, p.destination.AsSlice()...)
		binary.BigEndian.PutUint16(b[start+10:], checksum(b[start:]))

		return append(b, msg...), nil
	}

	msg, err := (&icmp.Message{Type: ipv6.ICMPTypeEchoRequest, Body: echo}).
		Marshal(icmp.IPv6PseudoHeader(p.source.AsSlice(), p.destination.AsSlice()))
	if err != nil {
		return nil, err
	}

	b = append(b, 6<<4, 0, 0, 0)
	b = binary.BigEndian.AppendUint16(b, uint16(len(msg)))
	b = append(b, 58, pingTTL)
	b = append(b, p.source.AsSlice()...)
	b = append(b, p.destination.AsSlice()...)
	return append(b, msg...), nil
}

// checksum returns the internet checksum of b.
func checksum(b []byte) uint16 {
	var sum uint32
	for len(b) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum > 0xffff {
		sum = sum>>16 + sum&0xffff
	}
	return ^uint16(sum)
}
