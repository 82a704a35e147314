package obfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"testing"

	"go.uber.org/zap/zaptest"
)

// startTCPEchoServer starts a TCP server that checks the framing of every
// packet and echoes the frame back.
func startTCPEchoServer(t *testing.T) netip.AddrPort {
	t.Helper()

	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		c, err := ln.AcceptTCP()
		if err != nil {
			return
		}
		t.Cleanup(func() { c.Close() })

		frame := make([]byte, 2+maxDatagramSize)
		for {
			if _, err := io.ReadFull(c, frame[:2]); err != nil {
				return
			}
			length := int(binary.BigEndian.Uint16(frame))
			if _, err := io.ReadFull(c, frame[2:2+length]); err != nil {
				return
			}
			if _, err := c.Write(frame[:2+length]); err != nil {
				return
			}
		}
	}()

	return ln.Addr().(*net.TCPAddr).AddrPort()
}

func TestUdp2TcpTransport(t *testing.T) {
	peer := startTCPEchoServer(t)
	h := connect(t, &Udp2TcpSettings{Peer: peer})

	if overhead := h.PacketOverhead(); overhead != udp2tcpOverhead {
		t.Errorf("PacketOverhead() = %d, want %d", overhead, udp2tcpOverhead)
	}

	wg := newWireGuardSocket(t)
	for _, length := range []int{1, 32, 148, 1420, 9000} {
		payload := newDataPacket(length)
		if reply := roundTrip(t, wg, h.Endpoint(), payload); !bytes.Equal(reply, payload) {
			t.Errorf("length %d: reply = %x, want %x", length, reply, payload)
		}
	}
}

func TestUdp2TcpPeerClosed(t *testing.T) {
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	h, err := Connect(t.Context(), &Udp2TcpSettings{Peer: ln.Addr().(*net.TCPAddr).AddrPort()}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	<-h.Done()
	if err := h.Err(); err == nil {
		t.Error("Err() = nil, want an error after the peer closed the connection")
	}
}
