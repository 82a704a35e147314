// Package conn provides socket helpers for the transports: listen and dial configs
// that apply a firewall mark, and an address type that holds either an IP or a domain name.
package conn

import (
	"context"
	"net"
	"net/netip"
	"syscall"
)

// ListenConfig configures sockets created for obfuscation transports and the tunnel.
type ListenConfig struct {
	// Fwmark is the firewall mark set on sockets, so that their traffic bypasses the tunnel.
	// Zero means no mark. Only supported on Linux.
	Fwmark int
}

func (lc ListenConfig) control(network, address string, c syscall.RawConn) (err error) {
	if lc.Fwmark == 0 {
		return nil
	}
	if cerr := c.Control(func(fd uintptr) {
		err = setFwmark(int(fd), lc.Fwmark)
	}); cerr != nil {
		return cerr
	}
	return err
}

// ListenUDP returns a UDP socket bound to the given address.
func (lc ListenConfig) ListenUDP(ctx context.Context, network, address string) (*net.UDPConn, error) {
	nlc := net.ListenConfig{
		Control: lc.control,
	}
	pc, err := nlc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// ListenLoopbackUDP returns a UDP socket bound to an ephemeral port on 127.0.0.1.
// Loopback sockets never carry a firewall mark.
func ListenLoopbackUDP(ctx context.Context) (*net.UDPConn, error) {
	return ListenConfig{}.ListenUDP(ctx, "udp4", "127.0.0.1:0")
}

// Dialer returns a [*net.Dialer] that applies the config to dialed sockets.
func (lc ListenConfig) Dialer() *net.Dialer {
	return &net.Dialer{
		Control: lc.control,
	}
}

// DialUDP returns a UDP socket connected to raddr.
func (lc ListenConfig) DialUDP(ctx context.Context, raddr netip.AddrPort) (*net.UDPConn, error) {
	c, err := lc.Dialer().DialContext(ctx, "udp", raddr.String())
	if err != nil {
		return nil, err
	}
	return c.(*net.UDPConn), nil
}

// DialTCP returns a TCP connection to raddr.
func (lc ListenConfig) DialTCP(ctx context.Context, raddr netip.AddrPort) (*net.TCPConn, error) {
	c, err := lc.Dialer().DialContext(ctx, "tcp", raddr.String())
	if err != nil {
		return nil, err
	}
	return c.(*net.TCPConn), nil
}
