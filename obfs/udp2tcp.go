package obfs

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/database64128/wgmux-go/conn"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// udp2tcpOverhead is the length prefix, plus a TCP header with options
// in place of the UDP header.
const udp2tcpOverhead = 2 + (40 - 8)

// Udp2TcpSettings configures a transport that carries datagrams over a TCP connection.
// Each datagram is prefixed with its length as a big-endian u16.
type Udp2TcpSettings struct {
	Peer   netip.AddrPort
	Fwmark int
}

func (s *Udp2TcpSettings) String() string { return "udp2tcp" }

// RemoteEndpoint implements [Settings.RemoteEndpoint].
func (s *Udp2TcpSettings) RemoteEndpoint() netip.AddrPort { return s.Peer }

func (s *Udp2TcpSettings) newObfuscator(ctx context.Context, logger *zap.Logger) (Obfuscator, error) {
	if err := checkEndpoint(s.Peer); err != nil {
		return nil, err
	}

	local, err := listenLocal(ctx)
	if err != nil {
		return nil, err
	}

	tc, err := conn.ListenConfig{Fwmark: s.Fwmark}.DialTCP(ctx, s.Peer)
	if err != nil {
		local.close()
		return nil, fmt.Errorf("failed to connect to %s: %w", s.Peer, err)
	}

	return &udp2tcp{
		local:  local,
		remote: tc,
		peer:   s.Peer,
		logger: logger,
	}, nil
}

type udp2tcp struct {
	local  *localSocket
	remote *net.TCPConn
	peer   netip.AddrPort
	logger *zap.Logger
}

// Endpoint implements [Obfuscator.Endpoint].
func (u *udp2tcp) Endpoint() netip.AddrPort {
	return u.local.Endpoint()
}

// PacketOverhead implements [Obfuscator.PacketOverhead].
func (u *udp2tcp) PacketOverhead() int {
	return udp2tcpOverhead
}

// Run implements [Obfuscator.Run].
func (u *udp2tcp) Run(ctx context.Context) error {
	defer u.remote.Close()
	defer u.local.close()

	g, gctx := errgroup.WithContext(ctx)
	stop := interruptOnDone(gctx, u.local.conn, u.remote)
	defer stop()

	g.Go(recoverRelay(func() error {
		return u.relayUplink(gctx)
	}))
	g.Go(recoverRelay(func() error {
		return u.relayDownlink(gctx)
	}))

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (u *udp2tcp) relayUplink(ctx context.Context) error {
	buf := make([]byte, 2+maxDatagramSize)

	for {
		n, err := u.local.read(buf[2:])
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			u.logger.Warn("Failed to read packet from WireGuard",
				zap.String("transport", "udp2tcp"),
				zap.Stringer("endpoint", u.local.Endpoint()),
				zap.Error(err),
			)
			continue
		}

		binary.BigEndian.PutUint16(buf, uint16(n))

		if _, err = u.remote.Write(buf[:2+n]); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to write to %s: %w", u.peer, err)
		}
	}
}

func (u *udp2tcp) relayDownlink(ctx context.Context) error {
	r := bufio.NewReaderSize(u.remote, 2+maxDatagramSize)
	buf := make([]byte, maxDatagramSize)

	for {
		if _, err := io.ReadFull(r, buf[:2]); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err == io.EOF {
				return fmt.Errorf("connection to %s closed by peer: %w", u.peer, io.ErrUnexpectedEOF)
			}
			return fmt.Errorf("failed to read from %s: %w", u.peer, err)
		}

		length := int(binary.BigEndian.Uint16(buf))
		if _, err := io.ReadFull(r, buf[:length]); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read from %s: %w", u.peer, err)
		}

		if _, err := u.local.write(buf[:length]); err != nil {
			logWriteError(u.logger, "udp2tcp", u.local, err)
		}
	}
}
