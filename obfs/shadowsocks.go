package obfs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/transport/shadowsocks"
	"github.com/database64128/wgmux-go/conn"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultShadowsocksCipher is used when no cipher is configured.
	DefaultShadowsocksCipher = "chacha20-ietf-poly1305"

	// socksAddrOverhead is the address type byte and the port of a SOCKS address.
	socksAddrOverhead = 1 + 2
)

// DefaultShadowsocksTarget is the address of the WireGuard server as seen from a bridge.
var DefaultShadowsocksTarget = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 51820)

// ShadowsocksSettings configures a transport that relays datagrams through a Shadowsocks server.
type ShadowsocksSettings struct {
	Endpoint netip.AddrPort
	Password string

	// Cipher is the name of an AEAD cipher, for example "chacha20-ietf-poly1305" or "aes-256-gcm".
	// Empty means [DefaultShadowsocksCipher].
	Cipher string

	// Target is where the Shadowsocks server forwards packets to.
	// The zero value means [DefaultShadowsocksTarget].
	Target netip.AddrPort

	Fwmark int
}

func (s *ShadowsocksSettings) String() string { return "shadowsocks" }

// RemoteEndpoint implements [Settings.RemoteEndpoint].
func (s *ShadowsocksSettings) RemoteEndpoint() netip.AddrPort { return s.Endpoint }

func (s *ShadowsocksSettings) newObfuscator(ctx context.Context, logger *zap.Logger) (Obfuscator, error) {
	if err := checkEndpoint(s.Endpoint); err != nil {
		return nil, err
	}

	cipher := s.Cipher
	if cipher == "" {
		cipher = DefaultShadowsocksCipher
	}
	key, err := shadowsocks.NewEncryptionKey(cipher, s.Password)
	if err != nil {
		return nil, &ConfigError{Field: "cipher", Err: err}
	}

	target := s.Target
	if !target.IsValid() {
		target = DefaultShadowsocksTarget
	}

	listener, err := shadowsocks.NewPacketListener(&transport.UDPEndpoint{
		Dialer:  *conn.ListenConfig{Fwmark: s.Fwmark}.Dialer(),
		Address: s.Endpoint.String(),
	}, key)
	if err != nil {
		return nil, &ConfigError{Field: "cipher", Err: err}
	}

	local, err := listenLocal(ctx)
	if err != nil {
		return nil, err
	}

	pc, err := listener.ListenPacket(ctx)
	if err != nil {
		local.close()
		return nil, fmt.Errorf("failed to connect to %s: %w", s.Endpoint, err)
	}

	addrLen := 16
	if target.Addr().Unmap().Is4() {
		addrLen = 4
	}

	return &shadowsocksObfuscator{
		local:    local,
		remote:   pc,
		endpoint: s.Endpoint,
		target:   net.UDPAddrFromAddrPort(target),
		overhead: key.SaltSize() + key.TagSize() + socksAddrOverhead + addrLen,
		logger:   logger,
	}, nil
}

type shadowsocksObfuscator struct {
	local    *localSocket
	remote   net.PacketConn
	endpoint netip.AddrPort
	target   *net.UDPAddr
	overhead int
	logger   *zap.Logger
}

// Endpoint implements [Obfuscator.Endpoint].
func (s *shadowsocksObfuscator) Endpoint() netip.AddrPort {
	return s.local.Endpoint()
}

// PacketOverhead implements [Obfuscator.PacketOverhead].
func (s *shadowsocksObfuscator) PacketOverhead() int {
	return s.overhead
}

// Run implements [Obfuscator.Run].
func (s *shadowsocksObfuscator) Run(ctx context.Context) error {
	defer s.remote.Close()
	defer s.local.close()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(rctx)
	stop := interruptOnDone(gctx, s.local.conn, s.remote)
	defer stop()

	g.Go(recoverRelay(func() error {
		return s.relayDownlink(gctx)
	}))

	// The uplink stays on the calling goroutine, which Connect wires to its OS thread.
	err := recoverRelay(func() error {
		return s.relayUplink(gctx)
	})()
	cancel()
	if werr := g.Wait(); err == nil {
		err = werr
	}

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *shadowsocksObfuscator) relayUplink(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)

	for {
		n, err := s.local.read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("Failed to read packet from WireGuard",
				zap.String("transport", "shadowsocks"),
				zap.Stringer("endpoint", s.local.Endpoint()),
				zap.Error(err),
			)
			continue
		}

		if _, err = s.remote.WriteTo(buf[:n], s.target); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Failed to write packet to relay",
				zap.String("transport", "shadowsocks"),
				zap.Stringer("remote", s.endpoint),
				zap.Error(err),
			)
		}
	}
}

func (s *shadowsocksObfuscator) relayDownlink(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)

	for {
		n, _, err := s.remote.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Debug("Failed to read packet from relay",
				zap.String("transport", "shadowsocks"),
				zap.Stringer("remote", s.endpoint),
				zap.Error(err),
			)
			continue
		}

		if _, err = s.local.write(buf[:n]); err != nil {
			logWriteError(s.logger, "shadowsocks", s.local, err)
		}
	}
}
