package obfs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/database64128/wgmux-go/conn"
	"github.com/database64128/wgmux-go/internal/wireguard"
	"github.com/database64128/wgmux-go/packet"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// XorSettings configures a transport that XORs every byte with a repeating key.
type XorSettings struct {
	Endpoint netip.AddrPort
	Key      []byte
	Fwmark   int
}

func (s *XorSettings) String() string { return "xor" }

// RemoteEndpoint implements [Settings.RemoteEndpoint].
func (s *XorSettings) RemoteEndpoint() netip.AddrPort { return s.Endpoint }

func (s *XorSettings) newObfuscator(ctx context.Context, logger *zap.Logger) (Obfuscator, error) {
	if err := checkEndpoint(s.Endpoint); err != nil {
		return nil, err
	}
	handler, err := packet.NewXORHandler(s.Key)
	if err != nil {
		return nil, &ConfigError{Field: "key", Err: err}
	}
	return newForwarder(ctx, s.String(), s.Endpoint, s.Fwmark, handler, logger)
}

// LwoSettings configures a lightweight obfuscation transport.
// Packet headers are masked with the public key of the receiving side.
type LwoSettings struct {
	Endpoint netip.AddrPort

	// ClientKey is the public key of the local WireGuard interface.
	ClientKey [32]byte

	// ServerKey is the public key of the relay.
	ServerKey [32]byte

	Fwmark int
}

func (s *LwoSettings) String() string { return "lwo" }

// RemoteEndpoint implements [Settings.RemoteEndpoint].
func (s *LwoSettings) RemoteEndpoint() netip.AddrPort { return s.Endpoint }

func (s *LwoSettings) newObfuscator(ctx context.Context, logger *zap.Logger) (Obfuscator, error) {
	if err := checkEndpoint(s.Endpoint); err != nil {
		return nil, err
	}
	handler := packet.NewLWOHandler(s.ServerKey, s.ClientKey)
	return newForwarder(ctx, s.String(), s.Endpoint, s.Fwmark, handler, logger)
}

// Proxy modes of [SwgpSettings].
const (
	SwgpModeZeroOverhead = "zero-overhead"
	SwgpModeParanoid     = "paranoid"
)

// SwgpSettings configures a transport that talks to an swgp server.
type SwgpSettings struct {
	Endpoint netip.AddrPort

	// Mode is either [SwgpModeZeroOverhead] or [SwgpModeParanoid].
	Mode string

	PSK []byte

	// MTU is the MTU of the path to the server. Zero means 1500.
	MTU int

	Fwmark int
}

func (s *SwgpSettings) String() string { return "swgp-" + s.Mode }

// RemoteEndpoint implements [Settings.RemoteEndpoint].
func (s *SwgpSettings) RemoteEndpoint() netip.AddrPort { return s.Endpoint }

func (s *SwgpSettings) newObfuscator(ctx context.Context, logger *zap.Logger) (Obfuscator, error) {
	if err := checkEndpoint(s.Endpoint); err != nil {
		return nil, err
	}

	mtu := s.MTU
	switch {
	case mtu == 0:
		mtu = 1500
	case mtu < wireguard.MinimumMTU:
		return nil, &ConfigError{Field: "mtu", Err: fmt.Errorf("%d is less than %d", mtu, wireguard.MinimumMTU)}
	}
	maxPacketSize := wireguard.MaxPacketSize(mtu, s.Endpoint.Addr())

	var (
		handler packet.Handler
		err     error
	)
	switch s.Mode {
	case SwgpModeZeroOverhead:
		handler, err = packet.NewZeroOverheadHandler(s.PSK, maxPacketSize)
	case SwgpModeParanoid:
		handler, err = packet.NewParanoidHandler(s.PSK, maxPacketSize)
	default:
		return nil, &ConfigError{Field: "mode", Err: fmt.Errorf("unknown proxy mode: %q", s.Mode)}
	}
	if err != nil {
		return nil, &ConfigError{Field: "psk", Err: err}
	}
	return newForwarder(ctx, s.String(), s.Endpoint, s.Fwmark, handler, logger)
}

// forwarder relays datagrams between WireGuard and a relay,
// transforming each one with a packet handler.
type forwarder struct {
	name     string
	local    *localSocket
	remote   *net.UDPConn
	endpoint netip.AddrPort
	handler  packet.Handler
	logger   *zap.Logger
}

func newForwarder(ctx context.Context, name string, endpoint netip.AddrPort, fwmark int, handler packet.Handler, logger *zap.Logger) (*forwarder, error) {
	local, err := listenLocal(ctx)
	if err != nil {
		return nil, err
	}

	remote, err := conn.ListenConfig{Fwmark: fwmark}.DialUDP(ctx, endpoint)
	if err != nil {
		local.close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	return &forwarder{
		name:     name,
		local:    local,
		remote:   remote,
		endpoint: endpoint,
		handler:  handler,
		logger:   logger,
	}, nil
}

// Endpoint implements [Obfuscator.Endpoint].
func (f *forwarder) Endpoint() netip.AddrPort {
	return f.local.Endpoint()
}

// PacketOverhead implements [Obfuscator.PacketOverhead].
func (f *forwarder) PacketOverhead() int {
	headroom := f.handler.Headroom()
	return headroom.Front + headroom.Rear
}

// Run implements [Obfuscator.Run].
func (f *forwarder) Run(ctx context.Context) error {
	defer f.remote.Close()
	defer f.local.close()

	g, gctx := errgroup.WithContext(ctx)
	stop := interruptOnDone(gctx, f.local.conn, f.remote)
	defer stop()

	g.Go(recoverRelay(func() error {
		return f.relayUplink(gctx)
	}))
	g.Go(recoverRelay(func() error {
		return f.relayDownlink(gctx)
	}))

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (f *forwarder) relayUplink(ctx context.Context) error {
	var (
		recvBuf = make([]byte, maxDatagramSize)
		sendBuf []byte
	)

	for {
		n, err := f.local.read(recvBuf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			f.logger.Warn("Failed to read packet from WireGuard",
				zap.String("transport", f.name),
				zap.Stringer("endpoint", f.local.Endpoint()),
				zap.Error(err),
			)
			continue
		}

		sendBuf, err = f.handler.Encrypt(sendBuf[:0], recvBuf[:n])
		if err != nil {
			f.logger.Debug("Failed to obfuscate packet",
				zap.String("transport", f.name),
				zap.Int("packetLength", n),
				zap.Error(err),
			)
			continue
		}

		if _, err = f.remote.Write(sendBuf); err != nil {
			f.logger.Warn("Failed to write packet to relay",
				zap.String("transport", f.name),
				zap.Stringer("remote", f.endpoint),
				zap.Error(err),
			)
		}
	}
}

func (f *forwarder) relayDownlink(ctx context.Context) error {
	var (
		recvBuf = make([]byte, maxDatagramSize)
		sendBuf []byte
	)

	for {
		n, err := f.remote.Read(recvBuf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// ICMP errors from the relay surface as read errors on a connected socket.
			f.logger.Debug("Failed to read packet from relay",
				zap.String("transport", f.name),
				zap.Stringer("remote", f.endpoint),
				zap.Error(err),
			)
			continue
		}

		sendBuf, err = f.handler.Decrypt(sendBuf[:0], recvBuf[:n])
		if err != nil {
			f.logger.Debug("Failed to deobfuscate packet",
				zap.String("transport", f.name),
				zap.Int("packetLength", n),
				zap.Error(err),
			)
			continue
		}

		if _, err = f.local.write(sendBuf); err != nil {
			logWriteError(f.logger, f.name, f.local, err)
		}
	}
}
