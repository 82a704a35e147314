// Package mobile exposes the session core to iOS and Android hosts through gomobile.
//
// The host reads packets from its tunnel device and UDP socket, hands them to an
// [Adapter], and receives an [Output] of buffer handles to drain. Buffers behind
// the handles belong to the host until it frees them.
package mobile

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/database64128/wgmux-go/jsonhelper"
	"github.com/database64128/wgmux-go/logging"
	"github.com/database64128/wgmux-go/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the configuration accepted by [NewTunnel].
type Config struct {
	session.JSONConfig

	// LogLevel is the minimum level of log messages. Defaults to info.
	LogLevel zapcore.Level `json:"logLevel"`
}

// Output holds the handles of the buffers produced by one call.
// A zero handle means the buffer is empty and must not be freed.
type Output struct {
	// UDPv4 holds WireGuard messages for IPv4 endpoints.
	UDPv4 int64

	// UDPv6 holds WireGuard messages for IPv6 endpoints.
	UDPv6 int64

	// TunnelV4 holds IPv4 packets for the tunnel device.
	TunnelV4 int64

	// TunnelV6 holds IPv6 packets for the tunnel device.
	TunnelV6 int64
}

// Adapter wraps a [*session.Tunnel] for a host.
// Calls are serialized with a mutex.
type Adapter struct {
	mu     sync.Mutex
	tunnel *session.Tunnel
	out    session.Output
	arena  *Arena
	logger *zap.Logger
}

// NewTunnel creates an adapter from a JSON configuration, with buffers in the default arena.
func NewTunnel(configJSON string) (*Adapter, error) {
	var cfg Config
	if err := jsonhelper.UnmarshalStringDisallowUnknownFields(configJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	logger, err := logging.NewZapLogger("mobile", cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return NewAdapter(&cfg.JSONConfig, DefaultArena(), logger)
}

// NewAdapter creates an adapter with buffers in arena.
func NewAdapter(cfg *session.JSONConfig, arena *Arena, logger *zap.Logger) (*Adapter, error) {
	t, err := cfg.Tunnel(logger)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		tunnel: t,
		arena:  arena,
		logger: logger,
	}, nil
}

// output hands the buffers filled by the last call over to the arena.
func (a *Adapter) output() *Output {
	return &Output{
		UDPv4:    a.arena.take(&a.out.UDPv4),
		UDPv6:    a.arena.take(&a.out.UDPv6),
		TunnelV4: a.arena.take(&a.out.TunnelV4),
		TunnelV6: a.arena.take(&a.out.TunnelV6),
	}
}

// HandleHostTraffic encrypts a packet read from the tunnel device.
// The packet is not retained.
func (a *Adapter) HandleHostTraffic(packet []byte) *Output {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tunnel.HandleHostTraffic(packet, &a.out)
	return a.output()
}

// HandleTunnelTraffic decrypts a WireGuard message received from the address from.
// An empty from means the sender is unknown. The packet is not retained.
func (a *Adapter) HandleTunnelTraffic(packet []byte, from string) (*Output, error) {
	var addr netip.AddrPort
	if from != "" {
		var err error
		if addr, err = netip.ParseAddrPort(from); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.tunnel.HandleTunnelTraffic(packet, addr, &a.out)
	return a.output(), nil
}

// HandleTimerTick drives handshakes and keepalives. Call it every 250 milliseconds.
func (a *Adapter) HandleTimerTick() *Output {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tunnel.HandleTimerTick(&a.out)
	return a.output()
}

// SetPeerEndpoint changes the endpoint of a peer, for example to the local
// endpoint of an obfuscation transport.
func (a *Adapter) SetPeerEndpoint(index int, endpoint string) error {
	addr, err := netip.ParseAddrPort(endpoint)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tunnel.SetPeerEndpoint(index, addr)
}

// TxBytes returns the number of bytes sent to all peers.
func (a *Adapter) TxBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	tx, _ := a.tunnel.TrafficStats()
	return int64(tx)
}

// RxBytes returns the number of bytes received from all peers.
func (a *Adapter) RxBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, rx := a.tunnel.TrafficStats()
	return int64(rx)
}

// Close wipes the key material. The adapter must not be used afterwards.
// Buffers already handed out stay valid until freed.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tunnel.Close()
}
