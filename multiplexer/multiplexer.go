package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/database64128/wgmux-go/conn"
	"github.com/database64128/wgmux-go/obfs"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxInitialPackets is the maximum number of WireGuard packets buffered
	// for replay to transports spawned later.
	MaxInitialPackets = 100

	// DefaultSpawnInterval is the default delay between spawning two transports.
	DefaultSpawnInterval = time.Second

	maxDatagramSize = 65535
)

var (
	ErrTooManyInitialPackets = errors.New("too many initial packets")
	ErrConnectTimeout        = errors.New("no transport responded before the connect timeout")
	ErrNoTransports          = errors.New("no transports configured")
	ErrTransportStopped      = errors.New("selected transport stopped")
)

// aLongTimeAgo is a non-zero time, far in the past, used for immediate cancellation of reads.
var aLongTimeAgo = time.Unix(1, 0)

// Transport is a candidate path to the WireGuard server.
type Transport struct {
	// Direct is the address of the WireGuard server, used when Settings is nil.
	Direct netip.AddrPort

	// Settings describes an obfuscation transport.
	Settings obfs.Settings
}

// DirectTransport returns a transport that sends packets to addr as is.
func DirectTransport(addr netip.AddrPort) Transport {
	return Transport{Direct: addr}
}

// ObfuscatedTransport returns a transport that sends packets through an obfuscation transport.
func ObfuscatedTransport(settings obfs.Settings) Transport {
	return Transport{Settings: settings}
}

func (t Transport) String() string {
	if t.Settings == nil {
		return "direct " + t.Direct.String()
	}
	return t.Settings.String() + " " + t.Settings.RemoteEndpoint().String()
}

// Config configures a [Multiplexer].
type Config struct {
	// Transports are spawned in order.
	Transports []Transport

	// Fwmark is set on sockets that send to direct transports.
	Fwmark int

	// SpawnInterval is the delay between spawning two transports.
	// Zero means [DefaultSpawnInterval].
	SpawnInterval time.Duration

	// ConnectTimeout bounds the time until a transport is selected.
	// Zero means no timeout.
	ConnectTimeout time.Duration
}

// Result describes the selected transport.
type Result struct {
	Transport Transport

	// PacketOverhead is the number of extra bytes the transport adds to each packet.
	PacketOverhead int
}

type runningTransport struct {
	transport Transport
	handle    *obfs.Handle
	overhead  int
}

// Multiplexer is a UDP proxy between WireGuard and a set of candidate transports.
//
// Until a transport is selected, every packet from WireGuard is sent to all spawned
// transports, and buffered for replay to transports spawned later. The first transport
// to return a packet is selected, and the rest are stopped.
type Multiplexer struct {
	cfg      Config
	logger   *zap.Logger
	client   *net.UDPConn
	endpoint netip.AddrPort
	proxyV4  *net.UDPConn
	proxyV6  *net.UDPConn

	overhead atomic.Int64
	selected chan Result
}

// New creates a multiplexer and binds its sockets.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Multiplexer, error) {
	if len(cfg.Transports) == 0 {
		return nil, ErrNoTransports
	}
	if cfg.SpawnInterval == 0 {
		cfg.SpawnInterval = DefaultSpawnInterval
	}

	client, err := conn.ListenLoopbackUDP(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to bind client socket: %w", err)
	}

	lc := conn.ListenConfig{Fwmark: cfg.Fwmark}
	proxyV4, err := lc.ListenUDP(ctx, "udp4", "")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to bind IPv4 proxy socket: %w", err)
	}

	// IPv6 may be unavailable. Direct IPv6 transports then fail to send, and lose.
	proxyV6, err := lc.ListenUDP(ctx, "udp6", "")
	if err != nil {
		logger.Warn("Failed to bind IPv6 proxy socket", zap.Error(err))
	}

	return &Multiplexer{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		endpoint: client.LocalAddr().(*net.UDPAddr).AddrPort(),
		proxyV4:  proxyV4,
		proxyV6:  proxyV6,
		selected: make(chan Result, 1),
	}, nil
}

// Endpoint returns the local address WireGuard should send packets to.
func (m *Multiplexer) Endpoint() netip.AddrPort {
	return m.endpoint
}

// PacketOverhead returns the overhead of the selected transport.
// Before a transport is selected, it returns the largest overhead of the spawned transports.
func (m *Multiplexer) PacketOverhead() int {
	return int(m.overhead.Load())
}

// Selected returns a channel that receives the result once a transport is selected.
func (m *Multiplexer) Selected() <-chan Result {
	return m.selected
}

func (m *Multiplexer) proxyFor(addr netip.AddrPort) (*net.UDPConn, error) {
	if addr.Addr().Unmap().Is4() {
		return m.proxyV4, nil
	}
	if m.proxyV6 == nil {
		return nil, errors.New("IPv6 proxy socket unavailable")
	}
	return m.proxyV6, nil
}

type datagram struct {
	b    []byte
	from netip.AddrPort
}

// readLoop reads packets from c into ch until ctx is done or reading fails.
func readLoop(ctx context.Context, c *net.UDPConn, ch chan<- datagram, errCh chan<- error) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := c.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() == nil {
				select {
				case errCh <- err:
				default:
				}
			}
			return
		}
		select {
		case ch <- datagram{b: append([]byte(nil), buf[:n]...), from: netip.AddrPortFrom(from.Addr().Unmap(), from.Port())}:
		case <-ctx.Done():
			return
		}
	}
}

// Run implements [obfs.Obfuscator.Run].
// Sockets and transports are released when Run returns.
func (m *Multiplexer) Run(ctx context.Context) error {
	defer m.client.Close()
	defer m.proxyV4.Close()
	if m.proxyV6 != nil {
		defer m.proxyV6.Close()
	}

	running := make(map[netip.AddrPort]*runningTransport, len(m.cfg.Transports))
	defer func() {
		for _, rt := range running {
			if rt.handle != nil {
				_ = rt.handle.Stop()
			}
		}
	}()

	winner, wgAddr, err := m.race(ctx, running)
	if err != nil || winner == nil {
		return err
	}

	// Losers are stopped. The winner is stopped by the deferred cleanup.
	for endpoint, rt := range running {
		if rt != winner {
			if rt.handle != nil {
				_ = rt.handle.Stop()
			}
			delete(running, endpoint)
		}
	}

	result := Result{
		Transport:      winner.transport,
		PacketOverhead: winner.overhead,
	}
	m.overhead.Store(int64(winner.overhead))
	m.selected <- result

	m.logger.Info("Selected transport",
		zap.Stringer("transport", winner.transport),
		zap.Int("packetOverhead", winner.overhead),
	)

	err = m.runConnected(ctx, wgAddr, winner)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// race spawns transports until one of them returns a packet.
// It returns a nil winner when ctx is done.
func (m *Multiplexer) race(ctx context.Context, running map[netip.AddrPort]*runningTransport) (*runningTransport, netip.AddrPort, error) {
	readCtx, cancelRead := context.WithCancel(ctx)
	var wg sync.WaitGroup

	var (
		wgCh    = make(chan datagram, 1)
		proxyCh = make(chan datagram, 1)
		errCh   = make(chan error, 1)
	)

	sockets := []*net.UDPConn{m.proxyV4}
	if m.proxyV6 != nil {
		sockets = append(sockets, m.proxyV6)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		readLoop(readCtx, m.client, wgCh, errCh)
	}()
	for _, c := range sockets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			readLoop(readCtx, c, proxyCh, errCh)
		}()
	}

	// Readers are interrupted and drained before the sockets are handed to the connected relays.
	defer func() {
		cancelRead()
		all := append(sockets, m.client)
		for _, c := range all {
			_ = c.SetReadDeadline(aLongTimeAgo)
		}
		wg.Wait()
		for _, c := range all {
			_ = c.SetReadDeadline(time.Time{})
		}
	}()

	var timeoutCh <-chan time.Time
	if m.cfg.ConnectTimeout > 0 {
		timer := time.NewTimer(m.cfg.ConnectTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	ticker := time.NewTicker(m.cfg.SpawnInterval)
	defer ticker.Stop()

	var (
		pending        = m.cfg.Transports
		initialPackets [][]byte
		wgAddr         netip.AddrPort
		spawnErrs      []error
	)

	spawnNext := func() {
		t := pending[0]
		pending = pending[1:]
		if err := m.spawn(ctx, t, running, initialPackets); err != nil {
			m.logger.Error("Failed to spawn transport", zap.Stringer("transport", t), zap.Error(err))
			spawnErrs = append(spawnErrs, fmt.Errorf("%s: %w", t, err))
		}
	}
	spawnNext()

	for {
		if len(pending) == 0 && len(running) == 0 {
			return nil, wgAddr, fmt.Errorf("failed to spawn any transport: %w", multierr.Combine(spawnErrs...))
		}

		select {
		case <-ctx.Done():
			return nil, wgAddr, nil

		case <-timeoutCh:
			return nil, wgAddr, ErrConnectTimeout

		case err := <-errCh:
			return nil, wgAddr, fmt.Errorf("failed to read packet: %w", err)

		case <-ticker.C:
			if len(pending) > 0 {
				spawnNext()
			}

		case d := <-wgCh:
			if wgAddr.IsValid() && wgAddr != d.from {
				m.logger.Debug("WireGuard address changed",
					zap.Stringer("oldAddr", wgAddr),
					zap.Stringer("newAddr", d.from),
				)
			}
			wgAddr = d.from

			if len(initialPackets) >= MaxInitialPackets {
				return nil, wgAddr, ErrTooManyInitialPackets
			}
			initialPackets = append(initialPackets, d.b)

			for endpoint := range running {
				m.sendTo(d.b, endpoint)
			}

		case d := <-proxyCh:
			rt, ok := running[d.from]
			if !ok {
				m.logger.Debug("Ignoring packet from unexpected address", zap.Stringer("from", d.from))
				continue
			}
			if !wgAddr.IsValid() {
				m.logger.Debug("Ignoring packet received before any packet from WireGuard", zap.Stringer("from", d.from))
				continue
			}
			if _, err := m.client.WriteToUDPAddrPort(d.b, wgAddr); err != nil {
				m.logger.Warn("Failed to write packet to WireGuard", zap.Stringer("wgAddr", wgAddr), zap.Error(err))
			}
			return rt, wgAddr, nil
		}
	}
}

// spawn starts t and replays the buffered packets to it.
func (m *Multiplexer) spawn(ctx context.Context, t Transport, running map[netip.AddrPort]*runningTransport, initialPackets [][]byte) error {
	rt := &runningTransport{transport: t}
	var endpoint netip.AddrPort

	if t.Settings == nil {
		endpoint = t.Direct
	} else {
		h, err := obfs.Connect(ctx, t.Settings, m.logger)
		if err != nil {
			return err
		}
		rt.handle = h
		rt.overhead = h.PacketOverhead()
		endpoint = h.Endpoint()
	}

	endpoint = netip.AddrPortFrom(endpoint.Addr().Unmap(), endpoint.Port())
	if _, ok := running[endpoint]; ok {
		if rt.handle != nil {
			_ = rt.handle.Stop()
		}
		return fmt.Errorf("duplicate endpoint %s", endpoint)
	}
	running[endpoint] = rt

	if int64(rt.overhead) > m.overhead.Load() {
		m.overhead.Store(int64(rt.overhead))
	}

	m.logger.Info("Spawned transport",
		zap.Stringer("transport", t),
		zap.Stringer("endpoint", endpoint),
		zap.Int("initialPackets", len(initialPackets)),
	)

	for _, b := range initialPackets {
		m.sendTo(b, endpoint)
	}
	return nil
}

func (m *Multiplexer) sendTo(b []byte, endpoint netip.AddrPort) {
	proxy, err := m.proxyFor(endpoint)
	if err == nil {
		_, err = proxy.WriteToUDPAddrPort(b, endpoint)
	}
	if err != nil {
		m.logger.Debug("Failed to send packet to transport", zap.Stringer("endpoint", endpoint), zap.Error(err))
	}
}

// runConnected relays packets between WireGuard and the selected transport.
func (m *Multiplexer) runConnected(ctx context.Context, wgAddr netip.AddrPort, winner *runningTransport) error {
	var endpoint netip.AddrPort
	if winner.handle != nil {
		endpoint = winner.handle.Endpoint()
	} else {
		endpoint = winner.transport.Direct
	}
	endpoint = netip.AddrPortFrom(endpoint.Addr().Unmap(), endpoint.Port())

	proxy, err := m.proxyFor(endpoint)
	if err != nil {
		return err
	}

	var lastWgAddr atomic.Pointer[netip.AddrPort]
	lastWgAddr.Store(&wgAddr)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		_ = m.client.SetReadDeadline(aLongTimeAgo)
		_ = proxy.SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	g.Go(func() error {
		buf := make([]byte, maxDatagramSize)
		for {
			n, from, err := m.client.ReadFromUDPAddrPort(buf)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to read packet from WireGuard: %w", err)
			}
			if from != *lastWgAddr.Load() {
				lastWgAddr.Store(&from)
			}
			if _, err = proxy.WriteToUDPAddrPort(buf[:n], endpoint); err != nil {
				m.logger.Debug("Failed to write packet to transport", zap.Stringer("endpoint", endpoint), zap.Error(err))
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, maxDatagramSize)
		for {
			n, from, err := proxy.ReadFromUDPAddrPort(buf)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to read packet from transport: %w", err)
			}
			if netip.AddrPortFrom(from.Addr().Unmap(), from.Port()) != endpoint {
				continue
			}
			if _, err = m.client.WriteToUDPAddrPort(buf[:n], *lastWgAddr.Load()); err != nil {
				m.logger.Debug("Failed to write packet to WireGuard", zap.Error(err))
			}
		}
	})

	if winner.handle != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-winner.handle.Done():
				if err := winner.handle.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrTransportStopped, err)
				}
				return ErrTransportStopped
			}
		})
	}

	return g.Wait()
}
