package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/database64128/wgmux-go/conn"
	"github.com/database64128/wgmux-go/connectivity"
	"github.com/database64128/wgmux-go/internal/wireguard"
	"github.com/database64128/wgmux-go/jsonhelper"
	"github.com/database64128/wgmux-go/multiplexer"
	"github.com/database64128/wgmux-go/obfs"
	"github.com/database64128/wgmux-go/session"
	"github.com/database64128/wgmux-go/tunn"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"golang.zx2c4.com/wireguard/tun"
)

const (
	// defaultMTU is the default MTU of the path to the WireGuard server.
	defaultMTU = 1500

	// defaultRetryDelay is the default delay between two connection attempts.
	defaultRetryDelay = time.Second

	// timerTickInterval is the interval of session timer ticks.
	timerTickInterval = 250 * time.Millisecond

	// handshakeRetryInterval is how often a race candidate resends its handshake initiation.
	handshakeRetryInterval = time.Second

	// handshakeTimestampGranularity is the resolution of handshake initiation timestamps.
	handshakeTimestampGranularity = time.Duration(1 << 24)

	// tunOffset is the headroom reserved in front of packets read from and written to the TUN device.
	tunOffset = 16

	// maxPacketSize is the size of the TUN device and socket receive buffers.
	maxPacketSize = 65535
)

// Selection modes.
const (
	// SelectionModeDirect sends WireGuard packets straight to the peer endpoint.
	SelectionModeDirect = "direct"

	// SelectionModeMultiplex runs a [multiplexer.Multiplexer] over the direct path and all
	// obfuscation transports, and commits to the first one that returns a packet.
	SelectionModeMultiplex = "multiplex"

	// SelectionModeRace starts all obfuscation transports at once with [multiplexer.Race]
	// and commits to the first one through which the server answers a handshake initiation.
	SelectionModeRace = "race"
)

var (
	ErrMTUTooSmall          = errors.New("MTU must be at least 1280")
	errEstablishTimeout     = errors.New("timed out establishing connectivity")
	errTunnelDead           = errors.New("tunnel stopped responding")
	errSelectedTransportEnd = errors.New("selected transport stopped")
)

// Device is the part of [tun.Device] used by a tunnel service.
type Device interface {
	Read(bufs [][]byte, sizes []int, offset int) (int, error)
	Write(bufs [][]byte, offset int) (int, error)
	BatchSize() int
	Close() error
}

// TunnelConfig stores configurations for a tunnel service.
// It may be marshaled as or unmarshaled from JSON.
type TunnelConfig struct {
	Name string `json:"name"`

	// TunName is the name of the TUN device to create.
	TunName string `json:"tunName"`

	// MTU is the MTU of the path to the WireGuard server. Defaults to 1500.
	MTU int `json:"mtu,omitzero"`

	// Fwmark is set on sockets that carry tunnel traffic.
	Fwmark int `json:"fwmark,omitzero"`

	// WireGuard configures the session.
	WireGuard session.JSONConfig `json:"wireguard"`

	// Address is the address of this host inside the tunnel.
	Address netip.Addr `json:"address"`

	// PingTarget is pinged through the tunnel to check connectivity.
	PingTarget netip.Addr `json:"pingTarget"`

	// Obfuscation lists the obfuscation transports to try, in order.
	Obfuscation []obfs.Config `json:"obfuscation,omitempty"`

	// SelectionMode is how a transport is picked.
	//
	// Available values:
	// - "": "multiplex" if obfuscation transports are configured, otherwise "direct".
	// - "direct": Do not use obfuscation.
	// - "multiplex": Try the direct path and the obfuscation transports one by one, and use the first that responds.
	// - "race": Start all obfuscation transports at once, and use the first that the server answers through.
	SelectionMode string `json:"selectionMode,omitzero"`

	// SpawnInterval is the delay between two transports in multiplex mode.
	SpawnInterval jsonhelper.Duration `json:"spawnInterval,omitzero"`

	// ConnectTimeout bounds transport selection in multiplex and race modes. Zero means no timeout.
	ConnectTimeout jsonhelper.Duration `json:"connectTimeout,omitzero"`

	// RetryDelay is the delay between two connection attempts. Defaults to 1s.
	RetryDelay jsonhelper.Duration `json:"retryDelay,omitzero"`
}

// CheckAndApplyDefaults checks and applies default values to the configuration.
func (tc *TunnelConfig) CheckAndApplyDefaults() error {
	switch {
	case tc.MTU == 0:
		tc.MTU = defaultMTU
	case tc.MTU < wireguard.MinimumMTU:
		return ErrMTUTooSmall
	}

	switch tc.SelectionMode {
	case "":
		if len(tc.Obfuscation) > 0 {
			tc.SelectionMode = SelectionModeMultiplex
		} else {
			tc.SelectionMode = SelectionModeDirect
		}
	case SelectionModeDirect, SelectionModeMultiplex:
	case SelectionModeRace:
		if len(tc.Obfuscation) == 0 {
			return errors.New("race mode requires obfuscation transports")
		}
	default:
		return fmt.Errorf("unknown selection mode: %s", tc.SelectionMode)
	}

	switch {
	case tc.RetryDelay == 0:
		tc.RetryDelay = jsonhelper.Duration(defaultRetryDelay)
	case tc.RetryDelay < 0:
		return fmt.Errorf("negative retry delay: %s", time.Duration(tc.RetryDelay))
	}

	if tc.SpawnInterval < 0 || tc.ConnectTimeout < 0 {
		return errors.New("negative spawn interval or connect timeout")
	}

	if !tc.Address.IsValid() || !tc.PingTarget.IsValid() {
		return errors.New("missing tunnel address or ping target")
	}
	if tc.Address.Unmap().Is4() != tc.PingTarget.Unmap().Is4() {
		return errors.New("tunnel address and ping target are of different address families")
	}

	if err := tc.WireGuard.CheckAndApplyDefaults(); err != nil {
		return fmt.Errorf("invalid wireguard config: %w", err)
	}
	if !tc.WireGuard.Peers[tc.WireGuard.ActivePeer].Endpoint.IsValid() {
		return errors.New("missing endpoint of the active peer")
	}

	return nil
}

// Tunnel creates a tunnel service from the config.
// Call the Start method on the returned service to start it.
func (tc *TunnelConfig) Tunnel(logger *zap.Logger) (*Tunnel, error) {
	if err := tc.CheckAndApplyDefaults(); err != nil {
		return nil, err
	}

	settings := make([]obfs.Settings, len(tc.Obfuscation))
	for i := range tc.Obfuscation {
		s, err := tc.Obfuscation[i].Settings()
		if err != nil {
			return nil, fmt.Errorf("obfuscation transport %d: %w", i, err)
		}
		settings[i] = s
	}

	endpoint := tc.WireGuard.Peers[tc.WireGuard.ActivePeer].Endpoint

	return &Tunnel{
		name:     tc.Name,
		cfg:      *tc,
		settings: settings,
		endpoint: endpoint,
		tunMTU:   wireguard.TunnelMTU(wireguard.MaxPacketSize(tc.MTU, endpoint.Addr())),
		logger:   logger.With(zap.String("tunnel", tc.Name)),
		createDevice: func(name string, mtu int) (Device, error) {
			return tun.CreateTUN(name, mtu)
		},
		metrics: newTunnelMetrics(tc.Name),
	}, nil
}

// Tunnel is a tunnel service. It connects the TUN device to the WireGuard server,
// and reconnects whenever the connectivity monitor reports the tunnel dead.
type Tunnel struct {
	name     string
	cfg      TunnelConfig
	settings []obfs.Settings
	endpoint netip.AddrPort
	tunMTU   int
	logger   *zap.Logger

	createDevice func(name string, mtu int) (Device, error)
	device       Device

	// mu serializes access to the session of the current attempt.
	mu      sync.Mutex
	current *attempt

	cancel     context.CancelFunc
	runDone    chan struct{}
	readerDone chan struct{}

	dropLog rate.Sometimes

	metrics *tunnelMetrics
}

// attempt is one connection attempt. Its fields are guarded by the service mutex.
type attempt struct {
	svc     *Tunnel
	session *session.Tunnel
	udp     *net.UDPConn
	out     session.Output
	tunBuf  []byte
	tunBufs [][]byte
}

// TrafficStats implements [connectivity.StatsSource].
func (a *attempt) TrafficStats() (txBytes, rxBytes uint64) {
	a.svc.mu.Lock()
	defer a.svc.mu.Unlock()
	return a.session.TrafficStats()
}

// String implements [Service.String].
func (t *Tunnel) String() string {
	return "tunnel " + t.name
}

// Start implements [Service.Start].
func (t *Tunnel) Start(ctx context.Context) error {
	device, err := t.createDevice(t.cfg.TunName, t.tunMTU)
	if err != nil {
		return fmt.Errorf("failed to create TUN device: %w", err)
	}
	t.device = device
	t.metrics.mtu.Store(int64(t.tunMTU))

	ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.runDone = make(chan struct{})
	t.readerDone = make(chan struct{})
	t.dropLog = rate.Sometimes{Interval: time.Second}

	go t.readDevice()
	go t.run(ctx)

	t.logger.Info("Started service",
		zap.String("tunName", t.cfg.TunName),
		zap.Int("tunMTU", t.tunMTU),
		zap.Stringer("endpoint", t.endpoint),
		zap.String("selectionMode", t.cfg.SelectionMode),
	)
	return nil
}

// Stop implements [Service.Stop].
func (t *Tunnel) Stop() error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	<-t.runDone

	err := t.device.Close()
	<-t.readerDone
	return err
}

// run makes connection attempts until ctx is canceled.
func (t *Tunnel) run(ctx context.Context) {
	defer close(t.runDone)

	var retryAttempt uint32
	for {
		established, err := t.connect(ctx, retryAttempt)
		if ctx.Err() != nil {
			return
		}

		if established {
			retryAttempt = 0
		} else {
			retryAttempt++
		}
		t.metrics.reconnects.Add(1)

		t.logger.Warn("Connection attempt ended, reconnecting",
			zap.Uint32("retryAttempt", retryAttempt),
			zap.Duration("retryDelay", time.Duration(t.cfg.RetryDelay)),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(t.cfg.RetryDelay)):
		}
	}
}

// connect runs one connection attempt until it fails or ctx is canceled.
// It reports whether connectivity was established during the attempt.
func (t *Tunnel) connect(ctx context.Context, retryAttempt uint32) (established bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	udp, err := conn.ListenConfig{Fwmark: t.cfg.Fwmark}.ListenUDP(ctx, "udp", "")
	if err != nil {
		return false, fmt.Errorf("failed to listen UDP: %w", err)
	}
	defer udp.Close()

	sess, err := t.cfg.WireGuard.Tunnel(t.logger)
	if err != nil {
		return false, err
	}

	a := &attempt{
		svc:     t,
		session: sess,
		udp:     udp,
	}

	defer func() {
		t.mu.Lock()
		tx, rx := sess.TrafficStats()
		t.metrics.addTraffic(tx, rx)
		if t.current == a {
			t.current = nil
		}
		sess.Close()
		t.mu.Unlock()
		t.metrics.connected.Store(0)
	}()

	pinger, err := connectivity.NewICMPPinger(t.cfg.Address, t.cfg.PingTarget, uint16(retryAttempt), t.sendHostPacket)
	if err != nil {
		return false, err
	}

	g, gctx := errgroup.WithContext(ctx)
	endpoint := t.endpoint

	switch t.cfg.SelectionMode {
	case SelectionModeMultiplex:
		transports := make([]multiplexer.Transport, 0, 1+len(t.settings))
		transports = append(transports, multiplexer.DirectTransport(t.endpoint))
		for _, s := range t.settings {
			transports = append(transports, multiplexer.ObfuscatedTransport(s))
		}

		m, err := multiplexer.New(ctx, multiplexer.Config{
			Transports:     transports,
			Fwmark:         t.cfg.Fwmark,
			SpawnInterval:  time.Duration(t.cfg.SpawnInterval),
			ConnectTimeout: time.Duration(t.cfg.ConnectTimeout),
		}, t.logger)
		if err != nil {
			return false, fmt.Errorf("failed to create multiplexer: %w", err)
		}
		endpoint = m.Endpoint()

		g.Go(func() error {
			return m.Run(gctx)
		})
		g.Go(func() error {
			select {
			case r := <-m.Selected():
				t.selected(r.Transport.String(), r.PacketOverhead)
			case <-gctx.Done():
			}
			return nil
		})

	case SelectionModeRace:
		candidates := make([]multiplexer.Candidate[*obfs.Handle], len(t.settings))
		for i, s := range t.settings {
			candidates[i] = multiplexer.Candidate[*obfs.Handle]{
				Name: s.String() + " " + s.RemoteEndpoint().String(),
				Connect: func(ctx context.Context) (*obfs.Handle, error) {
					return obfs.Connect(ctx, s, t.logger)
				},
				Check: func(ctx context.Context, h *obfs.Handle) error {
					return t.awaitHandshakeReply(ctx, h.Endpoint())
				},
				Close: func(h *obfs.Handle) {
					if err := h.Stop(); err != nil {
						t.logger.Debug("Losing transport stopped with error", zap.Error(err))
					}
				},
			}
		}

		raceCtx := ctx
		if t.cfg.ConnectTimeout > 0 {
			var raceCancel context.CancelFunc
			raceCtx, raceCancel = context.WithTimeout(ctx, time.Duration(t.cfg.ConnectTimeout))
			defer raceCancel()
		}

		winner, err := multiplexer.Race(raceCtx, candidates)
		if err != nil {
			return false, err
		}
		h := winner.Value
		defer h.Stop()

		endpoint = h.Endpoint()
		t.selected(winner.Name, h.PacketOverhead())

		g.Go(func() error {
			select {
			case <-h.Done():
				if err := h.Err(); err != nil {
					return fmt.Errorf("%w: %w", errSelectedTransportEnd, err)
				}
				return errSelectedTransportEnd
			case <-gctx.Done():
				return nil
			}
		})

	default:
		t.selected(SelectionModeDirect, 0)
	}

	if err = sess.SetPeerEndpoint(t.cfg.WireGuard.ActivePeer, endpoint); err != nil {
		cancel()
		_ = g.Wait()
		return false, err
	}

	t.mu.Lock()
	t.current = a
	t.mu.Unlock()

	stop := context.AfterFunc(gctx, func() {
		udp.SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	g.Go(func() error {
		return t.readSocket(gctx, a)
	})

	g.Go(func() error {
		ticker := time.NewTicker(timerTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				t.mu.Lock()
				a.session.HandleTimerTick(&a.out)
				t.flush(a)
				t.mu.Unlock()
			}
		}
	})

	monitor := connectivity.NewMonitor(a, pinger, nil, t.logger)

	g.Go(func() error {
		ok, err := monitor.EstablishConnectivity(gctx, retryAttempt)
		if err != nil {
			return err
		}
		if !ok {
			if gctx.Err() != nil {
				return nil
			}
			return errEstablishTimeout
		}

		established = true
		t.metrics.connected.Store(1)
		t.logger.Info("Established connectivity", zap.Uint32("retryAttempt", retryAttempt))

		alive, err := monitor.Run(gctx)
		if err != nil {
			return err
		}
		if !alive {
			return errTunnelDead
		}
		return nil
	})

	err = g.Wait()
	return established, err
}

// selected records the transport picked for the current attempt.
func (t *Tunnel) selected(transport string, overhead int) {
	mtu := t.tunMTU - overhead
	t.metrics.packetOverhead.Store(int64(overhead))
	t.metrics.mtu.Store(int64(mtu))
	t.logger.Info("Selected transport",
		zap.String("transport", transport),
		zap.Int("packetOverhead", overhead),
		zap.Int("effectiveTunnelMTU", mtu),
	)
}

// awaitHandshakeReply sends handshake initiations for the active peer to endpoint
// until anything comes back.
func (t *Tunnel) awaitHandshakeReply(ctx context.Context, endpoint netip.AddrPort) error {
	wg := &t.cfg.WireGuard
	peer := &wg.Peers[wg.ActivePeer]
	tn, err := tunn.New(tunn.Config{
		PrivateKey:    wg.PrivateKey,
		PeerPublicKey: peer.PublicKey,
		PresharedKey:  peer.PresharedKey,
	})
	if err != nil {
		return err
	}
	defer tn.Close()

	var (
		buf    = make([]byte, wireguard.MessageLengthHandshakeInitiation)
		sentAt time.Time
	)
	if err = multiplexer.AwaitReply(ctx, endpoint, func() ([]byte, error) {
		sentAt = time.Now()
		r, err := tn.FormatHandshakeInitiation(buf, true)
		return r.Packet, err
	}, handshakeRetryInterval); err != nil {
		return err
	}

	// The server drops an initiation whose timestamp does not advance past this one.
	select {
	case <-time.After(time.Until(sentAt.Add(handshakeTimestampGranularity))):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// aLongTimeAgo is a non-zero time, far in the past, used for immediate cancellation of reads.
var aLongTimeAgo = time.Unix(1, 0)

// readSocket feeds WireGuard messages from the socket into the session.
func (t *Tunnel) readSocket(ctx context.Context, a *attempt) error {
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := a.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			t.logger.Warn("Failed to read from UDP socket", zap.Error(err))
			continue
		}

		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		t.mu.Lock()
		a.session.HandleTunnelTraffic(buf[:n], from, &a.out)
		t.flush(a)
		t.mu.Unlock()
	}
}

// readDevice feeds packets from the TUN device into the session of the current attempt,
// until the device is closed.
func (t *Tunnel) readDevice() {
	defer close(t.readerDone)

	batchSize := t.device.BatchSize()
	bufs := make([][]byte, batchSize)
	for i := range bufs {
		bufs[i] = make([]byte, tunOffset+maxPacketSize)
	}
	sizes := make([]int, batchSize)

	for {
		n, err := t.device.Read(bufs, sizes, tunOffset)
		if n > 0 {
			t.mu.Lock()
			if a := t.current; a != nil {
				for i := range n {
					a.session.HandleHostTraffic(bufs[i][tunOffset:tunOffset+sizes[i]], &a.out)
				}
				t.flush(a)
			} else {
				t.metrics.droppedPackets.Add(uint64(n))
			}
			t.mu.Unlock()
		}

		if err != nil {
			if errors.Is(err, tun.ErrTooManySegments) {
				t.logger.Debug("Dropped packets from TUN device", zap.Error(err))
				continue
			}
			if !errors.Is(err, os.ErrClosed) {
				t.logger.Warn("Failed to read from TUN device", zap.Error(err))
			}
			return
		}
	}
}

// sendHostPacket sends a packet through the current session as if it had been read from the TUN device.
func (t *Tunnel) sendHostPacket(packet []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.current
	if a == nil {
		return errors.New("no active connection")
	}
	a.session.HandleHostTraffic(packet, &a.out)
	t.flush(a)
	return nil
}

// flush writes out everything the session produced. The caller must hold t.mu.
func (t *Tunnel) flush(a *attempt) {
	for _, b := range []*session.IOBuffer{&a.out.UDPv4, &a.out.UDPv6} {
		for packet, addr := range b.All() {
			if _, err := a.udp.WriteToUDPAddrPort(packet, addr); err != nil {
				t.logDrop("Failed to write to UDP socket", addr, err)
			}
		}
	}

	if count := a.out.TunnelV4.PacketCount() + a.out.TunnelV6.PacketCount(); count > 0 {
		need := count*tunOffset + a.out.TunnelV4.Len() + a.out.TunnelV6.Len()
		if cap(a.tunBuf) < need {
			a.tunBuf = make([]byte, need)
		}
		buf := a.tunBuf[:need]
		a.tunBufs = a.tunBufs[:0]

		for _, b := range []*session.IOBuffer{&a.out.TunnelV4, &a.out.TunnelV6} {
			for packet := range b.All() {
				n := tunOffset + len(packet)
				copy(buf[tunOffset:n], packet)
				a.tunBufs = append(a.tunBufs, buf[:n:n])
				buf = buf[n:]
			}
		}

		if _, err := t.device.Write(a.tunBufs, tunOffset); err != nil {
			t.logDrop("Failed to write to TUN device", netip.AddrPort{}, err)
		}
	}

	for _, b := range []*session.IOBuffer{&a.out.UDPv4, &a.out.UDPv6, &a.out.TunnelV4, &a.out.TunnelV6} {
		t.metrics.droppedPackets.Add(b.Dropped())
	}
	a.out.Reset()
}

// logDrop logs a failed write at warn level, at most once per second.
func (t *Tunnel) logDrop(msg string, addr netip.AddrPort, err error) {
	t.metrics.droppedPackets.Add(1)
	level := zap.DebugLevel
	t.dropLog.Do(func() {
		level = zap.WarnLevel
	})
	if ce := t.logger.Check(level, msg); ce != nil {
		ce.Write(
			zap.Stringer("addr", addr),
			zap.Error(err),
		)
	}
}
