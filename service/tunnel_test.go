package service

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/database64128/wgmux-go/jsonhelper"
	"github.com/database64128/wgmux-go/obfs"
	"github.com/database64128/wgmux-go/packet"
	"github.com/database64128/wgmux-go/session"
	"github.com/database64128/wgmux-go/tunn"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
	"golang.zx2c4.com/wireguard/tun/tuntest"
)

var (
	testAddress    = netip.MustParseAddr("10.64.0.2")
	testPingTarget = netip.MustParseAddr("10.64.0.1")
)

func mustGenerateKey(t *testing.T) tunn.Key {
	t.Helper()
	k, err := tunn.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	return k
}

// startEchoServer starts a WireGuard server on loopback that sends every decrypted packet back
// to the client. It returns the server's address and public key.
func startEchoServer(t *testing.T, clientPublicKey tunn.Key) (netip.AddrPort, tunn.Key) {
	t.Helper()

	key := mustGenerateKey(t)
	srv, err := session.New(session.Config{
		PrivateKey: key,
		Peers: []session.PeerConfig{{
			PublicKey: clientPublicKey,
			// Replaced by the address of the first message.
			Endpoint: netip.MustParseAddrPort("127.0.0.1:9"),
		}},
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("session.New failed: %v", err)
	}

	uc, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}

	done := make(chan struct{})
	t.Cleanup(func() {
		uc.Close()
		<-done
		srv.Close()
	})

	go func() {
		defer close(done)

		var out, reply session.Output
		buf := make([]byte, maxPacketSize)
		for {
			n, from, err := uc.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
			_ = srv.SetPeerEndpoint(0, from)

			out.Reset()
			reply.Reset()
			srv.HandleTunnelTraffic(buf[:n], from, &out)
			for packet := range out.TunnelV4.All() {
				srv.HandleHostTraffic(packet, &reply)
			}

			for _, o := range []*session.Output{&out, &reply} {
				for packet, addr := range o.UDPv4.All() {
					_, _ = uc.WriteToUDPAddrPort(packet, addr)
				}
			}
		}
	}()

	return uc.LocalAddr().(*net.UDPAddr).AddrPort(), key.PublicKey()
}

// startXorRelay starts an XOR obfuscation server on loopback that forwards to target.
func startXorRelay(t *testing.T, key []byte, target netip.AddrPort) netip.AddrPort {
	t.Helper()

	handler, err := packet.NewXORHandler(key)
	if err != nil {
		t.Fatalf("NewXORHandler failed: %v", err)
	}

	front, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	back, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(target))
	if err != nil {
		front.Close()
		t.Fatalf("DialUDP failed: %v", err)
	}
	t.Cleanup(func() {
		front.Close()
		back.Close()
	})

	var client atomic.Pointer[netip.AddrPort]

	go func() {
		buf := make([]byte, maxPacketSize)
		for {
			n, from, err := front.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			client.Store(&from)
			b, err := handler.Decrypt(nil, buf[:n])
			if err != nil {
				continue
			}
			_, _ = back.Write(b)
		}
	}()

	go func() {
		buf := make([]byte, maxPacketSize)
		for {
			n, err := back.Read(buf)
			if err != nil {
				return
			}
			to := client.Load()
			if to == nil {
				continue
			}
			b, err := handler.Encrypt(nil, buf[:n])
			if err != nil {
				continue
			}
			_, _ = front.WriteToUDPAddrPort(b, *to)
		}
	}()

	return front.LocalAddr().(*net.UDPAddr).AddrPort()
}

// startTestTunnel starts a tunnel service to an echo server on a channel TUN device.
// Packets written to the device are sent to the returned channel.
func startTestTunnel(t *testing.T, tc TunnelConfig) (*Tunnel, *tuntest.ChannelTUN, <-chan []byte) {
	t.Helper()
	return startTestTunnelVia(t, tc, nil)
}

// startTestTunnelVia is like startTestTunnel, and appends the transport returned by via,
// if not nil, to the obfuscation transports.
func startTestTunnelVia(t *testing.T, tc TunnelConfig, via func(t *testing.T, server netip.AddrPort) obfs.Config) (*Tunnel, *tuntest.ChannelTUN, <-chan []byte) {
	t.Helper()

	clientKey := mustGenerateKey(t)
	serverAddr, serverPublicKey := startEchoServer(t, clientKey.PublicKey())
	if via != nil {
		tc.Obfuscation = append(tc.Obfuscation, via(t, serverAddr))
	}

	tc.Name = "wg0"
	tc.Address = testAddress
	tc.PingTarget = testPingTarget
	tc.WireGuard = session.JSONConfig{
		PrivateKey: clientKey,
		Peers: []session.PeerJSONConfig{{
			PublicKey: serverPublicKey,
			Endpoint:  serverAddr,
		}},
	}

	tunnel, err := tc.Tunnel(zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Tunnel failed: %v", err)
	}

	ch := tuntest.NewChannelTUN()
	tunnel.createDevice = func(name string, mtu int) (Device, error) {
		return ch.TUN(), nil
	}

	received := make(chan []byte, 64)
	drainDone := make(chan struct{})
	stopDrain := make(chan struct{})
	go func() {
		defer close(drainDone)
		for {
			select {
			case p := <-ch.Inbound:
				select {
				case received <- p:
				default:
				}
			case <-stopDrain:
				return
			}
		}
	}()

	if err = tunnel.Start(t.Context()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if err := tunnel.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		close(stopDrain)
		<-drainDone
	})

	return tunnel, ch, received
}

func testPacket(payload string) []byte {
	b := make([]byte, 28+len(payload))
	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	b[8] = 64
	b[9] = 17
	copy(b[12:16], testAddress.AsSlice())
	copy(b[16:20], testPingTarget.AsSlice())
	binary.BigEndian.PutUint16(b[20:22], 12345)
	binary.BigEndian.PutUint16(b[22:24], 53)
	binary.BigEndian.PutUint16(b[24:26], uint16(8+len(payload)))
	copy(b[28:], payload)
	return b
}

// sendUntilEchoed writes packet to the device until it comes back.
// Packets read before the first connection attempt starts are dropped.
func sendUntilEchoed(t *testing.T, ch *tuntest.ChannelTUN, received <-chan []byte, packet []byte) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	resend := time.NewTicker(500 * time.Millisecond)
	defer resend.Stop()

	outbound := ch.Outbound
	for {
		select {
		case outbound <- packet:
			outbound = nil
		case <-resend.C:
			outbound = ch.Outbound
		case p := <-received:
			if bytes.Equal(p, packet) {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for packet %x", packet)
		}
	}
}

func gatherValue(t *testing.T, c prometheus.Collector, name string) float64 {
	t.Helper()
	registry := prometheus.NewRegistry()
	if err := registry.Register(c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	mfs, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestTunnelEcho(t *testing.T) {
	for _, c := range []struct {
		name string
		tc   TunnelConfig
	}{
		{
			name: "Direct",
		},
		{
			name: "MultiplexDirectFirst",
			tc: TunnelConfig{
				Obfuscation: []obfs.Config{{
					Type:     obfs.TypeXor,
					Endpoint: netip.MustParseAddrPort("127.0.0.1:9"),
					Key:      []byte("key"),
				}},
				// The XOR transport is never spawned before the direct path responds.
				SpawnInterval: jsonhelper.Duration(time.Minute),
			},
		},
	} {
		t.Run(c.name, func(t *testing.T) {
			tunnel, ch, received := startTestTunnel(t, c.tc)

			packet := testPacket("hello through the tunnel")
			sendUntilEchoed(t, ch, received, packet)

			if rx := gatherValue(t, tunnel, "wgmux_tunnel_rx_bytes_total"); rx == 0 {
				t.Error("rx_bytes_total = 0, want non-zero")
			}
			if overhead := gatherValue(t, tunnel, "wgmux_tunnel_packet_overhead_bytes"); overhead != 0 {
				t.Errorf("packet_overhead_bytes = %v, want 0", overhead)
			}
			if mtu := gatherValue(t, tunnel, "wgmux_tunnel_mtu"); mtu != float64(tunnel.tunMTU) {
				t.Errorf("mtu = %v, want %d", mtu, tunnel.tunMTU)
			}
		})
	}
}

func TestTunnelRaceSkipsSilentTransport(t *testing.T) {
	key := []byte("key")
	tc := TunnelConfig{
		SelectionMode: SelectionModeRace,
		// Nothing answers on the discard port, although the transport connects at once.
		Obfuscation: []obfs.Config{{
			Type:     obfs.TypeXor,
			Endpoint: netip.MustParseAddrPort("127.0.0.1:9"),
			Key:      key,
		}},
		ConnectTimeout: jsonhelper.Duration(10 * time.Second),
	}

	tunnel, ch, received := startTestTunnelVia(t, tc, func(t *testing.T, server netip.AddrPort) obfs.Config {
		return obfs.Config{
			Type:     obfs.TypeXor,
			Endpoint: startXorRelay(t, key, server),
			Key:      key,
		}
	})

	packet := testPacket("hello through the relay")
	sendUntilEchoed(t, ch, received, packet)

	if overhead := gatherValue(t, tunnel, "wgmux_tunnel_packet_overhead_bytes"); overhead != 0 {
		t.Errorf("packet_overhead_bytes = %v, want 0", overhead)
	}
}

func TestTunnelEstablishesConnectivity(t *testing.T) {
	tunnel, _, _ := startTestTunnel(t, TunnelConfig{})

	deadline := time.Now().Add(10 * time.Second)
	for gatherValue(t, tunnel, "wgmux_tunnel_connected") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for connectivity")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestTunnelStartCreateDeviceError(t *testing.T) {
	tc := TunnelConfig{
		Name:       "wg0",
		Address:    testAddress,
		PingTarget: testPingTarget,
		WireGuard: session.JSONConfig{
			PrivateKey: mustGenerateKey(t),
			Peers: []session.PeerJSONConfig{{
				PublicKey: mustGenerateKey(t),
				Endpoint:  netip.MustParseAddrPort("192.0.2.1:51820"),
			}},
		},
	}
	tunnel, err := tc.Tunnel(zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	errDevice := errors.New("no TUN for you")
	tunnel.createDevice = func(string, int) (Device, error) {
		return nil, errDevice
	}
	if err = tunnel.Start(t.Context()); !errors.Is(err, errDevice) {
		t.Errorf("Start() error = %v, want %v", err, errDevice)
	}
	if err = tunnel.Stop(); err != nil {
		t.Errorf("Stop() after failed Start error = %v", err)
	}
}

func TestTunnelConfigCheckAndApplyDefaults(t *testing.T) {
	validWireGuard := func() session.JSONConfig {
		return session.JSONConfig{
			PrivateKey: mustGenerateKey(t),
			Peers: []session.PeerJSONConfig{{
				PublicKey: mustGenerateKey(t),
				Endpoint:  netip.MustParseAddrPort("192.0.2.1:51820"),
			}},
		}
	}
	xor := []obfs.Config{{Type: obfs.TypeXor, Endpoint: netip.MustParseAddrPort("192.0.2.1:443"), Key: []byte("k")}}

	for _, c := range []struct {
		name     string
		modify   func(*TunnelConfig)
		wantErr  bool
		wantMode string
	}{
		{
			name:     "Defaults",
			modify:   func(*TunnelConfig) {},
			wantMode: SelectionModeDirect,
		},
		{
			name:     "DefaultMultiplexWithObfuscation",
			modify:   func(tc *TunnelConfig) { tc.Obfuscation = xor },
			wantMode: SelectionModeMultiplex,
		},
		{
			name: "Race",
			modify: func(tc *TunnelConfig) {
				tc.Obfuscation = xor
				tc.SelectionMode = SelectionModeRace
			},
			wantMode: SelectionModeRace,
		},
		{
			name:    "RaceWithoutObfuscation",
			modify:  func(tc *TunnelConfig) { tc.SelectionMode = SelectionModeRace },
			wantErr: true,
		},
		{
			name:    "UnknownMode",
			modify:  func(tc *TunnelConfig) { tc.SelectionMode = "carrier-pigeon" },
			wantErr: true,
		},
		{
			name:    "MTUTooSmall",
			modify:  func(tc *TunnelConfig) { tc.MTU = 1000 },
			wantErr: true,
		},
		{
			name:    "NegativeRetryDelay",
			modify:  func(tc *TunnelConfig) { tc.RetryDelay = -1 },
			wantErr: true,
		},
		{
			name:    "MissingPingTarget",
			modify:  func(tc *TunnelConfig) { tc.PingTarget = netip.Addr{} },
			wantErr: true,
		},
		{
			name:    "AddressFamilyMismatch",
			modify:  func(tc *TunnelConfig) { tc.PingTarget = netip.MustParseAddr("fd00::1") },
			wantErr: true,
		},
		{
			name:    "MissingEndpoint",
			modify:  func(tc *TunnelConfig) { tc.WireGuard.Peers[0].Endpoint = netip.AddrPort{} },
			wantErr: true,
		},
		{
			name:    "MissingPrivateKey",
			modify:  func(tc *TunnelConfig) { tc.WireGuard.PrivateKey = tunn.Key{} },
			wantErr: true,
		},
	} {
		t.Run(c.name, func(t *testing.T) {
			tc := TunnelConfig{
				Name:       "wg0",
				Address:    testAddress,
				PingTarget: testPingTarget,
				WireGuard:  validWireGuard(),
			}
			c.modify(&tc)

			err := tc.CheckAndApplyDefaults()
			if c.wantErr {
				if err == nil {
					t.Error("CheckAndApplyDefaults succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckAndApplyDefaults failed: %v", err)
			}
			if tc.SelectionMode != c.wantMode {
				t.Errorf("SelectionMode = %q, want %q", tc.SelectionMode, c.wantMode)
			}
			if tc.MTU != defaultMTU {
				t.Errorf("MTU = %d, want %d", tc.MTU, defaultMTU)
			}
			if time.Duration(tc.RetryDelay) != defaultRetryDelay {
				t.Errorf("RetryDelay = %s, want %s", time.Duration(tc.RetryDelay), defaultRetryDelay)
			}
		})
	}
}
