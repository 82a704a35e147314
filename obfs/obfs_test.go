package obfs

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/database64128/wgmux-go/packet"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

var rng = rand.NewChaCha8([32]byte{'o', 'b', 'f', 's'})

const testTimeout = 5 * time.Second

// startUDPRelay starts a UDP server on loopback that replies to every packet
// with the result of transform. A nil result means no reply.
func startUDPRelay(t *testing.T, transform func(t *testing.T, b []byte) []byte) netip.AddrPort {
	t.Helper()

	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	go func() {
		buf := make([]byte, maxDatagramSize)
		for {
			n, addr, err := c.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			if reply := transform(t, buf[:n]); reply != nil {
				if _, err = c.WriteToUDPAddrPort(reply, addr); err != nil {
					t.Errorf("Failed to write reply: %v", err)
				}
			}
		}
	}()

	return c.LocalAddr().(*net.UDPAddr).AddrPort()
}

// newWireGuardSocket returns a socket standing in for WireGuard.
func newWireGuardSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// roundTrip sends payload to the transport and returns the reply.
func roundTrip(t *testing.T, wg *net.UDPConn, endpoint netip.AddrPort, payload []byte) []byte {
	t.Helper()

	if _, err := wg.WriteToUDPAddrPort(payload, endpoint); err != nil {
		t.Fatalf("Failed to send packet: %v", err)
	}
	if err := wg.SetReadDeadline(time.Now().Add(testTimeout)); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, maxDatagramSize)
	n, from, err := wg.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("Failed to receive reply: %v", err)
	}
	if from != endpoint {
		t.Errorf("reply from %s, want %s", from, endpoint)
	}
	return buf[:n]
}

func connect(t *testing.T, settings Settings) *Handle {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), testTimeout)
	defer cancel()

	h, err := Connect(ctx, settings, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() {
		if err := h.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return h
}

// newDataPacket returns a packet of the given length that starts with a data message type.
// Packets shorter than a message header are truncated headers.
func newDataPacket(length int) []byte {
	b := make([]byte, max(length, 4))
	b[0] = 4
	_, _ = rng.Read(b[4:])
	return b[:length]
}

func TestNewConfigErrors(t *testing.T) {
	endpoint := netip.MustParseAddrPort("127.0.0.1:51820")

	for _, c := range []struct {
		name     string
		settings Settings
		field    string
	}{
		{"XorNoEndpoint", &XorSettings{Key: []byte{1}}, "endpoint"},
		{"XorEmptyKey", &XorSettings{Endpoint: endpoint}, "key"},
		{"LwoNoEndpoint", &LwoSettings{}, "endpoint"},
		{"SwgpUnknownMode", &SwgpSettings{Endpoint: endpoint, Mode: "aggressive", PSK: make([]byte, 32)}, "mode"},
		{"SwgpBadPSK", &SwgpSettings{Endpoint: endpoint, Mode: SwgpModeParanoid, PSK: make([]byte, 3)}, "psk"},
		{"SwgpSmallMTU", &SwgpSettings{Endpoint: endpoint, Mode: SwgpModeParanoid, PSK: make([]byte, 32), MTU: 1000}, "mtu"},
		{"Udp2TcpNoPeer", &Udp2TcpSettings{}, "endpoint"},
		{"ShadowsocksBadCipher", &ShadowsocksSettings{Endpoint: endpoint, Password: "x", Cipher: "rc4-md5"}, "cipher"},
		{"QuicNoHostname", &QuicSettings{Endpoint: endpoint}, "hostname"},
		{"QuicBadMTU", &QuicSettings{Endpoint: endpoint, Hostname: "example.com", MTU: 100}, "mtu"},
	} {
		t.Run(c.name, func(t *testing.T) {
			_, err := New(t.Context(), c.settings, zaptest.NewLogger(t))
			var configErr *ConfigError
			if !errors.As(err, &configErr) {
				t.Fatalf("New() error = %v, want *ConfigError", err)
			}
			if configErr.Field != c.field {
				t.Errorf("Field = %q, want %q", configErr.Field, c.field)
			}
		})
	}

	if _, err := New(t.Context(), nil, zaptest.NewLogger(t)); err == nil {
		t.Error("New(nil) succeeded")
	}
}

func TestXorTransport(t *testing.T) {
	key := []byte{0x5a, 0xa5, 0x3c}
	relayHandler, err := packet.NewXORHandler(key)
	if err != nil {
		t.Fatal(err)
	}

	// The relay echoes what it receives, so the reply is obfuscated the same way.
	endpoint := startUDPRelay(t, func(t *testing.T, b []byte) []byte {
		decrypted, err := relayHandler.Decrypt(nil, b)
		if err != nil {
			t.Errorf("relay Decrypt failed: %v", err)
			return nil
		}
		if bytes.Equal(decrypted, b) {
			t.Error("packet was not obfuscated on the wire")
		}
		return bytes.Clone(b)
	})

	h := connect(t, &XorSettings{Endpoint: endpoint, Key: key})
	if overhead := h.PacketOverhead(); overhead != 0 {
		t.Errorf("PacketOverhead() = %d, want 0", overhead)
	}

	wg := newWireGuardSocket(t)
	for _, length := range []int{32, 148, 1420} {
		payload := newDataPacket(length)
		if reply := roundTrip(t, wg, h.Endpoint(), payload); !bytes.Equal(reply, payload) {
			t.Errorf("reply = %x, want %x", reply, payload)
		}
	}
}

func TestLwoTransport(t *testing.T) {
	var clientKey, serverKey [32]byte
	_, _ = rng.Read(clientKey[:])
	_, _ = rng.Read(serverKey[:])
	relayHandler := packet.NewLWOHandler(clientKey, serverKey)

	endpoint := startUDPRelay(t, func(t *testing.T, b []byte) []byte {
		decrypted, err := relayHandler.Decrypt(nil, b)
		if err != nil {
			t.Errorf("relay Decrypt failed: %v", err)
			return nil
		}
		reply, err := relayHandler.Encrypt(nil, decrypted)
		if err != nil {
			t.Errorf("relay Encrypt failed: %v", err)
			return nil
		}
		return reply
	})

	h := connect(t, &LwoSettings{Endpoint: endpoint, ClientKey: clientKey, ServerKey: serverKey})

	wg := newWireGuardSocket(t)
	payload := newDataPacket(96)
	if reply := roundTrip(t, wg, h.Endpoint(), payload); !bytes.Equal(reply, payload) {
		t.Errorf("reply = %x, want %x", reply, payload)
	}
}

func TestSwgpTransport(t *testing.T) {
	psk := make([]byte, 32)
	_, _ = rng.Read(psk)

	for _, mode := range []string{SwgpModeZeroOverhead, SwgpModeParanoid} {
		t.Run(mode, func(t *testing.T) {
			var relayHandler packet.Handler
			var err error
			if mode == SwgpModeZeroOverhead {
				relayHandler, err = packet.NewZeroOverheadHandler(psk, 1452)
			} else {
				relayHandler, err = packet.NewParanoidHandler(psk, 1452)
			}
			if err != nil {
				t.Fatal(err)
			}

			endpoint := startUDPRelay(t, func(t *testing.T, b []byte) []byte {
				decrypted, err := relayHandler.Decrypt(nil, b)
				if err != nil {
					t.Errorf("relay Decrypt failed: %v", err)
					return nil
				}
				reply, err := relayHandler.Encrypt(nil, decrypted)
				if err != nil {
					t.Errorf("relay Encrypt failed: %v", err)
					return nil
				}
				return reply
			})

			h := connect(t, &SwgpSettings{Endpoint: endpoint, Mode: mode, PSK: psk})
			headroom := relayHandler.Headroom()
			if got, want := h.PacketOverhead(), headroom.Front+headroom.Rear; got != want {
				t.Errorf("PacketOverhead() = %d, want %d", got, want)
			}

			wg := newWireGuardSocket(t)
			payload := newDataPacket(128)
			if reply := roundTrip(t, wg, h.Endpoint(), payload); !bytes.Equal(reply, payload) {
				t.Errorf("reply = %x, want %x", reply, payload)
			}
		})
	}
}

func TestHandleStop(t *testing.T) {
	endpoint := startUDPRelay(t, func(t *testing.T, b []byte) []byte { return nil })

	h, err := Connect(t.Context(), &XorSettings{Endpoint: endpoint, Key: []byte{1}}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case <-h.Done():
		t.Fatal("transport stopped before Stop")
	default:
	}

	if err = h.Stop(); err != nil {
		t.Errorf("Stop() = %v, want nil", err)
	}

	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Stop returned")
	}
	if h.Err() != nil {
		t.Errorf("Err() = %v, want nil", h.Err())
	}
}

func TestHandleAbort(t *testing.T) {
	endpoint := startUDPRelay(t, func(t *testing.T, b []byte) []byte { return nil })

	h, err := Connect(t.Context(), &XorSettings{Endpoint: endpoint, Key: []byte{1}}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	h.Abort()

	select {
	case <-h.Done():
	case <-time.After(testTimeout):
		t.Fatal("transport did not stop after Abort")
	}
	if h.Err() != nil {
		t.Errorf("Err() = %v, want nil", h.Err())
	}
}

func TestWorkerRecoversPanic(t *testing.T) {
	for _, lockThread := range []bool{false, true} {
		w := startWorker(t.Context(), lockThread, func(ctx context.Context) error {
			panic("boom")
		})
		<-w.done
		if err := w.stop(); !errors.Is(err, ErrWorkerPanic) {
			t.Errorf("lockThread=%t: stop() = %v, want %v", lockThread, err, ErrWorkerPanic)
		}
	}
}

func TestRecoverRelay(t *testing.T) {
	errRelay := errors.New("relay failed")

	for _, c := range []struct {
		name string
		fn   func() error
		want error
	}{
		{"Nil", func() error { return nil }, nil},
		{"Error", func() error { return errRelay }, errRelay},
		{"Panic", func() error { panic("boom") }, ErrWorkerPanic},
	} {
		t.Run(c.name, func(t *testing.T) {
			var g errgroup.Group
			g.Go(recoverRelay(func() error { return nil }))
			g.Go(recoverRelay(c.fn))
			if err := g.Wait(); !errors.Is(err, c.want) {
				t.Errorf("Wait() = %v, want %v", err, c.want)
			}
		})
	}
}

func TestWorkerStopWaitsForAck(t *testing.T) {
	stopped := make(chan struct{})
	w := startWorker(t.Context(), false, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		close(stopped)
		return nil
	})

	if err := w.stop(); err != nil {
		t.Errorf("stop() = %v, want nil", err)
	}
	select {
	case <-stopped:
	default:
		t.Error("stop returned before the worker finished")
	}
}

func TestConfigSettings(t *testing.T) {
	endpoint := netip.MustParseAddrPort("[2001:db8::1]:443")
	key32 := bytes.Repeat([]byte{7}, 32)

	for _, c := range []struct {
		name    string
		config  Config
		want    string
		wantErr string
	}{
		{"Xor", Config{Type: TypeXor, Endpoint: endpoint, Key: []byte{1}}, "xor", ""},
		{"Lwo", Config{Type: TypeLwo, Endpoint: endpoint, ClientKey: key32, ServerKey: key32}, "lwo", ""},
		{"LwoShortKey", Config{Type: TypeLwo, Endpoint: endpoint, ClientKey: key32[:31], ServerKey: key32}, "", "clientKey"},
		{"Swgp", Config{Type: TypeSwgp, Endpoint: endpoint, Mode: SwgpModeParanoid, Key: key32}, "swgp-paranoid", ""},
		{"Udp2Tcp", Config{Type: TypeUdp2Tcp, Endpoint: endpoint}, "udp2tcp", ""},
		{"Shadowsocks", Config{Type: TypeShadowsocks, Endpoint: endpoint, Password: "p"}, "shadowsocks", ""},
		{"Quic", Config{Type: TypeQuic, Endpoint: endpoint, Hostname: "example.com"}, "quic", ""},
		{"Unknown", Config{Type: "openvpn"}, "", "type"},
	} {
		t.Run(c.name, func(t *testing.T) {
			s, err := c.config.Settings()
			if c.wantErr != "" {
				var configErr *ConfigError
				if !errors.As(err, &configErr) || configErr.Field != c.wantErr {
					t.Fatalf("Settings() error = %v, want *ConfigError for %q", err, c.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Settings() failed: %v", err)
			}
			if s.String() != c.want {
				t.Errorf("String() = %q, want %q", s.String(), c.want)
			}
			if s.RemoteEndpoint() != endpoint {
				t.Errorf("RemoteEndpoint() = %s, want %s", s.RemoteEndpoint(), endpoint)
			}
		})
	}
}
