package multiplexer

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/database64128/wgmux-go/obfs"
	"github.com/database64128/wgmux-go/packet"
	"go.uber.org/zap/zaptest"
)

const (
	testTimeout       = 5 * time.Second
	testSpawnInterval = 20 * time.Millisecond
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func addrOf(c *net.UDPConn) netip.AddrPort {
	return c.LocalAddr().(*net.UDPAddr).AddrPort()
}

func recvWithTimeout(t *testing.T, c *net.UDPConn, timeout time.Duration) ([]byte, netip.AddrPort, error) {
	t.Helper()
	if err := c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, maxDatagramSize)
	n, from, err := c.ReadFromUDPAddrPort(buf)
	return buf[:n], from, err
}

func mustRecv(t *testing.T, c *net.UDPConn) ([]byte, netip.AddrPort) {
	t.Helper()
	b, from, err := recvWithTimeout(t, c, testTimeout)
	if err != nil {
		t.Fatalf("Failed to receive: %v", err)
	}
	return b, from
}

// runResult holds the outcome of a Run call once done is closed.
type runResult struct {
	done chan struct{}
	err  error
}

// wait reports whether Run returned within timeout, and the error it returned.
func (r *runResult) wait(timeout time.Duration) (bool, error) {
	select {
	case <-r.done:
		return true, r.err
	case <-time.After(timeout):
		return false, nil
	}
}

// startMultiplexer runs a multiplexer until the test ends.
func startMultiplexer(t *testing.T, cfg Config) (*Multiplexer, *runResult) {
	t.Helper()

	m, err := New(t.Context(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &runResult{done: make(chan struct{})}
	go func() {
		run.err = m.Run(ctx)
		close(run.done)
	}()

	t.Cleanup(func() {
		cancel()
		if ok, _ := run.wait(testTimeout); !ok {
			t.Error("Run did not return after cancellation")
		}
	})
	return m, run
}

func TestMultiplexerDirectForwarding(t *testing.T) {
	server1 := listenLoopback(t)
	server2 := listenLoopback(t)

	m, _ := startMultiplexer(t, Config{
		Transports: []Transport{
			DirectTransport(addrOf(server1)),
			DirectTransport(addrOf(server2)),
		},
		SpawnInterval: testSpawnInterval,
	})

	client := listenLoopback(t)
	if _, err := client.WriteToUDPAddrPort([]byte("Ping!"), m.Endpoint()); err != nil {
		t.Fatal(err)
	}

	// The first server gets the packet right away, the second one when it is spawned.
	b, proxyAddr := mustRecv(t, server1)
	if string(b) != "Ping!" {
		t.Errorf("server1 received %q, want %q", b, "Ping!")
	}
	if b, _ = mustRecv(t, server2); string(b) != "Ping!" {
		t.Errorf("server2 received %q, want %q", b, "Ping!")
	}

	if _, err := server1.WriteToUDPAddrPort([]byte("Pong!"), proxyAddr); err != nil {
		t.Fatal(err)
	}
	if b, _ = mustRecv(t, client); string(b) != "Pong!" {
		t.Errorf("client received %q, want %q", b, "Pong!")
	}

	select {
	case result := <-m.Selected():
		if result.Transport.Direct != addrOf(server1) || result.PacketOverhead != 0 {
			t.Errorf("selected %+v, want direct %s", result, addrOf(server1))
		}
	case <-time.After(testTimeout):
		t.Fatal("no transport selected")
	}

	if _, err := client.WriteToUDPAddrPort([]byte("Connected!"), m.Endpoint()); err != nil {
		t.Fatal(err)
	}
	if b, _ = mustRecv(t, server1); string(b) != "Connected!" {
		t.Errorf("server1 received %q, want %q", b, "Connected!")
	}
	if _, _, err := recvWithTimeout(t, server2, 100*time.Millisecond); err == nil {
		t.Error("server2 received a packet after server1 was selected")
	}

	// Replies keep flowing back.
	if _, err := server1.WriteToUDPAddrPort([]byte("Still here"), proxyAddr); err != nil {
		t.Fatal(err)
	}
	if b, _ = mustRecv(t, client); string(b) != "Still here" {
		t.Errorf("client received %q, want %q", b, "Still here")
	}
}

func TestMultiplexerIgnoresUnknownSenders(t *testing.T) {
	server := listenLoopback(t)
	stranger := listenLoopback(t)

	m, _ := startMultiplexer(t, Config{
		Transports:    []Transport{DirectTransport(addrOf(server))},
		SpawnInterval: testSpawnInterval,
	})

	client := listenLoopback(t)
	if _, err := client.WriteToUDPAddrPort([]byte("hello"), m.Endpoint()); err != nil {
		t.Fatal(err)
	}
	_, proxyAddr := mustRecv(t, server)

	if _, err := stranger.WriteToUDPAddrPort([]byte("spoofed"), proxyAddr); err != nil {
		t.Fatal(err)
	}
	if b, _, err := recvWithTimeout(t, client, 100*time.Millisecond); err == nil {
		t.Fatalf("client received %q from an unknown sender", b)
	}

	select {
	case result := <-m.Selected():
		t.Fatalf("selected %+v before any reply from a transport", result)
	default:
	}
}

func TestMultiplexerSelectsObfuscatedTransport(t *testing.T) {
	key := []byte{0x42}
	relayHandler, err := packet.NewXORHandler(key)
	if err != nil {
		t.Fatal(err)
	}

	// The direct server never answers. The XOR relay does.
	silent := listenLoopback(t)
	relay := listenLoopback(t)
	go func() {
		buf := make([]byte, maxDatagramSize)
		for {
			n, from, err := relay.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			plaintext, err := relayHandler.Decrypt(nil, buf[:n])
			if err != nil {
				continue
			}
			reply, _ := relayHandler.Encrypt(nil, append([]byte("re: "), plaintext...))
			_, _ = relay.WriteToUDPAddrPort(reply, from)
		}
	}()

	m, _ := startMultiplexer(t, Config{
		Transports: []Transport{
			DirectTransport(addrOf(silent)),
			ObfuscatedTransport(&obfs.XorSettings{Endpoint: addrOf(relay), Key: key}),
		},
		SpawnInterval: testSpawnInterval,
	})

	client := listenLoopback(t)
	if _, err := client.WriteToUDPAddrPort([]byte("handshake"), m.Endpoint()); err != nil {
		t.Fatal(err)
	}

	// The packet is replayed to the XOR transport once it is spawned.
	b, _ := mustRecv(t, client)
	if !bytes.Equal(b, []byte("re: handshake")) {
		t.Errorf("client received %q, want %q", b, "re: handshake")
	}

	select {
	case result := <-m.Selected():
		if result.Transport.Settings == nil || result.Transport.Settings.String() != "xor" {
			t.Errorf("selected %s, want xor", result.Transport)
		}
	case <-time.After(testTimeout):
		t.Fatal("no transport selected")
	}

	if _, err := client.WriteToUDPAddrPort([]byte("data"), m.Endpoint()); err != nil {
		t.Fatal(err)
	}
	if b, _ = mustRecv(t, client); !bytes.Equal(b, []byte("re: data")) {
		t.Errorf("client received %q, want %q", b, "re: data")
	}
}

func TestMultiplexerTooManyInitialPackets(t *testing.T) {
	silent := listenLoopback(t)

	m, run := startMultiplexer(t, Config{
		Transports:    []Transport{DirectTransport(addrOf(silent))},
		SpawnInterval: testSpawnInterval,
	})

	client := listenLoopback(t)
	for range MaxInitialPackets + 1 {
		if _, err := client.WriteToUDPAddrPort([]byte("init"), m.Endpoint()); err != nil {
			t.Fatal(err)
		}
	}

	ok, err := run.wait(testTimeout)
	if !ok {
		t.Fatal("Run did not fail")
	}
	if !errors.Is(err, ErrTooManyInitialPackets) {
		t.Errorf("Run() = %v, want %v", err, ErrTooManyInitialPackets)
	}
}

func TestMultiplexerConnectTimeout(t *testing.T) {
	silent := listenLoopback(t)

	_, run := startMultiplexer(t, Config{
		Transports:     []Transport{DirectTransport(addrOf(silent))},
		SpawnInterval:  testSpawnInterval,
		ConnectTimeout: 50 * time.Millisecond,
	})

	ok, err := run.wait(testTimeout)
	if !ok {
		t.Fatal("Run did not time out")
	}
	if !errors.Is(err, ErrConnectTimeout) {
		t.Errorf("Run() = %v, want %v", err, ErrConnectTimeout)
	}
}

func TestMultiplexerAllSpawnsFail(t *testing.T) {
	_, run := startMultiplexer(t, Config{
		Transports: []Transport{
			ObfuscatedTransport(&obfs.XorSettings{Endpoint: netip.MustParseAddrPort("127.0.0.1:1")}),
		},
		SpawnInterval: testSpawnInterval,
	})

	ok, err := run.wait(testTimeout)
	if !ok {
		t.Fatal("Run did not fail")
	}
	var configErr *obfs.ConfigError
	if !errors.As(err, &configErr) {
		t.Errorf("Run() = %v, want *obfs.ConfigError", err)
	}
}

func TestNewRejectsEmptyConfig(t *testing.T) {
	if _, err := New(t.Context(), Config{}, zaptest.NewLogger(t)); err != ErrNoTransports {
		t.Errorf("New() error = %v, want %v", err, ErrNoTransports)
	}
}
