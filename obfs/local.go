package obfs

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/database64128/wgmux-go/conn"
	"go.uber.org/zap"
)

// aLongTimeAgo is a non-zero time, far in the past, used for immediate cancellation of reads.
var aLongTimeAgo = time.Unix(1, 0)

// localSocket is the loopback socket WireGuard talks to.
// It remembers the address of the last packet it received and replies to it.
type localSocket struct {
	conn       *net.UDPConn
	endpoint   netip.AddrPort
	clientAddr atomic.Pointer[netip.AddrPort]
}

func listenLocal(ctx context.Context) (*localSocket, error) {
	c, err := conn.ListenLoopbackUDP(ctx)
	if err != nil {
		return nil, &ConfigError{Field: "local socket", Err: err}
	}
	return &localSocket{
		conn:     c,
		endpoint: c.LocalAddr().(*net.UDPAddr).AddrPort(),
	}, nil
}

// Endpoint returns the address of the socket.
func (s *localSocket) Endpoint() netip.AddrPort {
	return s.endpoint
}

// read reads a packet from WireGuard into b.
func (s *localSocket) read(b []byte) (int, error) {
	n, addr, err := s.conn.ReadFromUDPAddrPort(b)
	if err != nil {
		return 0, err
	}
	if last := s.clientAddr.Load(); last == nil || *last != addr {
		s.clientAddr.Store(&addr)
	}
	return n, nil
}

// write sends b to WireGuard. Packets are dropped until WireGuard has sent a packet.
func (s *localSocket) write(b []byte) (bool, error) {
	addr := s.clientAddr.Load()
	if addr == nil {
		return false, nil
	}
	_, err := s.conn.WriteToUDPAddrPort(b, *addr)
	return err == nil, err
}

func (s *localSocket) close() error {
	return s.conn.Close()
}

// interruptOnDone arranges for pending reads on the given connections to return
// as soon as ctx is done. The returned function cancels the arrangement.
func interruptOnDone(ctx context.Context, conns ...interface{ SetReadDeadline(time.Time) error }) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		for _, c := range conns {
			_ = c.SetReadDeadline(aLongTimeAgo)
		}
	})
}

// logWriteError logs a failed write to WireGuard.
func logWriteError(logger *zap.Logger, transport string, local *localSocket, err error) {
	logger.Warn("Failed to write packet to WireGuard",
		zap.String("transport", transport),
		zap.Stringer("endpoint", local.Endpoint()),
		zap.Error(err),
	)
}
