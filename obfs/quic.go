package obfs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/database64128/wgmux-go/conn"
	"github.com/database64128/wgmux-go/fragment"
	"github.com/database64128/wgmux-go/internal/wireguard"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/quic-go/quicvarint"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// MasqueWellKnownPath is the path prefix of UDP proxying requests.
	MasqueWellKnownPath = "/.well-known/masque/udp/"

	// MasqueALPN is the application protocol negotiated with the proxy.
	MasqueALPN = http3.NextProtoH3

	// MasqueProtocol is the :protocol pseudo-header of UDP proxying requests.
	MasqueProtocol = "connect-udp"

	// maxProxyRedirects is how many times a permanent redirect is followed.
	maxProxyRedirects = 1

	// DefaultQuicMTU is the default MTU of the path to the proxy.
	DefaultQuicMTU = 1280

	// MinimumQuicMTU is the smallest accepted MTU.
	MinimumQuicMTU = 576

	// quicHeaderSize is the worst-case size of a QUIC short header packet carrying a single
	// datagram frame: flags, connection ID, packet number, AEAD tag and frame header.
	quicHeaderSize = 1 + 20 + 4 + 16 + 1 + 2

	// fragmentMaxAge is how long fragments of an incomplete packet are kept.
	fragmentMaxAge = 3 * time.Second

	quicKeepAlivePeriod = 10 * time.Second
	quicMaxIdleTimeout  = 30 * time.Second
)

var (
	errMissingHostname  = errors.New("hostname is required")
	errProxyUnsupported = errors.New("proxy does not support extended CONNECT with HTTP datagrams")
	errTooManyRedirects = errors.New("too many redirects")

	// ErrProxyRefused is returned when the proxy does not accept the request.
	ErrProxyRefused = errors.New("proxy refused request")
)

// QuicSettings configures a transport that proxies datagrams through an HTTP/3 proxy
// with a CONNECT-UDP request (RFC 9298).
type QuicSettings struct {
	Endpoint netip.AddrPort

	// Hostname is the TLS server name and the authority of the request.
	Hostname string

	// Token is sent as the authorization of the request.
	Token string

	// Target is where the proxy forwards packets to.
	// The zero value means [DefaultShadowsocksTarget].
	Target netip.AddrPort

	// MTU is the MTU of the path to the proxy. Zero means [DefaultQuicMTU].
	MTU int

	// TLSConfig overrides the default TLS configuration.
	TLSConfig *tls.Config

	Fwmark int
}

func (s *QuicSettings) String() string { return "quic" }

// RemoteEndpoint implements [Settings.RemoteEndpoint].
func (s *QuicSettings) RemoteEndpoint() netip.AddrPort { return s.Endpoint }

func (s *QuicSettings) newObfuscator(ctx context.Context, logger *zap.Logger) (Obfuscator, error) {
	if err := checkEndpoint(s.Endpoint); err != nil {
		return nil, err
	}
	if s.Hostname == "" {
		return nil, &ConfigError{Field: "hostname", Err: errMissingHostname}
	}

	mtu := s.MTU
	switch {
	case mtu == 0:
		mtu = DefaultQuicMTU
	case mtu < MinimumQuicMTU || mtu > 65535:
		return nil, &ConfigError{Field: "mtu", Err: fmt.Errorf("%d out of range [%d, 65535]", mtu, MinimumQuicMTU)}
	}

	target := s.Target
	if !target.IsValid() {
		target = DefaultShadowsocksTarget
	}

	var tlsConfig *tls.Config
	if s.TLSConfig != nil {
		tlsConfig = s.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{}
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = s.Hostname
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{MasqueALPN}
	}

	local, err := listenLocal(ctx)
	if err != nil {
		return nil, err
	}

	network := "udp6"
	if s.Endpoint.Addr().Unmap().Is4() {
		network = "udp4"
	}
	udpConn, err := conn.ListenConfig{Fwmark: s.Fwmark}.ListenUDP(ctx, network, "")
	if err != nil {
		local.close()
		return nil, fmt.Errorf("failed to create QUIC socket: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qc, err := tr.Dial(ctx, net.UDPAddrFromAddrPort(s.Endpoint), tlsConfig, &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: quicKeepAlivePeriod,
		MaxIdleTimeout:  quicMaxIdleTimeout,
	})
	if err != nil {
		tr.Close()
		udpConn.Close()
		local.close()
		return nil, fmt.Errorf("failed to connect to %s: %w", s.Endpoint, err)
	}

	cc := (&http3.Transport{EnableDatagrams: true}).NewClientConn(qc)
	stream, err := openProxyStream(ctx, cc, s.Hostname, s.Token, target, mtu, logger)
	if err != nil {
		_ = qc.CloseWithError(quic.ApplicationErrorCode(http3.ErrCodeNoError), "")
		tr.Close()
		udpConn.Close()
		local.close()
		return nil, err
	}

	q := &quicObfuscator{
		local:         local,
		udpConn:       udpConn,
		transport:     tr,
		qc:            qc,
		stream:        stream,
		endpoint:      s.Endpoint,
		prefixLen:     quicvarint.Len(uint64(stream.StreamID() / 4)),
		maxPacketSize: wireguard.MaxPacketSize(mtu, s.Endpoint.Addr()) - quicHeaderSize,
		fragments:     fragment.NewFragments(nil),
		logger:        logger,
	}

	return q, nil
}

type quicObfuscator struct {
	local     *localSocket
	udpConn   *net.UDPConn
	transport *quic.Transport
	qc        quic.Connection
	stream    http3.RequestStream
	endpoint  netip.AddrPort

	// prefixLen is the length of the quarter stream ID that http3 prepends to every datagram.
	prefixLen int

	// maxPacketSize is the maximum size of a QUIC datagram payload, prefix included.
	maxPacketSize int

	fragments *fragment.Fragments
	logger    *zap.Logger
}

// NewConnectRequest returns an extended CONNECT request that asks the proxy
// to forward UDP datagrams to target.
func NewConnectRequest(ctx context.Context, hostname, token string, target netip.AddrPort, mtu int) *http.Request {
	header := http.Header{
		"Capsule-Protocol":     {"?1"},
		"X-Mullvad-Uplink-Mtu": {strconv.Itoa(mtu)},
	}
	if token != "" {
		header.Set("Authorization", token)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		Proto:  MasqueProtocol,
		URL: &url.URL{
			Scheme: "https",
			Host:   hostname,
			Path:   MasqueWellKnownPath + target.Addr().Unmap().String() + "/" + strconv.FormatUint(uint64(target.Port()), 10) + "/",
		},
		Host:   hostname,
		Header: header,
	}
	return req.WithContext(ctx)
}

// openProxyStream performs the CONNECT-UDP handshake and returns the request stream
// that datagrams are exchanged on.
func openProxyStream(ctx context.Context, cc *http3.ClientConn, hostname, token string, target netip.AddrPort, mtu int, logger *zap.Logger) (http3.RequestStream, error) {
	select {
	case <-cc.ReceivedSettings():
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cc.Context().Done():
		return nil, fmt.Errorf("connection closed before settings: %w", context.Cause(cc.Context()))
	}
	if settings := cc.Settings(); !settings.EnableExtendedConnect || !settings.EnableDatagrams {
		return nil, errProxyUnsupported
	}

	for redirects := 0; ; redirects++ {
		str, err := cc.OpenRequestStream(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open request stream: %w", err)
		}

		rsp, err := roundTripConnect(ctx, str, NewConnectRequest(ctx, hostname, token, target, mtu))
		if err != nil {
			str.CancelRead(quic.StreamErrorCode(http3.ErrCodeRequestCanceled))
			str.CancelWrite(quic.StreamErrorCode(http3.ErrCodeRequestCanceled))
			return nil, err
		}

		switch rsp.StatusCode {
		case http.StatusOK:
			return str, nil
		case http.StatusPermanentRedirect:
			str.CancelRead(quic.StreamErrorCode(http3.ErrCodeNoError))
			str.Close()
			if redirects >= maxProxyRedirects {
				return nil, errTooManyRedirects
			}
			location, err := url.Parse(rsp.Header.Get("Location"))
			if err != nil || location.Hostname() == "" {
				return nil, fmt.Errorf("%w: bad Location %q", ErrProxyRefused, rsp.Header.Get("Location"))
			}
			hostname = location.Hostname()
			logger.Info("Proxy redirected request", zap.String("hostname", hostname))
		default:
			str.CancelRead(quic.StreamErrorCode(http3.ErrCodeNoError))
			str.Close()
			return nil, fmt.Errorf("%w: %s", ErrProxyRefused, rsp.Status)
		}
	}
}

func roundTripConnect(ctx context.Context, str http3.RequestStream, req *http.Request) (*http.Response, error) {
	if err := str.SendRequestHeader(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = str.SetReadDeadline(aLongTimeAgo)
	})
	rsp, err := str.ReadResponse()
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return rsp, nil
}

func (q *quicObfuscator) close() {
	q.stream.CancelRead(quic.StreamErrorCode(http3.ErrCodeNoError))
	q.stream.Close()
	_ = q.qc.CloseWithError(quic.ApplicationErrorCode(http3.ErrCodeNoError), "")
	q.transport.Close()
	q.udpConn.Close()
	q.local.close()
}

// Endpoint implements [Obfuscator.Endpoint].
func (q *quicObfuscator) Endpoint() netip.AddrPort {
	return q.local.Endpoint()
}

// PacketOverhead implements [Obfuscator.PacketOverhead].
func (q *quicObfuscator) PacketOverhead() int {
	return quicHeaderSize + q.prefixLen + quicvarint.Len(fragment.ContextIDDatagram)
}

// Run implements [Obfuscator.Run].
func (q *quicObfuscator) Run(ctx context.Context) error {
	defer q.close()

	g, gctx := errgroup.WithContext(ctx)
	stop := interruptOnDone(gctx, q.local.conn)
	defer stop()

	g.Go(recoverRelay(func() error {
		return q.relayUplink(gctx)
	}))
	g.Go(recoverRelay(func() error {
		return q.relayDownlink(gctx)
	}))

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (q *quicObfuscator) relayUplink(ctx context.Context) error {
	recvBuf := make([]byte, maxDatagramSize)
	datagram := make([]byte, 0, maxDatagramSize+1)
	var packetID uint16

	for {
		n, err := q.local.read(recvBuf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			q.logger.Warn("Failed to read packet from WireGuard",
				zap.String("transport", "quic"),
				zap.Stringer("endpoint", q.local.Endpoint()),
				zap.Error(err),
			)
			continue
		}
		payload := recvBuf[:n]

		datagram = fragment.AppendDatagram(datagram[:0], payload)
		if q.prefixLen+len(datagram) <= q.maxPacketSize {
			err = q.stream.SendDatagram(datagram)
			if err == nil {
				continue
			}

			var tooLarge *quic.DatagramTooLargeError
			if !errors.As(err, &tooLarge) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to send datagram: %w", err)
			}
			q.maxPacketSize = int(tooLarge.MaxDatagramPayloadSize)
		}

		fragments, err := fragment.FragmentPacket(q.maxPacketSize-q.prefixLen, payload, packetID)
		if err != nil {
			q.logger.Debug("Failed to fragment packet",
				zap.Int("packetLength", n),
				zap.Int("maxPacketSize", q.maxPacketSize),
				zap.Error(err),
			)
			continue
		}
		packetID++

		for _, f := range fragments {
			if err = q.stream.SendDatagram(f); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to send fragment: %w", err)
			}
		}
	}
}

func (q *quicObfuscator) relayDownlink(ctx context.Context) error {
	lastSweep := time.Now()

	for {
		datagram, err := q.stream.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive datagram: %w", err)
		}

		if now := time.Now(); now.Sub(lastSweep) >= fragmentMaxAge {
			q.fragments.ClearOldFragments(fragmentMaxAge)
			lastSweep = now
		}

		payload, err := q.fragments.HandleIncomingPacket(datagram)
		if err != nil {
			q.logger.Debug("Failed to reassemble packet",
				zap.Int("datagramLength", len(datagram)),
				zap.Error(err),
			)
			continue
		}
		if payload == nil {
			continue
		}

		if _, err = q.local.write(payload); err != nil {
			logWriteError(q.logger, "quic", q.local, err)
		}
	}
}
