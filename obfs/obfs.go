// Package obfs implements obfuscation transports that carry WireGuard traffic to a relay.
//
// Every transport binds a UDP socket on loopback. WireGuard sends its packets to that socket,
// and the transport forwards them to the relay in disguise. Replies are forwarded back to
// the last address that sent to the local socket.
package obfs

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/zap"
)

// maxDatagramSize is the size of receive buffers for datagrams from WireGuard.
const maxDatagramSize = 65535

// Obfuscator is a started transport that is ready to forward traffic.
type Obfuscator interface {
	// Endpoint returns the local address WireGuard should send packets to.
	Endpoint() netip.AddrPort

	// PacketOverhead returns the number of extra bytes the transport adds to each packet.
	PacketOverhead() int

	// Run forwards traffic until ctx is canceled or a fatal error occurs.
	// It returns nil when stopped by ctx. Sockets are released when Run returns.
	Run(ctx context.Context) error
}

// Settings describes an obfuscation transport.
//
// Implementations are [*XorSettings], [*LwoSettings], [*SwgpSettings],
// [*Udp2TcpSettings], [*ShadowsocksSettings] and [*QuicSettings].
type Settings interface {
	// String returns the name of the transport.
	String() string

	// RemoteEndpoint returns the address of the relay the transport connects to.
	RemoteEndpoint() netip.AddrPort

	newObfuscator(ctx context.Context, logger *zap.Logger) (Obfuscator, error)
}

// ConfigError is returned when a transport cannot be created from its settings.
type ConfigError struct {
	// Field is the name of the offending setting.
	Field string

	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var errMissingEndpoint = errors.New("endpoint is required")

func checkEndpoint(endpoint netip.AddrPort) error {
	if !endpoint.IsValid() || endpoint.Port() == 0 {
		return &ConfigError{Field: "endpoint", Err: errMissingEndpoint}
	}
	return nil
}

// New creates the transport described by settings.
// The transport holds its sockets until its Run method returns.
func New(ctx context.Context, settings Settings, logger *zap.Logger) (Obfuscator, error) {
	if settings == nil {
		return nil, &ConfigError{Field: "settings", Err: errors.New("nil settings")}
	}
	return settings.newObfuscator(ctx, logger)
}

// Connect creates the transport described by settings and starts it in the background.
func Connect(ctx context.Context, settings Settings, logger *zap.Logger) (*Handle, error) {
	o, err := New(ctx, settings, logger)
	if err != nil {
		return nil, err
	}

	_, lockThread := settings.(*ShadowsocksSettings)
	w := startWorker(context.WithoutCancel(ctx), lockThread, o.Run)

	logger.Info("Started obfuscation transport",
		zap.Stringer("transport", settings),
		zap.Stringer("endpoint", o.Endpoint()),
		zap.Stringer("remote", settings.RemoteEndpoint()),
	)

	return &Handle{
		obfuscator: o,
		settings:   settings,
		worker:     w,
		logger:     logger,
	}, nil
}

// Handle controls a transport started by [Connect].
type Handle struct {
	obfuscator Obfuscator
	settings   Settings
	worker     *worker
	logger     *zap.Logger
}

// Settings returns the settings the transport was created from.
func (h *Handle) Settings() Settings {
	return h.settings
}

// Endpoint returns the local address WireGuard should send packets to.
func (h *Handle) Endpoint() netip.AddrPort {
	return h.obfuscator.Endpoint()
}

// PacketOverhead returns the number of extra bytes the transport adds to each packet.
func (h *Handle) PacketOverhead() int {
	return h.obfuscator.PacketOverhead()
}

// Done returns a channel that is closed when the transport has stopped.
func (h *Handle) Done() <-chan struct{} {
	return h.worker.done
}

// Err returns the error the transport stopped with.
// It must only be called after Done is closed.
func (h *Handle) Err() error {
	return h.worker.err
}

// Stop signals the transport to stop and waits until it has released its sockets.
func (h *Handle) Stop() error {
	err := h.worker.stop()
	h.logger.Info("Stopped obfuscation transport",
		zap.Stringer("transport", h.settings),
		zap.Stringer("endpoint", h.obfuscator.Endpoint()),
		zap.Error(err),
	)
	return err
}

// Abort cancels the transport without waiting for it to stop.
func (h *Handle) Abort() {
	h.worker.abort()
}
