// Package service runs WireGuard tunnels over obfuscated transports,
// and the debug service that exposes pprof and Prometheus metrics.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"

	"github.com/database64128/wgmux-go/pprof"
	"github.com/database64128/wgmux-go/tslog"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Service is a long-running component managed by a [Manager].
type Service interface {
	// String returns the service's name.
	String() string

	// Start starts the service.
	Start(ctx context.Context) error

	// Stop stops the service.
	Stop() error
}

// Config stores configurations for a typical wgmux service.
// It may be marshaled as or unmarshaled from JSON.
type Config struct {
	Tunnels []TunnelConfig `json:"tunnels"`
	Pprof   pprof.Config   `json:"pprof"`

	// Log configures the logger of the pprof service.
	Log tslog.Config `json:"log,omitzero"`
}

// Manager initializes the service manager.
func (sc *Config) Manager(logger *zap.Logger) (*Manager, error) {
	if len(sc.Tunnels) == 0 {
		return nil, errors.New("no services to start")
	}

	registry := prometheus.NewRegistry()
	services := make([]Service, 0, len(sc.Tunnels)+1)
	names := make(map[string]struct{}, len(sc.Tunnels))

	for i := range sc.Tunnels {
		tc := &sc.Tunnels[i]
		if _, ok := names[tc.Name]; ok {
			return nil, fmt.Errorf("duplicate tunnel name: %q", tc.Name)
		}
		names[tc.Name] = struct{}{}

		t, err := tc.Tunnel(logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create tunnel service %s: %w", tc.Name, err)
		}
		if err = registry.Register(t); err != nil {
			return nil, fmt.Errorf("failed to register metrics of tunnel %s: %w", tc.Name, err)
		}
		services = append(services, t)
	}

	if sc.Pprof.Enabled {
		services = append(services, sc.Pprof.NewService(sc.Log.NewLogger(os.Stderr), registry))
	}

	return &Manager{services, registry, logger}, nil
}

// Manager manages the services.
type Manager struct {
	services []Service
	registry *prometheus.Registry
	logger   *zap.Logger
}

// Registry returns the registry holding the metrics of all services.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Start starts all configured services.
// If a service fails to start, the services already started are stopped.
func (m *Manager) Start(ctx context.Context) error {
	for i, s := range m.services {
		if err := s.Start(ctx); err != nil {
			for _, started := range m.services[:i] {
				m.stopService(started)
			}
			return fmt.Errorf("failed to start %s: %w", s.String(), err)
		}
	}
	return nil
}

// Stop stops all running services.
func (m *Manager) Stop() {
	for _, s := range m.services {
		m.stopService(s)
	}
}

func (m *Manager) stopService(s Service) {
	if err := s.Stop(); err != nil {
		m.logger.Warn("Failed to stop service",
			zap.Stringer("service", s),
			zap.Error(err),
		)
	}
	m.logger.Info("Stopped service", zap.Stringer("service", s))
}

// BypassAddrs returns the addresses of WireGuard servers and obfuscation relays.
// Traffic to these addresses must not be routed into the tunnels.
func (sc *Config) BypassAddrs() []netip.Addr {
	seen := make(map[netip.Addr]struct{})
	var addrs []netip.Addr
	add := func(addr netip.Addr) {
		addr = addr.Unmap()
		if !addr.IsValid() || addr.IsLoopback() {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}

	for i := range sc.Tunnels {
		tc := &sc.Tunnels[i]
		for _, p := range tc.WireGuard.Peers {
			add(p.Endpoint.Addr())
		}
		for _, o := range tc.Obfuscation {
			add(o.Endpoint.Addr())
		}
	}
	return addrs
}
