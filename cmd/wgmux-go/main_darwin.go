//go:build darwin

package main

import (
	"context"
	"errors"
	"net/netip"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/database64128/wgmux-go/service"
	"go.uber.org/zap"
	"golang.org/x/net/route"
)

// gatewayPollInterval is how often the default gateway is checked for changes.
const gatewayPollInterval = 10 * time.Second

var errNoGateway = errors.New("no default gateway found")

// discoverGateway returns the gateway of the first default route of the given family.
func discoverGateway(af int) (netip.Addr, error) {
	rib, err := route.FetchRIB(af, syscall.NET_RT_DUMP, 0)
	if err != nil {
		return netip.Addr{}, err
	}

	msgs, err := route.ParseRIB(syscall.NET_RT_DUMP, rib)
	if err != nil {
		return netip.Addr{}, err
	}

	for _, m := range msgs {
		rm, ok := m.(*route.RouteMessage)
		if !ok || len(rm.Addrs) <= syscall.RTAX_GATEWAY {
			continue
		}
		switch sa := rm.Addrs[syscall.RTAX_GATEWAY].(type) {
		case *route.Inet4Addr:
			return netip.AddrFrom4(sa.IP), nil
		case *route.Inet6Addr:
			return netip.AddrFrom16(sa.IP), nil
		}
	}
	return netip.Addr{}, errNoGateway
}

// routeCommand runs route(8) with the given arguments.
func routeCommand(logger *zap.Logger, args ...string) error {
	output, err := exec.Command("/sbin/route", append([]string{"-n"}, args...)...).CombinedOutput()
	if ce := logger.Check(zap.DebugLevel, "Executed route command"); ce != nil {
		ce.Write(
			zap.Strings("args", args),
			zap.ByteString("output", output),
			zap.Error(err),
		)
	}
	return err
}

// gatewayMonitor pins host routes to the WireGuard servers and obfuscation relays
// through the physical default gateway, and moves them when the gateway changes.
//
// Darwin has no fwmark, so this is how tunnel traffic avoids being routed into the tunnel.
type gatewayMonitor struct {
	logger  *zap.Logger
	addrs   []netip.Addr
	gateway [2]netip.Addr // IPv4, IPv6
}

func familyIndex(addr netip.Addr) int {
	if addr.Is4() {
		return 0
	}
	return 1
}

func (g *gatewayMonitor) poll() {
	for i, af := range [2]int{syscall.AF_INET, syscall.AF_INET6} {
		gateway, err := discoverGateway(af)
		if err != nil {
			if !errors.Is(err, errNoGateway) {
				g.logger.Warn("Failed to discover default gateway", zap.Int("af", af), zap.Error(err))
			}
			continue
		}
		if gateway == g.gateway[i] {
			continue
		}

		g.logger.Info("Default gateway changed, updating host routes",
			zap.Stringer("oldGateway", g.gateway[i]),
			zap.Stringer("newGateway", gateway),
		)
		g.deleteRoutes(i)
		g.gateway[i] = gateway
		g.addRoutes(i)
	}
}

func (g *gatewayMonitor) addRoutes(family int) {
	for _, addr := range g.addrs {
		if familyIndex(addr) != family {
			continue
		}
		if err := routeCommand(g.logger, "add", "-host", addr.String(), g.gateway[family].String()); err != nil {
			g.logger.Error("Failed to add host route",
				zap.Stringer("addr", addr),
				zap.Stringer("gateway", g.gateway[family]),
				zap.Error(err),
			)
		}
	}
}

func (g *gatewayMonitor) deleteRoutes(family int) {
	if !g.gateway[family].IsValid() {
		return
	}
	for _, addr := range g.addrs {
		if familyIndex(addr) != family {
			continue
		}
		if err := routeCommand(g.logger, "delete", "-host", addr.String()); err != nil {
			g.logger.Warn("Failed to delete host route", zap.Stringer("addr", addr), zap.Error(err))
		}
	}
}

// initHook adds host routes for the bypass addresses of cfg and keeps them current
// until the returned function is called.
func initHook(ctx context.Context, cfg *service.Config, logger *zap.Logger) (stop func()) {
	g := gatewayMonitor{
		logger: logger,
		addrs:  cfg.BypassAddrs(),
	}
	if len(g.addrs) == 0 {
		return func() {}
	}
	g.poll()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(gatewayPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.poll()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			g.deleteRoutes(0)
			g.deleteRoutes(1)
		})
	}
}
