// Package connectivity detects stalled tunnels.
//
// A [Monitor] polls the traffic counters of a tunnel, sends pings through the
// tunnel when traffic stops flowing, and reports the tunnel dead when the pings
// go unanswered. Reconnecting is up to the caller.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"time"
	"weak"

	"go.uber.org/zap"
)

const (
	// InitialSetupDelay is the polling interval while establishing connectivity.
	InitialSetupDelay = 50 * time.Millisecond

	// RegularLoopSleep is the polling interval of [Monitor.Run].
	RegularLoopSleep = time.Second

	// SuspendThreshold is the gap between two polls above which the host is
	// assumed to have been suspended.
	SuspendThreshold = 6 * time.Second

	// BytesRxTimeout is how long to wait for a reply to sent traffic before pinging.
	BytesRxTimeout = 5 * time.Second

	// TrafficTimeout is how long the tunnel may be idle in either direction before pinging.
	TrafficTimeout = 120 * time.Second

	// PingTimeout is how long pings may go unanswered before the tunnel is dead.
	PingTimeout = 15 * time.Second

	// PingInterval is the interval between pings.
	PingInterval = 3 * time.Second

	// EstablishTimeout is the initial timeout of [Monitor.EstablishConnectivity].
	// It is multiplied by [EstablishTimeoutMultiplier] on every retry, up to
	// [MaxEstablishTimeout].
	EstablishTimeout           = 4 * time.Second
	EstablishTimeoutMultiplier = 2
	MaxEstablishTimeout        = PingTimeout
)

// ErrTornDown is returned by the stats of a monitor whose tunnel has been dropped.
var ErrTornDown = errors.New("tunnel torn down")

// StatsSource provides the traffic counters of a tunnel.
type StatsSource interface {
	TrafficStats() (txBytes, rxBytes uint64)
}

// Pinger sends pings through the tunnel.
type Pinger interface {
	// SendICMP sends one echo request.
	SendICMP() error

	// Reset starts a new ping sequence.
	Reset()
}

// Clock abstracts time for the monitor.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time {
	return time.Now()
}

func (wallClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Monitor watches one tunnel.
//
// The monitor only holds a weak pointer to the tunnel's stats source, so it never
// keeps a dropped tunnel alive. A monitor is not safe for concurrent use.
type Monitor struct {
	stats  func() (Stats, bool)
	clock  Clock
	logger *zap.Logger
	conn   connState
	ping   pingState
}

// NewMonitor returns a monitor for the tunnel behind source.
// If clock is nil, the wall clock is used.
func NewMonitor[T any, P interface {
	*T
	StatsSource
}](source P, pinger Pinger, clock Clock, logger *zap.Logger) *Monitor {
	if clock == nil {
		clock = wallClock{}
	}

	wp := weak.Make((*T)(source))

	return &Monitor{
		stats: func() (Stats, bool) {
			p := wp.Value()
			if p == nil {
				return Stats{}, false
			}
			tx, rx := P(p).TrafficStats()
			return Stats{TxBytes: tx, RxBytes: rx}, true
		},
		clock:  clock,
		logger: logger,
		conn:   newConnState(clock.Now()),
		ping:   pingState{pinger: pinger},
	}
}

// Connected reports whether the tunnel has received any traffic since the monitor started.
func (m *Monitor) Connected() bool {
	return m.conn.connected
}

// shouldShutDown waits for d and reports whether ctx was canceled in the meantime.
func (m *Monitor) shouldShutDown(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return true
	case <-m.clock.After(d):
		return ctx.Err() != nil
	}
}

// check takes a new snapshot and reports whether the tunnel is considered alive.
func (m *Monitor) check(now time.Time, timeout time.Duration) (bool, error) {
	stats, ok := m.stats()
	if !ok {
		return false, ErrTornDown
	}

	if m.conn.update(now, stats) {
		m.ping.reset()
		return true, nil
	}

	if (m.conn.rxTimedOut(now) || m.conn.trafficTimedOut(now)) && m.ping.due(now) {
		if err := m.ping.send(now); err != nil {
			return false, fmt.Errorf("failed to send ping: %w", err)
		}
	}

	return !m.ping.timedOut(now, timeout) && m.conn.connected, nil
}

// reset starts over after the host was suspended.
func (m *Monitor) reset(now time.Time) {
	m.ping.reset()
	m.conn.resetAfterSuspension(now)
}

// EstablishConnectivity pings the tunnel and waits for it to receive traffic.
//
// The timeout starts at [EstablishTimeout] and doubles with every retry attempt,
// up to [MaxEstablishTimeout]. It returns false on timeout or when ctx is canceled.
func (m *Monitor) EstablishConnectivity(ctx context.Context, retryAttempt uint32) (bool, error) {
	// Prod the session into handshaking.
	if err := m.ping.pinger.SendICMP(); err != nil {
		return false, fmt.Errorf("failed to send ping: %w", err)
	}

	if m.conn.connected {
		return true, nil
	}

	timeout := establishTimeout(retryAttempt)
	start := m.clock.Now()

	for m.clock.Now().Sub(start) < timeout {
		ok, err := m.check(m.clock.Now(), timeout)
		if err != nil {
			if errors.Is(err, ErrTornDown) {
				return false, nil
			}
			return false, err
		}
		if ok {
			return true, nil
		}
		if m.shouldShutDown(ctx, InitialSetupDelay) {
			return false, nil
		}
	}

	m.logger.Info("Timed out establishing connectivity",
		zap.Uint32("retryAttempt", retryAttempt),
		zap.Duration("timeout", timeout),
	)
	return false, nil
}

func establishTimeout(retryAttempt uint32) time.Duration {
	timeout := EstablishTimeout
	for range retryAttempt {
		timeout *= EstablishTimeoutMultiplier
		if timeout >= MaxEstablishTimeout {
			return MaxEstablishTimeout
		}
	}
	return timeout
}

// Run polls the tunnel until it is dead, torn down, or ctx is canceled.
//
// It returns false when the tunnel is dead and should be reconnected,
// and true when the monitor was shut down or the tunnel was dropped.
// A tunnel that has not received anything yet is dead on the first poll,
// so call [Monitor.EstablishConnectivity] first.
func (m *Monitor) Run(ctx context.Context) (bool, error) {
	if m.shouldShutDown(ctx, InitialSetupDelay) {
		return true, nil
	}

	last := m.clock.Now()

	for {
		if m.shouldShutDown(ctx, RegularLoopSleep) {
			return true, nil
		}

		current := m.clock.Now()

		if slept := current.Sub(last); slept >= SuspendThreshold {
			m.logger.Info("Detected suspension, resetting connectivity baseline", zap.Duration("slept", slept))
			m.reset(current)
			last = current
			continue
		}

		alive, err := m.check(current, PingTimeout)
		if err != nil {
			if errors.Is(err, ErrTornDown) {
				m.logger.Debug("Tunnel dropped, stopping connectivity monitor")
				return true, nil
			}
			return false, err
		}
		if !alive {
			m.logger.Warn("Tunnel is unresponsive",
				zap.Uint64("txBytes", m.conn.stats.TxBytes),
				zap.Uint64("rxBytes", m.conn.stats.RxBytes),
				zap.Int("pingsSent", m.ping.sent),
			)
			return false, nil
		}

		// A slow check must not be mistaken for a suspension.
		if end := m.clock.Now(); end.Sub(current) > time.Second {
			current = end
		}
		last = current
	}
}
