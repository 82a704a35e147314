package service

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// tunnelMetrics holds the counters and gauges of a tunnel service.
type tunnelMetrics struct {
	// txBytes and rxBytes accumulate the traffic of finished attempts.
	txBytes atomic.Uint64
	rxBytes atomic.Uint64

	reconnects     atomic.Uint64
	droppedPackets atomic.Uint64

	connected      atomic.Int64
	packetOverhead atomic.Int64
	mtu            atomic.Int64

	txBytesDesc        *prometheus.Desc
	rxBytesDesc        *prometheus.Desc
	reconnectsDesc     *prometheus.Desc
	droppedPacketsDesc *prometheus.Desc
	connectedDesc      *prometheus.Desc
	packetOverheadDesc *prometheus.Desc
	mtuDesc            *prometheus.Desc
}

func newTunnelMetrics(name string) *tunnelMetrics {
	labels := prometheus.Labels{"tunnel": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("wgmux", "tunnel", metric), help, nil, labels)
	}
	return &tunnelMetrics{
		txBytesDesc:        desc("tx_bytes_total", "Bytes of WireGuard messages sent."),
		rxBytesDesc:        desc("rx_bytes_total", "Bytes of WireGuard messages received."),
		reconnectsDesc:     desc("reconnects_total", "Connection attempts that ended and were retried."),
		droppedPacketsDesc: desc("dropped_packets_total", "Packets dropped between the TUN device and the socket."),
		connectedDesc:      desc("connected", "Whether connectivity is established."),
		packetOverheadDesc: desc("packet_overhead_bytes", "Per-packet overhead of the selected transport."),
		mtuDesc:            desc("mtu", "Tunnel MTU after subtracting the overhead of the selected transport."),
	}
}

func (m *tunnelMetrics) addTraffic(tx, rx uint64) {
	m.txBytes.Add(tx)
	m.rxBytes.Add(rx)
}

// Describe implements [prometheus.Collector.Describe].
func (t *Tunnel) Describe(ch chan<- *prometheus.Desc) {
	m := t.metrics
	ch <- m.txBytesDesc
	ch <- m.rxBytesDesc
	ch <- m.reconnectsDesc
	ch <- m.droppedPacketsDesc
	ch <- m.connectedDesc
	ch <- m.packetOverheadDesc
	ch <- m.mtuDesc
}

// Collect implements [prometheus.Collector.Collect].
func (t *Tunnel) Collect(ch chan<- prometheus.Metric) {
	m := t.metrics

	t.mu.Lock()
	var tx, rx uint64
	if a := t.current; a != nil {
		tx, rx = a.session.TrafficStats()
	}
	tx += m.txBytes.Load()
	rx += m.rxBytes.Load()
	t.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(m.txBytesDesc, prometheus.CounterValue, float64(tx))
	ch <- prometheus.MustNewConstMetric(m.rxBytesDesc, prometheus.CounterValue, float64(rx))
	ch <- prometheus.MustNewConstMetric(m.reconnectsDesc, prometheus.CounterValue, float64(m.reconnects.Load()))
	ch <- prometheus.MustNewConstMetric(m.droppedPacketsDesc, prometheus.CounterValue, float64(m.droppedPackets.Load()))
	ch <- prometheus.MustNewConstMetric(m.connectedDesc, prometheus.GaugeValue, float64(m.connected.Load()))
	ch <- prometheus.MustNewConstMetric(m.packetOverheadDesc, prometheus.GaugeValue, float64(m.packetOverhead.Load()))
	ch <- prometheus.MustNewConstMetric(m.mtuDesc, prometheus.GaugeValue, float64(m.mtu.Load()))
}
