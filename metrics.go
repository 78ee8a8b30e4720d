package voicelink

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engineCollector exports engine and per-link counters in prometheus
// format. Register it with any prometheus.Registerer via
// Engine.MetricsCollector.
type engineCollector struct {
	engine *Engine

	packetsSent     *prometheus.Desc
	packetsReceived *prometheus.Desc
	packetsDropped  *prometheus.Desc
	activeLinks     *prometheus.Desc

	linkLatency *prometheus.Desc
	linkJitter  *prometheus.Desc
	linkLoss    *prometheus.Desc
	linkLost    *prometheus.Desc
	linkLate    *prometheus.Desc
}

func newEngineCollector(engine *Engine) *engineCollector {
	return &engineCollector{
		engine: engine,
		packetsSent: prometheus.NewDesc(
			"voicelink_packets_sent_total",
			"Audio packets transmitted across all peer links.",
			nil, nil,
		),
		packetsReceived: prometheus.NewDesc(
			"voicelink_packets_received_total",
			"Audio packets received across all peer links.",
			nil, nil,
		),
		packetsDropped: prometheus.NewDesc(
			"voicelink_packets_dropped_total",
			"Received packets discarded before buffering (malformed or unroutable).",
			nil, nil,
		),
		activeLinks: prometheus.NewDesc(
			"voicelink_active_links",
			"Peer links not in the closed state.",
			nil, nil,
		),
		linkLatency: prometheus.NewDesc(
			"voicelink_link_latency_ms",
			"Smoothed one-way latency per peer link.",
			[]string{"user_id"}, nil,
		),
		linkJitter: prometheus.NewDesc(
			"voicelink_link_jitter_ms",
			"Smoothed inter-arrival jitter per peer link.",
			[]string{"user_id"}, nil,
		),
		linkLoss: prometheus.NewDesc(
			"voicelink_link_loss_ratio",
			"Packet loss fraction over the current window per peer link.",
			[]string{"user_id"}, nil,
		),
		linkLost: prometheus.NewDesc(
			"voicelink_link_lost_total",
			"Playout gaps concealed per peer link.",
			[]string{"user_id"}, nil,
		),
		linkLate: prometheus.NewDesc(
			"voicelink_link_late_total",
			"Packets that arrived behind the playout point per peer link.",
			[]string{"user_id"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsSent
	ch <- c.packetsReceived
	ch <- c.packetsDropped
	ch <- c.activeLinks
	ch <- c.linkLatency
	ch <- c.linkJitter
	ch <- c.linkLoss
	ch <- c.linkLost
	ch <- c.linkLate
}

// Collect implements prometheus.Collector.
func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.packetsSent,
		prometheus.CounterValue, float64(c.engine.packetsSent.Load()))
	ch <- prometheus.MustNewConstMetric(c.packetsReceived,
		prometheus.CounterValue, float64(c.engine.packetsReceived.Load()))
	ch <- prometheus.MustNewConstMetric(c.packetsDropped,
		prometheus.CounterValue, float64(c.engine.packetsDropped.Load()))

	links := c.engine.linksSnapshot()
	var active float64
	for _, link := range links {
		if link.State() != LinkClosed {
			active++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.activeLinks,
		prometheus.GaugeValue, active)

	for _, link := range links {
		stats := link.Stats()
		raw := link.BufferStatistics()
		user := link.UserID().String()
		ch <- prometheus.MustNewConstMetric(c.linkLatency,
			prometheus.GaugeValue, stats.LatencyMs, user)
		ch <- prometheus.MustNewConstMetric(c.linkJitter,
			prometheus.GaugeValue, stats.JitterMs, user)
		ch <- prometheus.MustNewConstMetric(c.linkLoss,
			prometheus.GaugeValue, stats.Loss, user)
		ch <- prometheus.MustNewConstMetric(c.linkLost,
			prometheus.CounterValue, float64(raw.Lost), user)
		ch <- prometheus.MustNewConstMetric(c.linkLate,
			prometheus.CounterValue, float64(raw.Late), user)
	}
}
