package voicelink

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicelink/jitter"
)

// ConnectionQuality is the ordered quality classification of a peer link.
// Higher values are worse.
type ConnectionQuality int

const (
	// QualityExcellent indicates latency under 20ms and loss under 1%.
	QualityExcellent ConnectionQuality = iota
	// QualityGood indicates latency under 50ms and loss under 3%.
	QualityGood
	// QualityFair indicates latency under 100ms and loss under 5%.
	QualityFair
	// QualityPoor indicates latency under 200ms and loss under 10%.
	QualityPoor
	// QualityCritical indicates latency or loss beyond the Poor band.
	QualityCritical
)

// String returns the string representation of ConnectionQuality.
func (q ConnectionQuality) String() string {
	switch q {
	case QualityExcellent:
		return "Excellent"
	case QualityGood:
		return "Good"
	case QualityFair:
		return "Fair"
	case QualityPoor:
		return "Poor"
	case QualityCritical:
		return "Critical"
	default:
		return fmt.Sprintf("Unknown(%d)", int(q))
	}
}

// WorseThan reports whether q is a worse classification than other.
func (q ConnectionQuality) WorseThan(other ConnectionQuality) bool {
	return q > other
}

func worseOf(a, b ConnectionQuality) ConnectionQuality {
	if a > b {
		return a
	}
	return b
}

// QualityThresholds defines the latency and loss bands used for
// classification. Loss values are fractions in [0, 1].
type QualityThresholds struct {
	ExcellentLatency time.Duration
	GoodLatency      time.Duration
	FairLatency      time.Duration
	PoorLatency      time.Duration

	ExcellentLoss float64
	GoodLoss      float64
	FairLoss      float64
	PoorLoss      float64
}

// DefaultQualityThresholds returns VoIP-standard classification bands.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		ExcellentLatency: 20 * time.Millisecond,
		GoodLatency:      50 * time.Millisecond,
		FairLatency:      100 * time.Millisecond,
		PoorLatency:      200 * time.Millisecond,
		ExcellentLoss:    0.01,
		GoodLoss:         0.03,
		FairLoss:         0.05,
		PoorLoss:         0.10,
	}
}

// latencyBand classifies latency alone.
func (t QualityThresholds) latencyBand(latency time.Duration) ConnectionQuality {
	switch {
	case latency < t.ExcellentLatency:
		return QualityExcellent
	case latency < t.GoodLatency:
		return QualityGood
	case latency < t.FairLatency:
		return QualityFair
	case latency < t.PoorLatency:
		return QualityPoor
	default:
		return QualityCritical
	}
}

// lossBand classifies loss alone.
func (t QualityThresholds) lossBand(loss float64) ConnectionQuality {
	switch {
	case loss < t.ExcellentLoss:
		return QualityExcellent
	case loss < t.GoodLoss:
		return QualityGood
	case loss < t.FairLoss:
		return QualityFair
	case loss < t.PoorLoss:
		return QualityPoor
	default:
		return QualityCritical
	}
}

// Classify returns the overall quality: the worse of the latency band and
// the loss band. A pinned jitter buffer forces at least Poor regardless of
// how clean the link otherwise looks.
func (t QualityThresholds) Classify(latency time.Duration, loss float64, delayPinned bool) ConnectionQuality {
	quality := worseOf(t.latencyBand(latency), t.lossBand(loss))
	if delayPinned {
		quality = worseOf(quality, QualityPoor)
	}
	return quality
}

// NetworkStats is a point-in-time snapshot of one peer link's network
// condition.
type NetworkStats struct {
	UserID     uuid.UUID         `json:"user_id"`
	LatencyMs  float64           `json:"latency_ms"`
	JitterMs   float64           `json:"jitter_ms"`
	Loss       float64           `json:"loss"`
	BufferedMs int64             `json:"buffered_ms"`
	Quality    ConnectionQuality `json:"quality"`
	Timestamp  time.Time         `json:"timestamp"`
}

// linkMonitor tracks per-link latency and rolling loss.
//
// RTT comes from ping/pong probes, smoothed with the same 1/8-weight EWMA
// the jitter estimate uses. Loss is measured over the window between
// snapshots (lost vs delivered since the previous snapshot), so a burst of
// loss ages out instead of dragging the classification down forever.
type linkMonitor struct {
	mu         sync.Mutex
	thresholds QualityThresholds

	rttMs   float64
	haveRTT bool

	prevLost      uint64
	prevDelivered uint64
}

func newLinkMonitor(thresholds QualityThresholds) *linkMonitor {
	return &linkMonitor{thresholds: thresholds}
}

// ObserveRTT folds one round-trip measurement into the smoothed latency.
func (lm *linkMonitor) ObserveRTT(rtt time.Duration) {
	ms := float64(rtt.Microseconds()) / 1000.0
	if ms < 0 {
		return
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if !lm.haveRTT {
		lm.rttMs = ms
		lm.haveRTT = true
		return
	}
	lm.rttMs += (ms - lm.rttMs) / 8
}

// Snapshot computes NetworkStats for one link from the jitter buffer's
// counters. userID identifies the remote participant.
func (lm *linkMonitor) Snapshot(userID uuid.UUID, stats jitter.Statistics) NetworkStats {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	// A counter below the previous snapshot means the buffer was reset;
	// treat the window as empty rather than underflowing.
	var lost, delivered uint64
	if stats.Lost >= lm.prevLost {
		lost = stats.Lost - lm.prevLost
	}
	if stats.Delivered >= lm.prevDelivered {
		delivered = stats.Delivered - lm.prevDelivered
	}
	lm.prevLost = stats.Lost
	lm.prevDelivered = stats.Delivered

	var loss float64
	if total := lost + delivered; total > 0 {
		loss = float64(lost) / float64(total)
	}

	// Without an RTT sample yet, use the buffer's playout delay as a
	// one-way estimate so classification still has a latency signal.
	latencyMs := lm.rttMs / 2
	if !lm.haveRTT {
		latencyMs = float64(stats.CurrentDelay.Milliseconds())
	}
	latency := time.Duration(latencyMs * float64(time.Millisecond))

	snapshot := NetworkStats{
		UserID:     userID,
		LatencyMs:  latencyMs,
		JitterMs:   float64(stats.Jitter.Microseconds()) / 1000.0,
		Loss:       loss,
		BufferedMs: stats.BufferedMs,
		Quality:    lm.thresholds.Classify(latency, loss, stats.DelayPinned),
		Timestamp:  time.Now(),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "linkMonitor.Snapshot",
		"user_id":    userID,
		"latency_ms": snapshot.LatencyMs,
		"jitter_ms":  snapshot.JitterMs,
		"loss":       snapshot.Loss,
		"quality":    snapshot.Quality.String(),
	}).Debug("Link stats computed")
	return snapshot
}
