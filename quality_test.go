package voicelink

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/voicelink/jitter"
)

func TestClassificationBands(t *testing.T) {
	thresholds := DefaultQualityThresholds()

	tests := []struct {
		name    string
		latency time.Duration
		loss    float64
		pinned  bool
		want    ConnectionQuality
	}{
		{"clean link", 15 * time.Millisecond, 0.0, false, QualityExcellent},
		{"lossy high latency", 120 * time.Millisecond, 0.07, false, QualityPoor},
		{"good latency low loss", 30 * time.Millisecond, 0.005, false, QualityGood},
		{"low latency moderate loss", 10 * time.Millisecond, 0.04, false, QualityFair},
		{"extreme latency", 250 * time.Millisecond, 0.0, false, QualityCritical},
		{"extreme loss", 10 * time.Millisecond, 0.20, false, QualityCritical},
		{"boundary latency 20ms", 20 * time.Millisecond, 0.0, false, QualityGood},
		{"boundary loss 1%", 5 * time.Millisecond, 0.01, false, QualityGood},
		{"pinned clean link", 5 * time.Millisecond, 0.0, true, QualityPoor},
		{"pinned critical link", 250 * time.Millisecond, 0.20, true, QualityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := thresholds.Classify(tt.latency, tt.loss, tt.pinned)
			if got != tt.want {
				t.Errorf("Classify(%v, %v, %v) = %s, want %s",
					tt.latency, tt.loss, tt.pinned, got, tt.want)
			}
		})
	}
}

func TestClassificationMonotonic(t *testing.T) {
	thresholds := DefaultQualityThresholds()

	// Worsening latency at fixed loss never improves the classification.
	previous := QualityExcellent
	for latency := time.Duration(0); latency <= 300*time.Millisecond; latency += 5 * time.Millisecond {
		quality := thresholds.Classify(latency, 0.0, false)
		if quality < previous {
			t.Fatalf("classification improved from %s to %s as latency grew to %v",
				previous, quality, latency)
		}
		previous = quality
	}

	// Worsening loss at fixed latency never improves it either.
	previous = QualityExcellent
	for loss := 0.0; loss <= 0.2; loss += 0.005 {
		quality := thresholds.Classify(10*time.Millisecond, loss, false)
		if quality < previous {
			t.Fatalf("classification improved from %s to %s as loss grew to %v",
				previous, quality, loss)
		}
		previous = quality
	}
}

func TestQualityOrdering(t *testing.T) {
	assert.True(t, QualityCritical.WorseThan(QualityPoor))
	assert.True(t, QualityPoor.WorseThan(QualityFair))
	assert.True(t, QualityFair.WorseThan(QualityGood))
	assert.True(t, QualityGood.WorseThan(QualityExcellent))
	assert.False(t, QualityExcellent.WorseThan(QualityCritical))

	assert.Equal(t, QualityPoor, worseOf(QualityGood, QualityPoor))
	assert.Equal(t, QualityPoor, worseOf(QualityPoor, QualityGood))
}

func TestQualityString(t *testing.T) {
	names := map[ConnectionQuality]string{
		QualityExcellent: "Excellent",
		QualityGood:      "Good",
		QualityFair:      "Fair",
		QualityPoor:      "Poor",
		QualityCritical:  "Critical",
	}
	for quality, want := range names {
		if quality.String() != want {
			t.Errorf("expected %q, got %q", want, quality.String())
		}
	}
}

func TestLinkMonitorRTTSmoothing(t *testing.T) {
	monitor := newLinkMonitor(DefaultQualityThresholds())

	monitor.ObserveRTT(40 * time.Millisecond)
	if monitor.rttMs != 40.0 {
		t.Fatalf("first sample should seed the estimate, got %f", monitor.rttMs)
	}

	// A single outlier moves the estimate only 1/8 of the way.
	monitor.ObserveRTT(120 * time.Millisecond)
	assert.InDelta(t, 50.0, monitor.rttMs, 0.01)
}

func TestLinkMonitorRollingLossWindow(t *testing.T) {
	monitor := newLinkMonitor(DefaultQualityThresholds())
	userID := uuid.New()

	// First window: 10 lost out of 100.
	first := monitor.Snapshot(userID, jitter.Statistics{Lost: 10, Delivered: 90})
	assert.InDelta(t, 0.10, first.Loss, 0.001)

	// Second window: no new loss, so the old burst ages out.
	second := monitor.Snapshot(userID, jitter.Statistics{Lost: 10, Delivered: 190})
	assert.InDelta(t, 0.0, second.Loss, 0.001)
}

func TestLinkMonitorLatencyFallback(t *testing.T) {
	monitor := newLinkMonitor(DefaultQualityThresholds())
	userID := uuid.New()

	// Without an RTT sample the buffer delay stands in for latency.
	snapshot := monitor.Snapshot(userID, jitter.Statistics{
		CurrentDelay: 40 * time.Millisecond,
		Delivered:    100,
	})
	assert.InDelta(t, 40.0, snapshot.LatencyMs, 0.001)

	monitor.ObserveRTT(30 * time.Millisecond)
	snapshot = monitor.Snapshot(userID, jitter.Statistics{Delivered: 200})
	assert.InDelta(t, 15.0, snapshot.LatencyMs, 0.001)
}

func TestLinkMonitorPinnedBufferDegrades(t *testing.T) {
	monitor := newLinkMonitor(DefaultQualityThresholds())
	monitor.ObserveRTT(10 * time.Millisecond)

	snapshot := monitor.Snapshot(uuid.New(), jitter.Statistics{
		Delivered:   100,
		DelayPinned: true,
	})
	if snapshot.Quality != QualityPoor {
		t.Errorf("pinned buffer on a clean link should classify Poor, got %s", snapshot.Quality)
	}
}

func TestLinkMonitorCounterRegression(t *testing.T) {
	monitor := newLinkMonitor(DefaultQualityThresholds())
	userID := uuid.New()

	first := monitor.Snapshot(userID, jitter.Statistics{Lost: 10, Delivered: 90})
	assert.InDelta(t, 0.10, first.Loss, 0.001)

	// Counters restarting below the previous snapshot (the buffer was
	// reset) must read as an empty window, not as total loss.
	second := monitor.Snapshot(userID, jitter.Statistics{Lost: 0, Delivered: 0})
	assert.InDelta(t, 0.0, second.Loss, 0.001)

	// The next window measures from the restarted counters.
	third := monitor.Snapshot(userID, jitter.Statistics{Lost: 1, Delivered: 99})
	assert.InDelta(t, 0.01, third.Loss, 0.001)
}
