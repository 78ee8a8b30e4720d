package audio

import (
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// GainEffect applies a multiplicative gain to PCM samples with saturation.
//
// Used for per-participant output volume and for zeroing remote streams
// while deafened. Gain 1.0 is unity, 0.0 is silence.
type GainEffect struct {
	mu   sync.RWMutex
	gain float64
}

// MaxGain bounds the gain to avoid amplifying into constant clipping.
const MaxGain = 4.0

// NewGainEffect creates a gain effect with the given initial gain.
func NewGainEffect(gain float64) (*GainEffect, error) {
	if gain < 0 || gain > MaxGain {
		return nil, fmt.Errorf("gain %f outside valid range [0, %f]", gain, MaxGain)
	}
	return &GainEffect{gain: gain}, nil
}

// Process applies the gain in place and returns the samples.
func (g *GainEffect) Process(samples []int16) []int16 {
	g.mu.RLock()
	gain := g.gain
	g.mu.RUnlock()

	if gain == 1.0 {
		return samples
	}
	if gain == 0.0 {
		for i := range samples {
			samples[i] = 0
		}
		return samples
	}

	for i, sample := range samples {
		scaled := float64(sample) * gain
		switch {
		case scaled > math.MaxInt16:
			samples[i] = math.MaxInt16
		case scaled < math.MinInt16:
			samples[i] = math.MinInt16
		default:
			samples[i] = int16(scaled)
		}
	}
	return samples
}

// SetGain updates the gain.
func (g *GainEffect) SetGain(gain float64) error {
	if gain < 0 || gain > MaxGain {
		return fmt.Errorf("gain %f outside valid range [0, %f]", gain, MaxGain)
	}

	g.mu.Lock()
	g.gain = gain
	g.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "GainEffect.SetGain",
		"gain":     gain,
	}).Debug("Gain updated")
	return nil
}

// Gain returns the current gain.
func (g *GainEffect) Gain() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gain
}

// LevelMeter tracks the peak level of raw capture frames.
//
// The meter is fed before the mute gate so a locally muted participant
// still sees their input level moving.
type LevelMeter struct {
	mu    sync.RWMutex
	level float64 // smoothed peak, 0.0–1.0
}

// NewLevelMeter creates a level meter.
func NewLevelMeter() *LevelMeter {
	return &LevelMeter{}
}

// Observe feeds one frame into the meter.
func (m *LevelMeter) Observe(samples []int16) {
	var peak float64
	for _, sample := range samples {
		v := math.Abs(float64(sample)) / float64(math.MaxInt16)
		if v > peak {
			peak = v
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if peak > m.level {
		// Fast attack, slow decay.
		m.level = peak
	} else {
		m.level = m.level*0.8 + peak*0.2
	}
}

// Level returns the current smoothed peak level in 0.0–1.0.
func (m *LevelMeter) Level() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}
