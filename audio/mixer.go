package audio

import (
	"math"
)

// Mixer combines the decoded frames of all active peer links into a single
// output frame for playback.
//
// Summation happens in int32 space and saturates on conversion back to
// int16, so simultaneous loud speakers clip instead of wrapping.
type Mixer struct {
	frameSize int
	acc       []int32
}

// NewMixer creates a mixer producing frames of frameSize samples.
func NewMixer(frameSize int) *Mixer {
	return &Mixer{
		frameSize: frameSize,
		acc:       make([]int32, frameSize),
	}
}

// FrameSize returns the mixer's output frame length in samples.
func (m *Mixer) FrameSize() int {
	return m.frameSize
}

// Mix sums the given frames into one output frame. Frames shorter than the
// mixer's frame size contribute what they have; longer frames are
// truncated. A nil or empty input yields a silent frame.
func (m *Mixer) Mix(frames [][]int16) []int16 {
	for i := range m.acc {
		m.acc[i] = 0
	}

	for _, frame := range frames {
		n := len(frame)
		if n > m.frameSize {
			n = m.frameSize
		}
		for i := 0; i < n; i++ {
			m.acc[i] += int32(frame[i])
		}
	}

	out := make([]int16, m.frameSize)
	for i, v := range m.acc {
		switch {
		case v > math.MaxInt16:
			out[i] = math.MaxInt16
		case v < math.MinInt16:
			out[i] = math.MinInt16
		default:
			out[i] = int16(v)
		}
	}
	return out
}
