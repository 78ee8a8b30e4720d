package audio

import (
	"fmt"
)

// Resampler converts mono PCM between sample rates using linear
// interpolation. Quality is adequate for voice; capture devices that match
// the native rate bypass it entirely.
type Resampler struct {
	inputRate  uint32
	outputRate uint32
	ratio      float64
}

// NewResampler creates a resampler from inputRate to outputRate Hz.
func NewResampler(inputRate, outputRate uint32) (*Resampler, error) {
	if inputRate == 0 || outputRate == 0 {
		return nil, fmt.Errorf("sample rates must be non-zero (in=%d, out=%d)", inputRate, outputRate)
	}

	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		ratio:      float64(inputRate) / float64(outputRate),
	}, nil
}

// InputRate returns the configured input sample rate.
func (r *Resampler) InputRate() uint32 {
	return r.inputRate
}

// OutputRate returns the configured output sample rate.
func (r *Resampler) OutputRate() uint32 {
	return r.outputRate
}

// Resample converts one mono frame to the output rate.
func (r *Resampler) Resample(input []int16) []int16 {
	if r.inputRate == r.outputRate || len(input) == 0 {
		return input
	}

	outLen := int(float64(len(input)) / r.ratio)
	if outLen == 0 {
		outLen = 1
	}
	output := make([]int16, outLen)

	for i := range output {
		pos := float64(i) * r.ratio
		idx := int(pos)
		if idx >= len(input)-1 {
			output[i] = input[len(input)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(input[idx])
		b := float64(input[idx+1])
		output[i] = int16(a + (b-a)*frac)
	}
	return output
}
