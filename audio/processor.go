package audio

import (
	"fmt"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// DefaultSampleRate is the pipeline's native sample rate in Hz.
const DefaultSampleRate = 48000

// DefaultBitRate is the default target encoding bit rate in bps.
const DefaultBitRate = 64000

// PayloadFormat identifies how frame payloads are encoded on the wire.
type PayloadFormat uint8

const (
	// FormatPCM is raw little-endian int16 samples.
	FormatPCM PayloadFormat = iota
	// FormatOpus is Opus-encoded audio, decoded with pion/opus.
	FormatOpus
)

// String returns the string representation of PayloadFormat.
func (f PayloadFormat) String() string {
	switch f {
	case FormatPCM:
		return "PCM"
	case FormatOpus:
		return "Opus"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(f))
	}
}

// Encoder converts PCM samples to wire payload bytes.
//
// The interface exists so an Opus encoder can replace the PCM passthrough
// without touching the pipeline.
type Encoder interface {
	// Encode converts PCM samples to encoded audio data.
	Encode(pcm []int16, sampleRate uint32) ([]byte, error)
	// SetBitRate updates the target encoding bit rate.
	SetBitRate(bitRate uint32) error
	// Close releases encoder resources.
	Close() error
}

// PCMEncoder is a passthrough encoder emitting little-endian int16 bytes.
type PCMEncoder struct {
	bitRate    uint32
	sampleRate uint32
}

// NewPCMEncoder creates a new PCM passthrough encoder.
func NewPCMEncoder(sampleRate, bitRate uint32) *PCMEncoder {
	logrus.WithFields(logrus.Fields{
		"function":    "NewPCMEncoder",
		"sample_rate": sampleRate,
		"bit_rate":    bitRate,
	}).Debug("Creating PCM encoder")

	return &PCMEncoder{
		bitRate:    bitRate,
		sampleRate: sampleRate,
	}
}

// Encode converts samples to little-endian bytes.
func (e *PCMEncoder) Encode(pcm []int16, sampleRate uint32) ([]byte, error) {
	if sampleRate != e.sampleRate {
		return nil, fmt.Errorf("sample rate mismatch: expected %d, got %d", e.sampleRate, sampleRate)
	}

	data := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		data[i*2] = byte(sample)
		data[i*2+1] = byte(sample >> 8)
	}
	return data, nil
}

// SetBitRate updates the target bit rate.
func (e *PCMEncoder) SetBitRate(bitRate uint32) error {
	e.bitRate = bitRate
	return nil
}

// Close releases encoder resources.
func (e *PCMEncoder) Close() error {
	return nil
}

// Processor handles frame encoding and decoding for the voice pipeline.
//
// Encoding uses the configured Encoder (PCM passthrough by default);
// decoding dispatches on the processor's payload format, using pion/opus
// for Opus payloads. A resampler is created on demand when capture input
// does not match the pipeline's native rate.
type Processor struct {
	encoder    Encoder
	decoder    opus.Decoder
	resampler  *Resampler
	format     PayloadFormat
	sampleRate uint32
	bitRate    uint32
}

// NewProcessor creates an audio processor for the given payload format.
func NewProcessor(format PayloadFormat) *Processor {
	logrus.WithFields(logrus.Fields{
		"function": "NewProcessor",
		"format":   format.String(),
	}).Info("Creating audio processor")

	return &Processor{
		encoder:    NewPCMEncoder(DefaultSampleRate, DefaultBitRate),
		decoder:    opus.NewDecoder(),
		format:     format,
		sampleRate: DefaultSampleRate,
		bitRate:    DefaultBitRate,
	}
}

// SampleRate returns the pipeline's native sample rate.
func (p *Processor) SampleRate() uint32 {
	return p.sampleRate
}

// ProcessOutgoing prepares one captured frame for transmission: resamples
// to the native rate when needed, then encodes.
func (p *Processor) ProcessOutgoing(pcm []int16, sampleRate uint32) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if p.encoder == nil {
		return nil, fmt.Errorf("audio encoder not initialized")
	}

	processed := pcm
	if sampleRate != p.sampleRate {
		if p.resampler == nil || p.resampler.InputRate() != sampleRate {
			resampler, err := NewResampler(sampleRate, p.sampleRate)
			if err != nil {
				return nil, fmt.Errorf("failed to create resampler: %w", err)
			}
			p.resampler = resampler
			logrus.WithFields(logrus.Fields{
				"function":    "Processor.ProcessOutgoing",
				"input_rate":  sampleRate,
				"output_rate": p.sampleRate,
			}).Debug("Created resampler for capture input")
		}
		processed = p.resampler.Resample(processed)
	}

	data, err := p.encoder.Encode(processed, p.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("audio encoding failed: %w", err)
	}
	return data, nil
}

// ProcessIncoming decodes one received payload to PCM samples.
func (p *Processor) ProcessIncoming(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty audio data")
	}

	switch p.format {
	case FormatPCM:
		return decodePCM(data)
	case FormatOpus:
		return p.decodeOpus(data)
	default:
		return nil, fmt.Errorf("unsupported payload format: %s", p.format)
	}
}

// SetBitRate updates the encoder's target bit rate.
func (p *Processor) SetBitRate(bitRate uint32) error {
	if err := p.encoder.SetBitRate(bitRate); err != nil {
		return err
	}
	p.bitRate = bitRate
	return nil
}

// Close releases processor resources.
func (p *Processor) Close() error {
	if p.encoder != nil {
		return p.encoder.Close()
	}
	return nil
}

func decodePCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM payload has odd length %d", len(data))
	}

	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return pcm, nil
}

func (p *Processor) decodeOpus(data []byte) ([]int16, error) {
	// 1920 samples covers a 40ms frame at 48kHz.
	output := make([]byte, 1920*2)

	bandwidth, isStereo, err := p.decoder.Decode(data, output)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}

	sampleCount := len(output) / 2
	if isStereo {
		sampleCount = sampleCount / 2
	}

	pcm := make([]int16, sampleCount)
	for i := 0; i < sampleCount; i++ {
		pcm[i] = int16(output[i*2]) | int16(output[i*2+1])<<8
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Processor.decodeOpus",
		"bandwidth":   bandwidth.String(),
		"is_stereo":   isStereo,
		"pcm_samples": len(pcm),
	}).Debug("Opus frame decoded")

	return pcm, nil
}
