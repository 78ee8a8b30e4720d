package voicelink

import (
	"time"

	"github.com/opd-ai/voicelink/audio"
	"github.com/opd-ai/voicelink/jitter"
)

// Config holds engine parameters. Use DefaultConfig and override fields as
// needed.
type Config struct {
	// ListenAddr is the UDP address the engine binds, e.g. ":33445" or
	// "0.0.0.0:0" for an ephemeral port.
	ListenAddr string

	// SampleRate is the pipeline's native rate in Hz. Capture devices at
	// other rates are resampled.
	SampleRate uint32

	// FrameDuration is the fixed audio frame length.
	FrameDuration time.Duration

	// PayloadFormat selects the wire payload encoding.
	PayloadFormat audio.PayloadFormat

	// Jitter configures each peer link's jitter buffer.
	Jitter jitter.Config

	// Quality configures the connection quality bands.
	Quality QualityThresholds

	// StatsInterval is how often per-link network stats are recomputed
	// and pushed to subscribers.
	StatsInterval time.Duration

	// PingInterval is how often RTT probes are sent on each link.
	PingInterval time.Duration

	// InboundQueueLen bounds each link's inbound packet queue. On
	// overflow the oldest queued packet is dropped.
	InboundQueueLen int

	// SendRetries is how many times a failed send is retried before the
	// link degrades.
	SendRetries int

	// SendRetryBackoff is the base delay between send retries.
	SendRetryBackoff time.Duration

	// LinkTimeout closes a link that has received nothing for this long.
	LinkTimeout time.Duration
}

// DefaultConfig returns VoIP-sensible defaults: 48kHz mono, 20ms frames,
// adaptive jitter delay within a ~40ms end-to-end budget.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "0.0.0.0:0",
		SampleRate:       audio.DefaultSampleRate,
		FrameDuration:    20 * time.Millisecond,
		PayloadFormat:    audio.FormatPCM,
		Jitter:           jitter.DefaultConfig(),
		Quality:          DefaultQualityThresholds(),
		StatsInterval:    time.Second,
		PingInterval:     time.Second,
		InboundQueueLen:  64,
		SendRetries:      3,
		SendRetryBackoff: 20 * time.Millisecond,
		LinkTimeout:      10 * time.Second,
	}
}

// FrameSize returns the number of samples in one frame at the native rate.
func (c Config) FrameSize() int {
	return int(uint64(c.SampleRate) * uint64(c.FrameDuration.Milliseconds()) / 1000)
}
