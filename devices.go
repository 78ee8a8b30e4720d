package voicelink

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FrameCallback receives one captured frame of mono PCM.
type FrameCallback func(pcm []int16)

// CaptureDevice produces fixed-duration frames of mono PCM at its own
// sample rate. The engine resamples when the device rate differs from the
// pipeline's native rate.
type CaptureDevice interface {
	// Name returns the device's registry name.
	Name() string
	// SampleRate returns the device's native sample rate in Hz.
	SampleRate() uint32
	// Start begins frame delivery. The callback runs on the device's
	// goroutine and must not block.
	Start(callback FrameCallback) error
	// Stop halts frame delivery. Stopping a stopped device is a no-op.
	Stop() error
}

// PlaybackDevice consumes mixed mono PCM frames.
type PlaybackDevice interface {
	// Name returns the device's registry name.
	Name() string
	// Play renders one frame. It must return quickly; blocking here
	// stalls the playout ticker.
	Play(pcm []int16) error
	// Stop releases the device.
	Stop() error
}

// DeviceRegistry maps names to registered audio devices.
type DeviceRegistry struct {
	mu        sync.RWMutex
	captures  map[string]CaptureDevice
	playbacks map[string]PlaybackDevice
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		captures:  make(map[string]CaptureDevice),
		playbacks: make(map[string]PlaybackDevice),
	}
}

// RegisterCapture adds a capture device, replacing any with the same name.
func (r *DeviceRegistry) RegisterCapture(device CaptureDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures[device.Name()] = device
}

// RegisterPlayback adds a playback device, replacing any with the same name.
func (r *DeviceRegistry) RegisterPlayback(device PlaybackDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playbacks[device.Name()] = device
}

// Capture looks up a capture device by name.
func (r *DeviceRegistry) Capture(name string) (CaptureDevice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.captures[name]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return device, nil
}

// Playback looks up a playback device by name.
func (r *DeviceRegistry) Playback(name string) (PlaybackDevice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.playbacks[name]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return device, nil
}

// CaptureNames lists registered capture device names.
func (r *DeviceRegistry) CaptureNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.captures))
	for name := range r.captures {
		names = append(names, name)
	}
	return names
}

// PlaybackNames lists registered playback device names.
func (r *DeviceRegistry) PlaybackNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.playbacks))
	for name := range r.playbacks {
		names = append(names, name)
	}
	return names
}

// ToneSource is a capture device generating a continuous sine tone. It
// stands in for a microphone in tests and soak runs.
type ToneSource struct {
	name          string
	frequency     float64
	sampleRate    uint32
	frameDuration time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

// NewToneSource creates a tone generator.
func NewToneSource(name string, frequency float64, sampleRate uint32, frameDuration time.Duration) *ToneSource {
	return &ToneSource{
		name:          name,
		frequency:     frequency,
		sampleRate:    sampleRate,
		frameDuration: frameDuration,
	}
}

// Name returns the device's registry name.
func (t *ToneSource) Name() string { return t.name }

// SampleRate returns the generator's sample rate.
func (t *ToneSource) SampleRate() uint32 { return t.sampleRate }

// Start begins generating frames on a background ticker.
func (t *ToneSource) Start(callback FrameCallback) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		return nil
	}
	t.stop = make(chan struct{})

	frameSize := int(uint64(t.sampleRate) * uint64(t.frameDuration.Milliseconds()) / 1000)
	stop := t.stop

	go func() {
		ticker := time.NewTicker(t.frameDuration)
		defer ticker.Stop()

		var phase float64
		step := 2 * math.Pi * t.frequency / float64(t.sampleRate)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				frame := make([]int16, frameSize)
				for i := range frame {
					frame[i] = int16(math.Sin(phase) * 0.3 * math.MaxInt16)
					phase += step
				}
				callback(frame)
			}
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function":    "ToneSource.Start",
		"device":      t.name,
		"frequency":   t.frequency,
		"sample_rate": t.sampleRate,
	}).Info("Tone source started")
	return nil
}

// Stop halts frame generation.
func (t *ToneSource) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	return nil
}

// NullSink is a playback device that discards frames, counting them.
type NullSink struct {
	name string

	mu     sync.Mutex
	frames uint64
}

// NewNullSink creates a discarding playback device.
func NewNullSink(name string) *NullSink {
	return &NullSink{name: name}
}

// Name returns the device's registry name.
func (n *NullSink) Name() string { return n.name }

// Play discards the frame.
func (n *NullSink) Play(pcm []int16) error {
	n.mu.Lock()
	n.frames++
	n.mu.Unlock()
	return nil
}

// Stop releases the device.
func (n *NullSink) Stop() error { return nil }

// Frames returns how many frames were played.
func (n *NullSink) Frames() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frames
}
