package audio

import (
	"testing"
)

func TestPCMEncoderRoundTrip(t *testing.T) {
	enc := NewPCMEncoder(DefaultSampleRate, DefaultBitRate)
	defer enc.Close()

	pcm := []int16{0, 100, -100, 32767, -32768, 1}
	data, err := enc.Encode(pcm, DefaultSampleRate)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(data) != len(pcm)*2 {
		t.Fatalf("expected %d bytes, got %d", len(pcm)*2, len(data))
	}

	decoded, err := decodePCM(data)
	if err != nil {
		t.Fatalf("decodePCM failed: %v", err)
	}
	if len(decoded) != len(pcm) {
		t.Fatalf("expected %d samples, got %d", len(pcm), len(decoded))
	}
	for i := range pcm {
		if decoded[i] != pcm[i] {
			t.Errorf("sample %d: expected %d, got %d", i, pcm[i], decoded[i])
		}
	}
}

func TestPCMEncoderRejectsRateMismatch(t *testing.T) {
	enc := NewPCMEncoder(DefaultSampleRate, DefaultBitRate)
	defer enc.Close()

	if _, err := enc.Encode([]int16{0, 0}, 44100); err == nil {
		t.Error("expected error for mismatched sample rate")
	}
}

func TestProcessorOutgoingIncoming(t *testing.T) {
	p := NewProcessor(FormatPCM)
	defer p.Close()

	pcm := make([]int16, 960)
	for i := range pcm {
		pcm[i] = int16(i % 256)
	}

	data, err := p.ProcessOutgoing(pcm, DefaultSampleRate)
	if err != nil {
		t.Fatalf("ProcessOutgoing failed: %v", err)
	}

	decoded, err := p.ProcessIncoming(data)
	if err != nil {
		t.Fatalf("ProcessIncoming failed: %v", err)
	}
	if len(decoded) != len(pcm) {
		t.Fatalf("expected %d samples, got %d", len(pcm), len(decoded))
	}
	for i := range pcm {
		if decoded[i] != pcm[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, pcm[i], decoded[i])
		}
	}
}

func TestProcessorResamplesOutgoing(t *testing.T) {
	p := NewProcessor(FormatPCM)
	defer p.Close()

	// 20ms at 16kHz should come out as 20ms at 48kHz.
	pcm := make([]int16, 320)
	data, err := p.ProcessOutgoing(pcm, 16000)
	if err != nil {
		t.Fatalf("ProcessOutgoing failed: %v", err)
	}
	if len(data)/2 != 960 {
		t.Errorf("expected 960 resampled samples, got %d", len(data)/2)
	}
}

func TestProcessorRejectsEmptyFrame(t *testing.T) {
	p := NewProcessor(FormatPCM)
	defer p.Close()

	if _, err := p.ProcessOutgoing(nil, DefaultSampleRate); err == nil {
		t.Error("expected error for empty frame")
	}
	if _, err := p.ProcessIncoming(nil); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestDecodePCMOddLength(t *testing.T) {
	if _, err := decodePCM([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Error("expected error for odd-length PCM payload")
	}
}

func TestPayloadFormatString(t *testing.T) {
	if FormatPCM.String() != "PCM" {
		t.Errorf("unexpected name %q", FormatPCM.String())
	}
	if FormatOpus.String() != "Opus" {
		t.Errorf("unexpected name %q", FormatOpus.String())
	}
}
