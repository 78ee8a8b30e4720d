// Package audio provides the audio processing primitives for voicelink.
//
// This package handles frame encoding and decoding, per-participant gain,
// stream mixing, resampling, and capture level metering for the voice
// pipeline. It is the only layer that knows payload formats; everything
// above it moves opaque encoded bytes, everything below it moves int16 PCM.
//
// The processing pipeline:
//
//	PCM capture → Resampling → Level meter → Encoding → Packetization
//	PCM playout ← Mixing ← Gain ← Decoding ← Jitter buffer
//
// Encoding uses a PCM passthrough encoder behind the Encoder interface;
// decoding supports both PCM payloads and Opus payloads via pion/opus
// (pure Go, no CGo).
package audio
