// Package transport implements the network transport layer for voicelink.
//
// This package handles wire framing for audio packets and UDP communication
// between peers. Every datagram carries a one-byte packet type followed by a
// type-specific payload; audio frames use a fixed big-endian header so that
// loss detection (sequence) and playout scheduling (timestamp) stay
// independent of each other.
//
// Example:
//
//	tr, err := transport.NewUDPTransport(":0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	pkt := &transport.Packet{
//	    PacketType: transport.PacketAudioFrame,
//	    Data:       frameBytes,
//	}
//
//	err = tr.Send(pkt, remoteAddr)
package transport

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

// PacketType identifies the type of a voicelink packet.
type PacketType byte

const (
	// PacketAudioFrame carries one encoded audio frame with its wire header.
	PacketAudioFrame PacketType = iota + 1
	// PacketPingRequest is an RTT probe sent once per monitoring interval.
	PacketPingRequest
	// PacketPingResponse echoes a ping's timestamp back to the sender.
	PacketPingResponse
)

// ErrMalformedPacket indicates a datagram that cannot be decoded: a
// truncated header, or a declared payload length that disagrees with the
// bytes actually present. Such packets are dropped and counted by the
// receiver, never treated as fatal to the link.
var ErrMalformedPacket = errors.New("malformed packet")

// Audio frame flag bits.
const (
	// FlagSilence marks a frame encoded from silent input.
	FlagSilence byte = 1 << 0
	// FlagMarker marks the first frame of a talkspurt.
	FlagMarker byte = 1 << 1
)

// audioHeaderSize is the fixed audio header length in bytes:
// room id (16) + sender id (16) + sequence (4) + timestamp (8) +
// payload length (2) + flags (1).
const audioHeaderSize = 16 + 16 + 4 + 8 + 2 + 1

// pingSize is the ping/pong payload length: sender id (16) + timestamp (8).
const pingSize = 16 + 8

// MaxPayloadSize bounds the encoded audio payload so a whole frame fits a
// single datagram below the usual MTU.
const MaxPayloadSize = 1400

// Packet represents a voicelink datagram: one type byte plus payload.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, ErrMalformedPacket
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}

// AudioPacket is the decoded form of a PacketAudioFrame payload.
//
// Sequence and Timestamp are deliberately independent: the sequence number
// detects loss and reordering, while the capture timestamp (sender clock,
// millisecond resolution) drives playout scheduling. Sequence numbers wrap
// at 2^32; compare them with SeqNewer/SeqDiff, not raw subtraction.
type AudioPacket struct {
	RoomID    uuid.UUID
	SenderID  uuid.UUID
	Sequence  uint32
	Timestamp uint64
	Flags     byte
	Payload   []byte
}

// Marshal serializes the audio packet header and payload.
//
// Format (all integers big-endian):
//
//	[room id (16)][sender id (16)][sequence (4)][timestamp (8)]
//	[payload length (2)][flags (1)][payload (variable)]
func (ap *AudioPacket) Marshal() ([]byte, error) {
	if len(ap.Payload) > MaxPayloadSize {
		return nil, errors.New("payload exceeds maximum packet size")
	}

	buf := make([]byte, audioHeaderSize+len(ap.Payload))
	copy(buf[0:16], ap.RoomID[:])
	copy(buf[16:32], ap.SenderID[:])
	binary.BigEndian.PutUint32(buf[32:36], ap.Sequence)
	binary.BigEndian.PutUint64(buf[36:44], ap.Timestamp)
	binary.BigEndian.PutUint16(buf[44:46], uint16(len(ap.Payload)))
	buf[46] = ap.Flags
	copy(buf[audioHeaderSize:], ap.Payload)

	return buf, nil
}

// UnmarshalAudioPacket decodes a PacketAudioFrame payload.
//
// Returns ErrMalformedPacket when the header is truncated or the declared
// payload length does not match the remaining bytes.
func UnmarshalAudioPacket(data []byte) (*AudioPacket, error) {
	if len(data) < audioHeaderSize {
		return nil, ErrMalformedPacket
	}

	declared := int(binary.BigEndian.Uint16(data[44:46]))
	if len(data)-audioHeaderSize != declared {
		return nil, ErrMalformedPacket
	}

	ap := &AudioPacket{
		Sequence:  binary.BigEndian.Uint32(data[32:36]),
		Timestamp: binary.BigEndian.Uint64(data[36:44]),
		Flags:     data[46],
		Payload:   make([]byte, declared),
	}
	copy(ap.RoomID[:], data[0:16])
	copy(ap.SenderID[:], data[16:32])
	copy(ap.Payload, data[audioHeaderSize:])

	return ap, nil
}

// Ping is the payload of PacketPingRequest and PacketPingResponse.
// A response echoes the request's timestamp unchanged so the requester can
// compute the round trip from its own clock.
type Ping struct {
	SenderID  uuid.UUID
	Timestamp uint64
}

// Marshal serializes a ping payload.
func (p *Ping) Marshal() []byte {
	buf := make([]byte, pingSize)
	copy(buf[0:16], p.SenderID[:])
	binary.BigEndian.PutUint64(buf[16:24], p.Timestamp)
	return buf
}

// UnmarshalPing decodes a ping/pong payload.
func UnmarshalPing(data []byte) (*Ping, error) {
	if len(data) != pingSize {
		return nil, ErrMalformedPacket
	}

	p := &Ping{
		Timestamp: binary.BigEndian.Uint64(data[16:24]),
	}
	copy(p.SenderID[:], data[0:16])
	return p, nil
}

// SeqNewer reports whether sequence a is newer than b across the wrap
// boundary, using modular half-distance comparison.
func SeqNewer(a, b uint32) bool {
	return a != b && a-b < 1<<31
}

// SeqDiff returns the modular forward distance from older to newer.
func SeqDiff(newer, older uint32) uint32 {
	return newer - older
}
