package transport

import (
	"net"
)

// PacketHandler processes received packets. Handlers run on the transport's
// read goroutine; returning an error drops the packet without stopping the
// loop.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport defines the interface for network transports used by voicelink.
// This abstraction allows the engine and tests to swap the real UDP socket
// for in-memory implementations.
type Transport interface {
	// Send sends a packet to the specified address.
	Send(packet *Packet, addr net.Addr) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler registers a handler for a specific packet type.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}
