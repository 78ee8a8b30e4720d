package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// UDPTransport implements UDP-based communication between voice peers.
// It satisfies the Transport interface.
type UDPTransport struct {
	conn       net.PacketConn
	listenAddr net.Addr
	handlers   map[PacketType]PacketHandler
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once

	malformed uint64 // dropped undecodable datagrams
}

// NewUDPTransport creates a new UDP transport listener.
func NewUDPTransport(listenAddr string) (Transport, error) {
	// net.ListenPacket instead of net.ListenUDP for more abstraction
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		handlers:   make(map[PacketType]PacketHandler),
		ctx:        ctx,
		cancel:     cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewUDPTransport",
		"listen_addr": t.listenAddr.String(),
	}).Info("UDP transport listening")

	// Start packet processing loop
	go t.processPackets()

	return t, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

// Send sends a packet to the specified address.
//
// A failure (for example destination unreachable) is returned to the caller
// so the owning peer link can apply its retry policy; it never crashes the
// receive loop.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	_, err = t.conn.WriteTo(data, addr)
	return err
}

// Close shuts down the transport and releases the socket. Safe to call more
// than once.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
		logrus.WithFields(logrus.Fields{
			"function":    "UDPTransport.Close",
			"listen_addr": t.listenAddr.String(),
		}).Info("UDP transport closed")
	})
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.listenAddr
}

// processPackets handles incoming packets until the transport is closed.
func (t *UDPTransport) processPackets() {
	buffer := make([]byte, 2048)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and processes a single incoming packet.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	data, addr, err := t.readPacketData(buffer)
	if err != nil {
		return // Error already handled in readPacketData
	}

	packet, err := ParsePacket(data)
	if err != nil {
		// Protocol error: count, drop, continue.
		t.mu.Lock()
		t.malformed++
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.processIncomingPacket",
			"from":     addr.String(),
			"size":     len(data),
		}).Warn("Dropping malformed datagram")
		return
	}

	t.dispatchPacketToHandler(packet, addr)
}

// readPacketData reads data from the connection with timeout handling.
func (t *UDPTransport) readPacketData(buffer []byte) ([]byte, net.Addr, error) {
	// Read deadline keeps the loop responsive to Close.
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, t.handleReadError(err)
	}

	return buffer[:n], addr, nil
}

// handleReadError processes different types of connection read errors.
func (t *UDPTransport) handleReadError(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		// This is just a timeout, continue
		return err
	}
	if opErr, ok := err.(*net.OpError); ok && opErr.Err.Error() == "message too long" {
		// Packet larger than buffer, discard
		return err
	}
	return err
}

// dispatchPacketToHandler finds and executes the appropriate packet handler.
func (t *UDPTransport) dispatchPacketToHandler(packet *Packet, addr net.Addr) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.PacketType]
	t.mu.RUnlock()

	if exists {
		if err := handler(packet, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "UDPTransport.dispatchPacketToHandler",
				"packet_type": packet.PacketType,
				"from":        addr.String(),
				"error":       err.Error(),
			}).Debug("Packet handler returned error")
		}
	}
}

// MalformedCount reports how many undecodable datagrams have been dropped.
func (t *UDPTransport) MalformedCount() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.malformed
}
