package voicelink

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicelink/transport"
)

// silenceThreshold is the peak sample magnitude below which a captured
// frame is flagged as silence.
const silenceThreshold = 64

// onCaptureFrame runs on the capture device's goroutine for every frame.
// It feeds the level meter, honors the mute gate, encodes once and fans
// the payload out to every active link.
func (e *Engine) onCaptureFrame(pcm []int16) {
	e.meter.Observe(pcm)

	if e.muted.Load() {
		return
	}
	pcm = e.inputGain.Process(pcm)

	e.mu.Lock()
	roomID := e.roomID
	rate := e.capture.SampleRate()
	e.mu.Unlock()
	if roomID == uuid.Nil {
		return
	}

	data, err := e.processor.ProcessOutgoing(pcm, rate)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.onCaptureFrame",
			"error":    err,
		}).Warn("Frame encoding failed")
		return
	}

	var flags byte
	if isSilent(pcm) {
		flags |= transport.FlagSilence
	}
	timestamp := uint64(time.Now().UnixMilli())

	for _, link := range e.linksSnapshot() {
		if link.State() == LinkClosed {
			continue
		}

		pkt := &transport.AudioPacket{
			RoomID:    roomID,
			SenderID:  e.localID,
			Sequence:  link.NextSeq(),
			Timestamp: timestamp,
			Flags:     flags,
			Payload:   data,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.onCaptureFrame",
				"error":    err,
			}).Warn("Frame marshal failed")
			continue
		}
		envelope := &transport.Packet{PacketType: transport.PacketAudioFrame, Data: raw}

		// First attempt inline; retries move off the capture path so a
		// struggling link cannot stall the frame clock.
		if err := e.transport.Send(envelope, link.Addr()); err != nil {
			go func(l *PeerLink, p *transport.Packet) {
				if l.Send(e.transport, p, e.cfg) == nil {
					e.packetsSent.Add(1)
				}
			}(link, envelope)
			continue
		}
		e.packetsSent.Add(1)
	}
}

func isSilent(pcm []int16) bool {
	for _, sample := range pcm {
		if sample > silenceThreshold || sample < -silenceThreshold {
			return false
		}
	}
	return true
}

// handleAudioFrame routes a received audio packet to its sender's link.
// Runs on the transport's read goroutine; the link's bounded queue
// decouples it from jitter buffer insertion.
func (e *Engine) handleAudioFrame(packet *transport.Packet, addr net.Addr) error {
	pkt, err := transport.UnmarshalAudioPacket(packet.Data)
	if err != nil {
		e.packetsDropped.Add(1)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.roomID == uuid.Nil || pkt.RoomID != e.roomID {
		e.packetsDropped.Add(1)
		return nil
	}

	link, ok := e.links[pkt.SenderID]
	if !ok {
		// A room member we have not linked to yet, announced by their
		// first packet.
		if senderRoom, inRoom := e.manager.UserRoom(pkt.SenderID); !inRoom || senderRoom != e.roomID {
			e.packetsDropped.Add(1)
			return nil
		}
		udpAddr, isUDP := addr.(*net.UDPAddr)
		if !isUDP {
			e.packetsDropped.Add(1)
			return nil
		}
		link = newPeerLink(pkt.SenderID, udpAddr, e.cfg)
		e.links[pkt.SenderID] = link
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handleAudioFrame",
			"user_id":  pkt.SenderID,
			"addr":     addr.String(),
		}).Info("Peer link created from inbound audio")
	}

	link.Enqueue(pkt)
	e.packetsReceived.Add(1)
	return nil
}

// handlePingRequest echoes the probe's timestamp back to the sender.
func (e *Engine) handlePingRequest(packet *transport.Packet, addr net.Addr) error {
	ping, err := transport.UnmarshalPing(packet.Data)
	if err != nil {
		e.packetsDropped.Add(1)
		return err
	}

	pong := &transport.Ping{SenderID: e.localID, Timestamp: ping.Timestamp}
	response := &transport.Packet{PacketType: transport.PacketPingResponse, Data: pong.Marshal()}
	return e.transport.Send(response, addr)
}

// handlePingResponse folds the measured round trip into the link monitor.
func (e *Engine) handlePingResponse(packet *transport.Packet, addr net.Addr) error {
	pong, err := transport.UnmarshalPing(packet.Data)
	if err != nil {
		e.packetsDropped.Add(1)
		return err
	}

	e.mu.Lock()
	link, ok := e.links[pong.SenderID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	nowMs := uint64(time.Now().UnixMilli())
	if pong.Timestamp > nowMs {
		// An echoed timestamp from the future is clock skew or forgery,
		// not a measurement.
		e.packetsDropped.Add(1)
		return nil
	}
	link.monitor.ObserveRTT(time.Duration(nowMs-pong.Timestamp) * time.Millisecond)
	return nil
}

// playoutLoop drives the receive side: once per frame duration it pops one
// frame from every link's jitter buffer, decodes, applies per-participant
// gain, mixes and plays. The loop never blocks on network I/O.
func (e *Engine) playoutLoop(ctx context.Context) {
	defer e.loopWG.Done()

	ticker := time.NewTicker(e.cfg.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.playoutTick(now)
		}
	}
}

func (e *Engine) playoutTick(now time.Time) {
	links := e.linksSnapshot()
	if len(links) == 0 {
		return
	}

	var frames [][]int16
	for _, link := range links {
		if link.State() == LinkClosed {
			continue
		}
		frame := link.PopFrame(now)
		if len(frame.Payload) == 0 {
			// Warmup or silent concealment contributes nothing.
			continue
		}
		pcm, err := e.processor.ProcessIncoming(frame.Payload)
		if err != nil {
			e.packetsDropped.Add(1)
			logrus.WithFields(logrus.Fields{
				"function": "Engine.playoutTick",
				"user_id":  link.UserID(),
				"error":    err,
			}).Debug("Frame decode failed")
			continue
		}
		frames = append(frames, link.ApplyGain(pcm))
	}

	mixed := e.mixer.Mix(frames)
	e.outputGain.Process(mixed)

	e.mu.Lock()
	playback := e.playback
	e.mu.Unlock()

	if err := playback.Play(mixed); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.playoutTick",
			"error":    err,
		}).Warn("Playback failed")
	}
}

// pingLoop sends RTT probes on every link and closes links that have gone
// quiet past the timeout.
func (e *Engine) pingLoop(ctx context.Context) {
	defer e.loopWG.Done()

	ticker := time.NewTicker(e.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pingTick()
		}
	}
}

func (e *Engine) pingTick() {
	now := time.Now()
	for _, link := range e.linksSnapshot() {
		if link.State() == LinkClosed {
			continue
		}

		last := link.LastReceive()
		if last.IsZero() {
			// Never heard from this peer; age from link creation so an
			// unreachable endpoint does not live forever in Pending.
			last = link.CreatedAt()
		}
		if now.Sub(last) > e.cfg.LinkTimeout {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.pingTick",
				"user_id":  link.UserID(),
				"silent":   now.Sub(last),
			}).Warn("Peer link timed out")
			e.removeLink(link)
			continue
		}
		if since := link.FailingSince(); !since.IsZero() && now.Sub(since) > e.cfg.LinkTimeout {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.pingTick",
				"user_id":  link.UserID(),
				"failing":  now.Sub(since),
			}).Warn("Peer link closed after persistent send failure")
			e.removeLink(link)
			continue
		}

		ping := &transport.Ping{SenderID: e.localID, Timestamp: uint64(now.UnixMilli())}
		probe := &transport.Packet{PacketType: transport.PacketPingRequest, Data: ping.Marshal()}
		if err := e.transport.Send(probe, link.Addr()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.pingTick",
				"user_id":  link.UserID(),
				"error":    err,
			}).Debug("Probe send failed")
		}
	}
}

// statsLoop recomputes per-link network stats and pushes them to
// subscribers.
func (e *Engine) statsLoop(ctx context.Context) {
	defer e.loopWG.Done()

	ticker := time.NewTicker(e.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, link := range e.linksSnapshot() {
				if link.State() == LinkClosed {
					continue
				}
				e.publishStats(link.RefreshStats())
			}
		}
	}
}

// publishStats delivers one snapshot to every subscriber with
// latest-value-wins semantics: a lagging consumer sees the newest snapshot,
// never an unbounded backlog.
func (e *Engine) publishStats(stats NetworkStats) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ch := range e.subscribers {
		select {
		case ch <- stats:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- stats:
		default:
		}
	}
}
