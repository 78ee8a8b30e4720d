package voicelink

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicelink/audio"
	"github.com/opd-ai/voicelink/jitter"
	"github.com/opd-ai/voicelink/transport"
)

// Peer link states.
const (
	LinkPending  = "pending"
	LinkActive   = "active"
	LinkDegraded = "degraded"
	LinkClosed   = "closed"
)

// Peer link FSM events.
const (
	linkEventActivate = "activate"
	linkEventDegrade  = "degrade"
	linkEventRecover  = "recover"
	linkEventClose    = "close"
)

// PeerLink is the per-remote-participant audio connection: endpoint,
// outbound sequence counter, jitter buffer, quality monitor and a bounded
// inbound queue decoupling the transport's read goroutine from buffer
// insertion.
type PeerLink struct {
	userID uuid.UUID
	addr   *net.UDPAddr

	machine *fsm.FSM
	fsmMu   sync.Mutex

	buffer  *jitter.Buffer
	monitor *linkMonitor
	gain    *audio.GainEffect

	seq          atomic.Uint32
	lastRecvNano atomic.Int64

	inbound   chan *transport.AudioPacket
	done      chan struct{}
	closeOnce sync.Once
	drained   chan struct{}

	statsMu   sync.Mutex
	lastStats NetworkStats

	createdAt     time.Time
	sendFailures  atomic.Int32
	firstFailNano atomic.Int64
}

// newPeerLink creates a link in the Pending state and starts its drain
// goroutine.
func newPeerLink(userID uuid.UUID, addr *net.UDPAddr, cfg Config) *PeerLink {
	gain, _ := audio.NewGainEffect(1.0)
	l := &PeerLink{
		userID:    userID,
		addr:      addr,
		buffer:    jitter.New(cfg.Jitter),
		monitor:   newLinkMonitor(cfg.Quality),
		gain:      gain,
		inbound:   make(chan *transport.AudioPacket, cfg.InboundQueueLen),
		done:      make(chan struct{}),
		drained:   make(chan struct{}),
		createdAt: time.Now(),
	}

	l.machine = fsm.NewFSM(
		LinkPending,
		fsm.Events{
			{Name: linkEventActivate, Src: []string{LinkPending}, Dst: LinkActive},
			{Name: linkEventDegrade, Src: []string{LinkActive}, Dst: LinkDegraded},
			{Name: linkEventRecover, Src: []string{LinkDegraded}, Dst: LinkActive},
			{Name: linkEventClose, Src: []string{LinkPending, LinkActive, LinkDegraded}, Dst: LinkClosed},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				logrus.WithFields(logrus.Fields{
					"function": "PeerLink",
					"user_id":  l.userID,
					"from":     e.Src,
					"to":       e.Dst,
				}).Info("Peer link state changed")
			},
		},
	)

	go l.drainLoop()
	return l
}

// State returns the link's current FSM state.
func (l *PeerLink) State() string {
	l.fsmMu.Lock()
	defer l.fsmMu.Unlock()
	return l.machine.Current()
}

func (l *PeerLink) fire(event string) {
	l.fsmMu.Lock()
	defer l.fsmMu.Unlock()
	// Invalid transitions (already in the target state) are not errors
	// worth surfacing.
	_ = l.machine.Event(context.Background(), event)
}

// Addr returns the remote UDP endpoint.
func (l *PeerLink) Addr() *net.UDPAddr { return l.addr }

// UserID returns the remote participant's ID.
func (l *PeerLink) UserID() uuid.UUID { return l.userID }

// NextSeq returns the next outbound sequence number. Wraps mod 2^32.
func (l *PeerLink) NextSeq() uint32 {
	return l.seq.Add(1) - 1
}

// Enqueue hands a received audio packet to the link. The queue is bounded;
// when full the oldest queued packet is dropped so fresh audio wins.
func (l *PeerLink) Enqueue(pkt *transport.AudioPacket) {
	select {
	case <-l.done:
		return
	default:
	}

	for {
		select {
		case l.inbound <- pkt:
			return
		default:
		}
		select {
		case <-l.inbound:
			// Dropped the oldest queued packet.
		default:
		}
	}
}

// drainLoop moves queued packets into the jitter buffer until the link
// closes, then drains what is left within a bounded window.
func (l *PeerLink) drainLoop() {
	defer close(l.drained)

	for {
		select {
		case pkt := <-l.inbound:
			l.insert(pkt)
		case <-l.done:
			deadline := time.After(50 * time.Millisecond)
			for {
				select {
				case pkt := <-l.inbound:
					l.insert(pkt)
				case <-deadline:
					return
				default:
					return
				}
			}
		}
	}
}

func (l *PeerLink) insert(pkt *transport.AudioPacket) {
	l.lastRecvNano.Store(time.Now().UnixNano())
	l.buffer.Insert(pkt.Sequence, pkt.Timestamp, pkt.Flags, pkt.Payload, time.Now())

	if l.State() == LinkPending {
		l.fire(linkEventActivate)
	}
}

// LastReceive returns when the link last received a packet, or the zero
// time if it never has.
func (l *PeerLink) LastReceive() time.Time {
	nano := l.lastRecvNano.Load()
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// Send transmits one packet with bounded retry. Persistent failure
// degrades the link; the probe loop closes it once failures have lasted
// past the link timeout. Safe for concurrent use from retry goroutines.
func (l *PeerLink) Send(t transport.Transport, pkt *transport.Packet, cfg Config) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.SendRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(cfg.SendRetryBackoff * time.Duration(attempt))
		}
		if lastErr = t.Send(pkt, l.addr); lastErr == nil {
			if l.sendFailures.Swap(0) > 0 {
				l.firstFailNano.Store(0)
				l.fire(linkEventRecover)
			}
			return nil
		}
	}

	failures := l.sendFailures.Add(1)
	l.firstFailNano.CompareAndSwap(0, time.Now().UnixNano())
	logrus.WithFields(logrus.Fields{
		"function": "PeerLink.Send",
		"user_id":  l.userID,
		"failures": failures,
		"error":    lastErr,
	}).Warn("Send failed after retries")
	l.fire(linkEventDegrade)
	return lastErr
}

// CreatedAt returns when the link was established.
func (l *PeerLink) CreatedAt() time.Time { return l.createdAt }

// FailingSince returns when the current run of send failures began, or the
// zero time when the last send succeeded.
func (l *PeerLink) FailingSince() time.Time {
	nano := l.firstFailNano.Load()
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// SetVolume updates the link's playback gain in [0.0, 1.0].
func (l *PeerLink) SetVolume(volume float64) error {
	return l.gain.SetGain(volume)
}

// ApplyGain scales one decoded frame by the link's playback gain.
func (l *PeerLink) ApplyGain(pcm []int16) []int16 {
	return l.gain.Process(pcm)
}

// PopFrame yields the link's next playout frame.
func (l *PeerLink) PopFrame(now time.Time) jitter.Frame {
	return l.buffer.PopFrame(now)
}

// RefreshStats recomputes the link's network stats, advancing the loss
// window. Called once per stats interval.
func (l *PeerLink) RefreshStats() NetworkStats {
	stats := l.monitor.Snapshot(l.userID, l.buffer.Statistics())

	l.statsMu.Lock()
	l.lastStats = stats
	l.statsMu.Unlock()
	return stats
}

// Stats returns the most recently computed network stats without
// advancing the loss window.
func (l *PeerLink) Stats() NetworkStats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.lastStats
}

// BufferStatistics exposes the raw jitter buffer counters.
func (l *PeerLink) BufferStatistics() jitter.Statistics {
	return l.buffer.Statistics()
}

// Close releases the link: the FSM reaches Closed, the drain goroutine
// finishes its bounded drain, and the jitter buffer is reset. Safe to call
// more than once.
func (l *PeerLink) Close() {
	l.closeOnce.Do(func() {
		l.fire(linkEventClose)
		close(l.done)
		<-l.drained
		l.buffer.Reset()
	})
}
