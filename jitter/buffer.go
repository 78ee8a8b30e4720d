// Package jitter implements the per-peer-link playout buffer for voicelink.
//
// The buffer absorbs network timing variance and hands the audio pipeline
// contiguous, timestamp-ordered frames at a steady cadence. Incoming packets
// are inserted keyed by sequence number and capture timestamp; at each
// playout tick the buffer yields either the frame due at that tick or a
// concealment frame, so the consumer's cadence is never disturbed by the
// network.
//
// The playout clock is anchored on the first received packet and advances at
// a configurable delay above the sender's capture timestamp. The delay
// adapts: it widens when measured inter-arrival jitter grows and narrows
// when the link is stable, clamped to configured bounds so the latency
// budget is respected.
package jitter

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicelink/transport"
)

// Config contains the tuning parameters for a playout buffer.
type Config struct {
	// MinDelay is the lower bound on the playout delay.
	MinDelay time.Duration
	// MaxDelay is the upper bound on the playout delay. Adaptation wanting
	// to exceed it pins the buffer (see Statistics.DelayPinned).
	MaxDelay time.Duration
	// InitialDelay is the playout delay before any adaptation.
	InitialDelay time.Duration
	// FrameDuration is the fixed duration of one audio frame.
	FrameDuration time.Duration
	// Capacity is the maximum number of buffered frames. On overflow the
	// oldest frame is discarded rather than applying backpressure.
	Capacity int
	// ConcealWithRepeat selects last-frame repeat instead of silence for
	// concealment frames.
	ConcealWithRepeat bool
}

// DefaultConfig returns buffer parameters tuned for 20ms voice frames
// within a ~40ms end-to-end budget.
func DefaultConfig() Config {
	return Config{
		MinDelay:      20 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		InitialDelay:  40 * time.Millisecond,
		FrameDuration: 20 * time.Millisecond,
		Capacity:      32,
	}
}

// Frame is one playout tick's worth of audio handed to the decoder.
type Frame struct {
	Payload   []byte
	Timestamp uint64
	Flags     byte
	// Concealed is true when the expected packet was missing at playout
	// time and this frame substitutes for it.
	Concealed bool
}

// Statistics is a snapshot of buffer counters and timing state.
type Statistics struct {
	Received   uint64
	Delivered  uint64
	Lost       uint64 // playout gaps concealed
	Late       uint64 // arrived behind the playout point, discarded
	Duplicates uint64
	Overflowed uint64 // discarded because the buffer was full

	CurrentDelay time.Duration
	TargetDelay  time.Duration
	Jitter       time.Duration // smoothed inter-arrival variance
	BufferedMs   int64         // audio currently queued
	// DelayPinned is true when adaptation wants a delay beyond MaxDelay.
	// The quality monitor treats a pinned buffer as a degradation signal.
	DelayPinned bool
}

type bufferedFrame struct {
	seq       uint32
	timestamp uint64
	flags     byte
	payload   []byte
	index     int
}

// frameHeap orders buffered frames by capture timestamp.
type frameHeap []*bufferedFrame

func (h frameHeap) Len() int           { return len(h) }
func (h frameHeap) Less(i, j int) bool { return h[i].timestamp < h[j].timestamp }
func (h frameHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *frameHeap) Push(x interface{}) {
	item := x.(*bufferedFrame)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// seenWindow remembers recently observed sequence numbers for duplicate
// detection, with FIFO eviction.
const seenWindow = 1024

// resyncThreshold is the number of consecutive concealments after which the
// playout clock re-anchors to the oldest buffered frame.
const resyncThreshold = 8

// Buffer is an adaptive playout buffer for one peer link.
//
// Insert is called from the network context, PopFrame from the playout
// ticker; both are safe for concurrent use. PopFrame takes an explicit
// clock reading so scheduling is deterministic under test.
type Buffer struct {
	mu     sync.Mutex
	config Config

	frames     frameHeap
	seen       map[uint32]struct{}
	seenFifo   []uint32
	highestSeq uint32
	haveSeq    bool

	started             bool
	delivering          bool
	baseArrival         time.Time
	playoutTS           uint64 // sender timestamp due at the next tick
	lastPayload         []byte
	consecutiveConceals int

	// RFC 3550 style inter-arrival jitter estimate, in ms.
	prevArrival time.Time
	prevTS      uint64
	jitterMs    float64

	currentDelay time.Duration
	targetDelay  time.Duration
	delayPinned  bool

	received   uint64
	delivered  uint64
	lost       uint64
	late       uint64
	duplicates uint64
	overflowed uint64
}

// New creates a playout buffer, applying defaults for zero config fields.
func New(config Config) *Buffer {
	def := DefaultConfig()
	if config.MinDelay <= 0 {
		config.MinDelay = def.MinDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.FrameDuration <= 0 {
		config.FrameDuration = def.FrameDuration
	}
	if config.Capacity <= 0 {
		config.Capacity = def.Capacity
	}

	b := &Buffer{
		config:       config,
		seen:         make(map[uint32]struct{}),
		currentDelay: config.InitialDelay,
		targetDelay:  config.InitialDelay,
	}
	heap.Init(&b.frames)

	logrus.WithFields(logrus.Fields{
		"function":       "jitter.New",
		"initial_delay":  config.InitialDelay,
		"min_delay":      config.MinDelay,
		"max_delay":      config.MaxDelay,
		"frame_duration": config.FrameDuration,
	}).Debug("Playout buffer created")

	return b
}

// Insert adds a received packet to the buffer.
//
// Duplicates (a sequence number already seen, or a retransmit modularly
// older than the dedup window) are discarded. Packets whose timestamp is
// already behind the playout point are counted late and discarded; the
// tick that passed them has already concealed the gap, so the loss is
// never counted twice.
func (b *Buffer) Insert(seq uint32, timestamp uint64, flags byte, payload []byte, arrival time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.seen[seq]; dup {
		b.duplicates++
		return
	}
	if !b.haveSeq {
		b.haveSeq = true
		b.highestSeq = seq
	} else if transport.SeqNewer(seq, b.highestSeq) {
		b.highestSeq = seq
	} else if transport.SeqDiff(b.highestSeq, seq) > seenWindow {
		// A retransmit from before the dedup window; the exact-match set
		// has already forgotten its sequence.
		b.duplicates++
		return
	}
	b.markSeen(seq)
	b.received++

	if !b.started {
		b.started = true
		b.baseArrival = arrival
		b.playoutTS = timestamp
		b.prevArrival = arrival
		b.prevTS = timestamp
	} else {
		b.updateJitter(timestamp, arrival)
	}

	if !b.delivering && timestamp < b.playoutTS {
		// Still warming up: an older frame can extend playout backwards.
		b.playoutTS = timestamp
	}

	if b.delivering && timestamp < b.playoutTS {
		b.late++
		logrus.WithFields(logrus.Fields{
			"function":   "Buffer.Insert",
			"sequence":   seq,
			"timestamp":  timestamp,
			"playout_ts": b.playoutTS,
		}).Debug("Discarding late packet")
		return
	}

	if b.frames.Len() >= b.config.Capacity {
		heap.Pop(&b.frames)
		b.overflowed++
	}

	heap.Push(&b.frames, &bufferedFrame{
		seq:       seq,
		timestamp: timestamp,
		flags:     flags,
		payload:   payload,
	})
}

// PopFrame yields the frame due at this playout tick, or a concealment
// frame when the expected packet is absent. Output is strictly
// timestamp-monotonic regardless of arrival order.
func (b *Buffer) PopFrame(now time.Time) Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameMs := uint64(b.config.FrameDuration / time.Millisecond)

	// Nothing received yet, or still filling up to the playout delay:
	// yield silence without touching the loss counters.
	if !b.started {
		return b.concealmentLocked(0, false)
	}
	if !b.delivering {
		if now.Sub(b.baseArrival) < b.currentDelay {
			return b.concealmentLocked(b.playoutTS, false)
		}
		b.delivering = true
	}

	// Drop anything stale; normally Insert already filtered these.
	for b.frames.Len() > 0 && b.frames[0].timestamp < b.playoutTS {
		heap.Pop(&b.frames)
		b.late++
	}

	if b.frames.Len() > 0 && b.frames[0].timestamp < b.playoutTS+frameMs {
		bf := heap.Pop(&b.frames).(*bufferedFrame)
		b.playoutTS = bf.timestamp + frameMs
		b.delivered++
		b.consecutiveConceals = 0
		b.lastPayload = bf.payload
		return Frame{
			Payload:   bf.payload,
			Timestamp: bf.timestamp,
			Flags:     bf.flags,
		}
	}

	// Gap at the playout point: conceal and count the loss here, exactly
	// once. A later arrival of the missing packet only increments Late.
	b.lost++
	ts := b.playoutTS
	b.playoutTS += frameMs
	b.consecutiveConceals++
	if b.consecutiveConceals >= resyncThreshold && b.frames.Len() > 0 {
		// The stream jumped ahead of us; re-anchor on what we have.
		b.playoutTS = b.frames[0].timestamp
		b.consecutiveConceals = 0
		b.currentDelay = b.targetDelay
		logrus.WithFields(logrus.Fields{
			"function":   "Buffer.PopFrame",
			"playout_ts": b.playoutTS,
			"delay":      b.currentDelay,
		}).Debug("Playout clock re-anchored after sustained gap")
	}
	return b.concealmentLocked(ts, true)
}

// Statistics returns a snapshot of the buffer state.
func (b *Buffer) Statistics() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Statistics{
		Received:     b.received,
		Delivered:    b.delivered,
		Lost:         b.lost,
		Late:         b.late,
		Duplicates:   b.duplicates,
		Overflowed:   b.overflowed,
		CurrentDelay: b.currentDelay,
		TargetDelay:  b.targetDelay,
		Jitter:       time.Duration(b.jitterMs * float64(time.Millisecond)),
		BufferedMs:   int64(b.frames.Len()) * int64(b.config.FrameDuration/time.Millisecond),
		DelayPinned:  b.delayPinned,
	}
}

// Reset clears all buffered frames and counters, keeping the configuration.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frames = b.frames[:0]
	heap.Init(&b.frames)
	b.seen = make(map[uint32]struct{})
	b.seenFifo = nil
	b.highestSeq = 0
	b.haveSeq = false
	b.started = false
	b.delivering = false
	b.lastPayload = nil
	b.consecutiveConceals = 0
	b.jitterMs = 0
	b.currentDelay = b.config.InitialDelay
	b.targetDelay = b.config.InitialDelay
	b.delayPinned = false
	b.received, b.delivered, b.lost, b.late, b.duplicates, b.overflowed = 0, 0, 0, 0, 0, 0
}

func (b *Buffer) markSeen(seq uint32) {
	b.seen[seq] = struct{}{}
	b.seenFifo = append(b.seenFifo, seq)
	if len(b.seenFifo) > seenWindow {
		delete(b.seen, b.seenFifo[0])
		b.seenFifo = b.seenFifo[1:]
	}
}

// updateJitter maintains the RFC 3550 style inter-arrival jitter estimate
// and adapts the target delay from it.
func (b *Buffer) updateJitter(timestamp uint64, arrival time.Time) {
	arrivalDeltaMs := float64(arrival.Sub(b.prevArrival)) / float64(time.Millisecond)
	tsDeltaMs := float64(int64(timestamp) - int64(b.prevTS))
	d := arrivalDeltaMs - tsDeltaMs
	if d < 0 {
		d = -d
	}
	b.jitterMs += (d - b.jitterMs) / 16.0
	b.prevArrival = arrival
	b.prevTS = timestamp

	// Target roughly four deviations of headroom, inside the bounds.
	desired := time.Duration(b.jitterMs*4.0) * time.Millisecond
	if desired < b.config.MinDelay {
		desired = b.config.MinDelay
	}
	b.delayPinned = desired > b.config.MaxDelay
	if b.delayPinned {
		desired = b.config.MaxDelay
	}
	b.targetDelay = desired

	// Move the working delay toward the target: quickly when widening,
	// slowly when narrowing, so a stable link drains latency gradually.
	diff := b.targetDelay - b.currentDelay
	if diff > 0 {
		b.currentDelay += diff / 4
	} else {
		b.currentDelay += diff / 16
	}
	if b.currentDelay < b.config.MinDelay {
		b.currentDelay = b.config.MinDelay
	}
}

func (b *Buffer) concealmentLocked(ts uint64, countConcealed bool) Frame {
	frame := Frame{Timestamp: ts, Concealed: true}
	if countConcealed && b.config.ConcealWithRepeat && b.lastPayload != nil {
		frame.Payload = b.lastPayload
	}
	return frame
}
