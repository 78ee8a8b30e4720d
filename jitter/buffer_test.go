package jitter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MinDelay:      20 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		InitialDelay:  20 * time.Millisecond,
		FrameDuration: 10 * time.Millisecond,
		Capacity:      16,
	}
}

// TestInOrderDelivery verifies frames received in order come out in order
// once the playout delay has elapsed.
func TestInOrderDelivery(t *testing.T) {
	b := New(testConfig())
	base := time.Now()

	for i := 0; i < 3; i++ {
		b.Insert(uint32(i+1), uint64(i*10), 0, []byte{byte(i + 1)}, base.Add(time.Duration(i*10)*time.Millisecond))
	}

	// Before the delay elapses only warmup silence comes out.
	warm := b.PopFrame(base.Add(5 * time.Millisecond))
	assert.True(t, warm.Concealed)

	now := base.Add(25 * time.Millisecond)
	for i := 0; i < 3; i++ {
		frame := b.PopFrame(now)
		require.False(t, frame.Concealed, "frame %d", i)
		assert.Equal(t, uint64(i*10), frame.Timestamp)
		assert.Equal(t, []byte{byte(i + 1)}, frame.Payload)
		now = now.Add(10 * time.Millisecond)
	}

	stats := b.Statistics()
	assert.Equal(t, uint64(3), stats.Received)
	assert.Equal(t, uint64(3), stats.Delivered)
	assert.Equal(t, uint64(0), stats.Lost)
}

// TestReorderedDelivery verifies out-of-order arrivals are re-sorted before
// playout: output is timestamp-monotonic, never arrival-ordered.
func TestReorderedDelivery(t *testing.T) {
	b := New(testConfig())
	base := time.Now()

	order := []struct {
		seq uint32
		ts  uint64
	}{{3, 20}, {1, 0}, {4, 30}, {2, 10}}
	for _, p := range order {
		b.Insert(p.seq, p.ts, 0, []byte{byte(p.seq)}, base)
	}

	now := base.Add(25 * time.Millisecond)
	var previous uint64
	for i := 0; i < 4; i++ {
		frame := b.PopFrame(now)
		require.False(t, frame.Concealed, "frame %d", i)
		if i > 0 {
			assert.Greater(t, frame.Timestamp, previous, "output must be timestamp-monotonic")
		}
		previous = frame.Timestamp
		now = now.Add(10 * time.Millisecond)
	}
}

// TestLatePacketScenario runs the canonical loss scenario: sequences 1..5
// at 10ms spacing, packet 3 arriving after its playout point has passed.
// The decoder must see 1, 2, concealment, 4, 5 and the loss counter must be
// exactly one; the late packet itself only increments the late counter.
func TestLatePacketScenario(t *testing.T) {
	b := New(testConfig())
	base := time.Now()

	b.Insert(1, 0, 0, []byte{1}, base)
	b.Insert(2, 10, 0, []byte{2}, base.Add(10*time.Millisecond))
	b.Insert(4, 30, 0, []byte{4}, base.Add(30*time.Millisecond))
	b.Insert(5, 40, 0, []byte{5}, base.Add(40*time.Millisecond))

	now := base.Add(20 * time.Millisecond)

	f1 := b.PopFrame(now)
	require.False(t, f1.Concealed)
	assert.Equal(t, uint64(0), f1.Timestamp)

	f2 := b.PopFrame(now.Add(10 * time.Millisecond))
	require.False(t, f2.Concealed)
	assert.Equal(t, uint64(10), f2.Timestamp)

	// The tick for 20ms has no frame: concealment, loss counted here.
	f3 := b.PopFrame(now.Add(20 * time.Millisecond))
	assert.True(t, f3.Concealed)

	// Packet 3 finally shows up, behind the playout point.
	b.Insert(3, 20, 0, []byte{3}, now.Add(22*time.Millisecond))

	f4 := b.PopFrame(now.Add(30 * time.Millisecond))
	require.False(t, f4.Concealed)
	assert.Equal(t, uint64(30), f4.Timestamp)

	f5 := b.PopFrame(now.Add(40 * time.Millisecond))
	require.False(t, f5.Concealed)
	assert.Equal(t, uint64(40), f5.Timestamp)

	stats := b.Statistics()
	assert.Equal(t, uint64(1), stats.Lost, "gap counted exactly once")
	assert.Equal(t, uint64(1), stats.Late, "late arrival counted as late, not lost again")
	assert.Equal(t, uint64(4), stats.Delivered)
}

// TestDuplicateDiscarded verifies a replayed sequence number is dropped.
func TestDuplicateDiscarded(t *testing.T) {
	b := New(testConfig())
	base := time.Now()

	b.Insert(1, 0, 0, []byte{1}, base)
	b.Insert(1, 0, 0, []byte{1}, base.Add(time.Millisecond))

	stats := b.Statistics()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Duplicates)
}

// TestConcealWithRepeat verifies last-frame repeat concealment.
func TestConcealWithRepeat(t *testing.T) {
	cfg := testConfig()
	cfg.ConcealWithRepeat = true
	b := New(cfg)
	base := time.Now()

	b.Insert(1, 0, 0, []byte{7, 7}, base)

	f1 := b.PopFrame(base.Add(25 * time.Millisecond))
	require.False(t, f1.Concealed)

	f2 := b.PopFrame(base.Add(35 * time.Millisecond))
	assert.True(t, f2.Concealed)
	assert.Equal(t, []byte{7, 7}, f2.Payload, "concealment repeats the last frame")
}

// TestOverflowDropsOldest verifies a full buffer discards the oldest frame
// instead of blocking the producer.
func TestOverflowDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 4
	b := New(cfg)
	base := time.Now()

	for i := 0; i < 6; i++ {
		b.Insert(uint32(i+1), uint64(i*10), 0, nil, base)
	}

	stats := b.Statistics()
	assert.Equal(t, uint64(2), stats.Overflowed)
	assert.Equal(t, int64(40), stats.BufferedMs)
}

// TestDelayAdaptsWithinBounds verifies the adaptive delay reacts to jitter
// but stays clamped to the configured range, pinning when it hits the max.
func TestDelayAdaptsWithinBounds(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	base := time.Now()

	// Wildly varying inter-arrival spacing against a steady 10ms timestamp
	// cadence drives the jitter estimate up.
	arrival := base
	for i := 0; i < 50; i++ {
		gap := 2 * time.Millisecond
		if i%2 == 0 {
			gap = 90 * time.Millisecond
		}
		arrival = arrival.Add(gap)
		b.Insert(uint32(i+1), uint64(i*10), 0, nil, arrival)
	}

	stats := b.Statistics()
	assert.GreaterOrEqual(t, stats.TargetDelay, cfg.MinDelay)
	assert.LessOrEqual(t, stats.TargetDelay, cfg.MaxDelay)
	assert.True(t, stats.DelayPinned, "heavy jitter should pin the delay at max")
	assert.LessOrEqual(t, stats.CurrentDelay, cfg.MaxDelay)
}

// TestDelayNarrowsWhenStable verifies a steady link drains delay back down.
func TestDelayNarrowsWhenStable(t *testing.T) {
	cfg := testConfig()
	cfg.InitialDelay = 80 * time.Millisecond
	b := New(cfg)
	base := time.Now()

	for i := 0; i < 200; i++ {
		b.Insert(uint32(i+1), uint64(i*10), 0, nil, base.Add(time.Duration(i*10)*time.Millisecond))
	}

	stats := b.Statistics()
	assert.Less(t, stats.CurrentDelay, 80*time.Millisecond)
	assert.False(t, stats.DelayPinned)
}

// TestWraparoundSequences verifies duplicate detection and delivery work
// across the sequence wrap boundary.
func TestWraparoundSequences(t *testing.T) {
	b := New(testConfig())
	base := time.Now()

	seqs := []uint32{0xFFFFFFFE, 0xFFFFFFFF, 0, 1}
	for i, seq := range seqs {
		b.Insert(seq, uint64(i*10), 0, []byte{byte(i)}, base)
	}
	// Replay across the wrap must still be seen as a duplicate.
	b.Insert(0xFFFFFFFF, 10, 0, nil, base)

	now := base.Add(25 * time.Millisecond)
	for i := range seqs {
		frame := b.PopFrame(now)
		require.False(t, frame.Concealed, "frame %d", i)
		assert.Equal(t, uint64(i*10), frame.Timestamp)
		now = now.Add(10 * time.Millisecond)
	}

	assert.Equal(t, uint64(1), b.Statistics().Duplicates)
}

// TestResetClearsState verifies Reset returns the buffer to a fresh state.
func TestResetClearsState(t *testing.T) {
	b := New(testConfig())
	base := time.Now()

	b.Insert(1, 0, 0, []byte{1}, base)
	b.PopFrame(base.Add(30 * time.Millisecond))
	b.Reset()

	stats := b.Statistics()
	assert.Equal(t, uint64(0), stats.Received)
	assert.Equal(t, uint64(0), stats.Delivered)
	assert.Equal(t, int64(0), stats.BufferedMs)
	assert.Equal(t, testConfig().InitialDelay, stats.CurrentDelay)
}

// TestStaleRetransmitDiscarded verifies a retransmit modularly far behind
// the newest sequence is treated as a duplicate even after its sequence
// number has aged out of the exact-match window.
func TestStaleRetransmitDiscarded(t *testing.T) {
	b := New(testConfig())
	base := time.Now()

	b.Insert(5000, 0, 0, []byte{1}, base)
	b.Insert(1, 10, 0, []byte{2}, base.Add(10*time.Millisecond))

	stats := b.Statistics()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Duplicates)

	// A genuinely newer sequence still goes through.
	b.Insert(5001, 20, 0, []byte{3}, base.Add(20*time.Millisecond))
	assert.Equal(t, uint64(2), b.Statistics().Received)
}
