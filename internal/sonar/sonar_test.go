package sonar

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCapture records the calls the state machine makes on the capture unit.
type recordingCapture struct {
	restarts int
	cycle    uint32
	selected []Edge
}

func (c *recordingCapture) Restart(cycle uint32) {
	c.restarts++
	c.cycle = cycle
}
func (c *recordingCapture) Select(edge Edge) { c.selected = append(c.selected, edge) }

func (c *recordingCapture) armed() Edge {
	if len(c.selected) == 0 {
		return 0
	}
	return c.selected[len(c.selected)-1]
}

type recordingLine struct {
	widths []time.Duration
	err    error
}

func (l *recordingLine) Pulse(width time.Duration) error {
	l.widths = append(l.widths, width)
	return l.err
}

// ticksFor returns the tick count that timing converts to exactly us microseconds.
func ticksFor(timing Timing, us uint32) uint16 {
	return uint16(uint64(us) * 1000 / uint64(timing.TickNanos))
}

func cycle(e *Echo, start uint16, us uint32) {
	e.HandleCapture(CaptureEvent{Edge: EdgeRising, Ticks: start})
	e.HandleCapture(CaptureEvent{Edge: EdgeFalling, Ticks: start + ticksFor(e.timing, us)})
}

func TestElapsedTicksNoWrap(t *testing.T) {
	assert.Equal(t, uint32(0), ElapsedTicks(0, 0))
	assert.Equal(t, uint32(100), ElapsedTicks(100, 200))
	assert.Equal(t, uint32(MaxTicks), ElapsedTicks(0, MaxTicks))
	assert.Equal(t, uint32(0), ElapsedTicks(MaxTicks, MaxTicks))
}

func TestElapsedTicksWrap(t *testing.T) {
	assert.Equal(t, uint32(1), ElapsedTicks(MaxTicks, 0))
	assert.Equal(t, uint32(11), ElapsedTicks(MaxTicks-5, 5))
	assert.Equal(t, uint32(MaxTicks), ElapsedTicks(1, 0))
}

func TestElapsedTicksProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	check := func(start, end uint16) {
		got := ElapsedTicks(start, end)
		var want uint32
		if end >= start {
			want = uint32(end) - uint32(start)
		} else {
			want = (MaxTicks + 1 - uint32(start)) + uint32(end)
		}
		if got != want {
			t.Fatalf("ElapsedTicks(%d, %d): got %d, want %d", start, end, got, want)
		}
		if got > MaxTicks {
			t.Fatalf("ElapsedTicks(%d, %d) = %d exceeds counter range", start, end, got)
		}
		// Counter arithmetic: start + elapsed always lands on end.
		if start+uint16(got) != end {
			t.Fatalf("start %d + elapsed %d != end %d", start, got, end)
		}
	}
	for start := 0; start <= MaxTicks; start += 257 {
		for _, end := range []int{0, 1, start, MaxTicks - 1, MaxTicks} {
			check(uint16(start), uint16(end))
		}
	}
	for i := 0; i < 100000; i++ {
		check(uint16(rng.Intn(MaxTicks+1)), uint16(rng.Intn(MaxTicks+1)))
	}
}

func TestTimingMicros(t *testing.T) {
	timing := DefaultTiming()
	assert.Equal(t, uint32(0), timing.Micros(0))
	assert.Equal(t, uint32(0), timing.Micros(1), "half a microsecond truncates")
	assert.Equal(t, uint32(1), timing.Micros(2))
	assert.Equal(t, uint32(32767), timing.Micros(MaxTicks))
}

func TestTimingSampleWindow(t *testing.T) {
	timing := DefaultTiming()

	for _, us := range []uint32{0, 1, 149, 23501, 30000, 1 << 31} {
		s := timing.Sample(us)
		assert.False(t, s.Valid, "us=%d", us)
		assert.Equal(t, uint32(0), s.DistanceCM, "us=%d", us)
	}

	for _, us := range []uint32{150, 151, 173, 174, 580, 1159, 23499, 23500} {
		s := timing.Sample(us)
		assert.True(t, s.Valid, "us=%d", us)
		assert.Equal(t, us/58, s.DistanceCM, "us=%d", us)
	}
}

func TestTimingSampleTruncates(t *testing.T) {
	timing := DefaultTiming()
	assert.Equal(t, uint32(2), timing.Sample(173).DistanceCM)
	assert.Equal(t, uint32(3), timing.Sample(174).DistanceCM)
	assert.Equal(t, uint32(405), timing.Sample(23500).DistanceCM)
}

func TestFilterAverageSkipsEmptySlots(t *testing.T) {
	f := NewFilter(3)
	f.Push(12)
	f.Push(0)
	f.Push(14)

	avg, ok := f.Average()
	require.True(t, ok)
	assert.Equal(t, uint32(13), avg)
}

func TestFilterAverageTruncates(t *testing.T) {
	f := NewFilter(3)
	f.Push(10)
	f.Push(10)
	f.Push(11)

	avg, ok := f.Average()
	require.True(t, ok)
	assert.Equal(t, uint32(10), avg)
}

func TestFilterEmpty(t *testing.T) {
	f := NewFilter(3)
	avg, ok := f.Average()
	assert.False(t, ok)
	assert.Equal(t, uint32(0), avg)
}

func TestFilterCursorWraps(t *testing.T) {
	f := NewFilter(3)
	for i := 1; i <= 7; i++ {
		f.Push(uint32(i))
		assert.GreaterOrEqual(t, f.Cursor(), 0)
		assert.Less(t, f.Cursor(), f.Size())
	}
	// 7 pushes into 3 slots: slots hold 7, 5, 6 and the cursor points at slot 1.
	assert.Equal(t, []uint32{7, 5, 6}, f.Values())
	assert.Equal(t, 1, f.Cursor())
}

func TestFilterMinimumSize(t *testing.T) {
	assert.Equal(t, 1, NewFilter(0).Size())
	assert.Equal(t, 1, NewFilter(-3).Size())
}

func TestNewEchoDefaults(t *testing.T) {
	e := NewEcho(&recordingCapture{}, DefaultTiming(), 0)
	assert.Equal(t, AwaitingRising, e.Phase())
	assert.Len(t, e.Filtered(), DefaultFilterSize)

	s, seq := e.Latest()
	assert.Equal(t, Sample{}, s)
	assert.Equal(t, uint32(0), seq)
	assert.Equal(t, uint32(0), e.FilteredDistance())
}

func TestTriggerArmsCaptureAndPulses(t *testing.T) {
	c := &recordingCapture{}
	line := &recordingLine{}
	e := NewEcho(c, DefaultTiming(), 3)

	require.NoError(t, e.Trigger(line))

	assert.Equal(t, 1, c.restarts)
	assert.Equal(t, EdgeRising, c.armed())
	assert.Equal(t, []time.Duration{10 * time.Microsecond}, line.widths)
	assert.Equal(t, uint64(1), e.Stats().Triggers)
}

func TestTriggerReturnsPulseError(t *testing.T) {
	line := &recordingLine{err: errors.New("line busy")}
	e := NewEcho(&recordingCapture{}, DefaultTiming(), 3)

	err := e.Trigger(line)
	assert.EqualError(t, err, "line busy")
	assert.Equal(t, AwaitingRising, e.Phase())
}

func TestEchoFullCycle(t *testing.T) {
	c := &recordingCapture{}
	e := NewEcho(c, DefaultTiming(), 3)
	require.NoError(t, e.Trigger(&recordingLine{}))

	e.HandleCapture(CaptureEvent{Edge: EdgeRising, Ticks: 1000})
	assert.Equal(t, AwaitingFalling, e.Phase())
	assert.Equal(t, EdgeFalling, c.armed())

	// 1160 us = 20 cm
	e.HandleCapture(CaptureEvent{Edge: EdgeFalling, Ticks: 1000 + 2320})
	assert.Equal(t, AwaitingRising, e.Phase())
	assert.Equal(t, EdgeRising, c.armed())

	s, seq := e.Latest()
	assert.Equal(t, Sample{DistanceCM: 20, Valid: true}, s)
	assert.Equal(t, uint32(1), seq)
	assert.Equal(t, uint32(20), e.FilteredDistance())
	assert.Equal(t, []uint32{20, 0, 0}, e.Filtered())

	st := e.Stats()
	assert.Equal(t, uint64(1), st.Completed)
	assert.Equal(t, uint64(0), st.Invalid)
}

func TestEchoCycleAcrossCounterWrap(t *testing.T) {
	e := NewEcho(&recordingCapture{}, DefaultTiming(), 3)

	// Rising edge 100 ticks before the wrap, falling edge 2220 ticks after it:
	// 2320 ticks = 1160 us = 20 cm.
	e.HandleCapture(CaptureEvent{Edge: EdgeRising, Ticks: MaxTicks - 99})
	e.HandleCapture(CaptureEvent{Edge: EdgeFalling, Ticks: 2220})

	s, _ := e.Latest()
	assert.Equal(t, Sample{DistanceCM: 20, Valid: true}, s)
}

func TestEchoInvalidPulseIsNotFiltered(t *testing.T) {
	e := NewEcho(&recordingCapture{}, DefaultTiming(), 3)

	cycle(e, 0, 580) // 10 cm
	cycle(e, 0, 100) // too short

	s, seq := e.Latest()
	assert.Equal(t, Sample{}, s)
	assert.Equal(t, uint32(2), seq)
	assert.Equal(t, []uint32{10, 0, 0}, e.Filtered())
	assert.Equal(t, uint32(10), e.FilteredDistance())
	assert.Equal(t, uint64(1), e.Stats().Invalid)
}

func TestEchoTooLongPulseIsInvalid(t *testing.T) {
	e := NewEcho(&recordingCapture{}, DefaultTiming(), 3)

	// 30 000 us is 60 000 ticks, still within one counter period.
	cycle(e, 200, 30000)

	s, _ := e.Latest()
	assert.False(t, s.Valid)
	assert.Equal(t, uint32(0), s.DistanceCM)
	assert.Equal(t, uint32(0), e.FilteredDistance())
}

func TestEchoAveragesLastThree(t *testing.T) {
	e := NewEcho(&recordingCapture{}, DefaultTiming(), 3)

	for _, cm := range []uint32{10, 20, 30, 40} {
		cycle(e, 5000, cm*58)
	}
	// 10 has been overwritten by 40.
	assert.Equal(t, uint32(30), e.FilteredDistance())
}

func TestEchoIgnoresMismatchedEdges(t *testing.T) {
	c := &recordingCapture{}
	e := NewEcho(c, DefaultTiming(), 3)

	e.HandleCapture(CaptureEvent{Edge: EdgeFalling, Ticks: 10})
	assert.Equal(t, AwaitingRising, e.Phase())
	_, seq := e.Latest()
	assert.Equal(t, uint32(0), seq)

	e.HandleCapture(CaptureEvent{Edge: EdgeRising, Ticks: 10})
	e.HandleCapture(CaptureEvent{Edge: EdgeRising, Ticks: 500})
	assert.Equal(t, AwaitingFalling, e.Phase())

	// Pulse is measured from the first rising edge.
	e.HandleCapture(CaptureEvent{Edge: EdgeFalling, Ticks: 10 + 1160})
	s, _ := e.Latest()
	assert.Equal(t, uint32(10), s.DistanceCM)
}

func TestTriggerResetsInFlightCycle(t *testing.T) {
	c := &recordingCapture{}
	e := NewEcho(c, DefaultTiming(), 3)

	e.HandleCapture(CaptureEvent{Edge: EdgeRising, Ticks: 40000})
	require.Equal(t, AwaitingFalling, e.Phase())

	require.NoError(t, e.Trigger(&recordingLine{}))
	assert.Equal(t, AwaitingRising, e.Phase())
	assert.Equal(t, EdgeRising, c.armed())
	assert.Equal(t, uint64(1), e.Stats().Abandoned)

	// A falling edge left over from the abandoned cycle is not a pulse end.
	e.HandleCapture(CaptureEvent{Edge: EdgeFalling, Ticks: 100})
	_, seq := e.Latest()
	assert.Equal(t, uint32(0), seq)

	// The next cycle measures from its own rising edge, not from 40000.
	cycle(e, 50, 580)
	s, _ := e.Latest()
	assert.Equal(t, Sample{DistanceCM: 10, Valid: true}, s)
}

func TestTriggerNumbersCycles(t *testing.T) {
	c := &recordingCapture{}
	e := NewEcho(c, DefaultTiming(), 3)

	require.NoError(t, e.Trigger(&recordingLine{}))
	assert.Equal(t, uint32(1), c.cycle)
	require.NoError(t, e.Trigger(&recordingLine{}))
	assert.Equal(t, uint32(2), c.cycle)
}

func TestEdgeFromEarlierCycleIsIgnored(t *testing.T) {
	c := &recordingCapture{}
	e := NewEcho(c, DefaultTiming(), 3)

	require.NoError(t, e.Trigger(&recordingLine{}))
	old := c.cycle
	// The handler has stamped a rising edge for the first cycle but has not
	// yet taken the lock when the loop triggers again.
	late := CaptureEvent{Edge: EdgeRising, Ticks: 30000, Cycle: old}
	require.NoError(t, e.Trigger(&recordingLine{}))

	e.HandleCapture(late)
	assert.Equal(t, AwaitingRising, e.Phase())

	// The new cycle's own edges are measured normally.
	e.HandleCapture(CaptureEvent{Edge: EdgeRising, Ticks: 1000, Cycle: c.cycle})
	e.HandleCapture(CaptureEvent{Edge: EdgeFalling, Ticks: 1000 + 2320, Cycle: c.cycle})
	s, seq := e.Latest()
	assert.Equal(t, Sample{DistanceCM: 20, Valid: true}, s)
	assert.Equal(t, uint32(1), seq)
}

func TestOverrunFallingEdgeIsInvalid(t *testing.T) {
	e := NewEcho(&recordingCapture{}, DefaultTiming(), 3)

	cycle(e, 0, 580) // 10 cm
	// A 38.5 ms no-echo pulse: the counter reading aliases to about 5 ms.
	e.HandleCapture(CaptureEvent{Edge: EdgeRising, Ticks: 1000})
	e.HandleCapture(CaptureEvent{Edge: EdgeFalling, Ticks: 11384, Overrun: true})

	s, seq := e.Latest()
	assert.Equal(t, Sample{}, s)
	assert.Equal(t, uint32(2), seq)
	assert.Equal(t, uint32(10), e.FilteredDistance())
	assert.Equal(t, uint64(1), e.Stats().Invalid)
	assert.Equal(t, AwaitingRising, e.Phase())
}

func TestOverrunRisingEdgeIsIgnored(t *testing.T) {
	e := NewEcho(&recordingCapture{}, DefaultTiming(), 3)

	e.HandleCapture(CaptureEvent{Edge: EdgeRising, Ticks: 10, Overrun: true})
	assert.Equal(t, AwaitingRising, e.Phase())
}

func TestTriggerWhileIdleIsNotAbandoned(t *testing.T) {
	e := NewEcho(&recordingCapture{}, DefaultTiming(), 3)
	require.NoError(t, e.Trigger(&recordingLine{}))
	require.NoError(t, e.Trigger(&recordingLine{}))
	assert.Equal(t, uint64(0), e.Stats().Abandoned)
	assert.Equal(t, uint64(2), e.Stats().Triggers)
}

func TestLatestSequenceWraps(t *testing.T) {
	e := NewEcho(&recordingCapture{}, DefaultTiming(), 3)
	e.latest.Store(uint64(seqMask) << seqShift)

	e.publish(Sample{DistanceCM: 7, Valid: true})
	s, seq := e.Latest()
	assert.Equal(t, uint32(0), seq)
	assert.Equal(t, Sample{DistanceCM: 7, Valid: true}, s)
}

// syncCapture calls back into the state machine like a hardware handler would.
type syncCapture struct {
	mu   sync.Mutex
	edge Edge
}

func (c *syncCapture) Restart(uint32) {}
func (c *syncCapture) Select(edge Edge) {
	c.mu.Lock()
	c.edge = edge
	c.mu.Unlock()
}

func TestConcurrentReadersSeeConsistentSamples(t *testing.T) {
	e := NewEcho(&syncCapture{}, DefaultTiming(), 3)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			cm := uint32(10 + i%2*90) // alternate 10 and 100 cm
			cycle(e, uint16(i*7), cm*58)
		}
	}()

	for i := 0; i < 2000; i++ {
		s, _ := e.Latest()
		if s.Valid && s.DistanceCM != 10 && s.DistanceCM != 100 {
			t.Fatalf("torn sample: %+v", s)
		}
		if !s.Valid && s.DistanceCM != 0 {
			t.Fatalf("invalid sample with distance: %+v", s)
		}
		d := e.FilteredDistance()
		if d != 0 && (d < 10 || d > 100) {
			t.Fatalf("filtered distance out of range: %d", d)
		}
	}
	wg.Wait()
}
