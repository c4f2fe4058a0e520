package sonar

import (
	"sync"
	"sync/atomic"
)

// Echo is the two-edge echo state machine.
//
// HandleCapture runs in the capture handler's context and is the only writer
// of the published sample and the filter. The main loop calls Trigger,
// Latest and FilteredDistance. mu is the critical section around everything
// shared except the published sample, which is a single atomic word.
type Echo struct {
	capture Capture
	timing  Timing

	mu     sync.Mutex
	phase  Phase
	start  uint16
	cycle  uint32
	filter *Filter
	stats  Stats

	// latest packs distance (bits 0-31), validity (bit 32) and a completion
	// sequence number (bits 33-63).
	latest atomic.Uint64
}

const (
	validBit = 1 << 32
	seqShift = 33
	seqMask  = 1<<31 - 1
	distMask = 1<<32 - 1
)

// NewEcho creates a state machine driving capture. filterSize <= 0 uses DefaultFilterSize.
func NewEcho(capture Capture, timing Timing, filterSize int) *Echo {
	if filterSize <= 0 {
		filterSize = DefaultFilterSize
	}
	return &Echo{
		capture: capture,
		timing:  timing,
		filter:  NewFilter(filterSize),
	}
}

// Trigger starts a new measurement cycle. It may be called at any time: an
// in-flight cycle is abandoned and its pulse start forgotten.
func (e *Echo) Trigger(line TriggerLine) error {
	e.mu.Lock()
	if e.phase == AwaitingFalling {
		e.stats.Abandoned++
	}
	e.phase = AwaitingRising
	e.start = 0
	e.stats.Triggers++
	e.cycle++
	if e.cycle == 0 {
		e.cycle = 1
	}
	e.capture.Restart(e.cycle)
	e.capture.Select(EdgeRising)
	e.mu.Unlock()

	// The echo edges arrive through HandleCapture, which needs mu.
	return line.Pulse(e.timing.PulseWidth)
}

// HandleCapture consumes one latched edge. Edges that do not match the
// current phase, or that were latched for an earlier cycle, are ignored.
// A falling edge with Overrun completes the cycle with an invalid sample.
func (e *Echo) HandleCapture(ev CaptureEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.Cycle != 0 && ev.Cycle != e.cycle {
		return
	}

	switch e.phase {
	case AwaitingRising:
		if ev.Edge != EdgeRising || ev.Overrun {
			return
		}
		e.start = ev.Ticks
		e.phase = AwaitingFalling
		e.capture.Select(EdgeFalling)

	case AwaitingFalling:
		if ev.Edge != EdgeFalling {
			return
		}
		var s Sample
		if !ev.Overrun {
			s = e.timing.Sample(e.timing.Micros(ElapsedTicks(e.start, ev.Ticks)))
		}
		e.publish(s)
		if s.Valid {
			e.filter.Push(s.DistanceCM)
		} else {
			e.stats.Invalid++
		}
		e.stats.Completed++
		e.phase = AwaitingRising
		e.start = 0
		e.capture.Select(EdgeRising)
	}
}

func (e *Echo) publish(s Sample) {
	prev := e.latest.Load()
	seq := (prev>>seqShift + 1) & seqMask
	word := seq<<seqShift | uint64(s.DistanceCM)
	if s.Valid {
		word |= validBit
	}
	e.latest.Store(word)
}

// Latest returns the most recent sample and its completion sequence number.
// seq is 0 until the first cycle completes and wraps after 2^31 cycles.
func (e *Echo) Latest() (Sample, uint32) {
	w := e.latest.Load()
	return Sample{
		DistanceCM: uint32(w & distMask),
		Valid:      w&validBit != 0,
	}, uint32(w >> seqShift)
}

// FilteredDistance returns the mean of the recent valid distances, or the
// latest raw distance (possibly 0) when no valid distance has been recorded.
func (e *Echo) FilteredDistance() uint32 {
	e.mu.Lock()
	avg, ok := e.filter.Average()
	e.mu.Unlock()
	if ok {
		return avg
	}
	s, _ := e.Latest()
	return s.DistanceCM
}

// Phase returns the current state machine phase.
func (e *Echo) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Stats returns a copy of the cycle counters.
func (e *Echo) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Filtered returns a copy of the filter ring, for diagnostics.
func (e *Echo) Filtered() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filter.Values()
}
