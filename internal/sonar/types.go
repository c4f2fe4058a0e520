// Package sonar implements HC-SR04 echo timing on top of a two-edge capture unit.
// It has no GPIO or OS dependencies: the capture unit and trigger line are
// interfaces, and capture events are delivered by whoever owns the hardware.
package sonar

import "time"

// Edge is the kind of input transition a capture unit latches on.
type Edge uint8

const (
	EdgeRising Edge = iota + 1
	EdgeFalling
)

func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "RISING"
	case EdgeFalling:
		return "FALLING"
	}
	return "UNKNOWN"
}

// Phase is the echo state machine's position within one measurement cycle.
type Phase uint8

const (
	AwaitingRising Phase = iota
	AwaitingFalling
)

func (p Phase) String() string {
	if p == AwaitingFalling {
		return "AWAITING_FALLING"
	}
	return "AWAITING_RISING"
}

// CaptureEvent is one latched edge: which edge fired and the counter value at that instant.
type CaptureEvent struct {
	Edge  Edge
	Ticks uint16

	// Cycle is the value passed to the Restart that armed the unit. Units that
	// discard latched edges atomically on Restart may leave it 0.
	Cycle uint32

	// Overrun reports that a full counter span has elapsed, so Ticks has
	// aliased and no longer measures the pulse.
	Overrun bool
}

// Sample is the result of one completed echo cycle.
// An invalid sample always has DistanceCM == 0.
type Sample struct {
	DistanceCM uint32
	Valid      bool
}

// Stats counts measurement cycles since startup.
type Stats struct {
	Triggers  uint64 // Trigger calls
	Completed uint64 // falling edges that produced a sample
	Invalid   uint64 // completed samples outside the validity window
	Abandoned uint64 // cycles force-reset while awaiting the falling edge
}

// Capture is the hardware capture unit driven by the state machine.
type Capture interface {
	// Restart zeroes the counter (or records a new baseline) and discards any
	// edge latched before the call. Edges latched afterwards carry cycle.
	Restart(cycle uint32)
	// Select arms the unit to latch the given edge next.
	Select(edge Edge)
}

// TriggerLine emits the sonar trigger pulse.
type TriggerLine interface {
	// Pulse holds the line high for width. Implementations busy-wait; width is
	// a few microseconds.
	Pulse(width time.Duration) error
}
