package sonar

import (
	"math"
	"time"
)

// MaxTicks is the largest value of the 16-bit capture counter.
const MaxTicks = math.MaxUint16

// MicrosPerCentimetre converts round-trip echo time to one-way distance
// (half the speed of sound, ~343 m/s).
const MicrosPerCentimetre = 58

// Timing holds the capture unit's tick period and the sensor's valid echo window.
type Timing struct {
	TickNanos     uint32        // counter tick period
	MinEchoMicros uint32        // shortest plausible echo (~2.5 cm)
	MaxEchoMicros uint32        // longest plausible echo (~400 cm)
	PulseWidth    time.Duration // trigger pulse width
}

// DefaultTiming matches a 16 MHz timer with a /8 prescaler driving an HC-SR04.
func DefaultTiming() Timing {
	return Timing{
		TickNanos:     500,
		MinEchoMicros: 150,
		MaxEchoMicros: 23500,
		PulseWidth:    10 * time.Microsecond,
	}
}

// TickPeriod returns the tick period as a duration.
func (t Timing) TickPeriod() time.Duration {
	return time.Duration(t.TickNanos) * time.Nanosecond
}

// ElapsedTicks returns the ticks between two counter readings, allowing for at
// most one wrap of the 16-bit counter.
func ElapsedTicks(start, end uint16) uint32 {
	if end >= start {
		return uint32(end - start)
	}
	return uint32(MaxTicks-start) + uint32(end) + 1
}

// Micros converts ticks to whole microseconds, truncating.
func (t Timing) Micros(ticks uint32) uint32 {
	return uint32(uint64(ticks) * uint64(t.TickNanos) / 1000)
}

// Sample converts an echo pulse width to a distance sample.
// Widths outside [MinEchoMicros, MaxEchoMicros] produce an invalid zero sample.
// Inside the window the distance is us/58, truncated toward zero.
func (t Timing) Sample(us uint32) Sample {
	if us < t.MinEchoMicros || us > t.MaxEchoMicros {
		return Sample{}
	}
	return Sample{DistanceCM: us / MicrosPerCentimetre, Valid: true}
}
