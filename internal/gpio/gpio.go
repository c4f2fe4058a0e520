// Package gpio binds the sonar, LEDs and buzzer to GPIO lines.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"time"

	"github.com/sweeney/tank-sensor/internal/logic"
	"github.com/sweeney/tank-sensor/internal/sonar"
)

// Panel drives the LED indicators and buzzer.
type Panel interface {
	Show(ind logic.Indicator) error
}

// Pins identifies the GPIO lines by chip offset (BCM numbering on a Pi).
// A negative SensorPower disables the power-enable output.
type Pins struct {
	Chip        string
	Trigger     int
	Echo        int
	Red         int
	Yellow      int
	Green       int
	Buzzer      int
	SensorPower int
}

// Default pin assignments (BCM numbering)
const (
	DefaultChip       = "gpiochip0"
	DefaultPinTrigger = 23
	DefaultPinEcho    = 24
	DefaultPinRed     = 17
	DefaultPinYellow  = 27
	DefaultPinGreen   = 22
	DefaultPinBuzzer  = 18
	DefaultPinPower   = 25
)

// DefaultPins returns the default wiring.
func DefaultPins() Pins {
	return Pins{
		Chip:        DefaultChip,
		Trigger:     DefaultPinTrigger,
		Echo:        DefaultPinEcho,
		Red:         DefaultPinRed,
		Yellow:      DefaultPinYellow,
		Green:       DefaultPinGreen,
		Buzzer:      DefaultPinBuzzer,
		SensorPower: DefaultPinPower,
	}
}

// panelOffsets returns the panel lines in Levels order.
func (p Pins) panelOffsets() []int {
	return []int{p.Red, p.Yellow, p.Green, p.Buzzer}
}

// Polarity records which outputs are wired active-low. Boards in the field
// differ, so this is deployment configuration.
type Polarity struct {
	LEDActiveLow    bool
	BuzzerActiveLow bool
}

// Levels converts a logical indicator into pin levels for red, yellow,
// green and buzzer, in that order.
func Levels(ind logic.Indicator, p Polarity) []int {
	return []int{
		level(ind.Red, p.LEDActiveLow),
		level(ind.Yellow, p.LEDActiveLow),
		level(ind.Green, p.LEDActiveLow),
		level(ind.Buzzer, p.BuzzerActiveLow),
	}
}

func level(on, activeLow bool) int {
	if on != activeLow {
		return 1
	}
	return 0
}

// TicksSince returns the free-running 16-bit counter value at ts for a
// counter that was zero at base. The counter wraps every 65536 ticks.
func TicksSince(base, ts, tick time.Duration) uint16 {
	return uint16((ts - base) / tick)
}

// counterSpan is the number of ticks before the 16-bit counter wraps.
const counterSpan = 1 << 16

// edgeEvent converts an edge timestamped ts into a capture event for the
// cycle whose counter was zeroed at base. ok is false for edges latched before
// base. An edge a full counter span or more after base is flagged Overrun,
// since its tick reading has aliased back into range.
func edgeEvent(edge sonar.Edge, cycle uint32, base, ts, tick time.Duration) (ev sonar.CaptureEvent, ok bool) {
	if ts < base {
		return sonar.CaptureEvent{}, false
	}
	return sonar.CaptureEvent{
		Edge:    edge,
		Ticks:   TicksSince(base, ts, tick),
		Cycle:   cycle,
		Overrun: ts-base >= counterSpan*tick,
	}, true
}
