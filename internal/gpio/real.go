//go:build linux

package gpio

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"golang.org/x/sys/unix"

	"github.com/sweeney/tank-sensor/internal/logic"
	"github.com/sweeney/tank-sensor/internal/sonar"
)

// Hardware drives the sonar, panel and sensor power through the GPIO character device.
//
// It is the capture unit for the echo state machine: the kernel timestamps
// every echo edge, and handleEvent folds those timestamps into a 16-bit tick
// counter that starts at zero on each Restart. Edges past the counter span
// are delivered with Overrun set.
type Hardware struct {
	chip    *gpiocdev.Chip
	trigger *gpiocdev.Line
	echo    *gpiocdev.Line
	panel   *gpiocdev.Lines
	power   *gpiocdev.Line

	polarity Polarity
	tick     time.Duration

	armed   atomic.Pointer[epoch]
	edge    atomic.Uint32 // selected sonar.Edge
	handler atomic.Pointer[func(sonar.CaptureEvent)]
	halted  atomic.Bool
}

// epoch is the counter baseline and the cycle it was armed for. Both are
// swapped together so an edge never pairs one cycle's baseline with another's
// number.
type epoch struct {
	base  time.Duration // CLOCK_MONOTONIC at Restart
	cycle uint32
}

// Open requests every line in pins. tick is the capture counter period.
func Open(pins Pins, polarity Polarity, tick time.Duration) (*Hardware, error) {
	if tick <= 0 {
		return nil, fmt.Errorf("invalid tick period %v", tick)
	}
	chip, err := gpiocdev.NewChip(pins.Chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	h := &Hardware{chip: chip, polarity: polarity, tick: tick}
	h.edge.Store(uint32(sonar.EdgeRising))
	h.armed.Store(&epoch{})

	h.trigger, err = chip.RequestLine(pins.Trigger, gpiocdev.AsOutput(0))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("request trigger pin %d: %w", pins.Trigger, err)
	}

	// Event timestamps default to CLOCK_MONOTONIC, which is what Restart reads.
	h.echo, err = chip.RequestLine(pins.Echo,
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(h.handleEvent))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("request echo pin %d: %w", pins.Echo, err)
	}

	h.panel, err = chip.RequestLines(pins.panelOffsets(), gpiocdev.AsOutput(Levels(logic.Indicator{}, polarity)...))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("request panel pins %v: %w", pins.panelOffsets(), err)
	}

	if pins.SensorPower >= 0 {
		h.power, err = chip.RequestLine(pins.SensorPower, gpiocdev.AsOutput(1))
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("request sensor power pin %d: %w", pins.SensorPower, err)
		}
	}

	return h, nil
}

// OnCapture registers the function that receives capture events. Events
// arriving before registration are dropped.
func (h *Hardware) OnCapture(fn func(sonar.CaptureEvent)) {
	h.handler.Store(&fn)
}

// Restart records a new counter baseline for cycle. Edges timestamped before
// it are stale.
func (h *Hardware) Restart(cycle uint32) {
	h.armed.Store(&epoch{base: time.Duration(monotonicNow()), cycle: cycle})
}

// Select arms the capture for one edge kind; the other kind is ignored.
func (h *Hardware) Select(edge sonar.Edge) {
	h.edge.Store(uint32(edge))
}

// Pulse drives the trigger line high for width.
func (h *Hardware) Pulse(width time.Duration) error {
	if err := h.trigger.SetValue(1); err != nil {
		return fmt.Errorf("set trigger high: %w", err)
	}
	busyWait(width)
	if err := h.trigger.SetValue(0); err != nil {
		return fmt.Errorf("set trigger low: %w", err)
	}
	return nil
}

// Show sets the panel outputs.
func (h *Hardware) Show(ind logic.Indicator) error {
	if err := h.panel.SetValues(Levels(ind, h.polarity)); err != nil {
		return fmt.Errorf("set panel: %w", err)
	}
	return nil
}

func (h *Hardware) handleEvent(evt gpiocdev.LineEvent) {
	fn := h.handler.Load()
	if fn == nil {
		return
	}
	var edge sonar.Edge
	switch evt.Type {
	case gpiocdev.LineEventRisingEdge:
		edge = sonar.EdgeRising
	case gpiocdev.LineEventFallingEdge:
		edge = sonar.EdgeFalling
	default:
		return
	}
	if uint32(edge) != h.edge.Load() {
		return
	}
	ep := h.armed.Load()
	ev, ok := edgeEvent(edge, ep.cycle, ep.base, evt.Timestamp, h.tick)
	if !ok {
		return
	}
	(*fn)(ev)
}

func monotonicNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

// busyWait spins for d. Sleeping would overshoot a 10us pulse by orders of magnitude.
func busyWait(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}

// Halt lights every panel output and latches them: Close leaves a halted
// panel lit so a failed start stays visible after the process exits.
func (h *Hardware) Halt() error {
	h.halted.Store(true)
	return h.Show(logic.AllOn())
}

// Close releases GPIO resources.
// Outputs are driven to their inactive level (unless halted) and the trigger
// line is returned to input with pull-down (matching Pi boot defaults) before
// closing.
func (h *Hardware) Close() error {
	var errs []error

	if h.panel != nil {
		if !h.halted.Load() {
			if err := h.panel.SetValues(Levels(logic.Indicator{}, h.polarity)); err != nil {
				errs = append(errs, fmt.Errorf("clear panel: %w", err))
			}
		}
		if err := h.panel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close panel: %w", err))
		}
	}
	if h.trigger != nil {
		if err := h.trigger.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure trigger pin: %w", err))
		}
		if err := h.trigger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close trigger pin: %w", err))
		}
	}
	if h.echo != nil {
		if err := h.echo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close echo pin: %w", err))
		}
	}
	if h.power != nil {
		if err := h.power.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("sensor power off: %w", err))
		}
		if err := h.power.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sensor power pin: %w", err))
		}
	}
	if h.chip != nil {
		if err := h.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
