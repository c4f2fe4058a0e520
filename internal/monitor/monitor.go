// Package monitor is the fixed-period scheduling loop. Each Step reads the
// filtered distance, evaluates the alert policy and drives the panel; every
// few steps it also samples conductivity, triggers a sonar cycle and emits a
// telemetry record.
//
// A Loop is owned by the goroutine that calls Step. Other goroutines change
// its configuration by sending a Command to that goroutine.
package monitor

import (
	"math"
	"time"

	"github.com/sweeney/tank-sensor/internal/adc"
	"github.com/sweeney/tank-sensor/internal/gpio"
	"github.com/sweeney/tank-sensor/internal/log"
	"github.com/sweeney/tank-sensor/internal/logic"
	"github.com/sweeney/tank-sensor/internal/sonar"
	"github.com/sweeney/tank-sensor/internal/telemetry"
)

// Ranger is the distance side of the echo state machine.
type Ranger interface {
	Trigger(line sonar.TriggerLine) error
	FilteredDistance() uint32
	Latest() (sonar.Sample, uint32)
}

// Reporter receives each telemetry record.
type Reporter interface {
	Report(rec telemetry.Record) error
}

// Options configures a Loop.
type Options struct {
	TriggerEvery   int // iterations between sonar triggers
	TelemetryEvery int // iterations between telemetry records
	StaleAfter     time.Duration
	Tank           logic.TankConfig
	Contamination  logic.Contamination
}

// Snapshot is the outcome of one Step.
type Snapshot struct {
	Iteration    uint64
	Status       logic.Status
	DistanceCM   uint32
	Conductivity uint16
	Tank         logic.TankConfig
	Stale        bool
}

// Command is a tank height command. The reply (ACK or ERR line) is sent on
// Reply without blocking; Reply should be buffered or nil.
type Command struct {
	Raw   string
	Reply chan<- string
}

// Loop holds the scheduling state.
type Loop struct {
	ranger       Ranger
	trigger      sonar.TriggerLine
	conductivity adc.Reader
	panel        gpio.Panel
	reporters    []Reporter
	opts         Options
	start        time.Time

	iter       uint64
	lastCond   uint16
	tank       logic.TankConfig
	lastSeq    uint32
	lastSeqAt  time.Time
	adcFailed  bool
	showFailed bool
}

// New creates a Loop. start is the reference for telemetry timestamps and
// the staleness clock.
func New(r Ranger, trigger sonar.TriggerLine, conductivity adc.Reader, panel gpio.Panel, opts Options, start time.Time) *Loop {
	if opts.TriggerEvery < 1 {
		opts.TriggerEvery = 1
	}
	if opts.TelemetryEvery < 1 {
		opts.TelemetryEvery = 1
	}
	return &Loop{
		ranger:       r,
		trigger:      trigger,
		conductivity: conductivity,
		panel:        panel,
		opts:         opts,
		start:        start,
		tank:         opts.Tank,
		lastSeqAt:    start,
	}
}

// AddReporter registers a telemetry destination.
func (l *Loop) AddReporter(r Reporter) {
	l.reporters = append(l.reporters, r)
}

// Step runs one loop iteration at now.
func (l *Loop) Step(now time.Time) Snapshot {
	if l.iter%uint64(l.opts.TriggerEvery) == 0 {
		l.sampleConductivity()
		if err := l.ranger.Trigger(l.trigger); err != nil {
			log.Warnf("sonar trigger error: %v", err)
		}
	}

	distance := l.ranger.FilteredDistance()
	if _, seq := l.ranger.Latest(); seq != l.lastSeq {
		l.lastSeq = seq
		l.lastSeqAt = now
	}

	st := logic.Evaluate(logic.Input{Conductivity: l.lastCond, DistanceCM: distance}, l.tank, l.opts.Contamination)
	l.show(logic.IndicatorFor(st.Kind))

	snap := Snapshot{
		Iteration:    l.iter,
		Status:       st,
		DistanceCM:   distance,
		Conductivity: l.lastCond,
		Tank:         l.tank,
		Stale:        l.Stale(now),
	}

	l.iter++
	if l.iter%uint64(l.opts.TelemetryEvery) == 0 {
		l.report(Record(snap, now.Sub(l.start)))
	}
	return snap
}

// sampleConductivity keeps the previous reading when the ADC fails. Errors
// are logged once per failure run.
func (l *Loop) sampleConductivity() {
	v, err := l.conductivity.Read()
	if err != nil {
		if !l.adcFailed {
			log.Warnf("adc read error (keeping %d): %v", l.lastCond, err)
		}
		l.adcFailed = true
		return
	}
	if l.adcFailed {
		log.Infof("adc read recovered")
	}
	l.adcFailed = false
	l.lastCond = v
}

func (l *Loop) show(ind logic.Indicator) {
	if err := l.panel.Show(ind); err != nil {
		if !l.showFailed {
			log.Warnf("panel error: %v", err)
		}
		l.showFailed = true
		return
	}
	l.showFailed = false
}

func (l *Loop) report(rec telemetry.Record) {
	for _, r := range l.reporters {
		if err := r.Report(rec); err != nil {
			log.Warnf("telemetry report error: %v", err)
		}
	}
}

// Record converts a snapshot taken at uptime into a telemetry record.
func Record(s Snapshot, uptime time.Duration) telemetry.Record {
	return telemetry.Record{
		TimestampMs:  uint64(uptime.Milliseconds()),
		FillPercent:  int(math.Round(s.Status.FillPercent)),
		Conductivity: s.Conductivity,
		Status:       s.Status.Kind,
		Alert:        s.Status.Alert,
	}
}

// ApplyHeight parses and applies a tank height command. The new height is
// used from the next Step. On rejection the configuration is unchanged.
func (l *Loop) ApplyHeight(raw string) (reply string, ok bool) {
	h, err := telemetry.ParseHeight(raw)
	if err != nil {
		log.Warnf("height command rejected: %v", err)
		return telemetry.FormatReject(raw), false
	}
	log.Infof("tank height: %v -> %d cm", l.tank.HeightCM, h)
	l.tank.HeightCM = float64(h)
	return telemetry.FormatAck(h), true
}

// Handle applies cmd and delivers the reply.
func (l *Loop) Handle(cmd Command) bool {
	reply, ok := l.ApplyHeight(cmd.Raw)
	if cmd.Reply != nil {
		select {
		case cmd.Reply <- reply:
		default:
			log.Warnf("height command reply dropped: %s", reply)
		}
	}
	return ok
}

// Tank returns the current tank configuration.
func (l *Loop) Tank() logic.TankConfig {
	return l.tank
}

// Stale reports whether no echo cycle has completed for longer than
// StaleAfter. A zero StaleAfter disables the check.
func (l *Loop) Stale(now time.Time) bool {
	return l.opts.StaleAfter > 0 && now.Sub(l.lastSeqAt) > l.opts.StaleAfter
}

// LineWriter writes one newline-terminated line.
type LineWriter interface {
	WriteLine(s string) error
}

// LineReporter encodes records onto a line writer.
type LineReporter struct {
	w      LineWriter
	format telemetry.Format
}

// NewLineReporter creates a LineReporter for format.
func NewLineReporter(w LineWriter, format telemetry.Format) *LineReporter {
	return &LineReporter{w: w, format: format}
}

// Report encodes rec and writes it.
func (r *LineReporter) Report(rec telemetry.Record) error {
	line, err := telemetry.Encode(rec, r.format)
	if err != nil {
		return err
	}
	return r.w.WriteLine(line)
}
