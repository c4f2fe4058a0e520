package internal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sweeney/tank-sensor/internal/adc"
	"github.com/sweeney/tank-sensor/internal/gpio"
	"github.com/sweeney/tank-sensor/internal/history"
	"github.com/sweeney/tank-sensor/internal/link"
	"github.com/sweeney/tank-sensor/internal/logic"
	"github.com/sweeney/tank-sensor/internal/monitor"
	"github.com/sweeney/tank-sensor/internal/mqtt"
	"github.com/sweeney/tank-sensor/internal/sonar"
	"github.com/sweeney/tank-sensor/internal/status"
	"github.com/sweeney/tank-sensor/internal/telemetry"
)

var startTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// system wires simulated hardware through the loop and detector the same way
// the daemon does.
type system struct {
	sonar    *gpio.FakeSonar
	probe    *adc.FakeReader
	panel    *gpio.FakePanel
	echo     *sonar.Echo
	loop     *monitor.Loop
	detector *logic.Detector
	pub      *mqtt.FakePublisher
}

func newSystem(t *testing.T, cm uint32, conductivity uint16, opts monitor.Options) *system {
	t.Helper()
	timing := sonar.DefaultTiming()
	s := &system{
		sonar:    gpio.NewFakeSonar(timing.TickNanos, cm),
		probe:    adc.NewFakeReader(conductivity),
		panel:    gpio.NewFakePanel(),
		detector: logic.NewDetector(250*time.Millisecond, startTime),
		pub:      mqtt.NewFakePublisher(),
	}
	s.echo = sonar.NewEcho(s.sonar, timing, sonar.DefaultFilterSize)
	s.sonar.OnCapture(s.echo.HandleCapture)
	s.loop = monitor.New(s.echo, s.sonar, s.probe, s.panel, opts, startTime)
	s.loop.AddReporter(s.pub)
	return s
}

func defaultOptions() monitor.Options {
	return monitor.Options{
		TriggerEvery:   1,
		TelemetryEvery: 5,
		Tank:           logic.DefaultTankConfig(),
		Contamination:  logic.DefaultContamination(),
	}
}

// run steps the loop n times at 100ms intervals from iteration `from`,
// publishing any debounced events.
func (s *system) run(t *testing.T, from, n int) monitor.Snapshot {
	t.Helper()
	var snap monitor.Snapshot
	for i := from; i < from+n; i++ {
		now := startTime.Add(time.Duration(i) * 100 * time.Millisecond)
		snap = s.loop.Step(now)
		for _, ev := range s.detector.Process(snap.Status, now) {
			if err := s.pub.Publish(ev); err != nil {
				t.Fatalf("step %d: publish error: %v", i, err)
			}
		}
	}
	return snap
}

// TestIntegrationFullFlow follows a 15cm tank from half full through
// overflow and contamination back to empty.
func TestIntegrationFullFlow(t *testing.T) {
	s := newSystem(t, 10, 50, defaultOptions())

	s.run(t, 0, 4) // HALF_FULL baseline
	if !s.detector.IsBaselined() || s.detector.CurrentKind() != logic.StatusHalfFull {
		t.Fatalf("baseline: got %q baselined=%v", s.detector.CurrentKind(), s.detector.IsBaselined())
	}

	s.sonar.SetDistance(3)
	s.run(t, 4, 8) // filter settles, then debounce
	s.probe.Set(300)
	s.run(t, 12, 6)
	s.probe.Set(50)
	s.sonar.SetDistance(14)
	s.run(t, 18, 8)

	want := []struct{ from, to logic.StatusKind }{
		{logic.StatusHalfFull, logic.StatusOverflowWarning},
		{logic.StatusOverflowWarning, logic.StatusContaminated},
		{logic.StatusContaminated, logic.StatusEmpty},
	}
	if len(s.pub.Events) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(s.pub.Events), s.pub.Events)
	}
	for i, w := range want {
		ev := s.pub.Events[i]
		if ev.From != w.from || ev.To != w.to {
			t.Errorf("event %d: got %s -> %s, want %s -> %s", i, ev.From, ev.To, w.from, w.to)
		}
	}

	counts := s.detector.EventCountsSnapshot()
	if counts.OverflowWarning != 1 || counts.Contaminated != 1 || counts.Empty != 1 {
		t.Errorf("counts: got %+v", counts)
	}

	// The panel followed every status.
	shown := []logic.Indicator{
		logic.IndicatorFor(logic.StatusHalfFull),
		logic.IndicatorFor(logic.StatusOverflowWarning),
		logic.IndicatorFor(logic.StatusContaminated),
	}
	for _, ind := range shown {
		found := false
		for _, c := range s.panel.Changes {
			if c == ind {
				found = true
			}
		}
		if !found {
			t.Errorf("panel never showed %+v", ind)
		}
	}
	if s.panel.Last() != logic.IndicatorFor(logic.StatusEmpty) {
		t.Errorf("panel last: got %+v", s.panel.Last())
	}
}

func TestIntegrationNoEventsAtStartup(t *testing.T) {
	s := newSystem(t, 10, 50, defaultOptions())
	s.run(t, 0, 10)

	if len(s.pub.Events) != 0 {
		t.Errorf("expected no events for a steady tank, got %+v", s.pub.Events)
	}
}

func TestIntegrationBounceRejection(t *testing.T) {
	s := newSystem(t, 10, 50, defaultOptions())
	s.run(t, 0, 4)

	s.probe.Set(300)
	s.run(t, 4, 2)
	s.probe.Set(50)
	s.run(t, 6, 6)

	if len(s.pub.Events) != 0 {
		t.Errorf("expected bounce to be rejected, got %+v", s.pub.Events)
	}
}

func TestIntegrationTelemetryCadence(t *testing.T) {
	s := newSystem(t, 10, 50, defaultOptions())
	s.run(t, 0, 12)

	if len(s.pub.Records) != 2 {
		t.Fatalf("records: got %d, want 2", len(s.pub.Records))
	}
	rec := s.pub.Records[0]
	if rec.TimestampMs != 400 {
		t.Errorf("timestamp: got %d, want 400", rec.TimestampMs)
	}
	if rec.FillPercent != 33 || rec.Conductivity != 50 || rec.Status != logic.StatusHalfFull || rec.Alert {
		t.Errorf("record: got %+v", rec)
	}
}

func TestIntegrationPublishFailureDoesNotCrash(t *testing.T) {
	s := newSystem(t, 10, 50, defaultOptions())
	s.pub.ReportError = errors.New("broker down")

	snap := s.run(t, 0, 10)
	if snap.Status.Kind != logic.StatusHalfFull {
		t.Errorf("loop should keep evaluating, got %s", snap.Status.Kind)
	}
}

func TestIntegrationPayloadFormat(t *testing.T) {
	s := newSystem(t, 10, 50, defaultOptions())
	s.run(t, 0, 4)
	s.probe.Set(300)
	s.run(t, 4, 4)

	if len(s.pub.Payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(s.pub.Payloads))
	}
	var p mqtt.Payload
	if err := json.Unmarshal(s.pub.Payloads[0], &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Tank.Event != "STATUS_CHANGE" || p.Tank.From != "HALF_FULL" || p.Tank.To != "CONTAMINATED" || !p.Tank.Alert {
		t.Errorf("payload: got %+v", p.Tank)
	}
}

// TestIntegrationSerialLink runs telemetry and a height command over an
// in-memory serial port.
func TestIntegrationSerialLink(t *testing.T) {
	s := newSystem(t, 10, 50, defaultOptions())

	devR, devW := io.Pipe()   // daemon -> display
	dispR, dispW := io.Pipe() // display -> daemon
	l := link.New(struct {
		io.Reader
		io.Writer
		io.Closer
	}{dispR, devW, dispR})
	s.loop.AddReporter(monitor.NewLineReporter(l, telemetry.Compact))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbound := make(chan string, 1)
	go l.Run(ctx, inbound)

	received := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(devR)
		for sc.Scan() {
			received <- sc.Text()
		}
	}()

	s.run(t, 0, 5)
	line := <-received
	rec, err := telemetry.Parse(line)
	if err != nil {
		t.Fatalf("parse %q: %v", line, err)
	}
	if rec.Status != logic.StatusHalfFull || rec.FillPercent != 33 {
		t.Errorf("record: got %+v", rec)
	}

	// The display sets a new tank height; the reply travels back on the link.
	io.WriteString(dispW, "12\n")
	reply := make(chan string, 1)
	s.loop.Handle(monitor.Command{Raw: <-inbound, Reply: reply})
	if err := l.WriteLine(<-reply); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	if got := <-received; got != "ACK:H:12" {
		t.Errorf("reply: got %q, want ACK:H:12", got)
	}

	snap := s.run(t, 5, 1)
	if snap.Tank.HeightCM != 12 || snap.Status.Kind != logic.StatusEmpty {
		t.Errorf("after height change: got height %v status %s", snap.Tank.HeightCM, snap.Status.Kind)
	}
}

func TestIntegrationHistory(t *testing.T) {
	s := newSystem(t, 10, 50, defaultOptions())
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), "session-1", 0, func() time.Time { return startTime })
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()
	s.loop.AddReporter(store)

	s.run(t, 0, 15)

	entries, err := store.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries: got %d, want 3", len(entries))
	}
	if entries[0].UptimeMs != 1400 || entries[0].Status != logic.StatusHalfFull {
		t.Errorf("newest entry: got %+v", entries[0])
	}
}

func TestIntegrationStatusSnapshot(t *testing.T) {
	s := newSystem(t, 10, 50, defaultOptions())
	tracker := status.NewTracker(startTime, "session-1", status.Config{Broker: "tcp://localhost:1883"})

	snap := s.run(t, 0, 5)
	tracker.Update(status.Reading{
		Status:       snap.Status,
		DistanceCM:   snap.DistanceCM,
		Conductivity: snap.Conductivity,
		Tank:         snap.Tank,
	}, s.detector.CurrentKind(), s.detector.IsBaselined(), s.detector.EventCountsSnapshot())
	tracker.SetSonar(s.echo.Stats())

	var sj status.StatusJSON
	if err := json.Unmarshal(status.FormatStatusEvent(tracker.Snapshot(), "HEARTBEAT", ""), &sj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sj.Status.Event != "HEARTBEAT" || sj.Status.State != "HALF_FULL" || !sj.Status.Ready {
		t.Errorf("status: got %+v", sj.Status)
	}
	if sj.Status.Sonar.Triggers != 5 || sj.Status.Sonar.Completed != 5 {
		t.Errorf("sonar: got %+v", sj.Status.Sonar)
	}
	if sj.Status.Reading.DistanceCM != 10 {
		t.Errorf("distance: got %d", sj.Status.Reading.DistanceCM)
	}
}
