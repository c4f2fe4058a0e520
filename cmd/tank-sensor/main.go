// Command tank-sensor measures tank level with an HC-SR04 sonar and water
// quality with a conductivity probe, drives the alert panel, and reports over
// a serial radio link, MQTT and HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/tank-sensor/internal/adc"
	"github.com/sweeney/tank-sensor/internal/config"
	"github.com/sweeney/tank-sensor/internal/gpio"
	"github.com/sweeney/tank-sensor/internal/history"
	"github.com/sweeney/tank-sensor/internal/link"
	"github.com/sweeney/tank-sensor/internal/log"
	"github.com/sweeney/tank-sensor/internal/logic"
	"github.com/sweeney/tank-sensor/internal/monitor"
	"github.com/sweeney/tank-sensor/internal/mqtt"
	"github.com/sweeney/tank-sensor/internal/sonar"
	"github.com/sweeney/tank-sensor/internal/status"
	"github.com/sweeney/tank-sensor/internal/web"
)

func main() {
	configPath := flag.String("config", "/etc/tank-sensor.yaml", "YAML configuration file")
	broker := flag.String("broker", "", "MQTT broker address (overrides config)")
	httpAddr := flag.String("http", "", "HTTP status address (overrides config)")
	wsBroker := flag.String("ws-broker", "", `MQTT websocket URL for live UI ("=broker" derives from --broker, "off" disables)`)
	linkPort := flag.String("link", "", "serial link device (overrides config)")
	simulate := flag.Bool("simulate", false, "Run against simulated sonar, probe and panel")
	simDistance := flag.Uint("sim-distance", 40, "Simulated distance to the liquid surface in cm")
	measure := flag.Bool("measure", false, "Take one measurement, print it and exit")
	debug := flag.Bool("debug", false, "Development logging")

	flag.Parse()

	if err := log.Init(*debug); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// daemon returns instead of exiting so its deferred device and link
	// closes run before the process ends.
	err := daemon(*configPath, *simulate, uint32(*simDistance), *measure, func(cfg *config.Config) {
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		applyFlags(cfg, set, *broker, *httpAddr, *wsBroker, *linkPort)
	})
	if err != nil {
		log.Errorf("fatal: %v", err)
		log.Sync()
		os.Exit(1)
	}
	log.Sync()
}

func daemon(configPath string, simulate bool, simDistance uint32, measure bool, overrides func(*config.Config)) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	overrides(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	dev, err := openDevices(cfg, simulate, simDistance)
	if err != nil {
		return err
	}
	defer dev.Close()

	if measure {
		return measureOnce(cfg, dev)
	}
	return run(cfg, dev)
}

// applyFlags copies explicitly set flags over the file configuration.
func applyFlags(cfg *config.Config, set map[string]bool, broker, httpAddr, wsBroker, linkPort string) {
	if set["broker"] {
		cfg.MQTT.Broker = broker
	}
	if set["http"] {
		cfg.HTTP.Addr = httpAddr
	}
	if set["ws-broker"] {
		cfg.MQTT.WSBroker = wsBroker
	}
	if set["link"] {
		cfg.Link.Port = linkPort
	}
}

// capture is a sonar capture unit that delivers events to a handler.
type capture interface {
	sonar.Capture
	OnCapture(fn func(sonar.CaptureEvent))
}

// devices are the peripherals behind the loop.
type devices struct {
	capture capture
	trigger sonar.TriggerLine
	panel   gpio.Panel
	probe   adc.Reader
	closers []func() error
}

// halter is a panel that can latch every output on for a failed start.
type halter interface {
	Halt() error
}

// halt lights the whole panel and keeps it lit through Close, so a startup
// failure stays visible on site. It returns cause.
func (d *devices) halt(cause error) error {
	h, ok := d.panel.(halter)
	if !ok {
		return cause
	}
	if err := h.Halt(); err != nil {
		log.Errorf("panel error: %v", err)
	}
	return cause
}

func (d *devices) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openDevices(cfg *config.Config, simulate bool, simDistance uint32) (*devices, error) {
	if simulate {
		fs := gpio.NewFakeSonar(cfg.Sonar.TickNanos, simDistance)
		probe := adc.NewFakeReader(cfg.Contamination.Threshold / 2)
		panel := gpio.NewFakePanel()
		log.Infof("simulating sonar at %dcm, conductivity %d", simDistance, cfg.Contamination.Threshold/2)
		return &devices{capture: fs, trigger: fs, panel: panel, probe: probe, closers: []func() error{panel.Close}}, nil
	}

	hw, err := gpio.Open(cfg.Pins(), cfg.Polarity(), cfg.Timing().TickPeriod())
	if err != nil {
		return nil, fmt.Errorf("init gpio: %w", err)
	}
	probe, err := adc.OpenMCP3008(cfg.ADC.SPIPort, cfg.ADC.Channel)
	if err != nil {
		// Panel is up: light everything so the failure is visible on site.
		if haltErr := hw.Halt(); haltErr != nil {
			log.Errorf("panel error: %v", haltErr)
		}
		hw.Close()
		return nil, fmt.Errorf("init adc: %w", err)
	}
	return &devices{
		capture: hw,
		trigger: hw,
		panel:   hw,
		probe:   probe,
		closers: []func() error{hw.Close, probe.Close},
	}, nil
}

// measureOnce triggers a single echo cycle and prints the result.
func measureOnce(cfg *config.Config, dev *devices) error {
	echo := sonar.NewEcho(dev.capture, cfg.Timing(), cfg.Sonar.FilterSize)
	dev.capture.OnCapture(echo.HandleCapture)

	cond, err := dev.probe.Read()
	if err != nil {
		return fmt.Errorf("read adc: %w", err)
	}
	if err := echo.Trigger(dev.trigger); err != nil {
		return fmt.Errorf("trigger sonar: %w", err)
	}
	time.Sleep(50 * time.Millisecond)

	s, seq := echo.Latest()
	st := logic.Evaluate(logic.Input{Conductivity: cond, DistanceCM: s.DistanceCM}, cfg.TankConfig(), cfg.ContaminationPolicy())
	fmt.Printf("distance: %dcm (valid=%v seq=%d), conductivity: %d, status: %s, fill: %.0f%%\n",
		s.DistanceCM, s.Valid, seq, cond, st.Kind, st.FillPercent)
	return nil
}

func run(cfg *config.Config, dev *devices) error {
	start := time.Now()
	session := uuid.NewString()
	timing := cfg.Timing()

	echo := sonar.NewEcho(dev.capture, timing, cfg.Sonar.FilterSize)
	dev.capture.OnCapture(echo.HandleCapture)

	loop := monitor.New(echo, dev.trigger, dev.probe, dev.panel, monitor.Options{
		TriggerEvery:   cfg.Loop.TriggerEvery,
		TelemetryEvery: cfg.Loop.TelemetryEvery,
		StaleAfter:     cfg.Loop.StaleAfter,
		Tank:           cfg.TankConfig(),
		Contamination:  cfg.ContaminationPolicy(),
	}, start)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	commands := make(chan monitor.Command)

	// Serial radio link
	if cfg.Link.Port != "" {
		l, err := link.Open(cfg.Link.Port, cfg.Link.Baud)
		if err != nil {
			return dev.halt(fmt.Errorf("init link: %w", err))
		}
		defer l.Close()
		loop.AddReporter(monitor.NewLineReporter(l, cfg.Link.Format))

		lines := make(chan string)
		go func() {
			if err := l.Run(ctx, lines); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("link stopped: %v", err)
			}
		}()
		go forwardCommands(ctx, lines, commands, l)
		log.Infof("serial link on %s at %d baud (%s)", cfg.Link.Port, cfg.Link.Baud, cfg.Link.Format)
	}

	// Local history
	var store *history.Store
	if cfg.History.Path != "" {
		var err error
		store, err = history.Open(cfg.History.Path, session, cfg.History.Keep, time.Now)
		if err != nil {
			return dev.halt(fmt.Errorf("init history: %w", err))
		}
		defer store.Close()
		loop.AddReporter(store)
	}

	// MQTT
	var publisher mqtt.Publisher
	var mqttStatus mqtt.ConnectionStatus
	if cfg.MQTT.Broker != "" {
		p := mqtt.NewRealPublisher(cfg.MQTT.Broker, "tank-sensor-"+session, time.Now)
		defer p.Close()
		loop.AddReporter(p)
		publisher, mqttStatus = p, p
	}

	wsBroker := resolveWSBroker(cfg.MQTT.WSBroker, cfg.MQTT.Broker)
	tracker := status.NewTracker(start, session, status.Config{
		PeriodMs:               cfg.Loop.Period.Milliseconds(),
		TriggerEvery:           cfg.Loop.TriggerEvery,
		TelemetryEvery:         cfg.Loop.TelemetryEvery,
		DebounceMs:             cfg.Loop.Debounce.Milliseconds(),
		HeartbeatMs:            cfg.Loop.Heartbeat.Milliseconds(),
		ContaminationThreshold: cfg.Contamination.Threshold,
		ContaminationWhen:      string(cfg.Contamination.When),
		Broker:                 cfg.MQTT.Broker,
		HTTPPort:               cfg.HTTP.Addr,
		WSBroker:               wsBroker,
		LinkPort:               cfg.Link.Port,
		TelemetryFormat:        string(cfg.Link.Format),
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	if publisher != nil {
		snap := tracker.Snapshot()
		startupEvent := mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "STARTUP",
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
		}
		if err := publisher.PublishSystem(startupEvent); err != nil {
			log.Warnf("failed to publish startup event: %v", err)
		} else {
			log.Infof("published startup event")
		}
	}

	// HTTP status server
	if cfg.HTTP.Addr != "" {
		opts := web.Options{Commands: commands, HistoryLimit: cfg.History.Limit}
		if store != nil {
			opts.History = store
		}
		srv := web.New(cfg.HTTP.Addr, tracker, opts)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Infof("http status server listening on %s", cfg.HTTP.Addr)
	}

	log.Infow("started",
		"session", session,
		"period", cfg.Loop.Period,
		"trigger_every", cfg.Loop.TriggerEvery,
		"telemetry_every", cfg.Loop.TelemetryEvery,
		"height_cm", cfg.Tank.HeightCM,
		"broker", cfg.MQTT.Broker,
		"heartbeat", cfg.Loop.Heartbeat)

	ticker := time.NewTicker(cfg.Loop.Period)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(loop, echo, publisher, mqttStatus, tracker, commands, cfg.Loop.Debounce, cfg.Loop.Heartbeat, time.Now, ticker.C, sigCh)
}

// forwardCommands turns inbound link lines into loop commands and writes each
// reply back to the link.
func forwardCommands(ctx context.Context, lines <-chan string, commands chan<- monitor.Command, w monitor.LineWriter) {
	for {
		var line string
		select {
		case line = <-lines:
		case <-ctx.Done():
			return
		}

		reply := make(chan string, 1)
		select {
		case commands <- monitor.Command{Raw: line, Reply: reply}:
		case <-ctx.Done():
			return
		}

		select {
		case r := <-reply:
			if err := w.WriteLine(r); err != nil {
				log.Warnf("link reply error: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// statsSource exposes echo cycle counters.
type statsSource interface {
	Stats() sonar.Stats
}

// queueStatus is implemented by publishers that buffer while offline.
type queueStatus interface {
	Queued() (pending int, dropped uint64)
}

func runLoop(loop *monitor.Loop, sonarStats statsSource, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, commands <-chan monitor.Command, debounce, heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	startTime := now()
	detector := logic.NewDetector(debounce, startTime)

	for {
		select {
		case s := <-sig:
			log.Infof("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			if publisher == nil {
				return nil
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				refreshMQTT(tracker, publisher, mqttStatus)
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Warnf("failed to publish shutdown event: %v", err)
			} else {
				log.Infof("published shutdown event")
			}
			return nil

		case cmd := <-commands:
			loop.Handle(cmd)

		case <-tick:
			t := now()
			snap := loop.Step(t)

			for _, event := range detector.Process(snap.Status, t) {
				log.Infow("event", "type", event.Type, "from", event.From, "to", event.To,
					"alert", event.Alert, "fill_percent", event.FillPercent)
				if publisher == nil {
					continue
				}
				if err := publisher.Publish(event); err != nil {
					log.Warnf("publish error: %v", err)
				}
			}

			if tracker != nil {
				tracker.Update(status.Reading{
					Status:       snap.Status,
					DistanceCM:   snap.DistanceCM,
					Conductivity: snap.Conductivity,
					Tank:         snap.Tank,
					Stale:        snap.Stale,
				}, detector.CurrentKind(), detector.IsBaselined(), detector.EventCountsSnapshot())
				if sonarStats != nil {
					tracker.SetSonar(sonarStats.Stats())
				}
				refreshMQTT(tracker, publisher, mqttStatus)
			}

			if !detector.IsBaselined() {
				continue
			}

			if hbData := detector.CheckHeartbeat(t, heartbeat); hbData != nil {
				log.Infow("heartbeat", "uptime", hbData.Uptime,
					"empty", hbData.Counts.Empty, "half_full", hbData.Counts.HalfFull,
					"overflow_warning", hbData.Counts.OverflowWarning, "contaminated", hbData.Counts.Contaminated)
				if publisher == nil {
					continue
				}
				hbEvent := mqtt.SystemEvent{
					Timestamp: hbData.Timestamp,
					Event:     "HEARTBEAT",
				}
				if tracker != nil {
					// Refresh network info for heartbeat
					if net := readNetworkInfo(); net != nil {
						tracker.SetNetwork(net)
					}
					hbEvent.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), "HEARTBEAT", "")
				}
				if err := publisher.PublishSystem(hbEvent); err != nil {
					log.Warnf("heartbeat publish error: %v", err)
				}
			}
		}
	}
}

func refreshMQTT(tracker *status.Tracker, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus) {
	if mqttStatus != nil {
		tracker.SetMQTTConnected(mqttStatus.IsConnected())
	}
	if q, ok := publisher.(queueStatus); ok {
		pending, _ := q.Queued()
		tracker.SetMQTTQueued(pending)
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

// resolveWSBroker converts the ws_broker setting into a concrete URL.
// "=broker" derives ws://host:9001 from the TCP broker address; "off" and
// empty disable.
func resolveWSBroker(ws, broker string) string {
	if ws == "off" || ws == "" {
		return ""
	}
	if ws != "=broker" {
		return ws
	}
	if broker == "" {
		return ""
	}
	u, err := url.Parse(broker)
	if err != nil {
		log.Warnf("ws-broker: cannot parse broker %q: %v", broker, err)
		return ""
	}
	u.Scheme = "ws"
	u.Host = u.Hostname() + ":9001"
	return u.String()
}
