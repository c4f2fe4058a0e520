// Package status provides a thread-safe status tracker for the tank-sensor daemon.
// It is written by the scheduling loop and read by HTTP handlers and MQTT
// lifecycle events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/tank-sensor/internal/logic"
	"github.com/sweeney/tank-sensor/internal/sonar"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	PeriodMs               int64
	TriggerEvery           int
	TelemetryEvery         int
	DebounceMs             int64
	HeartbeatMs            int64
	ContaminationThreshold uint16
	ContaminationWhen      string
	Broker                 string
	HTTPPort               string
	WSBroker               string // Websocket broker URL for browser MQTT (empty = disabled)
	LinkPort               string
	TelemetryFormat        string
}

// Reading is the outcome of the latest loop iteration.
type Reading struct {
	Status       logic.Status
	DistanceCM   uint32
	Conductivity uint16
	Tank         logic.TankConfig
	Stale        bool
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Reading       Reading
	Stable        logic.StatusKind // debounced kind, empty until baselined
	Baselined     bool
	Counts        logic.EventCounts
	Sonar         sonar.Stats
	Session       string
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	MQTTQueued    int
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time, session id and config.
func NewTracker(startTime time.Time, session string, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Session:   session,
			Config:    cfg,
		},
	}
}

// Update sets the latest reading, the debounced kind, baseline status and
// event counts. Called from runLoop on every tick.
func (t *Tracker) Update(r Reading, stable logic.StatusKind, baselined bool, counts logic.EventCounts) {
	t.mu.Lock()
	t.snap.Reading = r
	t.snap.Stable = stable
	t.snap.Baselined = baselined
	t.snap.Counts = counts
	t.mu.Unlock()
}

// SetSonar sets the echo cycle counters.
func (t *Tracker) SetSonar(stats sonar.Stats) {
	t.mu.Lock()
	t.snap.Sonar = stats
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetMQTTQueued sets the number of messages waiting for replay.
func (t *Tracker) SetMQTTQueued(n int) {
	t.mu.Lock()
	t.snap.MQTTQueued = n
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
