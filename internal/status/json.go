package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	State         string       `json:"state"`
	Ready         bool         `json:"ready"`
	Reading       ReadingJSON  `json:"reading"`
	Tank          TankJSON     `json:"tank"`
	Sonar         SonarJSON    `json:"sonar"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	Session       string       `json:"session,omitempty"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"event_counts"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// ReadingJSON is the latest loop iteration.
type ReadingJSON struct {
	Status       string  `json:"status"`
	Alert        bool    `json:"alert"`
	FillPercent  float64 `json:"fill_percent"`
	HasReading   bool    `json:"has_reading"`
	DistanceCM   uint32  `json:"distance_cm"`
	Conductivity uint16  `json:"conductivity"`
	Stale        bool    `json:"stale"`
}

// TankJSON is the tank geometry in effect.
type TankJSON struct {
	HeightCM        float64 `json:"height_cm"`
	OverflowPercent float64 `json:"overflow_percent"`
	EmptyPercent    float64 `json:"empty_percent"`
}

// SonarJSON reports echo cycle counters.
type SonarJSON struct {
	Triggers  uint64 `json:"triggers"`
	Completed uint64 `json:"completed"`
	Invalid   uint64 `json:"invalid"`
	Abandoned uint64 `json:"abandoned"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
	Queued    int    `json:"queued"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Empty           int `json:"empty"`
	HalfFull        int `json:"half_full"`
	OverflowWarning int `json:"overflow_warning"`
	Contaminated    int `json:"contaminated"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PeriodMs               int64  `json:"period_ms"`
	TriggerEvery           int    `json:"trigger_every"`
	TelemetryEvery         int    `json:"telemetry_every"`
	DebounceMs             int64  `json:"debounce_ms"`
	HeartbeatMs            int64  `json:"heartbeat_ms"`
	ContaminationThreshold uint16 `json:"contamination_threshold"`
	ContaminationWhen      string `json:"contamination_when"`
	Broker                 string `json:"broker"`
	HTTPPort               string `json:"http_port"`
	WSBroker               string `json:"ws_broker,omitempty"`
	LinkPort               string `json:"link_port,omitempty"`
	TelemetryFormat        string `json:"telemetry_format"`
}

func buildInner(snap Snapshot) StatusInner {
	state := string(snap.Stable)
	if state == "" {
		state = "UNKNOWN"
	}
	r := snap.Reading
	reading := string(r.Status.Kind)
	if reading == "" {
		reading = "UNKNOWN"
	}

	return StatusInner{
		State: state,
		Ready: snap.Baselined,
		Reading: ReadingJSON{
			Status:       reading,
			Alert:        r.Status.Alert,
			FillPercent:  r.Status.FillPercent,
			HasReading:   r.Status.HasReading,
			DistanceCM:   r.DistanceCM,
			Conductivity: r.Conductivity,
			Stale:        r.Stale,
		},
		Tank: TankJSON{
			HeightCM:        r.Tank.HeightCM,
			OverflowPercent: r.Tank.Thresholds.OverflowPercent,
			EmptyPercent:    r.Tank.Thresholds.EmptyPercent,
		},
		Sonar: SonarJSON{
			Triggers:  snap.Sonar.Triggers,
			Completed: snap.Sonar.Completed,
			Invalid:   snap.Sonar.Invalid,
			Abandoned: snap.Sonar.Abandoned,
		},
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Session:       snap.Session,
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker, Queued: snap.MQTTQueued},
		Counts: CountsJSON{
			Empty:           snap.Counts.Empty,
			HalfFull:        snap.Counts.HalfFull,
			OverflowWarning: snap.Counts.OverflowWarning,
			Contaminated:    snap.Counts.Contaminated,
		},
		Config: ConfigJSON{
			PeriodMs:               snap.Config.PeriodMs,
			TriggerEvery:           snap.Config.TriggerEvery,
			TelemetryEvery:         snap.Config.TelemetryEvery,
			DebounceMs:             snap.Config.DebounceMs,
			HeartbeatMs:            snap.Config.HeartbeatMs,
			ContaminationThreshold: snap.Config.ContaminationThreshold,
			ContaminationWhen:      snap.Config.ContaminationWhen,
			Broker:                 snap.Config.Broker,
			HTTPPort:               snap.Config.HTTPPort,
			WSBroker:               snap.Config.WSBroker,
			LinkPort:               snap.Config.LinkPort,
			TelemetryFormat:        snap.Config.TelemetryFormat,
		},
	}
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
