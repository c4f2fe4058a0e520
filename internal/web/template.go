package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/tank-sensor/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
	"stateClass": func(s string) string {
		switch s {
		case "CONTAMINATED":
			return "alert"
		case "OVERFLOW_WARNING":
			return "warn"
		case "HALF_FULL":
			return "ok"
		case "EMPTY":
			return "off"
		}
		return "unknown"
	},
	"percent": func(f float64) string {
		return fmt.Sprintf("%.0f%%", f)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Tank Sensor</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.ok { color: goldenrod; font-weight: bold; }
.warn { color: green; font-weight: bold; }
.alert { color: red; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Tank Sensor{{if .Config.WSBroker}}<span id="live-dot" class="live-dot pending" title="connecting"></span>{{end}}</h1>

<h2>State</h2>
{{- $state := stateOrUnknown (printf "%s" .Stable)}}
{{- $now := stateOrUnknown (printf "%s" .Reading.Status.Kind)}}
<table>
<tr><th>Status</th><td id="tank-state" class="{{stateClass $state}}">{{$state}}</td></tr>
<tr><th>Latest</th><td id="tank-latest" class="{{stateClass $now}}">{{$now}}{{if .Reading.Status.Alert}} (alert){{end}}</td></tr>
<tr><th>Fill</th><td id="tank-fill">{{if .Reading.Status.HasReading}}{{percent .Reading.Status.FillPercent}}{{else}}no reading{{end}}</td></tr>
<tr><th>Distance</th><td>{{.Reading.DistanceCM}}cm{{if .Reading.Stale}} <span class="alert">stale</span>{{end}}</td></tr>
<tr><th>Conductivity</th><td id="tank-conductivity">{{.Reading.Conductivity}}</td></tr>
<tr><th>Ready</th><td>{{if .Baselined}}yes{{else}}no{{end}}</td></tr>
</table>

<h2>Tank</h2>
<table>
<tr><th>Height</th><td>{{.Reading.Tank.HeightCM}}cm</td></tr>
<tr><th>Overflow at</th><td>{{percent .Reading.Tank.Thresholds.OverflowPercent}}</td></tr>
<tr><th>Empty at</th><td>{{percent .Reading.Tank.Thresholds.EmptyPercent}}</td></tr>
<tr><th>Contamination</th><td>{{.Config.ContaminationWhen}} {{.Config.ContaminationThreshold}}</td></tr>
</table>

<h2>Sonar</h2>
<table>
<tr><th>Triggers</th><td>{{.Sonar.Triggers}}</td></tr>
<tr><th>Completed</th><td>{{.Sonar.Completed}}</td></tr>
<tr><th>Out of range</th><td>{{.Sonar.Invalid}}</td></tr>
<tr><th>Abandoned</th><td>{{.Sonar.Abandoned}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}{{if .MQTTQueued}} ({{.MQTTQueued}} queued){{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Config.LinkPort}}<tr><th>Serial link</th><td>{{.Config.LinkPort}} ({{.Config.TelemetryFormat}})</td></tr>{{end}}
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>EMPTY</th><td>{{.Counts.Empty}}</td></tr>
<tr><th>HALF_FULL</th><td>{{.Counts.HalfFull}}</td></tr>
<tr><th>OVERFLOW_WARNING</th><td>{{.Counts.OverflowWarning}}</td></tr>
<tr><th>CONTAMINATED</th><td>{{.Counts.Contaminated}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Session</th><td>{{.Session}}</td></tr>
<tr><th>Period</th><td>{{.Config.PeriodMs}}ms (trigger every {{.Config.TriggerEvery}}, telemetry every {{.Config.TelemetryEvery}})</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/history.json">History</a></p>
{{if .Config.WSBroker}}
<script src="/mqtt.min.js"></script>
<script>
(function() {
  var broker = "{{.Config.WSBroker}}";
  var topic = "tank/sensor/telemetry";
  var classes = { EMPTY: "off", HALF_FULL: "ok", OVERFLOW_WARNING: "warn", CONTAMINATED: "alert" };
  var dot = document.getElementById("live-dot");
  var latestEl = document.getElementById("tank-latest");
  var fillEl = document.getElementById("tank-fill");
  var condEl = document.getElementById("tank-conductivity");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  var client = mqtt.connect(broker, { reconnectPeriod: 5000 });

  client.on("connect", function() {
    setDot("ok", "live");
    client.subscribe(topic);
  });

  client.on("reconnect", function() {
    setDot("pending", "reconnecting");
  });

  client.on("offline", function() {
    setDot("err", "offline");
  });

  client.on("error", function() {
    setDot("err", "error");
  });

  client.on("message", function(t, payload) {
    try {
      var msg = JSON.parse(payload.toString());
      if (classes[msg.status]) {
        latestEl.textContent = msg.status + (msg.alert ? " (alert)" : "");
        latestEl.className = classes[msg.status];
      }
      fillEl.textContent = msg.fill_percent + "%";
      condEl.textContent = msg.conductivity;
    } catch (e) {}
  });
})();
</script>
{{end}}
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
