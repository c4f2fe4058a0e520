// Package config loads the daemon configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/tank-sensor/internal/gpio"
	"github.com/sweeney/tank-sensor/internal/logic"
	"github.com/sweeney/tank-sensor/internal/sonar"
	"github.com/sweeney/tank-sensor/internal/telemetry"
)

// Config represents the daemon configuration.
type Config struct {
	Tank          TankConfig          `yaml:"tank"`
	Contamination ContaminationConfig `yaml:"contamination"`
	Sonar         SonarConfig         `yaml:"sonar"`
	Loop          LoopConfig          `yaml:"loop"`
	GPIO          GPIOConfig          `yaml:"gpio"`
	ADC           ADCConfig           `yaml:"adc"`
	Link          LinkConfig          `yaml:"link"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HTTP          HTTPConfig          `yaml:"http"`
	History       HistoryConfig       `yaml:"history"`
}

// TankConfig is the startup tank geometry. Height can be changed at runtime
// by a height command; the file is not rewritten.
type TankConfig struct {
	HeightCM        float64 `yaml:"height_cm"`
	OverflowPercent float64 `yaml:"overflow_percent"`
	EmptyPercent    float64 `yaml:"empty_percent"`
}

// ContaminationConfig selects the conductivity threshold and which side of it is bad.
type ContaminationConfig struct {
	Threshold uint16          `yaml:"threshold"`
	When      logic.Direction `yaml:"when"`
}

// SonarConfig holds capture timing and filter depth.
type SonarConfig struct {
	TickNanos     uint32        `yaml:"tick_ns"`
	MinEchoMicros uint32        `yaml:"min_echo_us"`
	MaxEchoMicros uint32        `yaml:"max_echo_us"`
	PulseWidth    time.Duration `yaml:"pulse_width"`
	FilterSize    int           `yaml:"filter_size"`
}

// LoopConfig paces the scheduling loop. TriggerEvery and TelemetryEvery
// count loop iterations.
type LoopConfig struct {
	Period         time.Duration `yaml:"period"`
	TriggerEvery   int           `yaml:"trigger_every"`
	TelemetryEvery int           `yaml:"telemetry_every"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	Debounce       time.Duration `yaml:"debounce"`
	Heartbeat      time.Duration `yaml:"heartbeat"` // 0 disables
}

// GPIOConfig holds pin offsets and output polarity. A negative sensor_power
// disables the power-enable output.
type GPIOConfig struct {
	Chip            string `yaml:"chip"`
	Trigger         int    `yaml:"trigger"`
	Echo            int    `yaml:"echo"`
	Red             int    `yaml:"red"`
	Yellow          int    `yaml:"yellow"`
	Green           int    `yaml:"green"`
	Buzzer          int    `yaml:"buzzer"`
	SensorPower     int    `yaml:"sensor_power"`
	LEDActiveLow    bool   `yaml:"led_active_low"`
	BuzzerActiveLow bool   `yaml:"buzzer_active_low"`
}

// ADCConfig selects the SPI port and MCP3008 channel of the conductivity probe.
type ADCConfig struct {
	SPIPort string `yaml:"spi_port"`
	Channel int    `yaml:"channel"`
}

// LinkConfig is the serial radio link. An empty port disables it.
type LinkConfig struct {
	Port   string           `yaml:"port"`
	Baud   int              `yaml:"baud"`
	Format telemetry.Format `yaml:"format"`
}

// MQTTConfig is the event broker. An empty broker disables publishing.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	WSBroker string `yaml:"ws_broker"`
}

// HTTPConfig is the status server. An empty address disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// HistoryConfig is the local telemetry log. An empty path disables it.
type HistoryConfig struct {
	Path  string `yaml:"path"`
	Limit int    `yaml:"limit"` // rows returned by /history.json
	Keep  int    `yaml:"keep"`  // rows retained, 0 keeps everything
}

// Default returns the default configuration.
func Default() *Config {
	tank := logic.DefaultTankConfig()
	cont := logic.DefaultContamination()
	timing := sonar.DefaultTiming()
	pins := gpio.DefaultPins()
	return &Config{
		Tank: TankConfig{
			HeightCM:        tank.HeightCM,
			OverflowPercent: tank.Thresholds.OverflowPercent,
			EmptyPercent:    tank.Thresholds.EmptyPercent,
		},
		Contamination: ContaminationConfig{
			Threshold: cont.Threshold,
			When:      cont.When,
		},
		Sonar: SonarConfig{
			TickNanos:     timing.TickNanos,
			MinEchoMicros: timing.MinEchoMicros,
			MaxEchoMicros: timing.MaxEchoMicros,
			PulseWidth:    timing.PulseWidth,
			FilterSize:    sonar.DefaultFilterSize,
		},
		Loop: LoopConfig{
			Period:         time.Millisecond,
			TriggerEvery:   60,
			TelemetryEvery: 1000,
			StaleAfter:     2 * time.Second,
			Debounce:       250 * time.Millisecond,
			Heartbeat:      15 * time.Minute,
		},
		GPIO: GPIOConfig{
			Chip:        pins.Chip,
			Trigger:     pins.Trigger,
			Echo:        pins.Echo,
			Red:         pins.Red,
			Yellow:      pins.Yellow,
			Green:       pins.Green,
			Buzzer:      pins.Buzzer,
			SensorPower: pins.SensorPower,
		},
		ADC: ADCConfig{
			Channel: 0,
		},
		Link: LinkConfig{
			Port:   "/dev/serial0",
			Baud:   9600,
			Format: telemetry.Compact,
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://192.168.1.200:1883",
			WSBroker: "=broker",
		},
		HTTP: HTTPConfig{
			Addr: ":80",
		},
		History: HistoryConfig{
			Path:  "/var/lib/tank-sensor/history.db",
			Limit: 100,
			Keep:  100000,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; fields absent from the file keep their default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", filename, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults replaces zero values that an explicit empty key in the file
// would otherwise leave behind.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Tank.HeightCM == 0 {
		c.Tank.HeightCM = def.Tank.HeightCM
	}
	if c.Contamination.When == "" {
		c.Contamination.When = def.Contamination.When
	}
	if c.Sonar.TickNanos == 0 {
		c.Sonar.TickNanos = def.Sonar.TickNanos
	}
	if c.Sonar.MaxEchoMicros == 0 {
		c.Sonar.MaxEchoMicros = def.Sonar.MaxEchoMicros
	}
	if c.Sonar.PulseWidth == 0 {
		c.Sonar.PulseWidth = def.Sonar.PulseWidth
	}
	if c.Sonar.FilterSize == 0 {
		c.Sonar.FilterSize = def.Sonar.FilterSize
	}
	if c.Loop.Period == 0 {
		c.Loop.Period = def.Loop.Period
	}
	if c.Loop.TriggerEvery == 0 {
		c.Loop.TriggerEvery = def.Loop.TriggerEvery
	}
	if c.Loop.TelemetryEvery == 0 {
		c.Loop.TelemetryEvery = def.Loop.TelemetryEvery
	}
	if c.Loop.StaleAfter == 0 {
		c.Loop.StaleAfter = def.Loop.StaleAfter
	}
	if c.GPIO.Chip == "" {
		c.GPIO.Chip = def.GPIO.Chip
	}
	if c.Link.Baud == 0 {
		c.Link.Baud = def.Link.Baud
	}
	if c.Link.Format == "" {
		c.Link.Format = def.Link.Format
	}
	if c.History.Limit == 0 {
		c.History.Limit = def.History.Limit
	}
}

// Validate reports every configuration error found.
func (c *Config) Validate() error {
	var errs []error

	if c.Tank.HeightCM <= 0 || c.Tank.HeightCM >= telemetry.MaxHeightCM {
		errs = append(errs, fmt.Errorf("tank.height_cm %v out of range (0, %d)", c.Tank.HeightCM, telemetry.MaxHeightCM))
	}
	if c.Tank.EmptyPercent < 0 || c.Tank.OverflowPercent > 100 || c.Tank.EmptyPercent >= c.Tank.OverflowPercent {
		errs = append(errs, fmt.Errorf("tank thresholds need 0 <= empty_percent (%v) < overflow_percent (%v) <= 100",
			c.Tank.EmptyPercent, c.Tank.OverflowPercent))
	}
	if c.Contamination.When != logic.Above && c.Contamination.When != logic.Below {
		errs = append(errs, fmt.Errorf("contamination.when %q must be %q or %q", c.Contamination.When, logic.Above, logic.Below))
	}
	if c.Contamination.Threshold > 1023 {
		errs = append(errs, fmt.Errorf("contamination.threshold %d exceeds 10-bit range", c.Contamination.Threshold))
	}
	if c.Sonar.MinEchoMicros >= c.Sonar.MaxEchoMicros {
		errs = append(errs, fmt.Errorf("sonar.min_echo_us %d must be below max_echo_us %d", c.Sonar.MinEchoMicros, c.Sonar.MaxEchoMicros))
	}
	if c.Sonar.FilterSize < 1 {
		errs = append(errs, fmt.Errorf("sonar.filter_size %d must be at least 1", c.Sonar.FilterSize))
	}
	// The capture counter must not wrap more than once within the validity window.
	if span := uint64(sonar.MaxTicks) * uint64(c.Sonar.TickNanos) / 1000; span < uint64(c.Sonar.MaxEchoMicros) {
		errs = append(errs, fmt.Errorf("sonar.max_echo_us %d exceeds the %dus counter period", c.Sonar.MaxEchoMicros, span))
	}
	if c.Loop.Period <= 0 || c.Loop.TriggerEvery < 1 || c.Loop.TelemetryEvery < 1 {
		errs = append(errs, errors.New("loop period and intervals must be positive"))
	}
	if c.Loop.Debounce < 0 || c.Loop.Heartbeat < 0 {
		errs = append(errs, errors.New("loop debounce and heartbeat must not be negative"))
	}
	if err := c.validatePins(); err != nil {
		errs = append(errs, err)
	}
	if c.ADC.Channel < 0 || c.ADC.Channel > 7 {
		errs = append(errs, fmt.Errorf("adc.channel %d out of range 0..7", c.ADC.Channel))
	}
	if c.Link.Format != telemetry.Compact && c.Link.Format != telemetry.JSON {
		errs = append(errs, fmt.Errorf("link.format %q must be %q or %q", c.Link.Format, telemetry.Compact, telemetry.JSON))
	}

	return errors.Join(errs...)
}

func (c *Config) validatePins() error {
	pins := map[string]int{
		"trigger": c.GPIO.Trigger,
		"echo":    c.GPIO.Echo,
		"red":     c.GPIO.Red,
		"yellow":  c.GPIO.Yellow,
		"green":   c.GPIO.Green,
		"buzzer":  c.GPIO.Buzzer,
	}
	if c.GPIO.SensorPower >= 0 {
		pins["sensor_power"] = c.GPIO.SensorPower
	}
	used := map[int]string{}
	for _, name := range []string{"trigger", "echo", "red", "yellow", "green", "buzzer", "sensor_power"} {
		off, ok := pins[name]
		if !ok {
			continue
		}
		if off < 0 {
			return fmt.Errorf("gpio.%s: negative offset %d", name, off)
		}
		if other, dup := used[off]; dup {
			return fmt.Errorf("gpio.%s and gpio.%s share offset %d", other, name, off)
		}
		used[off] = name
	}
	return nil
}

// TankConfig returns the tank geometry for the alert policy.
func (c *Config) TankConfig() logic.TankConfig {
	return logic.TankConfig{
		HeightCM: c.Tank.HeightCM,
		Thresholds: logic.Thresholds{
			OverflowPercent: c.Tank.OverflowPercent,
			EmptyPercent:    c.Tank.EmptyPercent,
		},
	}
}

// ContaminationPolicy returns the conductivity check.
func (c *Config) ContaminationPolicy() logic.Contamination {
	return logic.Contamination{Threshold: c.Contamination.Threshold, When: c.Contamination.When}
}

// Timing returns the capture timing.
func (c *Config) Timing() sonar.Timing {
	return sonar.Timing{
		TickNanos:     c.Sonar.TickNanos,
		MinEchoMicros: c.Sonar.MinEchoMicros,
		MaxEchoMicros: c.Sonar.MaxEchoMicros,
		PulseWidth:    c.Sonar.PulseWidth,
	}
}

// Pins returns the GPIO line assignment.
func (c *Config) Pins() gpio.Pins {
	return gpio.Pins{
		Chip:        c.GPIO.Chip,
		Trigger:     c.GPIO.Trigger,
		Echo:        c.GPIO.Echo,
		Red:         c.GPIO.Red,
		Yellow:      c.GPIO.Yellow,
		Green:       c.GPIO.Green,
		Buzzer:      c.GPIO.Buzzer,
		SensorPower: c.GPIO.SensorPower,
	}
}

// Polarity returns the output polarity.
func (c *Config) Polarity() gpio.Polarity {
	return gpio.Polarity{LEDActiveLow: c.GPIO.LEDActiveLow, BuzzerActiveLow: c.GPIO.BuzzerActiveLow}
}
