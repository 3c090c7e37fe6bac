package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Detector  DetectorConfig  `yaml:"detector"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Session   SessionConfig   `yaml:"session"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Transport TransportConfig `yaml:"transport"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
}

// DetectorConfig tunes step detection. Deviation is |magnitude - Gravity|.
// A step triggers when deviation exceeds StepThreshold and re-arms once it
// drops below StepThreshold*HysteresisFactor.
type DetectorConfig struct {
	Gravity          float64       `yaml:"gravity"`
	StepThreshold    float64       `yaml:"step_threshold"`
	HysteresisFactor float64       `yaml:"hysteresis_factor"`
	MinStepInterval  time.Duration `yaml:"min_step_interval"`
}

type SensorConfig struct {
	SampleInterval time.Duration   `yaml:"sample_interval"`
	Simulate       SimulatorConfig `yaml:"simulate"`
}

// SimulatorConfig shapes the synthetic walking signal used when no
// physical accelerometer is attached.
type SimulatorConfig struct {
	Cadence    float64 `yaml:"cadence"`   // steps per second
	Amplitude  float64 `yaml:"amplitude"` // peak deviation, m/s^2
	Noise      float64 `yaml:"noise"`
	Permission string  `yaml:"permission"` // "granted" or "denied"
	Available  bool    `yaml:"available"`
	Seed       int64   `yaml:"seed"`
}

type SessionConfig struct {
	AllowUnavailableSensor bool `yaml:"allow_unavailable_sensor"`
}

type TelemetryConfig struct {
	SendInterval time.Duration `yaml:"send_interval"`
}

type TransportConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	OutboxSize     int           `yaml:"outbox_size"`
	AuthToken      string        `yaml:"auth_token"`
	MQTT           MQTTConfig    `yaml:"mqtt"`
}

type MQTTConfig struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
	QoS    byte   `yaml:"qos"`
}

type ReceiverConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	AuthToken         string        `yaml:"auth_token"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	FinishedRetention time.Duration `yaml:"finished_retention"`
	MQTT              MQTTConfig    `yaml:"mqtt"`
}

func defaultConfig() *Config {
	return &Config{
		Detector: DetectorConfig{
			Gravity:          9.81,
			StepThreshold:    1.25,
			HysteresisFactor: 0.5,
			MinStepInterval:  500 * time.Millisecond,
		},
		Sensor: SensorConfig{
			SampleInterval: 200 * time.Millisecond,
			Simulate: SimulatorConfig{
				Cadence:    1.8,
				Amplitude:  3.0,
				Noise:      0.15,
				Permission: "granted",
				Available:  true,
				Seed:       1,
			},
		},
		Telemetry: TelemetryConfig{
			SendInterval: 900 * time.Millisecond,
		},
		Transport: TransportConfig{
			Endpoint:       "ws://127.0.0.1:4000/ingest",
			ReconnectDelay: 1500 * time.Millisecond,
			DialTimeout:    5 * time.Second,
			WriteTimeout:   10 * time.Second,
			PingInterval:   30 * time.Second,
			OutboxSize:     16,
			MQTT: MQTTConfig{
				Topic: "stride/telemetry",
			},
		},
		Receiver: ReceiverConfig{
			Host:              "0.0.0.0",
			Port:              4000,
			BroadcastThrottle: 100 * time.Millisecond,
			SnapshotInterval:  5 * time.Second,
			FinishedRetention: 5 * time.Minute,
			MQTT: MQTTConfig{
				Topic: "stride/telemetry",
			},
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads a yaml file over the defaults. An empty path yields the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects values the detectors and timers cannot work with.
func (c *Config) Validate() error {
	var errs []error
	d := c.Detector
	if d.Gravity <= 0 {
		errs = append(errs, fmt.Errorf("detector.gravity must be positive, got %v", d.Gravity))
	}
	if d.StepThreshold <= 0 {
		errs = append(errs, fmt.Errorf("detector.step_threshold must be positive, got %v", d.StepThreshold))
	}
	if d.HysteresisFactor <= 0 || d.HysteresisFactor > 1 {
		errs = append(errs, fmt.Errorf("detector.hysteresis_factor must be in (0, 1], got %v", d.HysteresisFactor))
	}
	if d.MinStepInterval < 0 {
		errs = append(errs, fmt.Errorf("detector.min_step_interval must not be negative, got %v", d.MinStepInterval))
	}
	if c.Sensor.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("sensor.sample_interval must be positive, got %v", c.Sensor.SampleInterval))
	}
	switch c.Sensor.Simulate.Permission {
	case "granted", "denied":
	default:
		errs = append(errs, fmt.Errorf("sensor.simulate.permission must be granted or denied, got %q", c.Sensor.Simulate.Permission))
	}
	if c.Telemetry.SendInterval <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.send_interval must be positive, got %v", c.Telemetry.SendInterval))
	}
	if c.Transport.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("transport.reconnect_delay must be positive, got %v", c.Transport.ReconnectDelay))
	}
	if c.Transport.OutboxSize <= 0 {
		errs = append(errs, fmt.Errorf("transport.outbox_size must be positive, got %d", c.Transport.OutboxSize))
	}
	if c.Transport.Endpoint != "" {
		if _, err := url.Parse(c.Transport.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("transport.endpoint: %w", err))
		}
	}
	if c.Transport.MQTT.QoS > 2 || c.Receiver.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt qos must be 0, 1 or 2"))
	}
	if c.Receiver.Port < 0 || c.Receiver.Port > 65535 {
		errs = append(errs, fmt.Errorf("receiver.port out of range: %d", c.Receiver.Port))
	}
	return errors.Join(errs...)
}

// ReleaseThreshold is the deviation below which an armed detector
// re-arms.
func (d DetectorConfig) ReleaseThreshold() float64 {
	return d.StepThreshold * d.HysteresisFactor
}
