package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Detector.Gravity != 9.81 {
		t.Errorf("Gravity = %v, want 9.81", cfg.Detector.Gravity)
	}
	if cfg.Detector.StepThreshold != 1.25 {
		t.Errorf("StepThreshold = %v, want 1.25", cfg.Detector.StepThreshold)
	}
	if cfg.Detector.HysteresisFactor != 0.5 {
		t.Errorf("HysteresisFactor = %v, want 0.5", cfg.Detector.HysteresisFactor)
	}
	if cfg.Detector.MinStepInterval != 500*time.Millisecond {
		t.Errorf("MinStepInterval = %v, want 500ms", cfg.Detector.MinStepInterval)
	}
	if cfg.Telemetry.SendInterval != 900*time.Millisecond {
		t.Errorf("SendInterval = %v, want 900ms", cfg.Telemetry.SendInterval)
	}
	if cfg.Transport.ReconnectDelay != 1500*time.Millisecond {
		t.Errorf("ReconnectDelay = %v, want 1500ms", cfg.Transport.ReconnectDelay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults fail validation: %v", err)
	}
}

func TestReleaseThreshold(t *testing.T) {
	d := DetectorConfig{StepThreshold: 1.25, HysteresisFactor: 0.5}
	if got := d.ReleaseThreshold(); got != 0.625 {
		t.Errorf("ReleaseThreshold() = %v, want 0.625", got)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.Transport.Endpoint != defaultConfig().Transport.Endpoint {
		t.Errorf("Endpoint = %q, want default", cfg.Transport.Endpoint)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
detector:
  step_threshold: 2.0
  min_step_interval: 350ms
telemetry:
  send_interval: 2s
transport:
  endpoint: "tcp://broker.local:1883"
  reconnect_delay: 3s
  mqtt:
    topic: walks/device-7
    qos: 1
receiver:
  port: 9090
  allowed_origins:
    - "http://localhost:5173"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Detector.StepThreshold != 2.0 {
		t.Errorf("StepThreshold = %v, want 2.0", cfg.Detector.StepThreshold)
	}
	if cfg.Detector.MinStepInterval != 350*time.Millisecond {
		t.Errorf("MinStepInterval = %v, want 350ms", cfg.Detector.MinStepInterval)
	}
	// Unset keys keep their defaults.
	if cfg.Detector.Gravity != 9.81 {
		t.Errorf("Gravity = %v, want default 9.81", cfg.Detector.Gravity)
	}
	if cfg.Telemetry.SendInterval != 2*time.Second {
		t.Errorf("SendInterval = %v, want 2s", cfg.Telemetry.SendInterval)
	}
	if cfg.Transport.ReconnectDelay != 3*time.Second {
		t.Errorf("ReconnectDelay = %v, want 3s", cfg.Transport.ReconnectDelay)
	}
	if cfg.Transport.MQTT.Topic != "walks/device-7" || cfg.Transport.MQTT.QoS != 1 {
		t.Errorf("MQTT = %+v", cfg.Transport.MQTT)
	}
	if cfg.Receiver.Port != 9090 {
		t.Errorf("Receiver.Port = %d, want 9090", cfg.Receiver.Port)
	}
	if len(cfg.Receiver.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v", cfg.Receiver.AllowedOrigins)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load of missing file returned nil error")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"negative threshold", "detector:\n  step_threshold: -1\n", "step_threshold"},
		{"hysteresis above one", "detector:\n  hysteresis_factor: 1.5\n", "hysteresis_factor"},
		{"zero send interval", "telemetry:\n  send_interval: 0s\n", "send_interval"},
		{"zero reconnect delay", "transport:\n  reconnect_delay: 0s\n", "reconnect_delay"},
		{"bad permission", "sensor:\n  simulate:\n    permission: maybe\n", "permission"},
		{"bad qos", "transport:\n  mqtt:\n    qos: 3\n", "qos"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load returned nil error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
