package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/conoscope-control/conoctl/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Errorf("Expected default config to validate, got: %v", err)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sequence.PollInterval != 5*time.Second {
		t.Errorf("Expected 5s poll interval, got: %v", cfg.Sequence.PollInterval)
	}
	if !cfg.Device.Emulate {
		t.Error("Expected emulation by default")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "conoctl.yaml", `
device:
  emulate: false
  serialPort: /dev/ttyUSB0
sequence:
  pollInterval: 250ms
  plan:
    nd: Nd_2
    iris: 3mm
    exposureTimeUs: 5000
    acquisitionCount: 3
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Device.Emulate || cfg.Device.SerialPort != "/dev/ttyUSB0" {
		t.Errorf("Expected serial device, got: %+v", cfg.Device)
	}
	if cfg.Sequence.PollInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got: %v", cfg.Sequence.PollInterval)
	}
	plan := cfg.Sequence.Plan.CaptureConfig()
	if plan.Nd != model.Nd2 || plan.Iris != model.Iris3mm || plan.AcquisitionCount != 3 {
		t.Errorf("Unexpected plan: %+v", plan)
	}
	// Keys absent from the file keep their defaults.
	if cfg.API.Addr != ":8000" {
		t.Errorf("Expected default API address, got: %q", cfg.API.Addr)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Unexpected log config: %+v", cfg.Log)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "conoctl.toml", `
[session]
startup_delay = "0s"
command_timeout = "5s"

[redis]
enabled = true
addr = "redis:6379"
format = "msgpack"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.StartupDelay != 0 || cfg.Session.CommandTimeout != 5*time.Second {
		t.Errorf("Unexpected session config: %+v", cfg.Session)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis:6379" || cfg.Redis.Format != "msgpack" {
		t.Errorf("Unexpected redis config: %+v", cfg.Redis)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	yamlPath := writeFile(t, "bad.yaml", "device:\n  emulat: true\n")
	if _, err := Load(yamlPath); err == nil {
		t.Error("Expected unknown YAML key to fail")
	}

	tomlPath := writeFile(t, "bad.toml", "[device]\nemulat = true\n")
	if _, err := Load(tomlPath); err == nil {
		t.Error("Expected unknown TOML key to fail")
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := writeFile(t, "conoctl.ini", "x=1")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unsupported config format") {
		t.Errorf("Expected unsupported format error, got: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected missing file to fail")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONOCTL_POLL_INTERVAL", "1s")
	t.Setenv("CONOCTL_API_ADDR", "127.0.0.1:9000")
	t.Setenv("CONOCTL_EMULATE", "false")
	t.Setenv("CONOCTL_SERIAL_PORT", "/dev/ttyACM0")
	t.Setenv("CONOCTL_BRIDGE_ADDR", "bench-pc:7600")
	t.Setenv("CONOCTL_REDIS_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sequence.PollInterval != time.Second {
		t.Errorf("Expected 1s, got: %v", cfg.Sequence.PollInterval)
	}
	if cfg.API.Addr != "127.0.0.1:9000" {
		t.Errorf("Expected overridden address, got: %q", cfg.API.Addr)
	}
	if cfg.Device.Emulate || cfg.Device.SerialPort != "/dev/ttyACM0" || cfg.Device.BridgeAddr != "bench-pc:7600" {
		t.Errorf("Unexpected device config: %+v", cfg.Device)
	}
	if !cfg.Redis.Enabled {
		t.Error("Expected redis enabled")
	}
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("CONOCTL_COMMAND_TIMEOUT", "soon")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "CONOCTL_COMMAND_TIMEOUT") {
		t.Errorf("Expected error naming the variable, got: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		section string
	}{
		{"serial without port", func(c *Config) { c.Device.Emulate = false }, "device"},
		{"zero command timeout", func(c *Config) { c.Session.CommandTimeout = 0 }, "session"},
		{"zero poll interval", func(c *Config) { c.Sequence.PollInterval = 0 }, "sequence"},
		{"invalid plan nd", func(c *Config) { c.Sequence.Plan.Nd = "Nd_9" }, "sequence"},
		{"zero acquisitions", func(c *Config) { c.Sequence.Plan.AcquisitionCount = 0 }, "sequence"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log"},
		{"hs256 without secret", func(c *Config) { c.Auth.Enabled = true }, "auth"},
		{"rs256 without key", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.Algorithm = "RS256"
		}, "auth"},
		{"jitter too large", func(c *Config) { c.Telemetry.HeartbeatJitter = 10 * time.Second }, "telemetry"},
		{"bad redis format", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Format = "xml"
		}, "redis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.HasPrefix(err.Error(), tt.section+" validation failed") {
				t.Errorf("Expected %s section error, got: %v", tt.section, err)
			}
		})
	}

	if err := Validate(nil); err == nil {
		t.Error("Expected nil config to fail")
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("CONOCTL_TEST_INT", "42")
	t.Setenv("CONOCTL_TEST_FLOAT", "2.5")
	t.Setenv("CONOCTL_TEST_BOOL", "1")

	if v, err := GetEnvInt("CONOCTL_TEST_INT", 0); err != nil || v != 42 {
		t.Errorf("Expected 42, got: %d (%v)", v, err)
	}
	if v, err := GetEnvFloat("CONOCTL_TEST_FLOAT", 0); err != nil || v != 2.5 {
		t.Errorf("Expected 2.5, got: %v (%v)", v, err)
	}
	if v, err := GetEnvBool("CONOCTL_TEST_BOOL", false); err != nil || !v {
		t.Errorf("Expected true, got: %v (%v)", v, err)
	}
	if v := GetEnvVar("CONOCTL_TEST_UNSET", "fallback"); v != "fallback" {
		t.Errorf("Expected fallback, got: %q", v)
	}
}

func TestValidateBridgeWithoutSerialPort(t *testing.T) {
	cfg := Default()
	cfg.Device.Emulate = false
	cfg.Device.BridgeAddr = "127.0.0.1:7600"
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected bridge address to satisfy device selection, got: %v", err)
	}
}
