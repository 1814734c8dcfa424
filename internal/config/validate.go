package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/conoscope-control/conoctl/internal/model"
)

// Validate checks a configuration. Errors name the failing section.
func Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateDevice(&config.Device); err != nil {
		return fmt.Errorf("device validation failed: %w", err)
	}
	if err := validateSession(&config.Session); err != nil {
		return fmt.Errorf("session validation failed: %w", err)
	}
	if err := validateSequence(&config.Sequence); err != nil {
		return fmt.Errorf("sequence validation failed: %w", err)
	}
	if err := validateLog(&config.Log); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}
	if err := validateAuth(&config.Auth); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}
	if err := validateTelemetry(&config.Telemetry); err != nil {
		return fmt.Errorf("telemetry validation failed: %w", err)
	}
	if err := validateRedis(&config.Redis); err != nil {
		return fmt.Errorf("redis validation failed: %w", err)
	}

	return nil
}

func validateDevice(c *DeviceConfig) error {
	if !c.Emulate && c.SerialPort == "" && c.BridgeAddr == "" {
		return fmt.Errorf("serial port or bridge address is required when emulation is off")
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("baud rate must be positive, got %d", c.BaudRate)
	}
	return nil
}

func validateSession(c *SessionConfig) error {
	if c.StartupDelay < 0 {
		return fmt.Errorf("startup delay must be non-negative, got %v", c.StartupDelay)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive, got %v", c.CommandTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %v", c.ShutdownTimeout)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	return nil
}

func validateSequence(c *SequenceConfig) error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	plan := c.Plan.CaptureConfig()
	if plan.Nd == model.NdInvalid {
		return fmt.Errorf("plan nd %q is not valid", c.Plan.Nd)
	}
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	return nil
}

func validateLog(c *LogConfig) error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Format)
	}
	return nil
}

func validateAuth(c *AuthConfig) error {
	if !c.Enabled {
		return nil
	}
	switch c.Algorithm {
	case "HS256":
		if c.SecretKey == "" {
			return fmt.Errorf("HS256 requires a secret key")
		}
	case "RS256":
		if c.PublicKeyFile == "" && c.JWKSURL == "" {
			return fmt.Errorf("RS256 requires a public key file or a JWKS URL")
		}
	default:
		return fmt.Errorf("unsupported algorithm %q", c.Algorithm)
	}
	return nil
}

func validateTelemetry(c *TelemetryConfig) error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.HeartbeatJitter < 0 || c.HeartbeatJitter > c.HeartbeatInterval/2 {
		return fmt.Errorf("heartbeat jitter %v must be within 50%% of interval %v", c.HeartbeatJitter, c.HeartbeatInterval)
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", c.EventBufferSize)
	}
	return nil
}

func validateRedis(c *RedisConfig) error {
	if !c.Enabled {
		return nil
	}
	if c.Addr == "" {
		return fmt.Errorf("address is required")
	}
	switch c.Format {
	case "json", "msgpack":
	default:
		return fmt.Errorf("payload format must be json or msgpack, got %q", c.Format)
	}
	return nil
}
