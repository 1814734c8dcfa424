package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

// Load merges Default() + the optional file at path + CONOCTL_* environment
// overrides, then validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		if err := loadFromFile(path, config); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// loadFromFile decodes a YAML or TOML file over config. Keys absent from the
// file keep their current value.
func loadFromFile(path string, config *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.UnmarshalStrict(data, config); err != nil {
			return fmt.Errorf("invalid YAML: %w", err)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, config)
		if err != nil {
			return fmt.Errorf("invalid TOML: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown TOML keys: %v", undecoded)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

// applyEnvOverrides applies CONOCTL_* environment variables.
func applyEnvOverrides(config *Config) error {
	var err error

	if config.Device.Emulate, err = GetEnvBool("CONOCTL_EMULATE", config.Device.Emulate); err != nil {
		return err
	}
	config.Device.SerialPort = GetEnvVar("CONOCTL_SERIAL_PORT", config.Device.SerialPort)
	config.Device.BridgeAddr = GetEnvVar("CONOCTL_BRIDGE_ADDR", config.Device.BridgeAddr)
	if config.Device.BaudRate, err = GetEnvInt("CONOCTL_BAUD_RATE", config.Device.BaudRate); err != nil {
		return err
	}

	if config.Session.StartupDelay, err = GetEnvDuration("CONOCTL_STARTUP_DELAY", config.Session.StartupDelay); err != nil {
		return err
	}
	if config.Session.CommandTimeout, err = GetEnvDuration("CONOCTL_COMMAND_TIMEOUT", config.Session.CommandTimeout); err != nil {
		return err
	}
	if config.Sequence.PollInterval, err = GetEnvDuration("CONOCTL_POLL_INTERVAL", config.Sequence.PollInterval); err != nil {
		return err
	}

	config.Log.Level = GetEnvVar("CONOCTL_LOG_LEVEL", config.Log.Level)
	config.Log.Format = GetEnvVar("CONOCTL_LOG_FORMAT", config.Log.Format)
	config.Log.File = GetEnvVar("CONOCTL_LOG_FILE", config.Log.File)

	config.Audit.Dir = GetEnvVar("CONOCTL_AUDIT_DIR", config.Audit.Dir)
	config.API.Addr = GetEnvVar("CONOCTL_API_ADDR", config.API.Addr)

	if config.Auth.Enabled, err = GetEnvBool("CONOCTL_AUTH_ENABLED", config.Auth.Enabled); err != nil {
		return err
	}
	config.Auth.SecretKey = GetEnvVar("CONOCTL_AUTH_SECRET", config.Auth.SecretKey)

	if config.Telemetry.HeartbeatInterval, err = GetEnvDuration("CONOCTL_HEARTBEAT_INTERVAL", config.Telemetry.HeartbeatInterval); err != nil {
		return err
	}
	if config.Metrics.Enabled, err = GetEnvBool("CONOCTL_METRICS_ENABLED", config.Metrics.Enabled); err != nil {
		return err
	}

	if config.Redis.Enabled, err = GetEnvBool("CONOCTL_REDIS_ENABLED", config.Redis.Enabled); err != nil {
		return err
	}
	config.Redis.Addr = GetEnvVar("CONOCTL_REDIS_ADDR", config.Redis.Addr)
	config.Redis.Password = GetEnvVar("CONOCTL_REDIS_PASSWORD", config.Redis.Password)
	config.Redis.Format = GetEnvVar("CONOCTL_REDIS_FORMAT", config.Redis.Format)

	return nil
}

// GetEnvVar returns the value of an environment variable with a default.
func GetEnvVar(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvDuration returns an environment variable parsed as a duration.
func GetEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return duration, nil
}

// GetEnvInt returns an environment variable parsed as an int.
func GetEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return intVal, nil
}

// GetEnvBool returns an environment variable parsed as a bool.
func GetEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid boolean %q", key, value)
	}
	return boolVal, nil
}

// GetEnvFloat returns an environment variable parsed as a float64.
func GetEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	floatVal, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid number %q", key, value)
	}
	return floatVal, nil
}
