package config

import (
	"time"

	"github.com/conoscope-control/conoctl/internal/device/emulator"
	"github.com/conoscope-control/conoctl/internal/model"
)

// Config is the complete service configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device" toml:"device"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Sequence  SequenceConfig  `yaml:"sequence" toml:"sequence"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	API       APIConfig       `yaml:"api" toml:"api"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
}

// DeviceConfig selects the executor. BridgeAddr takes precedence over
// SerialPort when emulation is off.
type DeviceConfig struct {
	Emulate    bool           `yaml:"emulate" toml:"emulate"`
	SerialPort string         `yaml:"serialPort" toml:"serial_port"`
	BaudRate   int            `yaml:"baudRate" toml:"baud_rate"`
	BridgeAddr string         `yaml:"bridgeAddr" toml:"bridge_addr"`
	Emulator   EmulatorConfig `yaml:"emulator" toml:"emulator"`
}

// EmulatorConfig sets the emulated phase durations.
type EmulatorConfig struct {
	WheelDuration        time.Duration `yaml:"wheelDuration" toml:"wheel_duration"`
	TemperatureSettle    time.Duration `yaml:"temperatureSettle" toml:"temperature_settle"`
	AutoExposureDuration time.Duration `yaml:"autoExposureDuration" toml:"auto_exposure_duration"`
	MeasureDuration      time.Duration `yaml:"measureDuration" toml:"measure_duration"`
	ProcessDuration      time.Duration `yaml:"processDuration" toml:"process_duration"`
	CfgFileDuration      time.Duration `yaml:"cfgFileDuration" toml:"cfg_file_duration"`
}

// Options applies the configured durations to the emulator defaults.
func (c EmulatorConfig) Options() emulator.Options {
	opts := emulator.DefaultOptions()
	opts.WheelDuration = c.WheelDuration
	opts.TemperatureSettle = c.TemperatureSettle
	opts.AutoExposureDuration = c.AutoExposureDuration
	opts.MeasureDuration = c.MeasureDuration
	opts.ProcessDuration = c.ProcessDuration
	opts.CfgFileDuration = c.CfgFileDuration
	return opts
}

// SessionConfig controls the device session. Empty version fields accept any value.
type SessionConfig struct {
	StartupDelay    time.Duration `yaml:"startupDelay" toml:"startup_delay"`
	CommandTimeout  time.Duration `yaml:"commandTimeout" toml:"command_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" toml:"shutdown_timeout"`
	QueueSize       int           `yaml:"queueSize" toml:"queue_size"`
	LibraryName     string        `yaml:"libraryName" toml:"library_name"`
	LibraryVersion  string        `yaml:"libraryVersion" toml:"library_version"`
	PipelineName    string        `yaml:"pipelineName" toml:"pipeline_name"`
	PipelineVersion string        `yaml:"pipelineVersion" toml:"pipeline_version"`
}

// SequenceConfig controls the capture sequence orchestrator.
type SequenceConfig struct {
	PollInterval time.Duration `yaml:"pollInterval" toml:"poll_interval"`
	Plan         PlanConfig    `yaml:"plan" toml:"plan"`
}

// PlanConfig is the capture plan run by -run-sequence. Enum fields take
// names ("Nd_1", "3mm") or ordinals.
type PlanConfig struct {
	SensorTemperature  float64 `yaml:"sensorTemperature" toml:"sensor_temperature"`
	WaitForTemperature bool    `yaml:"waitForTemperature" toml:"wait_for_temperature"`
	Nd                 string  `yaml:"nd" toml:"nd"`
	Iris               string  `yaml:"iris" toml:"iris"`
	ExposureTimeUs     int     `yaml:"exposureTimeUs" toml:"exposure_time_us"`
	AcquisitionCount   int     `yaml:"acquisitionCount" toml:"acquisition_count"`
	AutoExposure       bool    `yaml:"autoExposure" toml:"auto_exposure"`
	UseExposureFile    bool    `yaml:"useExposureFile" toml:"use_exposure_file"`
}

// CaptureConfig converts the plan to the device record.
func (p PlanConfig) CaptureConfig() model.CaptureSequenceConfig {
	return model.CaptureSequenceConfig{
		SensorTemperature:  p.SensorTemperature,
		WaitForTemperature: p.WaitForTemperature,
		Nd:                 model.ParseNd(p.Nd),
		Iris:               model.ParseIris(p.Iris),
		ExposureTimeUs:     p.ExposureTimeUs,
		AcquisitionCount:   p.AcquisitionCount,
		AutoExposure:       p.AutoExposure,
		UseExposureFile:    p.UseExposureFile,
	}
}

// LogConfig controls the process logger. An empty File logs to stdout.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"max_size_mb"`
	MaxBackups int    `yaml:"maxBackups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"max_age_days"`
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	Dir        string `yaml:"dir" toml:"dir"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"max_size_mb"`
	MaxBackups int    `yaml:"maxBackups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// APIConfig controls the HTTP server.
type APIConfig struct {
	Enabled         bool          `yaml:"enabled" toml:"enabled"`
	Addr            string        `yaml:"addr" toml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout" toml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" toml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout" toml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" toml:"shutdown_timeout"`
}

// AuthConfig controls bearer token verification. Disabled means no auth.
type AuthConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	Algorithm     string `yaml:"algorithm" toml:"algorithm"`
	SecretKey     string `yaml:"secretKey" toml:"secret_key"`
	PublicKeyFile string `yaml:"publicKeyFile" toml:"public_key_file"`
	JWKSURL       string `yaml:"jwksURL" toml:"jwks_url"`
}

// TelemetryConfig controls the event stream.
type TelemetryConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" toml:"heartbeat_interval"`
	HeartbeatJitter   time.Duration `yaml:"heartbeatJitter" toml:"heartbeat_jitter"`
	EventBufferSize   int           `yaml:"eventBufferSize" toml:"event_buffer_size"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled" toml:"enabled"`
	RuntimeInterval time.Duration `yaml:"runtimeInterval" toml:"runtime_interval"`
}

// RedisConfig controls the progress broker.
type RedisConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	Addr       string `yaml:"addr" toml:"addr"`
	Password   string `yaml:"password" toml:"password"`
	DB         int    `yaml:"db" toml:"db"`
	PoolSize   int    `yaml:"poolSize" toml:"pool_size"`
	Channel    string `yaml:"channel" toml:"channel"`
	HistoryKey string `yaml:"historyKey" toml:"history_key"`
	Format     string `yaml:"format" toml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Emulate:  true,
			BaudRate: 921600,
			Emulator: EmulatorConfig{
				WheelDuration:        2 * time.Second,
				TemperatureSettle:    5 * time.Second,
				AutoExposureDuration: 3 * time.Second,
				MeasureDuration:      2 * time.Second,
				ProcessDuration:      2 * time.Second,
				CfgFileDuration:      3 * time.Second,
			},
		},
		Session: SessionConfig{
			StartupDelay:    500 * time.Millisecond,
			CommandTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			QueueSize:       100,
		},
		Sequence: SequenceConfig{
			PollInterval: 5 * time.Second,
			Plan: PlanConfig{
				SensorTemperature:  25,
				WaitForTemperature: false,
				Nd:                 "Nd_0",
				Iris:               "2mm",
				ExposureTimeUs:     100000,
				AcquisitionCount:   1,
				AutoExposure:       true,
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Audit: AuditConfig{
			Enabled:    true,
			Dir:        "logs",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 90,
		},
		API: APIConfig{
			Enabled:         true,
			Addr:            ":8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Algorithm: "HS256",
		},
		Telemetry: TelemetryConfig{
			HeartbeatInterval: 15 * time.Second,
			HeartbeatJitter:   2 * time.Second,
			EventBufferSize:   50,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			RuntimeInterval: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			Channel:    "conoctl:progress",
			HistoryKey: "conoctl:progress:history",
			Format:     "json",
		},
	}
}
