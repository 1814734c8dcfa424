package model

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandResult is returned by every device command. ErrorCode 0 means success;
// any other value is the device's own diagnosis and is reported verbatim.
type CommandResult struct {
	ErrorCode int               `json:"error"`
	Message   string            `json:"message"`
	Extras    map[string]string `json:"extras,omitempty"`
}

// OK reports whether the command succeeded.
func (r CommandResult) OK() bool {
	return r.ErrorCode == 0
}

// Extra returns an additional field carried by the reply.
func (r CommandResult) Extra(key string) (string, bool) {
	v, ok := r.Extras[key]
	return v, ok
}

// ExtraInt returns an additional field parsed as an integer.
func (r CommandResult) ExtraInt(key string) (int, bool) {
	v, ok := r.Extras[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		f, ferr := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if ferr != nil {
			return 0, false
		}
		return int(f), true
	}
	return n, true
}

// ExtraFloat returns an additional field parsed as a float.
func (r CommandResult) ExtraFloat(key string) (float64, bool) {
	v, ok := r.Extras[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// ExtraBool returns an additional field parsed as a boolean ("1"/"0" accepted).
func (r CommandResult) ExtraBool(key string) (bool, bool) {
	v, ok := r.Extras[key]
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, false
	}
	return b, true
}

// VersionInfo is the reply of GetVersion.
type VersionInfo struct {
	CommandResult
	LibraryName     string `json:"libName"`
	LibraryVersion  string `json:"libVersion"`
	LibraryDate     string `json:"libDate"`
	PipelineName    string `json:"pipelineName"`
	PipelineVersion string `json:"pipelineVersion"`
	PipelineDate    string `json:"pipelineDate"`
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%s %s (%s), pipeline %s %s (%s)",
		v.LibraryName, v.LibraryVersion, v.LibraryDate,
		v.PipelineName, v.PipelineVersion, v.PipelineDate)
}

// SetupConfig configures the optical path. Iris is informational.
type SetupConfig struct {
	SensorTemperature float64 `json:"sensorTemperature" yaml:"sensorTemperature"`
	Filter            Filter  `json:"filter" yaml:"filter"`
	Nd                Nd      `json:"nd" yaml:"nd"`
	Iris              Iris    `json:"iris" yaml:"iris"`
}

// SetupStatus is a read-only snapshot polled while setup converges.
type SetupStatus struct {
	TempMonitoring     TempMonitoringState `json:"tempMonitoring"`
	CurrentTemperature float64             `json:"currentTemperature"`
	Wheel              WheelState          `json:"wheel"`
	Filter             Filter              `json:"filter"`
	Nd                 Nd                  `json:"nd"`
	Iris               Iris                `json:"iris"`
}

// MeasureConfig configures one acquisition.
type MeasureConfig struct {
	ExposureTimeUs   int  `json:"exposureTimeUs" yaml:"exposureTimeUs"`
	AcquisitionCount int  `json:"acquisitionCount" yaml:"acquisitionCount"`
	BinningFactor    int  `json:"binningFactor" yaml:"binningFactor"`
	TestPattern      bool `json:"testPattern" yaml:"testPattern"`
}

// Validate checks the structural constraints of a measure config.
func (m MeasureConfig) Validate() error {
	if m.ExposureTimeUs < 0 {
		return fmt.Errorf("exposure time must be non-negative, got %d", m.ExposureTimeUs)
	}
	if m.AcquisitionCount < 1 {
		return fmt.Errorf("acquisition count must be at least 1, got %d", m.AcquisitionCount)
	}
	if m.BinningFactor < 1 {
		return fmt.Errorf("binning factor must be at least 1, got %d", m.BinningFactor)
	}
	return nil
}

// ProcessingConfig holds independent correction flags applied on export.
type ProcessingConfig struct {
	BiasCompensation       bool `json:"biasCompensation" yaml:"biasCompensation"`
	SensorDefectCorrection bool `json:"sensorDefectCorrection" yaml:"sensorDefectCorrection"`
	PRNUCorrection         bool `json:"prnuCorrection" yaml:"prnuCorrection"`
	Linearisation          bool `json:"linearisation" yaml:"linearisation"`
	FlatField              bool `json:"flatField" yaml:"flatField"`
	AbsoluteCalibration    bool `json:"absoluteCalibration" yaml:"absoluteCalibration"`
}

// Settings are the persistent settings owned by the device-side process.
// Paths are opaque to the client.
type Settings struct {
	ConfigPath           string  `json:"configPath" yaml:"configPath"`
	CapturePath          string  `json:"capturePath" yaml:"capturePath"`
	AutoExposure         bool    `json:"autoExposure" yaml:"autoExposure"`
	AutoExposurePixelMax float64 `json:"autoExposurePixelMax" yaml:"autoExposurePixelMax"`
}

// DebugSettings alter the device state machine. Switching EmulateCamera
// affects the whole session.
type DebugSettings struct {
	DebugMode         bool   `json:"debugMode" yaml:"debugMode"`
	EmulateCamera     bool   `json:"emulateCamera" yaml:"emulateCamera"`
	DummyRawImagePath string `json:"dummyRawImagePath" yaml:"dummyRawImagePath"`
}

// CmdConfig is the last configuration used by Setup, Measure and ExportProcessed.
type CmdConfig struct {
	Setup      SetupConfig      `json:"setup"`
	Measure    MeasureConfig    `json:"measure"`
	Processing ProcessingConfig `json:"processing"`
}

// CfgFileStatus reports the progress of a configuration file read or write.
type CfgFileStatus struct {
	State       CfgFileState `json:"state"`
	Progress    int          `json:"progress"`
	ElapsedTime int          `json:"elapsedTime"`
	FileName    string       `json:"fileName"`
}

// CaptureSequenceConfig defines one multi-filter capture run.
type CaptureSequenceConfig struct {
	SensorTemperature  float64 `json:"sensorTemperature" yaml:"sensorTemperature"`
	WaitForTemperature bool    `json:"waitForTemperature" yaml:"waitForTemperature"`
	Nd                 Nd      `json:"nd" yaml:"nd"`
	Iris               Iris    `json:"iris" yaml:"iris"`
	ExposureTimeUs     int     `json:"exposureTimeUs" yaml:"exposureTimeUs"`
	AcquisitionCount   int     `json:"acquisitionCount" yaml:"acquisitionCount"`
	AutoExposure       bool    `json:"autoExposure" yaml:"autoExposure"`
	UseExposureFile    bool    `json:"useExposureFile" yaml:"useExposureFile"`
}

// Validate checks the structural constraints of a capture plan.
func (c CaptureSequenceConfig) Validate() error {
	if c.ExposureTimeUs < 0 {
		return fmt.Errorf("exposure time must be non-negative, got %d", c.ExposureTimeUs)
	}
	if c.AcquisitionCount < 1 {
		return fmt.Errorf("acquisition count must be at least 1, got %d", c.AcquisitionCount)
	}
	return nil
}

// CaptureSequenceStatus is polled while a capture sequence runs.
type CaptureSequenceStatus struct {
	TotalSteps  int           `json:"totalSteps"`
	CurrentStep int           `json:"currentStep"`
	Filter      Filter        `json:"filter"`
	State       SequenceState `json:"state"`
}

// InitialStatus is the status reported before any sequence was submitted.
func InitialStatus() CaptureSequenceStatus {
	return CaptureSequenceStatus{
		Filter: FilterInvalid,
		State:  SequenceNotStarted,
	}
}

// MeasureStatus reports the progress of an auto-exposure measurement.
type MeasureStatus struct {
	State          MeasureState `json:"state"`
	ExposureTimeUs int          `json:"exposureTimeUs"`
	NbAcquisition  int          `json:"nbAcquisition"`
}

// Device limits. The device enforces them; they are exported for emulation.
const (
	TemperatureMin   = 15.0
	TemperatureMax   = 35.0
	ExposureTimeMax  = 980000
	AcquisitionMax   = 25
	BinningMax       = 2
	SetupRetryMax    = 5
	CaptureStepCount = 5
)
