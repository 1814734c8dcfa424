// Package devicetest provides transport-agnostic conformance testing for
// device executors. Every Executor implementation (the in-process emulator,
// the serial link) must pass the same suite.
package devicetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/conoscope-control/conoctl/internal/codec"
	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/model"
)

// Factory returns a running executor and a function that releases it.
type Factory func(t *testing.T) (device.Executor, func())

// Capabilities defines the expected behavior for conformance testing.
type Capabilities struct {
	Name string
	// SequenceTimeout bounds a complete capture sequence.
	SequenceTimeout time.Duration
	// PollInterval is used while waiting for asynchronous operations.
	PollInterval time.Duration
}

// ConformanceResult represents the result of a conformance test.
type ConformanceResult struct {
	TestName string
	Passed   bool
	Error    string
	Duration time.Duration
	Details  map[string]interface{}
}

// ConformanceReport represents the complete conformance test report.
type ConformanceReport struct {
	ExecutorName  string
	TotalTests    int
	PassedTests   int
	FailedTests   int
	Results       []ConformanceResult
	OverallPassed bool
	Duration      time.Duration
}

type check func(ctx context.Context, exec device.Executor, caps Capabilities, result *ConformanceResult) error

// RunConformance runs the complete conformance suite. Each check gets a fresh executor.
func RunConformance(t *testing.T, newExecutor Factory, caps Capabilities) {
	if caps.SequenceTimeout <= 0 {
		caps.SequenceTimeout = 30 * time.Second
	}
	if caps.PollInterval <= 0 {
		caps.PollInterval = 20 * time.Millisecond
	}

	startTime := time.Now()
	report := &ConformanceReport{
		ExecutorName:  caps.Name,
		Results:       []ConformanceResult{},
		OverallPassed: true,
	}

	checks := []struct {
		name string
		fn   check
	}{
		{"GetVersion_Identity", checkVersion},
		{"Setup_BeforeOpen", checkSetupBeforeOpen},
		{"Setup_Valid", checkSetupValid},
		{"Setup_OutOfRange", checkSetupOutOfRange},
		{"Measure_Export", checkMeasureExport},
		{"Settings_RoundTrip", checkSettingsRoundTrip},
		{"Debug_RoundTrip", checkDebugRoundTrip},
		{"CmdConfig_EdgeEnums", checkCmdConfigEdgeEnums},
		{"CaptureSequence_Complete", checkCaptureSequence},
		{"CaptureSequence_CancelIdle", checkCancelIdle},
		{"QuitApp_StopsLoop", checkQuitApp},
	}

	for _, c := range checks {
		exec, release := newExecutor(t)
		ctx, cancel := context.WithTimeout(context.Background(), caps.SequenceTimeout+5*time.Second)

		result := ConformanceResult{TestName: c.name, Details: make(map[string]interface{})}
		start := time.Now()
		err := c.fn(ctx, exec, caps, &result)
		result.Duration = time.Since(start)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Passed = true
		}
		report.addResult(result)

		cancel()
		release()
	}

	report.Duration = time.Since(startTime)
	printConformanceReport(t, report)

	if !report.OverallPassed {
		t.Fatalf("Executor conformance test failed: %d/%d tests passed", report.PassedTests, report.TotalTests)
	}
}

// decodeOK decodes a payload and requires a zero code.
func decodeOK(cmd device.Command, payload []byte, err error) (model.CommandResult, error) {
	if err != nil {
		return model.CommandResult{}, fmt.Errorf("%s transport error: %w", cmd, err)
	}
	result, err := codec.Decode(payload)
	if err != nil {
		return result, fmt.Errorf("%s: %w", cmd, err)
	}
	if err := device.AsError(cmd, result); err != nil {
		return result, err
	}
	return result, nil
}

// expectClass decodes a payload and requires a failure of the given class.
func expectClass(cmd device.Command, payload []byte, err error, class error) error {
	if err != nil {
		return fmt.Errorf("%s transport error: %w", cmd, err)
	}
	result, err := codec.Decode(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	failure := device.AsError(cmd, result)
	if !errors.Is(failure, class) {
		return fmt.Errorf("%s: expected %v, got: %v", cmd, class, failure)
	}
	return nil
}

func open(ctx context.Context, exec device.Executor) error {
	payload, err := exec.Open(ctx)
	_, err = decodeOK(device.CmdOpen, payload, err)
	return err
}

func checkVersion(ctx context.Context, exec device.Executor, _ Capabilities, result *ConformanceResult) error {
	payload, err := exec.GetVersion(ctx)
	if err != nil {
		return err
	}
	v, err := codec.DecodeVersion(payload)
	if err != nil {
		return err
	}
	if !v.OK() {
		return fmt.Errorf("GetVersion returned code %d", v.ErrorCode)
	}
	result.Details["version"] = v.String()
	return nil
}

func checkSetupBeforeOpen(ctx context.Context, exec device.Executor, _ Capabilities, _ *ConformanceResult) error {
	payload, err := exec.Setup(ctx, model.SetupConfig{SensorTemperature: 25, Filter: model.FilterX, Nd: model.Nd0})
	return expectClass(device.CmdSetup, payload, err, device.ErrInvalidState)
}

func checkSetupValid(ctx context.Context, exec device.Executor, caps Capabilities, result *ConformanceResult) error {
	if err := open(ctx, exec); err != nil {
		return err
	}
	cfg := model.SetupConfig{SensorTemperature: 27.5, Filter: model.FilterYa, Nd: model.Nd2, Iris: model.Iris3mm}
	payload, err := exec.Setup(ctx, cfg)
	if _, err := decodeOK(device.CmdSetup, payload, err); err != nil {
		return err
	}

	deadline := time.Now().Add(caps.SequenceTimeout)
	for {
		payload, status, err := exec.SetupStatus(ctx)
		if _, err := decodeOK(device.CmdSetupStatus, payload, err); err != nil {
			return err
		}
		if status.Filter != cfg.Filter || status.Nd != cfg.Nd {
			return fmt.Errorf("SetupStatus reports %s/%s, expected %s/%s", status.Filter, status.Nd, cfg.Filter, cfg.Nd)
		}
		if status.Wheel == model.WheelSuccess && status.TempMonitoring == model.TempLocked {
			result.Details["temperature"] = status.CurrentTemperature
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("setup did not converge: %+v", status)
		}
		time.Sleep(caps.PollInterval)
	}
}

func checkSetupOutOfRange(ctx context.Context, exec device.Executor, _ Capabilities, _ *ConformanceResult) error {
	if err := open(ctx, exec); err != nil {
		return err
	}
	for _, temp := range []float64{model.TemperatureMin - 1, model.TemperatureMax + 1} {
		payload, err := exec.Setup(ctx, model.SetupConfig{SensorTemperature: temp, Filter: model.FilterX, Nd: model.Nd0})
		if err := expectClass(device.CmdSetup, payload, err, device.ErrInvalidParameter); err != nil {
			return err
		}
	}
	return nil
}

func checkMeasureExport(ctx context.Context, exec device.Executor, caps Capabilities, result *ConformanceResult) error {
	if err := open(ctx, exec); err != nil {
		return err
	}

	payload, err := exec.ExportRaw(ctx)
	if err := expectClass(device.CmdExportRaw, payload, err, device.ErrInvalidState); err != nil {
		return err
	}

	measure := model.MeasureConfig{ExposureTimeUs: 50000, AcquisitionCount: 2, BinningFactor: 2}
	deadline := time.Now().Add(caps.SequenceTimeout)
	for {
		payload, err = exec.Measure(ctx, measure)
		_, err = decodeOK(device.CmdMeasure, payload, err)
		// the device refuses to measure while wheels still move after a previous setup
		if err == nil || !errors.Is(err, device.ErrInvalidState) || time.Now().After(deadline) {
			break
		}
		time.Sleep(caps.PollInterval)
	}
	if err != nil {
		return err
	}

	payload, err = exec.ExportRaw(ctx)
	raw, err := decodeOK(device.CmdExportRaw, payload, err)
	if err != nil {
		return err
	}
	file, ok := raw.Extra(codec.FieldCaptureFile)
	if !ok || file == "" {
		return fmt.Errorf("ExportRaw did not report %s", codec.FieldCaptureFile)
	}
	if n, ok := raw.ExtraInt(codec.FieldNbAcquisition); !ok || n != measure.AcquisitionCount {
		return fmt.Errorf("ExportRaw reported %d acquisitions, expected %d", n, measure.AcquisitionCount)
	}
	result.Details["captureFile"] = file

	payload, err = exec.ExportProcessed(ctx, model.ProcessingConfig{BiasCompensation: true, FlatField: true})
	processed, err := decodeOK(device.CmdExportProcessed, payload, err)
	if err != nil {
		return err
	}
	if _, ok := processed.ExtraFloat(codec.FieldConversionFactorY); !ok {
		return fmt.Errorf("ExportProcessed did not report %s", codec.FieldConversionFactorY)
	}
	return nil
}

func checkSettingsRoundTrip(ctx context.Context, exec device.Executor, _ Capabilities, _ *ConformanceResult) error {
	want := model.Settings{
		ConfigPath:           "/data/cfg",
		CapturePath:          "/data/capture",
		AutoExposure:         true,
		AutoExposurePixelMax: 72.5,
	}
	payload, err := exec.SetConfig(ctx, want)
	if _, err := decodeOK(device.CmdSetConfig, payload, err); err != nil {
		return err
	}
	payload, got, err := exec.GetConfig(ctx)
	if _, err := decodeOK(device.CmdGetConfig, payload, err); err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("GetConfig returned %+v, expected %+v", got, want)
	}
	return nil
}

func checkDebugRoundTrip(ctx context.Context, exec device.Executor, _ Capabilities, _ *ConformanceResult) error {
	want := model.DebugSettings{DebugMode: true, EmulateCamera: true, DummyRawImagePath: "/tmp/dummy.bin"}
	payload, err := exec.SetDebugConfig(ctx, want)
	if _, err := decodeOK(device.CmdSetDebugConfig, payload, err); err != nil {
		return err
	}
	payload, got, err := exec.GetDebugConfig(ctx)
	if _, err := decodeOK(device.CmdGetDebugConfig, payload, err); err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("GetDebugConfig returned %+v, expected %+v", got, want)
	}
	return nil
}

// checkCmdConfigEdgeEnums sends IrCut with an Invalid iris. Iris is
// informational, so the device accepts it and reports it back unchanged.
func checkCmdConfigEdgeEnums(ctx context.Context, exec device.Executor, _ Capabilities, _ *ConformanceResult) error {
	if err := open(ctx, exec); err != nil {
		return err
	}
	want := model.SetupConfig{SensorTemperature: model.TemperatureMin, Filter: model.FilterIrCut, Nd: model.Nd4, Iris: model.IrisInvalid}
	payload, err := exec.Setup(ctx, want)
	if _, err := decodeOK(device.CmdSetup, payload, err); err != nil {
		return err
	}
	payload, got, err := exec.GetCmdConfig(ctx)
	if _, err := decodeOK(device.CmdGetCmdConfig, payload, err); err != nil {
		return err
	}
	if got.Setup != want {
		return fmt.Errorf("GetCmdConfig returned setup %+v, expected %+v", got.Setup, want)
	}
	return nil
}

func checkCaptureSequence(ctx context.Context, exec device.Executor, caps Capabilities, result *ConformanceResult) error {
	if err := open(ctx, exec); err != nil {
		return err
	}

	payload, status, err := exec.CaptureSequenceStatus(ctx)
	if _, err := decodeOK(device.CmdCaptureSequenceStatus, payload, err); err != nil {
		return err
	}
	if status.State != model.SequenceNotStarted {
		return fmt.Errorf("expected NotStarted before submission, got %s", status.State)
	}

	cfg := model.CaptureSequenceConfig{SensorTemperature: 25, Nd: model.Nd1, ExposureTimeUs: 10000, AcquisitionCount: 1}
	payload, err = exec.CaptureSequence(ctx, cfg)
	if _, err := decodeOK(device.CmdCaptureSequence, payload, err); err != nil {
		return err
	}

	deadline := time.Now().Add(caps.SequenceTimeout)
	transitions := 0
	last := model.InitialStatus()
	for {
		payload, status, err = exec.CaptureSequenceStatus(ctx)
		if _, err := decodeOK(device.CmdCaptureSequenceStatus, payload, err); err != nil {
			return err
		}
		if status.CurrentStep > status.TotalSteps {
			return fmt.Errorf("step %d exceeds total %d", status.CurrentStep, status.TotalSteps)
		}
		if status.State != last.State || status.Filter != last.Filter {
			transitions++
			last = status
		}
		if status.State.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("capture sequence did not finish: %+v", status)
		}
		time.Sleep(caps.PollInterval)
	}

	if last.State != model.SequenceDone {
		return fmt.Errorf("expected Done, got %s", last.State)
	}
	result.Details["transitions"] = transitions

	payload, got, err := exec.GetCaptureSequence(ctx)
	if _, err := decodeOK(device.CmdGetCaptureSequence, payload, err); err != nil {
		return err
	}
	if got != cfg {
		return fmt.Errorf("GetCaptureSequence returned %+v, expected %+v", got, cfg)
	}
	return nil
}

func checkCancelIdle(ctx context.Context, exec device.Executor, _ Capabilities, _ *ConformanceResult) error {
	payload, err := exec.CaptureSequenceCancel(ctx)
	return expectClass(device.CmdCaptureSequenceCancel, payload, err, device.ErrInvalidState)
}

func checkQuitApp(ctx context.Context, exec device.Executor, _ Capabilities, _ *ConformanceResult) error {
	payload, err := exec.QuitApp(ctx)
	if _, err := decodeOK(device.CmdQuitApp, payload, err); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := exec.GetVersion(callCtx); err == nil {
		return errors.New("expected commands to fail after QuitApp")
	}
	return nil
}

func (r *ConformanceReport) addResult(result ConformanceResult) {
	r.TotalTests++
	if result.Passed {
		r.PassedTests++
	} else {
		r.FailedTests++
		r.OverallPassed = false
	}
	r.Results = append(r.Results, result)
}

func printConformanceReport(t *testing.T, report *ConformanceReport) {
	t.Logf("\n%s", strings.Repeat("=", 80))
	t.Logf("EXECUTOR CONFORMANCE REPORT")
	t.Logf("%s", strings.Repeat("=", 80))
	t.Logf("Executor: %s", report.ExecutorName)
	t.Logf("Passed: %d/%d (%s)", report.PassedTests, report.TotalTests,
		map[bool]string{true: "PASS", false: "FAIL"}[report.OverallPassed])
	t.Logf("Duration: %v", report.Duration)
	t.Logf("%-30s %-8s %-12s %-s", "TEST NAME", "RESULT", "DURATION", "DETAILS")
	t.Logf("%s", strings.Repeat("-", 80))

	for _, result := range report.Results {
		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}
		details := result.Error
		if details == "" && len(result.Details) > 0 {
			parts := make([]string, 0, len(result.Details))
			for k, v := range result.Details {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
			details = strings.Join(parts, ", ")
		}
		t.Logf("%-30s %-8s %-12v %s", result.TestName, status, result.Duration.Round(time.Millisecond), details)
	}
}
