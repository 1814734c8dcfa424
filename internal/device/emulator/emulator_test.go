package emulator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conoscope-control/conoctl/internal/codec"
	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/devicetest"
	"github.com/conoscope-control/conoctl/internal/model"
)

func fastOptions() Options {
	opts := DefaultOptions()
	opts.WheelDuration = 10 * time.Millisecond
	opts.TemperatureSettle = 20 * time.Millisecond
	opts.AutoExposureDuration = 10 * time.Millisecond
	opts.MeasureDuration = 10 * time.Millisecond
	opts.ProcessDuration = 10 * time.Millisecond
	opts.CfgFileDuration = 30 * time.Millisecond
	return opts
}

// start runs the emulator loop and stops it when the test ends.
func start(t *testing.T, opts Options) *Emulator {
	t.Helper()
	emu := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = emu.RunApp(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !emu.Running() {
		if time.Now().After(deadline) {
			t.Fatal("run-loop did not start")
		}
		time.Sleep(time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return emu
}

// replies decodes command payloads, failing the test on transport or
// decode errors. must(t).decode(emu.Open(ctx)) keeps call sites short.
type replies struct {
	t *testing.T
}

func must(t *testing.T) replies {
	return replies{t: t}
}

func (r replies) decode(payload []byte, err error) model.CommandResult {
	r.t.Helper()
	if err != nil {
		r.t.Fatalf("Command failed: %v", err)
	}
	result, err := codec.Decode(payload)
	if err != nil {
		r.t.Fatalf("Decode failed: %v", err)
	}
	return result
}

func TestEmulatorConformance(t *testing.T) {
	devicetest.RunConformance(t, func(t *testing.T) (device.Executor, func()) {
		return start(t, fastOptions()), func() {}
	}, devicetest.Capabilities{
		Name:            "emulator",
		SequenceTimeout: 5 * time.Second,
		PollInterval:    5 * time.Millisecond,
	})
}

func TestCommandsBeforeRunApp(t *testing.T) {
	emu := New(fastOptions())
	_, err := emu.GetVersion(context.Background())
	if !errors.Is(err, device.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable before RunApp, got: %v", err)
	}
}

func TestRunAppTwice(t *testing.T) {
	emu := start(t, fastOptions())
	if err := emu.RunApp(context.Background()); err == nil {
		t.Error("Expected second RunApp to fail")
	}
}

func TestEveryReplyCarriesTaktTime(t *testing.T) {
	emu := start(t, fastOptions())
	result := must(t).decode(emu.Open(context.Background()))
	if _, ok := result.ExtraInt(codec.FieldTaktTimeMs); !ok {
		t.Errorf("Expected %s in reply, got: %v", codec.FieldTaktTimeMs, result.Extras)
	}
	if result.Extras[codec.FieldCameraSerialNumber] != "EMU-0001" {
		t.Errorf("Expected camera serial number, got: %v", result.Extras)
	}
}

func TestFaultInjection(t *testing.T) {
	emu := start(t, fastOptions())
	ctx := context.Background()

	emu.SetFault(device.CmdOpen, device.CodeViFailed, "camera not detected")
	result := must(t).decode(emu.Open(ctx))
	if device.Code(result.ErrorCode) != device.CodeViFailed {
		t.Errorf("Expected ViFailed, got: %d", result.ErrorCode)
	}
	if result.Message != "camera not detected" {
		t.Errorf("Expected injected message, got: %q", result.Message)
	}

	emu.ClearFaults()
	result = must(t).decode(emu.Open(ctx))
	if !result.OK() {
		t.Errorf("Expected Open to succeed after ClearFaults, got: %+v", result)
	}
	if emu.Calls(device.CmdOpen) != 2 {
		t.Errorf("Expected 2 Open calls, got: %d", emu.Calls(device.CmdOpen))
	}
}

func TestMeasureOutOfRange(t *testing.T) {
	emu := start(t, fastOptions())
	ctx := context.Background()
	must(t).decode(emu.Open(ctx))

	tests := []model.MeasureConfig{
		{ExposureTimeUs: model.ExposureTimeMax + 1, AcquisitionCount: 1, BinningFactor: 1},
		{ExposureTimeUs: 1000, AcquisitionCount: 0, BinningFactor: 1},
		{ExposureTimeUs: 1000, AcquisitionCount: model.AcquisitionMax + 1, BinningFactor: 1},
		{ExposureTimeUs: 1000, AcquisitionCount: 1, BinningFactor: 3},
	}
	for _, cfg := range tests {
		result := must(t).decode(emu.Measure(ctx, cfg))
		if device.Code(result.ErrorCode) != device.CodeInvalidParameter {
			t.Errorf("Config %+v: expected InvalidParameter, got: %d", cfg, result.ErrorCode)
		}
	}
}

func waitSequence(t *testing.T, emu *Emulator) []model.CaptureSequenceStatus {
	t.Helper()
	var seen []model.CaptureSequenceStatus
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, status, err := emu.CaptureSequenceStatus(context.Background())
		if err != nil {
			t.Fatalf("CaptureSequenceStatus failed: %v", err)
		}
		if len(seen) == 0 || seen[len(seen)-1] != status {
			seen = append(seen, status)
		}
		if status.State.Terminal() {
			return seen
		}
		if time.Now().After(deadline) {
			t.Fatalf("Sequence did not finish, last status: %+v", status)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCaptureSequenceWalksFilters(t *testing.T) {
	emu := start(t, fastOptions())
	ctx := context.Background()
	must(t).decode(emu.Open(ctx))

	cfg := model.CaptureSequenceConfig{
		SensorTemperature:  25,
		WaitForTemperature: true,
		AutoExposure:       true,
		ExposureTimeUs:     1000,
		AcquisitionCount:   1,
	}
	result := must(t).decode(emu.CaptureSequence(ctx, cfg))
	if !result.OK() {
		t.Fatalf("CaptureSequence failed: %+v", result)
	}

	// a second submission is refused while running
	result = must(t).decode(emu.CaptureSequence(ctx, cfg))
	if device.Code(result.ErrorCode) != device.CodeInvalidState {
		t.Errorf("Expected InvalidState for concurrent submission, got: %d", result.ErrorCode)
	}

	seen := waitSequence(t, emu)
	final := seen[len(seen)-1]
	if final.State != model.SequenceDone {
		t.Fatalf("Expected Done, got: %s", final.State)
	}
	if final.TotalSteps != len(model.CaptureFilters) || final.CurrentStep != final.TotalSteps {
		t.Errorf("Expected step %d/%d, got: %d/%d", len(model.CaptureFilters), len(model.CaptureFilters), final.CurrentStep, final.TotalSteps)
	}

	filters := map[model.Filter]bool{}
	states := map[model.SequenceState]bool{}
	for _, s := range seen {
		filters[s.Filter] = true
		states[s.State] = true
	}
	for _, f := range model.CaptureFilters {
		if !filters[f] {
			t.Errorf("Expected filter %s to be visited", f)
		}
	}
	if !states[model.SequenceWaitForTemperature] || !states[model.SequenceAutoExposure] {
		t.Errorf("Expected optional phases to run, got states: %v", states)
	}
}

func TestCaptureSequenceCancel(t *testing.T) {
	opts := fastOptions()
	opts.MeasureDuration = time.Second
	emu := start(t, opts)
	ctx := context.Background()
	must(t).decode(emu.Open(ctx))

	must(t).decode(emu.CaptureSequence(ctx, model.CaptureSequenceConfig{SensorTemperature: 25, AcquisitionCount: 1}))
	result := must(t).decode(emu.CaptureSequenceCancel(ctx))
	if !result.OK() {
		t.Fatalf("Cancel failed: %+v", result)
	}

	seen := waitSequence(t, emu)
	if final := seen[len(seen)-1]; final.State != model.SequenceCancel {
		t.Errorf("Expected Cancel, got: %s", final.State)
	}
}

func TestCaptureSequenceFailure(t *testing.T) {
	emu := start(t, fastOptions())
	ctx := context.Background()
	must(t).decode(emu.Open(ctx))
	emu.FailCaptureAtStep(2)

	must(t).decode(emu.CaptureSequence(ctx, model.CaptureSequenceConfig{SensorTemperature: 25, AcquisitionCount: 1}))
	seen := waitSequence(t, emu)
	final := seen[len(seen)-1]
	if final.State != model.SequenceError {
		t.Errorf("Expected Error, got: %s", final.State)
	}
	if final.CurrentStep != 2 {
		t.Errorf("Expected failure at step 2, got: %d", final.CurrentStep)
	}
}

func TestCaptureSequenceEmptyPlan(t *testing.T) {
	opts := fastOptions()
	opts.CaptureFilters = nil
	emu := start(t, opts)
	ctx := context.Background()
	must(t).decode(emu.Open(ctx))

	must(t).decode(emu.CaptureSequence(ctx, model.CaptureSequenceConfig{SensorTemperature: 25, AcquisitionCount: 1}))
	_, status, err := emu.CaptureSequenceStatus(ctx)
	if err != nil {
		t.Fatalf("CaptureSequenceStatus failed: %v", err)
	}
	if status.State != model.SequenceDone || status.TotalSteps != 0 {
		t.Errorf("Expected immediate Done with no steps, got: %+v", status)
	}
}

func TestCfgFileTransfer(t *testing.T) {
	emu := start(t, fastOptions())
	ctx := context.Background()

	must(t).decode(emu.CfgFileWrite(ctx))
	result := must(t).decode(emu.CfgFileRead(ctx))
	if device.Code(result.ErrorCode) != device.CodeInvalidState {
		t.Errorf("Expected InvalidState during transfer, got: %d", result.ErrorCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, status, err := emu.CfgFileStatus(ctx)
		if err != nil {
			t.Fatalf("CfgFileStatus failed: %v", err)
		}
		if status.State == model.CfgFileWriteDone {
			if status.Progress != 100 {
				t.Errorf("Expected progress 100, got: %d", status.Progress)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Transfer did not finish: %+v", status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMeasureAE(t *testing.T) {
	emu := start(t, fastOptions())
	ctx := context.Background()
	must(t).decode(emu.Open(ctx))

	must(t).decode(emu.MeasureAE(ctx, model.MeasureConfig{ExposureTimeUs: 0, AcquisitionCount: 1, BinningFactor: 1}))

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, status, err := emu.MeasureAEStatus(ctx)
		if err != nil {
			t.Fatalf("MeasureAEStatus failed: %v", err)
		}
		if status.State == model.MeasureDone {
			if status.ExposureTimeUs <= 0 {
				t.Errorf("Expected a chosen exposure time, got: %d", status.ExposureTimeUs)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Auto-exposure did not finish: %+v", status)
		}
		time.Sleep(2 * time.Millisecond)
	}

	result := must(t).decode(emu.MeasureAECancel(ctx))
	if device.Code(result.ErrorCode) != device.CodeInvalidState {
		t.Errorf("Expected InvalidState when cancelling idle auto-exposure, got: %d", result.ErrorCode)
	}
}

func TestResetClosesCamera(t *testing.T) {
	emu := start(t, fastOptions())
	ctx := context.Background()
	must(t).decode(emu.Open(ctx))
	must(t).decode(emu.SetConfig(ctx, model.Settings{ConfigPath: "/other"}))

	result := must(t).decode(emu.Reset(ctx))
	if result.Extras[codec.FieldCfgPath] != "_Cfg" {
		t.Errorf("Expected default CfgPath after reset, got: %v", result.Extras)
	}

	result = must(t).decode(emu.Setup(ctx, model.SetupConfig{SensorTemperature: 25}))
	if device.Code(result.ErrorCode) != device.CodeInvalidState {
		t.Errorf("Expected camera to be closed after reset, got: %d", result.ErrorCode)
	}
}
