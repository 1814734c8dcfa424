// Package emulator provides an in-process conoscope executor.
//
// It services commands on a single run-loop in FIFO order, the same way the
// native library does, and reproduces the device-side state machines: filter
// wheel and temperature regulation after Setup, configuration file transfer,
// auto-exposure, and the multi-filter capture sequence. It backs the
// emulateCamera debug mode and the test suites.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conoscope-control/conoctl/internal/codec"
	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/model"
)

// Options configures the emulated device.
type Options struct {
	Version            model.VersionInfo
	CameraSerialNumber string
	CameraVersion      string

	// Phase durations.
	WheelDuration        time.Duration
	TemperatureSettle    time.Duration
	AutoExposureDuration time.Duration
	MeasureDuration      time.Duration
	ProcessDuration      time.Duration
	CfgFileDuration      time.Duration

	// CaptureFilters is the filter plan of a capture sequence. An empty plan
	// completes immediately with zero steps.
	CaptureFilters []model.Filter

	QueueSize    int
	QueueTimeout time.Duration
}

// DefaultOptions returns an emulator that behaves like a bench device with
// shortened phase durations.
func DefaultOptions() Options {
	return Options{
		Version: model.VersionInfo{
			LibraryName:     "ConoscopeLib",
			LibraryVersion:  "1.6.0",
			LibraryDate:     "2021-03-15",
			PipelineName:    "ConoscopePipeline",
			PipelineVersion: "1.2.0",
			PipelineDate:    "2021-03-01",
		},
		CameraSerialNumber:   "EMU-0001",
		CameraVersion:        "emulated",
		WheelDuration:        200 * time.Millisecond,
		TemperatureSettle:    500 * time.Millisecond,
		AutoExposureDuration: 300 * time.Millisecond,
		MeasureDuration:      200 * time.Millisecond,
		ProcessDuration:      200 * time.Millisecond,
		CfgFileDuration:      300 * time.Millisecond,
		CaptureFilters:       append([]model.Filter(nil), model.CaptureFilters...),
		QueueSize:            100,
		QueueTimeout:         5 * time.Second,
	}
}

type request struct {
	cmd       device.Command
	arg       interface{}
	response  chan response
	timestamp time.Time
}

type response struct {
	payload []byte
	value   interface{}
}

type fault struct {
	code    device.Code
	message string
}

// Emulator implements device.Executor.
type Emulator struct {
	mu   sync.Mutex
	opts Options

	opened   bool
	settings model.Settings
	debug    model.DebugSettings
	cmdCfg   model.CmdConfig
	measured bool

	setupStart     time.Time
	setupStartTemp float64
	wheelUntil     time.Time
	tempLockAt     time.Time
	tempTarget     float64

	seqCfg       model.CaptureSequenceConfig
	seqStatus    model.CaptureSequenceStatus
	seqRunning   bool
	seqCancel    bool
	seqFailAt    int
	seqCancelled chan struct{}

	cfgFile      model.CfgFileStatus
	cfgFileStart time.Time
	cfgFileOp    model.CfgFileState

	ae        model.MeasureStatus
	aeRunning bool
	aeCancel  chan struct{}

	faults map[device.Command]fault
	calls  map[device.Command]int

	commandQueue chan request
	quit         chan struct{}
	stopped      chan struct{}
	started      atomic.Bool
	running      atomic.Bool
	wg           sync.WaitGroup
}

var _ device.Executor = (*Emulator)(nil)

// New creates an emulator. The run-loop starts with RunApp.
func New(opts Options) *Emulator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = 5 * time.Second
	}

	return &Emulator{
		opts: opts,
		settings: model.Settings{
			ConfigPath:           "_Cfg",
			CapturePath:          "_Capture",
			AutoExposurePixelMax: 80,
		},
		cmdCfg: model.CmdConfig{
			Setup: model.SetupConfig{
				SensorTemperature: 25,
				Filter:            model.FilterX,
				Nd:                model.Nd0,
				Iris:              model.Iris2mm,
			},
			Measure: model.MeasureConfig{
				ExposureTimeUs:   100000,
				AcquisitionCount: 1,
				BinningFactor:    1,
			},
		},
		tempTarget:   25,
		seqStatus:    model.InitialStatus(),
		cfgFile:      model.CfgFileStatus{State: model.CfgFileNotDone},
		faults:       make(map[device.Command]fault),
		calls:        make(map[device.Command]int),
		commandQueue: make(chan request, opts.QueueSize),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

// Info describes the emulator.
func (e *Emulator) Info() device.Info {
	return device.Info{Name: "emulator", Transport: "in-process"}
}

// RunApp services commands until QuitApp is processed or ctx is done.
// An emulator runs once; a second RunApp fails.
func (e *Emulator) RunApp(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("run-loop already started")
	}
	e.running.Store(true)
	defer func() {
		e.running.Store(false)
		close(e.stopped)
		e.stopWorkers()
	}()

	for {
		select {
		case req := <-e.commandQueue:
			if e.processCommand(req) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stopWorkers stops background sequence and auto-exposure workers.
func (e *Emulator) stopWorkers() {
	close(e.quit)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
	}
}

// processCommand handles one request. It reports true once QuitApp was served.
func (e *Emulator) processCommand(req request) bool {
	start := time.Now()

	e.mu.Lock()
	e.calls[req.cmd]++
	f, faulted := e.faults[req.cmd]
	e.mu.Unlock()

	var (
		result model.CommandResult
		value  interface{}
		quit   bool
	)

	switch {
	case faulted:
		result = failure(f.code, f.message)
	case req.cmd == device.CmdQuitApp:
		result = success()
		quit = true
	default:
		result, value = e.dispatch(req)
	}

	if result.Extras == nil {
		result.Extras = make(map[string]string)
	}
	result.Extras[codec.FieldTaktTimeMs] = fmt.Sprintf("%d", time.Since(start).Milliseconds())

	var (
		payload []byte
		err     error
	)
	if v, ok := value.(model.VersionInfo); ok && result.OK() {
		v.CommandResult = result
		payload, err = codec.EncodeVersion(v)
	} else {
		payload, err = codec.Encode(result)
	}
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"Error":%d,"Message":"encode failed"}`, int(device.CodeFailed)))
	}

	req.response <- response{payload: payload, value: value}
	return quit
}

func (e *Emulator) dispatch(req request) (model.CommandResult, interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch req.cmd {
	case device.CmdGetVersion:
		return success(), e.opts.Version
	case device.CmdOpen:
		return e.handleOpen(), nil
	case device.CmdSetup:
		return e.handleSetup(req.arg.(model.SetupConfig)), nil
	case device.CmdSetupStatus:
		return e.handleSetupStatus()
	case device.CmdMeasure:
		return e.handleMeasure(req.arg.(model.MeasureConfig)), nil
	case device.CmdExportRaw:
		return e.handleExportRaw(), nil
	case device.CmdExportProcessed:
		return e.handleExportProcessed(req.arg.(model.ProcessingConfig)), nil
	case device.CmdClose:
		return e.handleClose(), nil
	case device.CmdReset:
		return e.handleReset(), nil
	case device.CmdSetConfig:
		e.settings = req.arg.(model.Settings)
		return success(), nil
	case device.CmdGetConfig:
		return success(), e.settings
	case device.CmdGetCmdConfig:
		return success(), e.cmdCfg
	case device.CmdSetDebugConfig:
		e.debug = req.arg.(model.DebugSettings)
		return success(), nil
	case device.CmdGetDebugConfig:
		return success(), e.debug
	case device.CmdCfgFileRead:
		return e.handleCfgFile(model.CfgFileReading), nil
	case device.CmdCfgFileWrite:
		return e.handleCfgFile(model.CfgFileWriting), nil
	case device.CmdCfgFileStatus:
		return success(), e.cfgFileStatus()
	case device.CmdGetCaptureSequence:
		return success(), e.seqCfg
	case device.CmdCaptureSequence:
		return e.handleCaptureSequence(req.arg.(model.CaptureSequenceConfig)), nil
	case device.CmdCaptureSequenceCancel:
		return e.handleCaptureSequenceCancel(), nil
	case device.CmdCaptureSequenceStatus:
		return success(), e.seqStatus
	case device.CmdMeasureAE:
		return e.handleMeasureAE(req.arg.(model.MeasureConfig)), nil
	case device.CmdMeasureAECancel:
		return e.handleMeasureAECancel(), nil
	case device.CmdMeasureAEStatus:
		return success(), e.ae
	default:
		return failure(device.CodeNotImplemented, fmt.Sprintf("command %s not supported", req.cmd)), nil
	}
}

// execute queues a command on the run-loop and waits for its reply.
func (e *Emulator) execute(ctx context.Context, cmd device.Command, arg interface{}) ([]byte, interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	if !e.running.Load() {
		return nil, nil, fmt.Errorf("%s: %w: run-loop is not running", cmd, device.ErrUnavailable)
	}

	req := request{
		cmd:       cmd,
		arg:       arg,
		response:  make(chan response, 1),
		timestamp: time.Now(),
	}

	select {
	case e.commandQueue <- req:
	case <-time.After(e.opts.QueueTimeout):
		return nil, nil, fmt.Errorf("%s: %w: command queue full", cmd, device.ErrBusy)
	case <-e.stopped:
		return nil, nil, fmt.Errorf("%s: %w: run-loop stopped", cmd, device.ErrUnavailable)
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	select {
	case resp := <-req.response:
		return resp.payload, resp.value, nil
	case <-e.stopped:
		// QuitApp replies before the loop stops
		select {
		case resp := <-req.response:
			return resp.payload, resp.value, nil
		default:
		}
		return nil, nil, fmt.Errorf("%s: %w: run-loop stopped", cmd, device.ErrUnavailable)
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (e *Emulator) payloadOnly(ctx context.Context, cmd device.Command, arg interface{}) ([]byte, error) {
	payload, _, err := e.execute(ctx, cmd, arg)
	return payload, err
}

// SetFault makes every following call of cmd fail with the given code.
func (e *Emulator) SetFault(cmd device.Command, code device.Code, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[cmd] = fault{code: code, message: message}
}

// ClearFaults removes all injected faults.
func (e *Emulator) ClearFaults() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = make(map[device.Command]fault)
}

// FailCaptureAtStep makes the next capture sequence end in Error when it
// reaches the given 1-based step. Zero disables the failure.
func (e *Emulator) FailCaptureAtStep(step int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seqFailAt = step
}

// Calls returns how many times cmd reached the run-loop.
func (e *Emulator) Calls(cmd device.Command) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[cmd]
}

// Running reports whether the run-loop is servicing commands.
func (e *Emulator) Running() bool {
	return e.running.Load()
}

func success() model.CommandResult {
	return model.CommandResult{ErrorCode: int(device.CodeOk)}
}

func failure(code device.Code, message string) model.CommandResult {
	return model.CommandResult{ErrorCode: int(code), Message: message}
}

// Executor methods.

func (e *Emulator) QuitApp(ctx context.Context) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdQuitApp, nil)
}

func (e *Emulator) GetVersion(ctx context.Context) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdGetVersion, nil)
}

func (e *Emulator) Open(ctx context.Context) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdOpen, nil)
}

func (e *Emulator) Setup(ctx context.Context, cfg model.SetupConfig) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdSetup, cfg)
}

func (e *Emulator) SetupStatus(ctx context.Context) ([]byte, model.SetupStatus, error) {
	payload, v, err := e.execute(ctx, device.CmdSetupStatus, nil)
	status, _ := v.(model.SetupStatus)
	return payload, status, err
}

func (e *Emulator) Measure(ctx context.Context, cfg model.MeasureConfig) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdMeasure, cfg)
}

func (e *Emulator) ExportRaw(ctx context.Context) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdExportRaw, nil)
}

func (e *Emulator) ExportProcessed(ctx context.Context, cfg model.ProcessingConfig) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdExportProcessed, cfg)
}

func (e *Emulator) Close(ctx context.Context) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdClose, nil)
}

func (e *Emulator) Reset(ctx context.Context) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdReset, nil)
}

func (e *Emulator) SetConfig(ctx context.Context, settings model.Settings) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdSetConfig, settings)
}

func (e *Emulator) GetConfig(ctx context.Context) ([]byte, model.Settings, error) {
	payload, v, err := e.execute(ctx, device.CmdGetConfig, nil)
	settings, _ := v.(model.Settings)
	return payload, settings, err
}

func (e *Emulator) GetCmdConfig(ctx context.Context) ([]byte, model.CmdConfig, error) {
	payload, v, err := e.execute(ctx, device.CmdGetCmdConfig, nil)
	cfg, _ := v.(model.CmdConfig)
	return payload, cfg, err
}

func (e *Emulator) SetDebugConfig(ctx context.Context, settings model.DebugSettings) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdSetDebugConfig, settings)
}

func (e *Emulator) GetDebugConfig(ctx context.Context) ([]byte, model.DebugSettings, error) {
	payload, v, err := e.execute(ctx, device.CmdGetDebugConfig, nil)
	settings, _ := v.(model.DebugSettings)
	return payload, settings, err
}

func (e *Emulator) CfgFileRead(ctx context.Context) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdCfgFileRead, nil)
}

func (e *Emulator) CfgFileWrite(ctx context.Context) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdCfgFileWrite, nil)
}

func (e *Emulator) CfgFileStatus(ctx context.Context) ([]byte, model.CfgFileStatus, error) {
	payload, v, err := e.execute(ctx, device.CmdCfgFileStatus, nil)
	status, _ := v.(model.CfgFileStatus)
	return payload, status, err
}

func (e *Emulator) GetCaptureSequence(ctx context.Context) ([]byte, model.CaptureSequenceConfig, error) {
	payload, v, err := e.execute(ctx, device.CmdGetCaptureSequence, nil)
	cfg, _ := v.(model.CaptureSequenceConfig)
	return payload, cfg, err
}

func (e *Emulator) CaptureSequence(ctx context.Context, cfg model.CaptureSequenceConfig) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdCaptureSequence, cfg)
}

func (e *Emulator) CaptureSequenceCancel(ctx context.Context) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdCaptureSequenceCancel, nil)
}

func (e *Emulator) CaptureSequenceStatus(ctx context.Context) ([]byte, model.CaptureSequenceStatus, error) {
	payload, v, err := e.execute(ctx, device.CmdCaptureSequenceStatus, nil)
	status, ok := v.(model.CaptureSequenceStatus)
	if !ok {
		status = model.InitialStatus()
	}
	return payload, status, err
}

func (e *Emulator) MeasureAE(ctx context.Context, cfg model.MeasureConfig) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdMeasureAE, cfg)
}

func (e *Emulator) MeasureAECancel(ctx context.Context) ([]byte, error) {
	return e.payloadOnly(ctx, device.CmdMeasureAECancel, nil)
}

func (e *Emulator) MeasureAEStatus(ctx context.Context) ([]byte, model.MeasureStatus, error) {
	payload, v, err := e.execute(ctx, device.CmdMeasureAEStatus, nil)
	status, _ := v.(model.MeasureStatus)
	return payload, status, err
}
