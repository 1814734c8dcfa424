package emulator

import (
	"time"

	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/model"
)

type phase struct {
	state    model.SequenceState
	duration time.Duration
}

func (e *Emulator) sequencePhases(cfg model.CaptureSequenceConfig) []phase {
	phases := []phase{{model.SequenceSetup, e.opts.WheelDuration}}
	if cfg.WaitForTemperature {
		phases = append(phases, phase{model.SequenceWaitForTemperature, e.opts.TemperatureSettle})
	}
	if cfg.AutoExposure {
		phases = append(phases, phase{model.SequenceAutoExposure, e.opts.AutoExposureDuration})
	}
	return append(phases,
		phase{model.SequenceMeasure, e.opts.MeasureDuration},
		phase{model.SequenceProcess, e.opts.ProcessDuration},
	)
}

func (e *Emulator) handleCaptureSequence(cfg model.CaptureSequenceConfig) model.CommandResult {
	if !e.opened {
		return failure(device.CodeInvalidState, "camera is not opened")
	}
	if e.seqRunning {
		return failure(device.CodeInvalidState, "capture sequence already running")
	}
	if r := checkTemperature(cfg.SensorTemperature); r != nil {
		return *r
	}
	if r := checkMeasure(model.MeasureConfig{
		ExposureTimeUs:   cfg.ExposureTimeUs,
		AcquisitionCount: cfg.AcquisitionCount,
		BinningFactor:    1,
	}); r != nil {
		return *r
	}

	e.seqCfg = cfg
	filters := append([]model.Filter(nil), e.opts.CaptureFilters...)
	failAt := e.seqFailAt
	e.seqFailAt = 0

	if len(filters) == 0 {
		e.seqStatus = model.CaptureSequenceStatus{Filter: model.FilterInvalid, State: model.SequenceDone}
		return success()
	}

	e.seqStatus = model.CaptureSequenceStatus{
		TotalSteps:  len(filters),
		CurrentStep: 1,
		Filter:      filters[0],
		State:       model.SequenceSetup,
	}
	e.seqRunning = true
	e.seqCancel = false
	e.seqCancelled = make(chan struct{})

	e.wg.Add(1)
	go e.runSequence(cfg, filters, failAt, e.seqCancelled)
	return success()
}

func (e *Emulator) handleCaptureSequenceCancel() model.CommandResult {
	if !e.seqRunning {
		return failure(device.CodeInvalidState, "no capture sequence running")
	}
	e.requestSequenceCancel()
	return success()
}

func (e *Emulator) requestSequenceCancel() {
	if e.seqRunning && !e.seqCancel {
		e.seqCancel = true
		close(e.seqCancelled)
	}
}

// runSequence walks every filter through the configured phases.
func (e *Emulator) runSequence(cfg model.CaptureSequenceConfig, filters []model.Filter, failAt int, cancel <-chan struct{}) {
	defer e.wg.Done()

	phases := e.sequencePhases(cfg)
	for i, filter := range filters {
		step := i + 1
		for _, p := range phases {
			e.enterPhase(cfg, step, filter, p.state)

			if step == failAt && p.state == model.SequenceMeasure {
				e.finishSequence(model.SequenceError)
				return
			}
			if !e.wait(p.duration, cancel) {
				e.finishSequence(model.SequenceCancel)
				return
			}
		}
	}
	e.finishSequence(model.SequenceDone)
}

func (e *Emulator) enterPhase(cfg model.CaptureSequenceConfig, step int, filter model.Filter, state model.SequenceState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seqStatus.CurrentStep = step
	e.seqStatus.Filter = filter
	e.seqStatus.State = state

	switch state {
	case model.SequenceSetup:
		e.startSetup(model.SetupConfig{
			SensorTemperature: cfg.SensorTemperature,
			Filter:            filter,
			Nd:                cfg.Nd,
			Iris:              cfg.Iris,
		})
	case model.SequenceMeasure:
		e.cmdCfg.Measure = model.MeasureConfig{
			ExposureTimeUs:   cfg.ExposureTimeUs,
			AcquisitionCount: cfg.AcquisitionCount,
			BinningFactor:    1,
		}
		e.measured = true
	}
}

func (e *Emulator) finishSequence(state model.SequenceState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seqStatus.State = state
	e.seqRunning = false
}

// wait sleeps for d. It reports false when cancelled or the run-loop stopped.
func (e *Emulator) wait(d time.Duration, cancel <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-cancel:
		return false
	case <-e.quit:
		return false
	}
}

func (e *Emulator) handleMeasureAE(cfg model.MeasureConfig) model.CommandResult {
	if !e.opened {
		return failure(device.CodeInvalidState, "camera is not opened")
	}
	if e.aeRunning {
		return failure(device.CodeInvalidState, "auto-exposure already running")
	}
	if r := checkMeasure(cfg); r != nil {
		return *r
	}

	e.ae = model.MeasureStatus{
		State:          model.MeasureProcess,
		ExposureTimeUs: cfg.ExposureTimeUs,
		NbAcquisition:  cfg.AcquisitionCount,
	}
	e.aeRunning = true
	cancel := make(chan struct{})
	e.aeCancel = cancel

	e.wg.Add(1)
	go e.runAutoExposure(cfg, cancel)
	return success()
}

func (e *Emulator) handleMeasureAECancel() model.CommandResult {
	if !e.aeRunning {
		return failure(device.CodeInvalidState, "no auto-exposure running")
	}
	e.requestAECancel()
	return success()
}

func (e *Emulator) requestAECancel() {
	if e.aeRunning && e.aeCancel != nil {
		close(e.aeCancel)
		e.aeCancel = nil
	}
}

func (e *Emulator) runAutoExposure(cfg model.MeasureConfig, cancel <-chan struct{}) {
	defer e.wg.Done()

	ok := e.wait(e.opts.AutoExposureDuration, cancel)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.aeRunning = false
	if !ok {
		e.ae.State = model.MeasureCancel
		return
	}

	// settle on a level below saturation
	exposure := cfg.ExposureTimeUs
	if exposure == 0 || exposure > model.ExposureTimeMax*8/10 {
		exposure = model.ExposureTimeMax / 2
	}
	e.ae.State = model.MeasureDone
	e.ae.ExposureTimeUs = exposure
	e.cmdCfg.Measure = model.MeasureConfig{
		ExposureTimeUs:   exposure,
		AcquisitionCount: cfg.AcquisitionCount,
		BinningFactor:    cfg.BinningFactor,
	}
	e.measured = true
}
