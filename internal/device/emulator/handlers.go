package emulator

import (
	"fmt"
	"strconv"
	"time"

	"github.com/conoscope-control/conoctl/internal/codec"
	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/model"
)

// Sensor geometry at binning 1.
const (
	sensorWidth  = 7920
	sensorHeight = 6004
)

// Handlers run on the run-loop with e.mu held.

func (e *Emulator) handleOpen() model.CommandResult {
	if e.opened {
		return failure(device.CodeInvalidState, "camera already opened")
	}
	e.opened = true

	r := success()
	r.Extras = map[string]string{
		codec.FieldCfgPath:            e.settings.ConfigPath,
		codec.FieldCameraSerialNumber: e.opts.CameraSerialNumber,
		codec.FieldCameraVersion:      e.opts.CameraVersion,
	}
	return r
}

func (e *Emulator) handleClose() model.CommandResult {
	if !e.opened {
		return failure(device.CodeInvalidState, "camera is not opened")
	}
	e.opened = false
	e.measured = false
	return success()
}

func (e *Emulator) handleReset() model.CommandResult {
	e.requestSequenceCancel()
	e.requestAECancel()

	fresh := New(e.opts)
	e.opened = false
	e.measured = false
	e.settings = fresh.settings
	e.debug = fresh.debug
	e.cmdCfg = fresh.cmdCfg
	e.setupStart = time.Time{}
	e.tempTarget = fresh.tempTarget
	e.cfgFile = fresh.cfgFile
	e.cfgFileOp = model.CfgFileNotDone

	r := success()
	r.Extras = map[string]string{codec.FieldCfgPath: e.settings.ConfigPath}
	return r
}

func checkTemperature(t float64) *model.CommandResult {
	if t < model.TemperatureMin || t > model.TemperatureMax {
		r := failure(device.CodeInvalidParameter,
			fmt.Sprintf("sensor temperature %.1f out of range [%.0f, %.0f]", t, model.TemperatureMin, model.TemperatureMax))
		return &r
	}
	return nil
}

func checkMeasure(cfg model.MeasureConfig) *model.CommandResult {
	var msg string
	switch {
	case cfg.ExposureTimeUs < 0 || cfg.ExposureTimeUs > model.ExposureTimeMax:
		msg = fmt.Sprintf("exposure time %d out of range [0, %d]", cfg.ExposureTimeUs, model.ExposureTimeMax)
	case cfg.AcquisitionCount < 1 || cfg.AcquisitionCount > model.AcquisitionMax:
		msg = fmt.Sprintf("acquisition count %d out of range [1, %d]", cfg.AcquisitionCount, model.AcquisitionMax)
	case cfg.BinningFactor < 1 || cfg.BinningFactor > model.BinningMax:
		msg = fmt.Sprintf("binning factor %d out of range [1, %d]", cfg.BinningFactor, model.BinningMax)
	default:
		return nil
	}
	r := failure(device.CodeInvalidParameter, msg)
	return &r
}

func (e *Emulator) handleSetup(cfg model.SetupConfig) model.CommandResult {
	if !e.opened {
		return failure(device.CodeInvalidState, "camera is not opened")
	}
	if r := checkTemperature(cfg.SensorTemperature); r != nil {
		return *r
	}
	if cfg.Filter < 0 || cfg.Filter >= model.FilterInvalid {
		return failure(device.CodeInvalidParameter, fmt.Sprintf("filter %s is not valid", cfg.Filter))
	}
	if cfg.Nd < 0 || cfg.Nd >= model.NdInvalid {
		return failure(device.CodeInvalidParameter, fmt.Sprintf("nd %s is not valid", cfg.Nd))
	}

	e.startSetup(cfg)
	return success()
}

// startSetup moves the wheels and retargets temperature regulation.
func (e *Emulator) startSetup(cfg model.SetupConfig) {
	now := time.Now()
	e.setupStartTemp = e.currentTemperature(now)
	e.setupStart = now
	e.wheelUntil = now.Add(e.opts.WheelDuration)
	e.tempLockAt = now.Add(e.opts.TemperatureSettle)
	e.tempTarget = cfg.SensorTemperature
	e.cmdCfg.Setup = cfg
}

func (e *Emulator) currentTemperature(now time.Time) float64 {
	if e.setupStart.IsZero() || !now.Before(e.tempLockAt) {
		return e.tempTarget
	}
	span := e.tempLockAt.Sub(e.setupStart)
	if span <= 0 {
		return e.tempTarget
	}
	ratio := float64(now.Sub(e.setupStart)) / float64(span)
	return e.setupStartTemp + (e.tempTarget-e.setupStartTemp)*ratio
}

func (e *Emulator) handleSetupStatus() (model.CommandResult, interface{}) {
	now := time.Now()
	status := model.SetupStatus{
		TempMonitoring:     model.TempNotStarted,
		CurrentTemperature: e.currentTemperature(now),
		Wheel:              model.WheelIdle,
		Filter:             e.cmdCfg.Setup.Filter,
		Nd:                 e.cmdCfg.Setup.Nd,
		Iris:               e.cmdCfg.Setup.Iris,
	}

	if !e.setupStart.IsZero() {
		status.Wheel = model.WheelSuccess
		if now.Before(e.wheelUntil) {
			status.Wheel = model.WheelOperating
		}
		status.TempMonitoring = model.TempLocked
		if now.Before(e.tempLockAt) {
			status.TempMonitoring = model.TempProcessing
		}
	}
	return success(), status
}

func (e *Emulator) handleMeasure(cfg model.MeasureConfig) model.CommandResult {
	if !e.opened {
		return failure(device.CodeInvalidState, "camera is not opened")
	}
	if r := checkMeasure(cfg); r != nil {
		return *r
	}
	if time.Now().Before(e.wheelUntil) {
		return failure(device.CodeInvalidState, "wheels are operating")
	}
	e.cmdCfg.Measure = cfg
	e.measured = true
	return success()
}

func (e *Emulator) exportExtras() map[string]string {
	m := e.cmdCfg.Measure
	s := e.cmdCfg.Setup
	binning := m.BinningFactor
	if binning < 1 {
		binning = 1
	}
	level := m.ExposureTimeUs * 100 / model.ExposureTimeMax

	return map[string]string{
		codec.FieldCaptureFile:       fmt.Sprintf("%s/%s_%s_raw.bin", e.settings.CapturePath, s.Filter, s.Nd),
		codec.FieldSensorTemperature: strconv.FormatFloat(e.currentTemperature(time.Now()), 'f', 1, 64),
		codec.FieldFilter:            strconv.Itoa(int(s.Filter)),
		codec.FieldNd:                strconv.Itoa(int(s.Nd)),
		codec.FieldIris:              strconv.Itoa(int(s.Iris)),
		codec.FieldExposureUs:        strconv.Itoa(m.ExposureTimeUs),
		codec.FieldNbAcquisition:     strconv.Itoa(m.AcquisitionCount),
		codec.FieldHeight:            strconv.Itoa(sensorHeight / binning),
		codec.FieldWidth:             strconv.Itoa(sensorWidth / binning),
		codec.FieldSaturationFlag:    strconv.FormatBool(level >= 90),
		codec.FieldSaturationLevel:   strconv.Itoa(level),
	}
}

func (e *Emulator) handleExportRaw() model.CommandResult {
	if !e.measured {
		return failure(device.CodeInvalidState, "no measurement to export")
	}
	r := success()
	r.Extras = e.exportExtras()
	return r
}

func (e *Emulator) handleExportProcessed(cfg model.ProcessingConfig) model.CommandResult {
	if !e.measured {
		return failure(device.CodeInvalidState, "no measurement to export")
	}
	e.cmdCfg.Processing = cfg

	r := success()
	r.Extras = e.exportExtras()
	r.Extras[codec.FieldCaptureFile] = fmt.Sprintf("%s/%s_%s_proc.bin",
		e.settings.CapturePath, e.cmdCfg.Setup.Filter, e.cmdCfg.Setup.Nd)

	factor := "1.000000"
	if cfg.AbsoluteCalibration {
		factor = "0.982000"
	}
	r.Extras[codec.FieldConversionFactorX] = factor
	r.Extras[codec.FieldConversionFactorY] = factor
	r.Extras[codec.FieldConversionFactorZ] = factor
	return r
}

func (e *Emulator) handleCfgFile(op model.CfgFileState) model.CommandResult {
	if status := e.cfgFileStatus(); status.State == model.CfgFileReading || status.State == model.CfgFileWriting {
		return failure(device.CodeInvalidState, "configuration file transfer in progress")
	}
	e.cfgFileOp = op
	e.cfgFileStart = time.Now()
	e.cfgFile = model.CfgFileStatus{
		State:    op,
		FileName: e.settings.ConfigPath + "/camera.cfg",
	}
	return success()
}

// cfgFileStatus advances the transfer according to elapsed time.
func (e *Emulator) cfgFileStatus() model.CfgFileStatus {
	if e.cfgFileOp != model.CfgFileReading && e.cfgFileOp != model.CfgFileWriting {
		return e.cfgFile
	}

	elapsed := time.Since(e.cfgFileStart)
	e.cfgFile.ElapsedTime = int(elapsed.Milliseconds())

	if elapsed >= e.opts.CfgFileDuration {
		e.cfgFile.Progress = 100
		if e.cfgFileOp == model.CfgFileReading {
			e.cfgFile.State = model.CfgFileReadDone
		} else {
			e.cfgFile.State = model.CfgFileWriteDone
		}
		e.cfgFileOp = model.CfgFileNotDone
		return e.cfgFile
	}

	e.cfgFile.Progress = int(elapsed * 100 / e.opts.CfgFileDuration)
	return e.cfgFile
}
