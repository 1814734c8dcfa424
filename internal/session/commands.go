package session

import (
	"context"

	"github.com/conoscope-control/conoctl/internal/codec"
	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/model"
)

// command issues a command whose reply carries no record.
func (s *Session) command(ctx context.Context, cmd device.Command, params map[string]interface{}, run func(ctx context.Context) ([]byte, error)) (model.CommandResult, error) {
	return s.call(ctx, cmd, params, run, codec.Decode)
}

// query issues a command that also returns a record. The record is the zero
// value unless the reply decoded with ErrorCode 0.
func query[T any](s *Session, ctx context.Context, cmd device.Command, run func(ctx context.Context) ([]byte, T, error)) (model.CommandResult, T, error) {
	var (
		zero   T
		record T
	)
	result, err := s.call(ctx, cmd, nil, func(ctx context.Context) ([]byte, error) {
		payload, r, err := run(ctx)
		record = r
		return payload, err
	}, codec.Decode)
	if err != nil || !result.OK() {
		return result, zero, err
	}
	return result, record, nil
}

func params(key string, value interface{}) map[string]interface{} {
	return map[string]interface{}{key: value}
}

// Version issues GetVersion and decodes the version fields.
func (s *Session) Version(ctx context.Context) (model.CommandResult, model.VersionInfo, error) {
	var info model.VersionInfo
	result, err := s.call(ctx, device.CmdGetVersion, nil, s.exec.GetVersion, func(payload []byte) (model.CommandResult, error) {
		v, err := codec.DecodeVersion(payload)
		if err != nil {
			return model.CommandResult{}, err
		}
		info = v
		return v.CommandResult, nil
	})
	if err != nil || !result.OK() {
		return result, model.VersionInfo{}, err
	}
	return result, info, nil
}

// DeviceOpen opens the camera.
func (s *Session) DeviceOpen(ctx context.Context) (model.CommandResult, error) {
	return s.command(ctx, device.CmdOpen, nil, s.exec.Open)
}

// Setup configures the optical path.
func (s *Session) Setup(ctx context.Context, cfg model.SetupConfig) (model.CommandResult, error) {
	return s.command(ctx, device.CmdSetup, params("setup", cfg), func(ctx context.Context) ([]byte, error) {
		return s.exec.Setup(ctx, cfg)
	})
}

// SetupStatus polls the setup convergence.
func (s *Session) SetupStatus(ctx context.Context) (model.CommandResult, model.SetupStatus, error) {
	return query(s, ctx, device.CmdSetupStatus, s.exec.SetupStatus)
}

// Measure runs one acquisition.
func (s *Session) Measure(ctx context.Context, cfg model.MeasureConfig) (model.CommandResult, error) {
	return s.command(ctx, device.CmdMeasure, params("measure", cfg), func(ctx context.Context) ([]byte, error) {
		return s.exec.Measure(ctx, cfg)
	})
}

// ExportRaw exports the last acquisition unprocessed.
func (s *Session) ExportRaw(ctx context.Context) (model.CommandResult, error) {
	return s.command(ctx, device.CmdExportRaw, nil, s.exec.ExportRaw)
}

// ExportProcessed exports the last acquisition with corrections applied.
func (s *Session) ExportProcessed(ctx context.Context, cfg model.ProcessingConfig) (model.CommandResult, error) {
	return s.command(ctx, device.CmdExportProcessed, params("processing", cfg), func(ctx context.Context) ([]byte, error) {
		return s.exec.ExportProcessed(ctx, cfg)
	})
}

// DeviceClose closes the camera.
func (s *Session) DeviceClose(ctx context.Context) (model.CommandResult, error) {
	return s.command(ctx, device.CmdClose, nil, s.exec.Close)
}

// Reset returns the device to its power-on state.
func (s *Session) Reset(ctx context.Context) (model.CommandResult, error) {
	return s.command(ctx, device.CmdReset, nil, s.exec.Reset)
}

// SetConfig stores the persistent settings.
func (s *Session) SetConfig(ctx context.Context, settings model.Settings) (model.CommandResult, error) {
	return s.command(ctx, device.CmdSetConfig, params("settings", settings), func(ctx context.Context) ([]byte, error) {
		return s.exec.SetConfig(ctx, settings)
	})
}

// GetConfig reads the persistent settings.
func (s *Session) GetConfig(ctx context.Context) (model.CommandResult, model.Settings, error) {
	return query(s, ctx, device.CmdGetConfig, s.exec.GetConfig)
}

// GetCmdConfig reads the last Setup, Measure and ExportProcessed configuration.
func (s *Session) GetCmdConfig(ctx context.Context) (model.CommandResult, model.CmdConfig, error) {
	return query(s, ctx, device.CmdGetCmdConfig, s.exec.GetCmdConfig)
}

// SetDebugConfig stores the debug settings.
func (s *Session) SetDebugConfig(ctx context.Context, settings model.DebugSettings) (model.CommandResult, error) {
	return s.command(ctx, device.CmdSetDebugConfig, params("debug", settings), func(ctx context.Context) ([]byte, error) {
		return s.exec.SetDebugConfig(ctx, settings)
	})
}

// GetDebugConfig reads the debug settings.
func (s *Session) GetDebugConfig(ctx context.Context) (model.CommandResult, model.DebugSettings, error) {
	return query(s, ctx, device.CmdGetDebugConfig, s.exec.GetDebugConfig)
}

// CfgFileRead starts reading the configuration file from the camera.
func (s *Session) CfgFileRead(ctx context.Context) (model.CommandResult, error) {
	return s.command(ctx, device.CmdCfgFileRead, nil, s.exec.CfgFileRead)
}

// CfgFileWrite starts writing the configuration file to the camera.
func (s *Session) CfgFileWrite(ctx context.Context) (model.CommandResult, error) {
	return s.command(ctx, device.CmdCfgFileWrite, nil, s.exec.CfgFileWrite)
}

// CfgFileStatus reports the configuration file transfer progress.
func (s *Session) CfgFileStatus(ctx context.Context) (model.CommandResult, model.CfgFileStatus, error) {
	return query(s, ctx, device.CmdCfgFileStatus, s.exec.CfgFileStatus)
}

// GetCaptureSequence reads the last submitted capture plan.
func (s *Session) GetCaptureSequence(ctx context.Context) (model.CommandResult, model.CaptureSequenceConfig, error) {
	return query(s, ctx, device.CmdGetCaptureSequence, s.exec.GetCaptureSequence)
}

// CaptureSequence starts a capture sequence on the device.
func (s *Session) CaptureSequence(ctx context.Context, cfg model.CaptureSequenceConfig) (model.CommandResult, error) {
	return s.command(ctx, device.CmdCaptureSequence, params("sequence", cfg), func(ctx context.Context) ([]byte, error) {
		return s.exec.CaptureSequence(ctx, cfg)
	})
}

// CaptureSequenceCancel requests cancellation of the running sequence.
func (s *Session) CaptureSequenceCancel(ctx context.Context) (model.CommandResult, error) {
	return s.command(ctx, device.CmdCaptureSequenceCancel, nil, s.exec.CaptureSequenceCancel)
}

// CaptureSequenceStatus reads the capture sequence status.
func (s *Session) CaptureSequenceStatus(ctx context.Context) (model.CommandResult, model.CaptureSequenceStatus, error) {
	return query(s, ctx, device.CmdCaptureSequenceStatus, s.exec.CaptureSequenceStatus)
}

// MeasureAE starts an auto-exposure measurement.
func (s *Session) MeasureAE(ctx context.Context, cfg model.MeasureConfig) (model.CommandResult, error) {
	return s.command(ctx, device.CmdMeasureAE, params("measure", cfg), func(ctx context.Context) ([]byte, error) {
		return s.exec.MeasureAE(ctx, cfg)
	})
}

// MeasureAECancel requests cancellation of the auto-exposure measurement.
func (s *Session) MeasureAECancel(ctx context.Context) (model.CommandResult, error) {
	return s.command(ctx, device.CmdMeasureAECancel, nil, s.exec.MeasureAECancel)
}

// MeasureAEStatus reads the auto-exposure measurement status.
func (s *Session) MeasureAEStatus(ctx context.Context) (model.CommandResult, model.MeasureStatus, error) {
	return query(s, ctx, device.CmdMeasureAEStatus, s.exec.MeasureAEStatus)
}
