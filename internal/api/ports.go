package api

import (
	"context"
	"net/http"

	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/model"
	"github.com/conoscope-control/conoctl/internal/sequence"
	"github.com/conoscope-control/conoctl/internal/session"
	"github.com/conoscope-control/conoctl/internal/telemetry"
)

// DevicePort is the part of the device session exposed over HTTP.
type DevicePort interface {
	Info() device.Info
	Running() bool
	LibraryVersion() model.VersionInfo

	Setup(ctx context.Context, cfg model.SetupConfig) (model.CommandResult, error)
	SetupStatus(ctx context.Context) (model.CommandResult, model.SetupStatus, error)
	Measure(ctx context.Context, cfg model.MeasureConfig) (model.CommandResult, error)
	ExportRaw(ctx context.Context) (model.CommandResult, error)
	ExportProcessed(ctx context.Context, cfg model.ProcessingConfig) (model.CommandResult, error)
	GetConfig(ctx context.Context) (model.CommandResult, model.Settings, error)
	SetConfig(ctx context.Context, settings model.Settings) (model.CommandResult, error)
	GetDebugConfig(ctx context.Context) (model.CommandResult, model.DebugSettings, error)
	SetDebugConfig(ctx context.Context, settings model.DebugSettings) (model.CommandResult, error)
	GetCmdConfig(ctx context.Context) (model.CommandResult, model.CmdConfig, error)
}

// SequencePort drives capture sequences.
type SequencePort interface {
	Submit(ctx context.Context, cfg model.CaptureSequenceConfig) (model.CommandResult, error)
	Poll() model.CaptureSequenceStatus
	Active() bool
	Cancel(ctx context.Context) (model.CommandResult, error)
}

// TelemetryPort serves the event stream.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
	ClientCount() int
}

var (
	_ DevicePort    = (*session.Session)(nil)
	_ SequencePort  = (*sequence.Orchestrator)(nil)
	_ TelemetryPort = (*telemetry.Hub)(nil)
)
