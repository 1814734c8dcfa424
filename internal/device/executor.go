package device

import (
	"context"

	"github.com/conoscope-control/conoctl/internal/model"
)

// Command names a device command.
type Command string

const (
	CmdRunApp                Command = "RunApp"
	CmdQuitApp               Command = "QuitApp"
	CmdGetVersion            Command = "GetVersion"
	CmdOpen                  Command = "Open"
	CmdSetup                 Command = "Setup"
	CmdSetupStatus           Command = "SetupStatus"
	CmdMeasure               Command = "Measure"
	CmdExportRaw             Command = "ExportRaw"
	CmdExportProcessed       Command = "ExportProcessed"
	CmdClose                 Command = "Close"
	CmdReset                 Command = "Reset"
	CmdSetConfig             Command = "SetConfig"
	CmdGetConfig             Command = "GetConfig"
	CmdGetCmdConfig          Command = "GetCmdConfig"
	CmdSetDebugConfig        Command = "SetDebugConfig"
	CmdGetDebugConfig        Command = "GetDebugConfig"
	CmdCfgFileRead           Command = "CfgFileRead"
	CmdCfgFileWrite          Command = "CfgFileWrite"
	CmdCfgFileStatus         Command = "CfgFileStatus"
	CmdGetCaptureSequence    Command = "GetCaptureSequence"
	CmdCaptureSequence       Command = "CaptureSequence"
	CmdCaptureSequenceCancel Command = "CaptureSequenceCancel"
	CmdCaptureSequenceStatus Command = "CaptureSequenceStatus"
	CmdMeasureAE             Command = "MeasureAE"
	CmdMeasureAECancel       Command = "MeasureAECancel"
	CmdMeasureAEStatus       Command = "MeasureAEStatus"
)

// Executor is the stable contract of the command executor. Every method
// returns the raw reply payload; get and status commands additionally return
// a freshly built record, valid only when the decoded reply succeeded.
//
// Implementations are not required to be safe for concurrent command
// submission. RunApp and QuitApp are the exception: RunApp blocks on its own
// goroutine while commands are issued from another.
type Executor interface {
	// RunApp runs the executor's run-loop until QuitApp is processed or ctx is done.
	RunApp(ctx context.Context) error
	// Running reports whether the run-loop is servicing commands.
	Running() bool
	QuitApp(ctx context.Context) ([]byte, error)

	GetVersion(ctx context.Context) ([]byte, error)

	Open(ctx context.Context) ([]byte, error)
	Setup(ctx context.Context, cfg model.SetupConfig) ([]byte, error)
	SetupStatus(ctx context.Context) ([]byte, model.SetupStatus, error)
	Measure(ctx context.Context, cfg model.MeasureConfig) ([]byte, error)
	ExportRaw(ctx context.Context) ([]byte, error)
	ExportProcessed(ctx context.Context, cfg model.ProcessingConfig) ([]byte, error)
	Close(ctx context.Context) ([]byte, error)
	Reset(ctx context.Context) ([]byte, error)

	SetConfig(ctx context.Context, settings model.Settings) ([]byte, error)
	GetConfig(ctx context.Context) ([]byte, model.Settings, error)
	GetCmdConfig(ctx context.Context) ([]byte, model.CmdConfig, error)
	SetDebugConfig(ctx context.Context, settings model.DebugSettings) ([]byte, error)
	GetDebugConfig(ctx context.Context) ([]byte, model.DebugSettings, error)

	CfgFileRead(ctx context.Context) ([]byte, error)
	CfgFileWrite(ctx context.Context) ([]byte, error)
	CfgFileStatus(ctx context.Context) ([]byte, model.CfgFileStatus, error)

	GetCaptureSequence(ctx context.Context) ([]byte, model.CaptureSequenceConfig, error)
	CaptureSequence(ctx context.Context, cfg model.CaptureSequenceConfig) ([]byte, error)
	CaptureSequenceCancel(ctx context.Context) ([]byte, error)
	CaptureSequenceStatus(ctx context.Context) ([]byte, model.CaptureSequenceStatus, error)

	MeasureAE(ctx context.Context, cfg model.MeasureConfig) ([]byte, error)
	MeasureAECancel(ctx context.Context) ([]byte, error)
	MeasureAEStatus(ctx context.Context) ([]byte, model.MeasureStatus, error)
}

// Info describes an executor instance for logs and the API.
type Info struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
}
