package sequence

import (
	"context"
	"time"

	"github.com/conoscope-control/conoctl/internal/model"
	"github.com/conoscope-control/conoctl/internal/session"
	"github.com/conoscope-control/conoctl/internal/telemetry"
)

// Device is the part of the session the orchestrator drives.
type Device interface {
	CaptureSequence(ctx context.Context, cfg model.CaptureSequenceConfig) (model.CommandResult, error)
	CaptureSequenceCancel(ctx context.Context) (model.CommandResult, error)
	CaptureSequenceStatus(ctx context.Context) (model.CommandResult, model.CaptureSequenceStatus, error)
}

// Compile-time assertion that session.Session implements Device
var _ Device = (*session.Session)(nil)

// EventPublisher publishes events on a named stream.
type EventPublisher interface {
	PublishStream(stream string, event telemetry.Event) error
}

// ProgressPublisher forwards notifications to an external broker.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, status model.CaptureSequenceStatus, at time.Time) error
}

// Metrics records sequence progress.
type Metrics interface {
	ObserveSequence(status model.CaptureSequenceStatus)
	SequenceFinished(state model.SequenceState)
}

// AuditLogger records terminal results.
type AuditLogger interface {
	LogCommand(ctx context.Context, command string, params map[string]interface{}, result model.CommandResult, err error, latency time.Duration)
}
