package sequence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/model"
	"github.com/conoscope-control/conoctl/internal/telemetry"
)

// DefaultPollInterval is the status polling interval of the reference device.
const DefaultPollInterval = 5 * time.Second

// auditCommand names a complete run in the audit trail.
const auditCommand = "CaptureSequenceRun"

// progressBuffer bounds the per-run notification channel. A run produces at
// most a few notifications per filter.
const progressBuffer = 64

// Options configures the orchestrator.
type Options struct {
	PollInterval time.Duration
}

// Progress is one notification.
type Progress struct {
	Status model.CaptureSequenceStatus
	Time   time.Time
}

// run is one submitted sequence.
type run struct {
	cfg      model.CaptureSequenceConfig
	start    time.Time
	progress chan Progress
	done     chan struct{}
	cancel   context.CancelFunc

	// Set by the polling goroutine before done is closed.
	final model.CaptureSequenceStatus
	err   error
}

// Orchestrator drives capture sequences on one device.
type Orchestrator struct {
	dev  Device
	opts Options
	log  *logrus.Logger

	mu          sync.RWMutex
	status      model.CaptureSequenceStatus
	active      bool
	current     *run
	subscribers []func(Progress)

	events  EventPublisher
	broker  ProgressPublisher
	metrics Metrics
	audit   AuditLogger
}

// New creates an orchestrator. A zero PollInterval takes DefaultPollInterval.
func New(dev Device, opts Options, log *logrus.Logger) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		dev:    dev,
		opts:   opts,
		log:    log,
		status: model.InitialStatus(),
	}
}

// SetEventPublisher sets the event stream observer.
func (o *Orchestrator) SetEventPublisher(p EventPublisher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = p
}

// SetProgressPublisher sets the broker observer.
func (o *Orchestrator) SetProgressPublisher(p ProgressPublisher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.broker = p
}

// SetMetrics sets the metrics observer.
func (o *Orchestrator) SetMetrics(m Metrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics = m
}

// SetAuditLogger sets the audit observer.
func (o *Orchestrator) SetAuditLogger(a AuditLogger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.audit = a
}

// Subscribe registers a callback for every notification. Callbacks run on
// the polling goroutine and must not block.
func (o *Orchestrator) Subscribe(fn func(Progress)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subscribers = append(o.subscribers, fn)
}

// Submit starts a capture sequence. While a run is active it returns an
// InvalidState result with device.ErrSequenceActive and leaves the run alone.
// A device-reported failure is returned in the result with a nil error.
func (o *Orchestrator) Submit(ctx context.Context, cfg model.CaptureSequenceConfig) (model.CommandResult, error) {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		o.log.Warn("Capture sequence rejected: a run is already active")
		return model.CommandResult{
			ErrorCode: int(device.CodeInvalidState),
			Message:   "capture sequence already running",
		}, device.ErrSequenceActive
	}
	// Reserve the slot while the command is in flight.
	o.active = true
	o.mu.Unlock()

	result, err := o.dev.CaptureSequence(ctx, cfg)
	if err != nil || !result.OK() {
		o.mu.Lock()
		o.active = false
		o.mu.Unlock()
		return result, err
	}

	// Polling outlives the submitting request but keeps its values.
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		cfg:      cfg,
		start:    time.Now(),
		progress: make(chan Progress, progressBuffer),
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	o.mu.Lock()
	o.current = r
	o.mu.Unlock()

	o.log.WithFields(logrus.Fields{
		"nd":           cfg.Nd.String(),
		"iris":         cfg.Iris.String(),
		"exposureUs":   cfg.ExposureTimeUs,
		"autoExposure": cfg.AutoExposure,
	}).Info("Capture sequence started")

	go o.pollLoop(pollCtx, r)
	return result, nil
}

// Poll returns the last-known status without touching the device.
func (o *Orchestrator) Poll() model.CaptureSequenceStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Active reports whether a run is in progress.
func (o *Orchestrator) Active() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active
}

// Cancel asks the device to cancel the sequence. Polling continues until the
// device reports a terminal state.
func (o *Orchestrator) Cancel(ctx context.Context) (model.CommandResult, error) {
	result, err := o.dev.CaptureSequenceCancel(ctx)
	if err == nil && result.OK() {
		o.log.Info("Capture sequence cancel requested")
	}
	return result, err
}

// Progress returns the notification channel of the latest run. It is closed
// when that run ends; before any run it is already closed.
func (o *Orchestrator) Progress() <-chan Progress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil {
		ch := make(chan Progress)
		close(ch)
		return ch
	}
	return o.current.progress
}

// Wait blocks until the latest run ends or ctx is done. Without a run it
// returns the current status immediately.
func (o *Orchestrator) Wait(ctx context.Context) (model.CaptureSequenceStatus, error) {
	o.mu.RLock()
	r := o.current
	o.mu.RUnlock()
	if r == nil {
		return o.Poll(), nil
	}

	select {
	case <-r.done:
		return r.final, r.err
	case <-ctx.Done():
		return o.Poll(), ctx.Err()
	}
}

// Run submits a sequence and waits for it to end. If ctx ends first the run
// is stopped and the device sequence cancelled on a best-effort basis.
func (o *Orchestrator) Run(ctx context.Context, cfg model.CaptureSequenceConfig) (model.CaptureSequenceStatus, error) {
	result, err := o.Submit(ctx, cfg)
	if err != nil {
		return o.Poll(), err
	}
	if err := device.AsError(device.CmdCaptureSequence, result); err != nil {
		return o.Poll(), err
	}

	status, err := o.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		o.stop(context.Background())
	}
	return status, err
}

// Close stops an active run and waits for its polling goroutine to exit.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.stop(ctx)
}

func (o *Orchestrator) stop(ctx context.Context) error {
	o.mu.RLock()
	r := o.current
	o.mu.RUnlock()
	if r == nil {
		return nil
	}

	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pollLoop sleeps, queries the status and notifies on change until the
// device reports a terminal state or ctx is done.
func (o *Orchestrator) pollLoop(ctx context.Context, r *run) {
	defer o.finish(ctx, r)

	var (
		last     model.CaptureSequenceStatus
		notified bool
	)
	for {
		select {
		case <-time.After(o.opts.PollInterval):
		case <-ctx.Done():
			r.err = ctx.Err()
			r.final = o.Poll()
			o.cancelDevice()
			return
		}

		result, status, err := o.dev.CaptureSequenceStatus(ctx)
		if err != nil {
			if fatalPollError(err) {
				r.err = err
				r.final = o.Poll()
				if !errors.Is(err, device.ErrSessionClosed) {
					o.cancelDevice()
				}
				return
			}
			if ctx.Err() == nil {
				o.log.WithError(err).Warn("Capture sequence status query failed")
			}
			continue
		}
		if !result.OK() {
			o.log.WithFields(logrus.Fields{
				"code":    result.ErrorCode,
				"message": result.Message,
			}).Warn("Capture sequence status reported an error")
			continue
		}

		o.mu.Lock()
		o.status = status
		o.mu.Unlock()

		if !notified || status.State != last.State || status.Filter != last.Filter {
			o.notify(ctx, r, Progress{Status: status, Time: time.Now()})
			last, notified = status, true
		}

		if status.State.Terminal() {
			r.final = status
			return
		}
	}
}

// fatalPollError reports protocol errors that end a run instead of being
// retried on the next tick.
func fatalPollError(err error) bool {
	return errors.Is(err, device.ErrSessionClosed) ||
		errors.Is(err, device.ErrMalformedResponse) ||
		errors.Is(err, device.ErrIncompatibleVersion)
}

// cancelDevice sends a best-effort cancel after the loop was stopped locally.
func (o *Orchestrator) cancelDevice() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := o.dev.CaptureSequenceCancel(ctx)
	if err != nil {
		o.log.WithError(err).Warn("Best-effort capture sequence cancel failed")
		return
	}
	if !result.OK() {
		o.log.WithField("code", result.ErrorCode).Debug("Device declined capture sequence cancel")
	}
}

func (o *Orchestrator) notify(ctx context.Context, r *run, p Progress) {
	s := p.Status
	o.log.WithFields(logrus.Fields{
		"state":  s.State.String(),
		"filter": s.Filter.String(),
		"step":   s.CurrentStep,
		"total":  s.TotalSteps,
	}).Debug("Capture sequence progress")

	select {
	case r.progress <- p:
	default:
		o.log.Warn("Progress channel full, notification dropped")
	}

	o.mu.RLock()
	subscribers := append([]func(Progress){}, o.subscribers...)
	events, broker, metrics := o.events, o.broker, o.metrics
	o.mu.RUnlock()

	for _, fn := range subscribers {
		fn(p)
	}

	if metrics != nil {
		metrics.ObserveSequence(s)
	}

	if events != nil {
		event := telemetry.Event{
			Type: telemetry.TypeProgress,
			Data: map[string]interface{}{
				"state":  s.State.String(),
				"filter": s.Filter.String(),
				"step":   s.CurrentStep,
				"total":  s.TotalSteps,
				"ts":     p.Time.UTC().Format(time.RFC3339),
			},
		}
		if err := events.PublishStream(telemetry.StreamSequence, event); err != nil {
			o.log.WithError(err).Debug("Failed to publish progress event")
		}
	}

	if broker != nil {
		if err := broker.PublishProgress(ctx, s, p.Time); err != nil {
			o.log.WithError(err).Warn("Failed to forward progress to broker")
		}
	}
}

// finish releases the run slot, closes the run's channels and records the outcome.
func (o *Orchestrator) finish(ctx context.Context, r *run) {
	o.mu.Lock()
	o.active = false
	metrics, audit := o.metrics, o.audit
	o.mu.Unlock()

	defer close(r.done)
	defer close(r.progress)
	defer r.cancel()

	latency := time.Since(r.start)
	entry := o.log.WithFields(logrus.Fields{
		"state":    r.final.State.String(),
		"steps":    r.final.TotalSteps,
		"duration": latency.Round(time.Millisecond),
	})
	if r.err != nil {
		entry.WithError(r.err).Warn("Capture sequence polling stopped")
	} else {
		entry.Info("Capture sequence finished")
	}

	if metrics != nil && r.final.State.Terminal() {
		metrics.SequenceFinished(r.final.State)
	}
	if audit != nil {
		params := map[string]interface{}{"sequence": r.cfg}
		audit.LogCommand(context.WithoutCancel(ctx), auditCommand, params, outcomeResult(r.final.State), r.err, latency)
	}
}

// outcomeResult maps a terminal state to the result recorded in the audit trail.
func outcomeResult(state model.SequenceState) model.CommandResult {
	switch state {
	case model.SequenceDone:
		return model.CommandResult{ErrorCode: int(device.CodeOk), Message: state.String()}
	case model.SequenceCancel:
		return model.CommandResult{ErrorCode: int(device.CodeAborted), Message: state.String()}
	default:
		return model.CommandResult{ErrorCode: int(device.CodeFailed), Message: state.String()}
	}
}
