package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/conoscope-control/conoctl/internal/codec"
	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/model"
	"github.com/conoscope-control/conoctl/internal/telemetry"
)

// ErrNotOpen is returned by commands issued before Open.
var ErrNotOpen = fmt.Errorf("%w: session not open", device.ErrUnavailable)

// Options configures a session.
type Options struct {
	StartupDelay    time.Duration
	CommandTimeout  time.Duration
	ShutdownTimeout time.Duration
	QueueSize       int
	VersionPolicy   VersionPolicy
}

// DefaultOptions returns the production session options.
func DefaultOptions() Options {
	return Options{
		StartupDelay:    500 * time.Millisecond,
		CommandTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		QueueSize:       100,
		VersionPolicy:   AnyVersion{},
	}
}

// AuditLogger records one line per command.
type AuditLogger interface {
	LogCommand(ctx context.Context, command string, params map[string]interface{}, result model.CommandResult, err error, latency time.Duration)
}

// EventPublisher publishes events on a named stream.
type EventPublisher interface {
	PublishStream(stream string, event telemetry.Event) error
}

// Metrics counts commands.
type Metrics interface {
	ObserveCommand(command, outcome string, latency time.Duration)
}

// Session drives one executor.
type Session struct {
	exec device.Executor
	opts Options
	log  *logrus.Logger

	opened atomic.Bool
	closed atomic.Bool

	queue      chan func()
	closing    chan struct{}
	stopWork   chan struct{}
	workerDone chan struct{}
	runDone    chan struct{}
	workers    sync.WaitGroup

	cancelRun    context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error

	mu      sync.RWMutex
	version model.VersionInfo
	audit   AuditLogger
	events  EventPublisher
	metrics Metrics
}

// New creates a session over exec. Zero option fields take their defaults.
func New(exec device.Executor, opts Options, log *logrus.Logger) *Session {
	def := DefaultOptions()
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = def.ShutdownTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.VersionPolicy == nil {
		opts.VersionPolicy = def.VersionPolicy
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Session{
		exec:       exec,
		opts:       opts,
		log:        log,
		queue:      make(chan func(), opts.QueueSize),
		closing:    make(chan struct{}),
		stopWork:   make(chan struct{}),
		workerDone: make(chan struct{}),
		runDone:    make(chan struct{}),
	}
}

// SetAuditLogger sets the audit observer.
func (s *Session) SetAuditLogger(a AuditLogger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = a
}

// SetEventPublisher sets the event stream observer.
func (s *Session) SetEventPublisher(p EventPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = p
}

// SetMetrics sets the metrics observer.
func (s *Session) SetMetrics(m Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Info describes the underlying executor.
func (s *Session) Info() device.Info {
	if i, ok := s.exec.(interface{ Info() device.Info }); ok {
		return i.Info()
	}
	return device.Info{Name: "unknown", Transport: "unknown"}
}

// Open starts the executor and checks its version. On rejection the
// executor is shut down and the error wraps device.ErrIncompatibleVersion.
func (s *Session) Open(ctx context.Context) (model.VersionInfo, error) {
	if s.closed.Load() {
		return model.VersionInfo{}, device.ErrSessionClosed
	}
	if !s.opened.CompareAndSwap(false, true) {
		return model.VersionInfo{}, errors.New("session already opened")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	go func() {
		defer close(s.runDone)
		if err := s.exec.RunApp(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).Warn("Executor run-loop exited with error")
		}
	}()

	s.workers.Add(1)
	go s.worker()

	if err := s.waitRunLoop(ctx); err != nil {
		s.Shutdown(context.Background())
		return model.VersionInfo{}, fmt.Errorf("executor did not start: %w", err)
	}

	// Settle time for the native library after its loop is up.
	if s.opts.StartupDelay > 0 {
		select {
		case <-time.After(s.opts.StartupDelay):
		case <-ctx.Done():
			s.Shutdown(context.Background())
			return model.VersionInfo{}, ctx.Err()
		}
	}

	result, info, err := s.Version(ctx)
	if err == nil {
		err = device.AsError(device.CmdGetVersion, result)
	}
	if err != nil {
		s.Shutdown(context.Background())
		return model.VersionInfo{}, fmt.Errorf("version handshake failed: %w", err)
	}

	s.log.WithField("executor", s.Info().Name).Infof("Library %s", info)
	s.publish(telemetry.Event{
		Type: telemetry.TypeVersion,
		Data: map[string]interface{}{
			"libName":         info.LibraryName,
			"libVersion":      info.LibraryVersion,
			"pipelineName":    info.PipelineName,
			"pipelineVersion": info.PipelineVersion,
		},
	})

	if err := s.opts.VersionPolicy.Accept(info); err != nil {
		s.log.WithError(err).Error("Library version rejected")
		s.Shutdown(context.Background())
		if !errors.Is(err, device.ErrIncompatibleVersion) {
			err = fmt.Errorf("%w: %v", device.ErrIncompatibleVersion, err)
		}
		return info, err
	}

	s.mu.Lock()
	s.version = info
	s.mu.Unlock()
	return info, nil
}

// waitRunLoop blocks until the executor reports its run-loop running,
// bounded by CommandTimeout.
func (s *Session) waitRunLoop(ctx context.Context) error {
	deadline := time.NewTimer(s.opts.CommandTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()

	for !s.exec.Running() {
		select {
		case <-s.runDone:
			return fmt.Errorf("%w: run-loop exited during startup", device.ErrUnavailable)
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: run-loop not running after %v", device.ErrTimeout, s.opts.CommandTimeout)
		case <-tick.C:
		}
	}
	return nil
}

// Running reports whether the session is open and not shut down.
func (s *Session) Running() bool {
	return s.opened.Load() && !s.closed.Load()
}

// LibraryVersion returns the version accepted by Open.
func (s *Session) LibraryVersion() model.VersionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Shutdown stops the executor. It is idempotent; commands issued after it
// began return device.ErrSessionClosed.
func (s *Session) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.closed.Store(true)
		close(s.closing)
		if !s.opened.Load() {
			return
		}
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Session) shutdown(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()

	// QuitApp goes through the queue so pending commands are served first.
	quitDone := make(chan struct{})
	quit := func() {
		defer close(quitDone)
		s.quit(waitCtx)
	}
	select {
	case s.queue <- quit:
	case <-waitCtx.Done():
		go quit()
	}

	select {
	case <-quitDone:
	case <-waitCtx.Done():
		s.log.Warn("QuitApp did not complete before shutdown timeout")
	}

	close(s.stopWork)
	s.workers.Wait()

	select {
	case <-s.runDone:
		s.log.Info("Session shut down")
		return nil
	case <-waitCtx.Done():
	}

	// Force the run-loop down; it still gets a chance to return.
	s.cancelRun()
	select {
	case <-s.runDone:
	case <-time.After(time.Second):
	}
	return fmt.Errorf("%w: run-loop did not exit within %v", device.ErrTimeout, s.opts.ShutdownTimeout)
}

func (s *Session) quit(ctx context.Context) {
	start := time.Now()
	payload, err := s.exec.QuitApp(ctx)
	var result model.CommandResult
	if err == nil {
		result, err = codec.Decode(payload)
	}
	s.observe(ctx, device.CmdQuitApp, nil, result, err, time.Since(start))
}

// worker serves queued commands one at a time.
func (s *Session) worker() {
	defer s.workers.Done()
	defer close(s.workerDone)
	for {
		select {
		case task := <-s.queue:
			task()
		case <-s.stopWork:
			return
		}
	}
}

// submit runs fn on the worker and waits for it to finish.
func (s *Session) submit(ctx context.Context, cmd device.Command, fn func()) error {
	if s.closed.Load() {
		return fmt.Errorf("%s: %w", cmd, device.ErrSessionClosed)
	}
	if !s.opened.Load() {
		return fmt.Errorf("%s: %w", cmd, ErrNotOpen)
	}

	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	select {
	case s.queue <- task:
	case <-s.closing:
		return fmt.Errorf("%s: %w", cmd, device.ErrSessionClosed)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.CommandTimeout):
		return fmt.Errorf("%s: %w: command queue full", cmd, device.ErrBusy)
	}

	// A task queued while Shutdown stopped the worker is never served.
	select {
	case <-done:
		return nil
	case <-s.workerDone:
		select {
		case <-done:
			return nil
		default:
		}
		return fmt.Errorf("%s: %w", cmd, device.ErrSessionClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call issues one command and decodes its reply. run returns the raw
// payload; decode turns it into a result.
func (s *Session) call(ctx context.Context, cmd device.Command, params map[string]interface{}, run func(ctx context.Context) ([]byte, error), decode func([]byte) (model.CommandResult, error)) (model.CommandResult, error) {
	start := time.Now()

	// Written by the worker; read only once submit has seen it finish.
	var (
		taskResult model.CommandResult
		taskErr    error
	)
	err := s.submit(ctx, cmd, func() {
		cmdCtx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
		defer cancel()

		payload, runErr := run(cmdCtx)
		if runErr != nil {
			if errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil {
				runErr = fmt.Errorf("%s: %w after %v", cmd, device.ErrTimeout, s.opts.CommandTimeout)
			}
			taskErr = runErr
			return
		}
		taskResult, taskErr = decode(payload)
		if taskErr != nil {
			taskErr = fmt.Errorf("%s: %w", cmd, taskErr)
		}
	})

	var result model.CommandResult
	if err == nil {
		result, err = taskResult, taskErr
	}

	s.observe(ctx, cmd, params, result, err, time.Since(start))
	return result, err
}

// observe logs, audits, meters and publishes one command outcome.
func (s *Session) observe(ctx context.Context, cmd device.Command, params map[string]interface{}, result model.CommandResult, err error, latency time.Duration) {
	entry := s.log.WithFields(logrus.Fields{"latencyMs": latency.Milliseconds()})
	if err != nil {
		entry.WithError(err).Warnf("%-20s failed", cmd)
	} else {
		entry.Infof("%-20s %d %s", cmd, result.ErrorCode, result.Message)
	}

	s.mu.RLock()
	audit, metrics := s.audit, s.metrics
	s.mu.RUnlock()

	if audit != nil {
		audit.LogCommand(ctx, string(cmd), params, result, err, latency)
	}
	if metrics != nil {
		metrics.ObserveCommand(string(cmd), outcome(result, err), latency)
	}

	data := map[string]interface{}{
		"command":   string(cmd),
		"code":      result.ErrorCode,
		"message":   result.Message,
		"latencyMs": latency.Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	s.publish(telemetry.Event{Type: telemetry.TypeCommand, Data: data})
}

func (s *Session) publish(event telemetry.Event) {
	s.mu.RLock()
	events := s.events
	s.mu.RUnlock()
	if events == nil {
		return
	}
	if err := events.PublishStream(telemetry.StreamCommand, event); err != nil {
		s.log.WithError(err).Debug("Failed to publish command event")
	}
}

func outcome(result model.CommandResult, err error) string {
	switch {
	case err != nil:
		return "transport_error"
	case !result.OK():
		return "device_error"
	default:
		return "ok"
	}
}
