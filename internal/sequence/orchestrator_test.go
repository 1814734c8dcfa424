package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/device/emulator"
	"github.com/conoscope-control/conoctl/internal/logging"
	"github.com/conoscope-control/conoctl/internal/model"
	"github.com/conoscope-control/conoctl/internal/session"
	"github.com/conoscope-control/conoctl/internal/telemetry"
)

var testPlan = model.CaptureSequenceConfig{
	SensorTemperature: 25,
	Nd:                model.Nd0,
	Iris:              model.Iris2mm,
	ExposureTimeUs:    10000,
	AcquisitionCount:  1,
}

func st(state model.SequenceState, filter model.Filter, step, total int) model.CaptureSequenceStatus {
	return model.CaptureSequenceStatus{State: state, Filter: filter, CurrentStep: step, TotalSteps: total}
}

// fakeDevice scripts the status replies. next receives the 0-based poll
// index and whether a cancel was requested.
type fakeDevice struct {
	mu           sync.Mutex
	next         func(poll int, cancelled bool) (model.CaptureSequenceStatus, error)
	submitResult model.CommandResult
	submitErr    error
	submits      int
	cancels      int
	polls        int
}

func (d *fakeDevice) CaptureSequence(ctx context.Context, cfg model.CaptureSequenceConfig) (model.CommandResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submits++
	return d.submitResult, d.submitErr
}

func (d *fakeDevice) CaptureSequenceCancel(ctx context.Context) (model.CommandResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels++
	return model.CommandResult{}, nil
}

func (d *fakeDevice) CaptureSequenceStatus(ctx context.Context) (model.CommandResult, model.CaptureSequenceStatus, error) {
	d.mu.Lock()
	poll, cancelled := d.polls, d.cancels > 0
	d.polls++
	d.mu.Unlock()

	status, err := d.next(poll, cancelled)
	if err != nil {
		return model.CommandResult{}, model.CaptureSequenceStatus{}, err
	}
	return model.CommandResult{}, status, nil
}

func (d *fakeDevice) counts() (submits, cancels, polls int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits, d.cancels, d.polls
}

// scripted replays statuses and repeats the last one.
func scripted(statuses ...model.CaptureSequenceStatus) *fakeDevice {
	return &fakeDevice{
		next: func(poll int, cancelled bool) (model.CaptureSequenceStatus, error) {
			if poll >= len(statuses) {
				poll = len(statuses) - 1
			}
			return statuses[poll], nil
		},
	}
}

// endless never reaches a terminal state unless cancelled.
func endless() *fakeDevice {
	return &fakeDevice{
		next: func(poll int, cancelled bool) (model.CaptureSequenceStatus, error) {
			if cancelled {
				return st(model.SequenceCancel, model.FilterX, 1, 5), nil
			}
			return st(model.SequenceWaitForTemperature, model.FilterX, 1, 5), nil
		},
	}
}

func newOrchestrator(dev Device) *Orchestrator {
	return New(dev, Options{PollInterval: time.Millisecond}, logging.Discard())
}

func collect(ch <-chan Progress) []Progress {
	var out []Progress
	for p := range ch {
		out = append(out, p)
	}
	return out
}

func TestPollBeforeSubmit(t *testing.T) {
	o := newOrchestrator(scripted(st(model.SequenceDone, model.FilterZ, 5, 5)))

	status := o.Poll()
	if status != model.InitialStatus() || status.State != model.SequenceNotStarted {
		t.Errorf("Expected initial status, got: %+v", status)
	}
	if o.Active() {
		t.Error("Expected no active run")
	}
	if got := collect(o.Progress()); len(got) != 0 {
		t.Errorf("Expected closed empty channel, got: %v", got)
	}
	if status, err := o.Wait(context.Background()); err != nil || status.State != model.SequenceNotStarted {
		t.Errorf("Expected immediate Wait, got: %+v %v", status, err)
	}
}

func TestNotifiesOnlyOnChange(t *testing.T) {
	dev := scripted(
		st(model.SequenceSetup, model.FilterYa, 3, 5),
		st(model.SequenceSetup, model.FilterYa, 3, 5),
		st(model.SequenceMeasure, model.FilterYa, 3, 5),
		st(model.SequenceMeasure, model.FilterYa, 3, 5),
		st(model.SequenceDone, model.FilterYa, 3, 5),
	)
	o := newOrchestrator(dev)

	result, err := o.Submit(context.Background(), testPlan)
	if err != nil || !result.OK() {
		t.Fatalf("Submit failed: %+v %v", result, err)
	}
	got := collect(o.Progress())

	if len(got) != 3 {
		t.Fatalf("Expected 3 notifications, got: %d (%v)", len(got), got)
	}
	want := []model.SequenceState{model.SequenceSetup, model.SequenceMeasure, model.SequenceDone}
	for i, p := range got {
		if p.Status.State != want[i] {
			t.Errorf("Expected notification %d state %s, got: %s", i, want[i], p.Status.State)
		}
	}

	final, err := o.Wait(context.Background())
	if err != nil || final.State != model.SequenceDone {
		t.Errorf("Expected Done, got: %+v %v", final, err)
	}
	if _, _, polls := dev.counts(); polls != 5 {
		t.Errorf("Expected polling to stop at the terminal state after 5 polls, got: %d", polls)
	}
	if o.Poll().State != model.SequenceDone {
		t.Errorf("Expected last-known Done, got: %+v", o.Poll())
	}
}

func TestFilterChangeNotifies(t *testing.T) {
	dev := scripted(
		st(model.SequenceMeasure, model.FilterX, 1, 2),
		st(model.SequenceMeasure, model.FilterXz, 2, 2),
		st(model.SequenceDone, model.FilterXz, 2, 2),
	)
	o := newOrchestrator(dev)
	if _, err := o.Submit(context.Background(), testPlan); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := collect(o.Progress()); len(got) != 3 {
		t.Errorf("Expected 3 notifications, got: %d", len(got))
	}
}

func TestSubmitWhileActive(t *testing.T) {
	dev := endless()
	o := newOrchestrator(dev)
	defer o.Close(context.Background())

	if _, err := o.Submit(context.Background(), testPlan); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := o.Submit(context.Background(), testPlan)
	if !errors.Is(err, device.ErrSequenceActive) {
		t.Errorf("Expected ErrSequenceActive, got: %v", err)
	}
	if result.OK() || result.ErrorCode != int(device.CodeInvalidState) {
		t.Errorf("Expected non-zero InvalidState result, got: %+v", result)
	}
	if submits, _, _ := dev.counts(); submits != 1 {
		t.Errorf("Expected the device to see one submit, got: %d", submits)
	}
	if !o.Active() {
		t.Error("Expected the first run to stay active")
	}
}

func TestCancelKeepsPollingUntilTerminal(t *testing.T) {
	dev := endless()
	o := newOrchestrator(dev)

	if _, err := o.Submit(context.Background(), testPlan); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := o.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	final, err := o.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if final.State != model.SequenceCancel {
		t.Errorf("Expected Cancel, got: %s", final.State)
	}

	_, _, polls := dev.counts()
	time.Sleep(10 * time.Millisecond)
	if _, _, after := dev.counts(); after != polls {
		t.Errorf("Expected no polling past the terminal state, got %d more", after-polls)
	}
}

func TestEmptyPlan(t *testing.T) {
	dev := scripted(st(model.SequenceDone, model.FilterInvalid, 0, 0))
	o := newOrchestrator(dev)

	final, err := o.Run(context.Background(), testPlan)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final.State != model.SequenceDone || final.TotalSteps != 0 {
		t.Errorf("Expected Done with 0 steps, got: %+v", final)
	}
	if _, _, polls := dev.counts(); polls != 1 {
		t.Errorf("Expected one poll, got: %d", polls)
	}
}

func TestStatusErrorKeepsPolling(t *testing.T) {
	dev := &fakeDevice{
		next: func(poll int, cancelled bool) (model.CaptureSequenceStatus, error) {
			if poll == 0 {
				return model.CaptureSequenceStatus{}, device.ErrBusy
			}
			return st(model.SequenceError, model.FilterYb, 4, 5), nil
		},
	}
	o := newOrchestrator(dev)

	final, err := o.Run(context.Background(), testPlan)
	if err != nil {
		t.Fatalf("Expected sequence Error as an outcome, got error: %v", err)
	}
	if final.State != model.SequenceError {
		t.Errorf("Expected Error state, got: %s", final.State)
	}
	if _, _, polls := dev.counts(); polls != 2 {
		t.Errorf("Expected 2 polls, got: %d", polls)
	}
}

func TestProtocolErrorEndsRun(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		expectedCancels int
	}{
		{"session closed", fmt.Errorf("CaptureSequenceStatus: %w", device.ErrSessionClosed), 0},
		{"malformed reply", fmt.Errorf("CaptureSequenceStatus: %w", device.ErrMalformedResponse), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &fakeDevice{
				next: func(poll int, cancelled bool) (model.CaptureSequenceStatus, error) {
					if poll == 0 {
						return st(model.SequenceSetup, model.FilterX, 1, 5), nil
					}
					return model.CaptureSequenceStatus{}, tt.err
				},
			}
			o := newOrchestrator(dev)
			if _, err := o.Submit(context.Background(), testPlan); err != nil {
				t.Fatalf("Submit failed: %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			final, err := o.Wait(ctx)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Expected %v, got: %v", tt.err, err)
			}
			if final.State != model.SequenceSetup {
				t.Errorf("Expected last-known Setup state, got: %s", final.State)
			}
			if o.Active() {
				t.Error("Expected run to end on a protocol error")
			}
			if _, cancels, polls := dev.counts(); polls != 2 || cancels != tt.expectedCancels {
				t.Errorf("Expected 2 polls and %d cancels, got: %d polls %d cancels", tt.expectedCancels, polls, cancels)
			}

			if _, err := o.Submit(context.Background(), testPlan); err != nil {
				t.Errorf("Expected a new run to be accepted, got: %v", err)
			}
			o.Close(context.Background())
		})
	}
}

func TestSessionShutdownEndsRun(t *testing.T) {
	opts := emulator.DefaultOptions()
	opts.TemperatureSettle = time.Minute

	s := session.New(emulator.New(opts), session.Options{}, logging.Discard())
	ctx := context.Background()
	if _, err := s.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if result, err := s.DeviceOpen(ctx); err != nil || !result.OK() {
		t.Fatalf("DeviceOpen failed: %+v %v", result, err)
	}

	o := New(s, Options{PollInterval: 5 * time.Millisecond}, logging.Discard())
	plan := testPlan
	plan.WaitForTemperature = true
	if result, err := o.Submit(ctx, plan); err != nil || !result.OK() {
		t.Fatalf("Submit failed: %+v %v", result, err)
	}

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := o.Wait(waitCtx); !errors.Is(err, device.ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got: %v", err)
	}
	if o.Active() {
		t.Error("Expected no active run after the session closed")
	}
}

func TestRunContextCancel(t *testing.T) {
	dev := endless()
	o := newOrchestrator(dev)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.Run(ctx, testPlan)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got: %v", err)
	}
	if o.Active() {
		t.Error("Expected run to be stopped")
	}
	if _, cancels, _ := dev.counts(); cancels != 1 {
		t.Errorf("Expected one best-effort device cancel, got: %d", cancels)
	}
}

func TestSubmitDeviceFailure(t *testing.T) {
	dev := scripted(st(model.SequenceDone, model.FilterZ, 5, 5))
	dev.submitResult = model.CommandResult{ErrorCode: int(device.CodeInvalidState), Message: "camera not opened"}
	o := newOrchestrator(dev)

	result, err := o.Submit(context.Background(), testPlan)
	if err != nil {
		t.Fatalf("Expected device failure in result, got error: %v", err)
	}
	if result.ErrorCode != int(device.CodeInvalidState) {
		t.Errorf("Expected InvalidState passthrough, got: %+v", result)
	}
	if o.Active() {
		t.Error("Expected no active run after failed submit")
	}

	if _, err := o.Run(context.Background(), testPlan); !errors.Is(err, device.ErrInvalidState) {
		t.Errorf("Expected Run to surface ErrInvalidState, got: %v", err)
	}
}

type recordingEvents struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recordingEvents) PublishStream(stream string, event telemetry.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.Stream = stream
	r.events = append(r.events, event)
	return nil
}

type recordingBroker struct {
	mu       sync.Mutex
	statuses []model.CaptureSequenceStatus
}

func (r *recordingBroker) PublishProgress(ctx context.Context, status model.CaptureSequenceStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return errors.New("broker down")
}

type recordingMetrics struct {
	mu       sync.Mutex
	observed int
	finished []model.SequenceState
}

func (r *recordingMetrics) ObserveSequence(status model.CaptureSequenceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed++
}

func (r *recordingMetrics) SequenceFinished(state model.SequenceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, state)
}

type recordingAudit struct {
	mu      sync.Mutex
	command string
	result  model.CommandResult
}

func (r *recordingAudit) LogCommand(ctx context.Context, command string, params map[string]interface{}, result model.CommandResult, err error, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.command = command
	r.result = result
}

func TestObserversReceiveProgress(t *testing.T) {
	dev := scripted(
		st(model.SequenceSetup, model.FilterX, 1, 1),
		st(model.SequenceCancel, model.FilterX, 1, 1),
	)
	o := newOrchestrator(dev)

	events := &recordingEvents{}
	broker := &recordingBroker{}
	metrics := &recordingMetrics{}
	audit := &recordingAudit{}
	var callbacks []Progress
	o.SetEventPublisher(events)
	o.SetProgressPublisher(broker)
	o.SetMetrics(metrics)
	o.SetAuditLogger(audit)
	o.Subscribe(func(p Progress) { callbacks = append(callbacks, p) })

	final, err := o.Run(context.Background(), testPlan)
	if err != nil || final.State != model.SequenceCancel {
		t.Fatalf("Expected Cancel, got: %+v %v", final, err)
	}

	if len(callbacks) != 2 {
		t.Errorf("Expected 2 callbacks, got: %d", len(callbacks))
	}
	if len(events.events) != 2 {
		t.Fatalf("Expected 2 events, got: %d", len(events.events))
	}
	ev := events.events[1]
	if ev.Stream != telemetry.StreamSequence || ev.Type != telemetry.TypeProgress || ev.Data["state"] != "Cancel" {
		t.Errorf("Unexpected progress event: %+v", ev)
	}
	// A broker failure never stops the run.
	if len(broker.statuses) != 2 {
		t.Errorf("Expected 2 broker publishes, got: %d", len(broker.statuses))
	}
	if metrics.observed != 2 || len(metrics.finished) != 1 || metrics.finished[0] != model.SequenceCancel {
		t.Errorf("Unexpected metrics: %+v", metrics)
	}
	if audit.command != "CaptureSequenceRun" || audit.result.ErrorCode != int(device.CodeAborted) {
		t.Errorf("Unexpected audit record: %s %+v", audit.command, audit.result)
	}
}

func TestRunAgainstEmulator(t *testing.T) {
	opts := emulator.DefaultOptions()
	opts.WheelDuration = 5 * time.Millisecond
	opts.TemperatureSettle = 5 * time.Millisecond
	opts.AutoExposureDuration = 5 * time.Millisecond
	opts.MeasureDuration = 5 * time.Millisecond
	opts.ProcessDuration = 5 * time.Millisecond

	s := session.New(emulator.New(opts), session.Options{StartupDelay: 20 * time.Millisecond}, logging.Discard())
	ctx := context.Background()
	if _, err := s.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Shutdown(ctx)
	if result, err := s.DeviceOpen(ctx); err != nil || !result.OK() {
		t.Fatalf("DeviceOpen failed: %+v %v", result, err)
	}

	o := New(s, Options{PollInterval: 2 * time.Millisecond}, logging.Discard())
	seen := make(map[model.Filter]bool)
	o.Subscribe(func(p Progress) { seen[p.Status.Filter] = true })

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	final, err := o.Run(runCtx, testPlan)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final.State != model.SequenceDone || final.TotalSteps != model.CaptureStepCount {
		t.Errorf("Expected Done after %d steps, got: %+v", model.CaptureStepCount, final)
	}
	if !seen[model.FilterZ] {
		t.Errorf("Expected progress on the last filter, saw: %v", seen)
	}
}
