package link

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/conoscope-control/conoctl/internal/codec"
	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/device/emulator"
	"github.com/conoscope-control/conoctl/internal/devicetest"
	"github.com/conoscope-control/conoctl/internal/model"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func waitRunning(t *testing.T, running func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !running() {
		if time.Now().After(deadline) {
			t.Fatal("run-loop did not start")
		}
		time.Sleep(time.Millisecond)
	}
}

// bridged starts an emulator behind a bridge and returns a running link to it.
func bridged(t *testing.T) (*Link, *emulator.Emulator, func()) {
	t.Helper()
	opts := emulator.DefaultOptions()
	opts.WheelDuration = 10 * time.Millisecond
	opts.TemperatureSettle = 20 * time.Millisecond
	opts.AutoExposureDuration = 10 * time.Millisecond
	opts.MeasureDuration = 10 * time.Millisecond
	opts.ProcessDuration = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	emu := emulator.New(opts)
	go emu.RunApp(ctx)
	waitRunning(t, emu.Running)

	client, server := net.Pipe()
	go Serve(ctx, server, emu, testLogger())

	l := New(client, "pipe", testLogger())
	go l.RunApp(ctx)
	waitRunning(t, l.Running)

	return l, emu, func() {
		cancel()
		l.Disconnect()
	}
}

func TestLinkConformance(t *testing.T) {
	devicetest.RunConformance(t, func(t *testing.T) (device.Executor, func()) {
		l, _, release := bridged(t)
		return l, release
	}, devicetest.Capabilities{
		Name:            "link over pipe",
		SequenceTimeout: 5 * time.Second,
		PollInterval:    5 * time.Millisecond,
	})
}

func TestLinkCarriesRecords(t *testing.T) {
	l, _, release := bridged(t)
	defer release()
	ctx := context.Background()

	payload, status, err := l.CaptureSequenceStatus(ctx)
	if err != nil {
		t.Fatalf("CaptureSequenceStatus failed: %v", err)
	}
	if _, err := codec.Decode(payload); err != nil {
		t.Errorf("Expected a decodable payload, got: %v", err)
	}
	if status != model.InitialStatus() {
		t.Errorf("Expected initial status, got: %+v", status)
	}
}

func TestLinkBeforeRunApp(t *testing.T) {
	client, _ := net.Pipe()
	l := New(client, "idle", testLogger())
	if _, err := l.GetVersion(context.Background()); !errors.Is(err, device.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable before RunApp, got: %v", err)
	}
}

func TestLinkRemoteHangup(t *testing.T) {
	client, server := net.Pipe()
	l := New(client, "hangup", testLogger())

	done := make(chan error, 1)
	go func() { done <- l.RunApp(context.Background()) }()
	waitRunning(t, l.Running)

	server.Close()

	select {
	case err := <-done:
		if !errors.Is(err, device.ErrUnavailable) {
			t.Errorf("Expected ErrUnavailable on hangup, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunApp did not return after hangup")
	}
}

func TestLinkQuitEndsRunCleanly(t *testing.T) {
	for i := 0; i < 10; i++ {
		client, server := net.Pipe()
		ctx, cancel := context.WithCancel(context.Background())
		go ServeConn(ctx, server, func() device.Executor {
			return emulator.New(emulator.DefaultOptions())
		}, testLogger())

		l := New(client, "quit", testLogger())
		done := make(chan error, 1)
		go func() { done <- l.RunApp(ctx) }()
		waitRunning(t, l.Running)

		if _, err := l.QuitApp(ctx); err != nil {
			t.Fatalf("trial %d: QuitApp failed: %v", i, err)
		}
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("trial %d: Expected RunApp to end cleanly after QuitApp, got: %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("trial %d: RunApp did not return after QuitApp", i)
		}
		if l.Running() {
			t.Errorf("trial %d: Expected link to stop running after QuitApp", i)
		}
		cancel()
		client.Close()
	}
}

func TestLinkDropsLateReply(t *testing.T) {
	client, server := net.Pipe()
	l := New(client, "late", testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.RunApp(ctx)
	waitRunning(t, l.Running)

	reader := bufio.NewReader(server)

	// first call times out before the bridge answers
	callCtx, callCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	errCh := make(chan error, 1)
	go func() {
		_, err := l.GetVersion(callCtx)
		errCh <- err
	}()
	if _, err := reader.ReadBytes('\n'); err != nil {
		t.Fatalf("Read request failed: %v", err)
	}
	if err := <-errCh; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got: %v", err)
	}
	callCancel()

	// second call gets its own reply even though the stale one arrives first
	resultCh := make(chan []byte, 1)
	go func() {
		payload, _ := l.Open(ctx)
		resultCh <- payload
	}()
	if _, err := reader.ReadBytes('\n'); err != nil {
		t.Fatalf("Read request failed: %v", err)
	}
	server.Write([]byte(`{"id":1,"payload":{"Error":0,"Message":"stale"}}` + "\n"))
	server.Write([]byte(`{"id":2,"payload":{"Error":0,"Message":"fresh"}}` + "\n"))

	select {
	case payload := <-resultCh:
		result, err := codec.Decode(payload)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if result.Message != "fresh" {
			t.Errorf("Expected the matching reply, got: %q", result.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return")
	}
}

func TestBridgeForwardsMalformedPayload(t *testing.T) {
	client, server := net.Pipe()
	l := New(client, "raw", testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.RunApp(ctx)
	waitRunning(t, l.Running)

	go func() {
		reader := bufio.NewReader(server)
		reader.ReadBytes('\n')
		server.Write([]byte(`{"id":1,"payload":"not an object"}` + "\n"))
	}()

	payload, err := l.GetVersion(ctx)
	if err != nil {
		t.Fatalf("Expected transport success, got: %v", err)
	}
	if _, err := codec.Decode(payload); !errors.Is(err, codec.ErrMalformedResponse) {
		t.Errorf("Expected ErrMalformedResponse, got: %v", err)
	}
}

func TestBridgeReportsBadArguments(t *testing.T) {
	_, _, err := dispatch(context.Background(), emulator.New(emulator.DefaultOptions()),
		request{ID: 1, Cmd: device.CmdSetup})
	if err == nil {
		t.Error("Expected missing arguments to fail")
	}

	_, _, err = dispatch(context.Background(), emulator.New(emulator.DefaultOptions()),
		request{ID: 2, Cmd: "Teleport"})
	if err == nil {
		t.Error("Expected unknown command to fail")
	}
}
