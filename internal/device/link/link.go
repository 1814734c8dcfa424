// Package link implements device.Executor over a byte stream, typically a
// serial line to a bridge that hosts the native conoscope library.
//
// Requests and replies are newline-delimited JSON objects. One command is in
// flight at a time; replies are matched to requests by id so that a reply
// arriving after its caller gave up is dropped.
package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/model"
)

// Link is an Executor talking to a remote bridge.
type Link struct {
	conn io.ReadWriteCloser
	log  *logrus.Logger
	name string

	callMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan reply
	nextID    atomic.Uint64

	started   atomic.Bool
	running   atomic.Bool
	quitID    atomic.Uint64
	stopped   chan struct{}
	quit      chan struct{}
	quitOnce  sync.Once
	closeOnce sync.Once
}

var _ device.Executor = (*Link)(nil)

// New wraps conn. The reader loop starts with RunApp.
func New(conn io.ReadWriteCloser, name string, log *logrus.Logger) *Link {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Link{
		conn:    conn,
		log:     log,
		name:    name,
		pending: make(map[uint64]chan reply),
		stopped: make(chan struct{}),
		quit:    make(chan struct{}),
	}
}

// Info describes the link.
func (l *Link) Info() device.Info {
	return device.Info{Name: l.name, Transport: "link"}
}

// Running reports whether RunApp is servicing replies.
func (l *Link) Running() bool {
	return l.running.Load()
}

// RunApp reads replies until QuitApp succeeds, the stream fails or ctx is done.
func (l *Link) RunApp(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("link run-loop already started")
	}
	l.running.Store(true)

	readErr := make(chan error, 1)
	go func() {
		readErr <- l.readLoop()
	}()

	defer func() {
		l.running.Store(false)
		close(l.stopped)
		l.Disconnect()
	}()

	select {
	case <-l.quit:
		return nil
	case err := <-readErr:
		if errors.Is(err, errQuitAcked) {
			return nil
		}
		l.log.WithField("link", l.name).WithError(err).Warn("Link reader stopped")
		return fmt.Errorf("%w: %v", device.ErrUnavailable, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the underlying stream. It is safe to call more than once.
func (l *Link) Disconnect() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
	})
	return err
}

// errQuitAcked stops the reader once the bridge acknowledged QuitApp; the
// bridge hangs up right after, so the EOF that follows is not a failure.
var errQuitAcked = errors.New("quit acknowledged")

func (l *Link) readLoop() error {
	scanner := bufio.NewScanner(l.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var r reply
		if err := json.Unmarshal(line, &r); err != nil {
			l.log.WithField("link", l.name).WithError(err).Warn("Dropping unreadable reply")
			continue
		}

		l.pendingMu.Lock()
		ch, ok := l.pending[r.ID]
		delete(l.pending, r.ID)
		l.pendingMu.Unlock()

		if !ok {
			l.log.WithFields(logrus.Fields{"link": l.name, "id": r.ID}).Debug("Dropping late reply")
			continue
		}
		ch <- r

		if r.Error == "" && r.ID == l.quitID.Load() {
			return errQuitAcked
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (l *Link) forget(id uint64) {
	l.pendingMu.Lock()
	delete(l.pending, id)
	l.pendingMu.Unlock()
}

// call sends one command and waits for its reply. When data is non-nil the
// reply record is decoded into it.
func (l *Link) call(ctx context.Context, cmd device.Command, args interface{}, data interface{}) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if !l.running.Load() {
		return nil, fmt.Errorf("%s: %w: link is not running", cmd, device.ErrUnavailable)
	}

	l.callMu.Lock()
	defer l.callMu.Unlock()

	req := request{ID: l.nextID.Add(1), Cmd: cmd}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("%s: encode arguments: %w", cmd, err)
		}
		req.Args = raw
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", cmd, err)
	}

	if cmd == device.CmdQuitApp {
		l.quitID.Store(req.ID)
	}

	ch := make(chan reply, 1)
	l.pendingMu.Lock()
	l.pending[req.ID] = ch
	l.pendingMu.Unlock()

	if _, err := l.conn.Write(append(line, '\n')); err != nil {
		l.forget(req.ID)
		return nil, fmt.Errorf("%s: %w: %v", cmd, device.ErrUnavailable, err)
	}

	select {
	case r := <-ch:
		return decodeReply(cmd, r, data)
	case <-l.stopped:
		// The reader may have delivered the reply just before stopping.
		select {
		case r := <-ch:
			return decodeReply(cmd, r, data)
		default:
		}
		l.forget(req.ID)
		return nil, fmt.Errorf("%s: %w: link stopped", cmd, device.ErrUnavailable)
	case <-ctx.Done():
		l.forget(req.ID)
		return nil, ctx.Err()
	}
}

func decodeReply(cmd device.Command, r reply, data interface{}) ([]byte, error) {
	if r.Error != "" {
		return nil, fmt.Errorf("%s: %w: %s", cmd, device.ErrUnavailable, r.Error)
	}
	if data != nil && len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, data); err != nil {
			return nil, fmt.Errorf("%s: %w: record: %v", cmd, device.ErrMalformedResponse, err)
		}
	}
	return []byte(r.Payload), nil
}

func (l *Link) QuitApp(ctx context.Context) ([]byte, error) {
	payload, err := l.call(ctx, device.CmdQuitApp, nil, nil)
	if err == nil {
		l.running.Store(false)
		l.quitOnce.Do(func() { close(l.quit) })
	}
	return payload, err
}

func (l *Link) GetVersion(ctx context.Context) ([]byte, error) {
	return l.call(ctx, device.CmdGetVersion, nil, nil)
}

func (l *Link) Open(ctx context.Context) ([]byte, error) {
	return l.call(ctx, device.CmdOpen, nil, nil)
}

func (l *Link) Setup(ctx context.Context, cfg model.SetupConfig) ([]byte, error) {
	return l.call(ctx, device.CmdSetup, cfg, nil)
}

func (l *Link) SetupStatus(ctx context.Context) ([]byte, model.SetupStatus, error) {
	var status model.SetupStatus
	payload, err := l.call(ctx, device.CmdSetupStatus, nil, &status)
	return payload, status, err
}

func (l *Link) Measure(ctx context.Context, cfg model.MeasureConfig) ([]byte, error) {
	return l.call(ctx, device.CmdMeasure, cfg, nil)
}

func (l *Link) ExportRaw(ctx context.Context) ([]byte, error) {
	return l.call(ctx, device.CmdExportRaw, nil, nil)
}

func (l *Link) ExportProcessed(ctx context.Context, cfg model.ProcessingConfig) ([]byte, error) {
	return l.call(ctx, device.CmdExportProcessed, cfg, nil)
}

func (l *Link) Close(ctx context.Context) ([]byte, error) {
	return l.call(ctx, device.CmdClose, nil, nil)
}

func (l *Link) Reset(ctx context.Context) ([]byte, error) {
	return l.call(ctx, device.CmdReset, nil, nil)
}

func (l *Link) SetConfig(ctx context.Context, settings model.Settings) ([]byte, error) {
	return l.call(ctx, device.CmdSetConfig, settings, nil)
}

func (l *Link) GetConfig(ctx context.Context) ([]byte, model.Settings, error) {
	var settings model.Settings
	payload, err := l.call(ctx, device.CmdGetConfig, nil, &settings)
	return payload, settings, err
}

func (l *Link) GetCmdConfig(ctx context.Context) ([]byte, model.CmdConfig, error) {
	var cfg model.CmdConfig
	payload, err := l.call(ctx, device.CmdGetCmdConfig, nil, &cfg)
	return payload, cfg, err
}

func (l *Link) SetDebugConfig(ctx context.Context, settings model.DebugSettings) ([]byte, error) {
	return l.call(ctx, device.CmdSetDebugConfig, settings, nil)
}

func (l *Link) GetDebugConfig(ctx context.Context) ([]byte, model.DebugSettings, error) {
	var settings model.DebugSettings
	payload, err := l.call(ctx, device.CmdGetDebugConfig, nil, &settings)
	return payload, settings, err
}

func (l *Link) CfgFileRead(ctx context.Context) ([]byte, error) {
	return l.call(ctx, device.CmdCfgFileRead, nil, nil)
}

func (l *Link) CfgFileWrite(ctx context.Context) ([]byte, error) {
	return l.call(ctx, device.CmdCfgFileWrite, nil, nil)
}

func (l *Link) CfgFileStatus(ctx context.Context) ([]byte, model.CfgFileStatus, error) {
	var status model.CfgFileStatus
	payload, err := l.call(ctx, device.CmdCfgFileStatus, nil, &status)
	return payload, status, err
}

func (l *Link) GetCaptureSequence(ctx context.Context) ([]byte, model.CaptureSequenceConfig, error) {
	var cfg model.CaptureSequenceConfig
	payload, err := l.call(ctx, device.CmdGetCaptureSequence, nil, &cfg)
	return payload, cfg, err
}

func (l *Link) CaptureSequence(ctx context.Context, cfg model.CaptureSequenceConfig) ([]byte, error) {
	return l.call(ctx, device.CmdCaptureSequence, cfg, nil)
}

func (l *Link) CaptureSequenceCancel(ctx context.Context) ([]byte, error) {
	return l.call(ctx, device.CmdCaptureSequenceCancel, nil, nil)
}

func (l *Link) CaptureSequenceStatus(ctx context.Context) ([]byte, model.CaptureSequenceStatus, error) {
	status := model.InitialStatus()
	payload, err := l.call(ctx, device.CmdCaptureSequenceStatus, nil, &status)
	return payload, status, err
}

func (l *Link) MeasureAE(ctx context.Context, cfg model.MeasureConfig) ([]byte, error) {
	return l.call(ctx, device.CmdMeasureAE, cfg, nil)
}

func (l *Link) MeasureAECancel(ctx context.Context) ([]byte, error) {
	return l.call(ctx, device.CmdMeasureAECancel, nil, nil)
}

func (l *Link) MeasureAEStatus(ctx context.Context) ([]byte, model.MeasureStatus, error) {
	var status model.MeasureStatus
	payload, err := l.call(ctx, device.CmdMeasureAEStatus, nil, &status)
	return payload, status, err
}
