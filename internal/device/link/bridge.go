package link

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/model"
)

// Serve is the bridge side of the link. It reads requests from conn, runs
// them on exec and writes the replies back, in order. It returns after
// serving a successful QuitApp, when conn fails, or when ctx is done. The
// executor's run-loop must already be running. conn is closed on return.
func Serve(ctx context.Context, conn io.ReadWriteCloser, exec device.Executor, log *logrus.Logger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)

	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			log.WithError(err).Warn("Bridge dropping unreadable request")
			continue
		}

		payload, data, err := dispatch(ctx, exec, req)
		if len(payload) > 0 && !json.Valid(payload) {
			// forwarded as a string so the client reports it as malformed
			payload, _ = json.Marshal(string(payload))
		}
		r := reply{ID: req.ID, Payload: payload}
		if err != nil {
			r.Error = err.Error()
		}
		if err == nil && data != nil {
			if raw, mErr := json.Marshal(data); mErr == nil {
				r.Data = raw
			} else {
				r.Error = mErr.Error()
			}
		}

		line, mErr := json.Marshal(r)
		if mErr != nil {
			return fmt.Errorf("encode reply: %w", mErr)
		}
		if _, wErr := conn.Write(append(line, '\n')); wErr != nil {
			return fmt.Errorf("write reply: %w", wErr)
		}

		log.WithFields(logrus.Fields{"cmd": req.Cmd, "id": req.ID}).Debug("Bridge served command")

		if req.Cmd == device.CmdQuitApp && err == nil {
			return nil
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func decodeArgs(req request, v interface{}) error {
	if len(req.Args) == 0 {
		return fmt.Errorf("%s: missing arguments", req.Cmd)
	}
	if err := json.Unmarshal(req.Args, v); err != nil {
		return fmt.Errorf("%s: invalid arguments: %w", req.Cmd, err)
	}
	return nil
}

// dispatch runs one request. The record is nil for commands without one.
func dispatch(ctx context.Context, exec device.Executor, req request) (json.RawMessage, interface{}, error) {
	var (
		payload []byte
		data    interface{}
		err     error
	)

	switch req.Cmd {
	case device.CmdQuitApp:
		payload, err = exec.QuitApp(ctx)
	case device.CmdGetVersion:
		payload, err = exec.GetVersion(ctx)
	case device.CmdOpen:
		payload, err = exec.Open(ctx)
	case device.CmdSetup:
		var cfg model.SetupConfig
		if err = decodeArgs(req, &cfg); err == nil {
			payload, err = exec.Setup(ctx, cfg)
		}
	case device.CmdSetupStatus:
		payload, data, err = withRecord(exec.SetupStatus(ctx))
	case device.CmdMeasure:
		var cfg model.MeasureConfig
		if err = decodeArgs(req, &cfg); err == nil {
			payload, err = exec.Measure(ctx, cfg)
		}
	case device.CmdExportRaw:
		payload, err = exec.ExportRaw(ctx)
	case device.CmdExportProcessed:
		var cfg model.ProcessingConfig
		if err = decodeArgs(req, &cfg); err == nil {
			payload, err = exec.ExportProcessed(ctx, cfg)
		}
	case device.CmdClose:
		payload, err = exec.Close(ctx)
	case device.CmdReset:
		payload, err = exec.Reset(ctx)
	case device.CmdSetConfig:
		var settings model.Settings
		if err = decodeArgs(req, &settings); err == nil {
			payload, err = exec.SetConfig(ctx, settings)
		}
	case device.CmdGetConfig:
		payload, data, err = withRecord(exec.GetConfig(ctx))
	case device.CmdGetCmdConfig:
		payload, data, err = withRecord(exec.GetCmdConfig(ctx))
	case device.CmdSetDebugConfig:
		var settings model.DebugSettings
		if err = decodeArgs(req, &settings); err == nil {
			payload, err = exec.SetDebugConfig(ctx, settings)
		}
	case device.CmdGetDebugConfig:
		payload, data, err = withRecord(exec.GetDebugConfig(ctx))
	case device.CmdCfgFileRead:
		payload, err = exec.CfgFileRead(ctx)
	case device.CmdCfgFileWrite:
		payload, err = exec.CfgFileWrite(ctx)
	case device.CmdCfgFileStatus:
		payload, data, err = withRecord(exec.CfgFileStatus(ctx))
	case device.CmdGetCaptureSequence:
		payload, data, err = withRecord(exec.GetCaptureSequence(ctx))
	case device.CmdCaptureSequence:
		var cfg model.CaptureSequenceConfig
		if err = decodeArgs(req, &cfg); err == nil {
			payload, err = exec.CaptureSequence(ctx, cfg)
		}
	case device.CmdCaptureSequenceCancel:
		payload, err = exec.CaptureSequenceCancel(ctx)
	case device.CmdCaptureSequenceStatus:
		payload, data, err = withRecord(exec.CaptureSequenceStatus(ctx))
	case device.CmdMeasureAE:
		var cfg model.MeasureConfig
		if err = decodeArgs(req, &cfg); err == nil {
			payload, err = exec.MeasureAE(ctx, cfg)
		}
	case device.CmdMeasureAECancel:
		payload, err = exec.MeasureAECancel(ctx)
	case device.CmdMeasureAEStatus:
		payload, data, err = withRecord(exec.MeasureAEStatus(ctx))
	default:
		err = fmt.Errorf("unknown command %q", req.Cmd)
	}

	return json.RawMessage(payload), data, err
}

func withRecord[T any](payload []byte, record T, err error) ([]byte, interface{}, error) {
	return payload, record, err
}
