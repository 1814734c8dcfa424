package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/model"
)

// Outcomes recorded in an entry.
const (
	OutcomeSuccess     = "SUCCESS"
	OutcomeDeviceError = "DEVICE_ERROR"
	OutcomeError       = "ERROR"
)

// Entry represents a single audit log entry.
type Entry struct {
	Timestamp time.Time              `json:"ts"`
	User      string                 `json:"user"`
	Command   string                 `json:"command"`
	Params    map[string]interface{} `json:"params"`
	Outcome   string                 `json:"outcome"`
	Code      int                    `json:"code"`
	Message   string                 `json:"message,omitempty"`
	LatencyMs int64                  `json:"latencyMs"`
}

// Options controls the audit file and its rotation.
type Options struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger writes JSONL audit records to a rotating file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	writer   *lumberjack.Logger
}

// NewLogger creates the audit directory and log file.
func NewLogger(opts Options) (*Logger, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filePath := filepath.Join(opts.Dir, "audit.jsonl")

	// lumberjack opens lazily; make the file visible right away
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	f.Close()

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}

	return &Logger{
		filePath: filePath,
		writer: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		},
	}, nil
}

type userKey struct{}

// WithUser attaches the acting user to ctx.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the acting user, or "local" when none is attached.
func UserFromContext(ctx context.Context) string {
	if user, ok := ctx.Value(userKey{}).(string); ok && user != "" {
		return user
	}
	return "local"
}

// LogCommand records one device command.
func (l *Logger) LogCommand(ctx context.Context, command string, params map[string]interface{}, result model.CommandResult, err error, latency time.Duration) {
	if params == nil {
		params = make(map[string]interface{})
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		User:      UserFromContext(ctx),
		Command:   command,
		Params:    params,
		Outcome:   outcome(result, err),
		Code:      result.ErrorCode,
		Message:   result.Message,
		LatencyMs: latency.Milliseconds(),
	}
	if err != nil {
		entry.Message = err.Error()
	}

	l.Write(entry)
}

// outcome classifies a command for the audit trail.
func outcome(result model.CommandResult, err error) string {
	if err != nil {
		for _, sentinel := range []error{
			device.ErrSessionClosed,
			device.ErrMalformedResponse,
			device.ErrIncompatibleVersion,
			device.ErrSequenceActive,
			device.ErrUnavailable,
			device.ErrBusy,
			device.ErrTimeout,
		} {
			if errors.Is(err, sentinel) {
				return sentinel.Error()
			}
		}
		return OutcomeError
	}
	if !result.OK() {
		return OutcomeDeviceError
	}
	return OutcomeSuccess
}

// Write appends an entry as one JSON line.
func (l *Logger) Write(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal audit entry: %v\n", err)
		return
	}

	if _, err := l.writer.Write(append(jsonData, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write audit entry: %v\n", err)
	}
}

// Close closes the audit logger. Later writes are dropped.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		err := l.writer.Close()
		l.writer = nil
		return err
	}
	return nil
}

// GetFilePath returns the path to the audit log file.
func (l *Logger) GetFilePath() string {
	return l.filePath
}

// Rotate moves the current file aside and starts a new one.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return errors.New("audit logger is closed")
	}
	if err := l.writer.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	return nil
}
