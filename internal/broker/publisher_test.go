package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/conoscope-control/conoctl/internal/model"
)

// fakeRedis records calls and returns configured errors.
type fakeRedis struct {
	published  []string
	pushed     []string
	trims      [][2]int64
	publishErr error
	pushErr    error
	closed     bool
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.publishErr != nil {
		cmd.SetErr(f.publishErr)
		return cmd
	}
	f.published = append(f.published, channel)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.pushErr != nil {
		cmd.SetErr(f.pushErr)
		return cmd
	}
	f.pushed = append(f.pushed, key)
	cmd.SetVal(int64(len(f.pushed)))
	return cmd
}

func (f *fakeRedis) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	f.trims = append(f.trims, [2]int64{start, stop})
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

var sampleStatus = model.CaptureSequenceStatus{TotalSteps: 5, CurrentStep: 2, Filter: model.FilterXz, State: model.SequenceMeasure}

func TestPublishProgress(t *testing.T) {
	fake := &fakeRedis{}
	p, err := newPublisher(fake, Options{}, quietLogger())
	if err != nil {
		t.Fatalf("newPublisher failed: %v", err)
	}

	if err := p.PublishProgress(context.Background(), sampleStatus, time.Now()); err != nil {
		t.Fatalf("PublishProgress failed: %v", err)
	}

	if len(fake.published) != 1 || fake.published[0] != "conoctl:progress" {
		t.Errorf("Expected publish on default channel, got: %v", fake.published)
	}
	if len(fake.pushed) != 1 || fake.pushed[0] != "conoctl:progress:history" {
		t.Errorf("Expected history push, got: %v", fake.pushed)
	}
	if len(fake.trims) != 1 || fake.trims[0] != [2]int64{0, 999} {
		t.Errorf("Expected history trimmed to 1000, got: %v", fake.trims)
	}

	if err := p.Close(); err != nil || !fake.closed {
		t.Errorf("Expected Close to close the client, got: %v", err)
	}
}

func TestPublishFailure(t *testing.T) {
	fake := &fakeRedis{publishErr: errors.New("connection refused")}
	p, _ := newPublisher(fake, Options{}, quietLogger())

	if err := p.PublishProgress(context.Background(), sampleStatus, time.Now()); err == nil {
		t.Error("Expected publish failure to be returned")
	}
	if len(fake.pushed) != 0 {
		t.Error("Expected no history push after a failed publish")
	}
}

func TestHistoryFailureIsNotFatal(t *testing.T) {
	fake := &fakeRedis{pushErr: errors.New("OOM")}
	p, _ := newPublisher(fake, Options{}, quietLogger())

	if err := p.PublishProgress(context.Background(), sampleStatus, time.Now()); err != nil {
		t.Errorf("Expected history failure to be logged only, got: %v", err)
	}
}

func TestEncodeJSON(t *testing.T) {
	p, _ := newPublisher(&fakeRedis{}, Options{Format: FormatJSON}, quietLogger())
	data, err := p.Encode(sampleStatus, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.State != "Measure" || msg.Filter != "Xz" || msg.CurrentStep != 2 || msg.TotalSteps != 5 {
		t.Errorf("Unexpected message: %+v", msg)
	}
}

func TestEncodeMsgpack(t *testing.T) {
	p, _ := newPublisher(&fakeRedis{}, Options{Format: FormatMsgpack}, quietLogger())
	data, err := p.Encode(sampleStatus, time.Now())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.State != "Measure" || msg.Filter != "Xz" {
		t.Errorf("Unexpected message: %+v", msg)
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, err := newPublisher(&fakeRedis{}, Options{Format: "xml"}, quietLogger()); err == nil {
		t.Error("Expected unsupported format to be rejected")
	}
}
