// Package broker forwards capture sequence progress to Redis.
//
// Each notification is published on a pub/sub channel and pushed to a capped
// history list, so late consumers can read the recent past.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/conoscope-control/conoctl/internal/model"
)

// Payload formats.
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// historyLength caps the history list.
const historyLength = 1000

// Options configures the Redis connection and keys.
type Options struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	Channel    string
	HistoryKey string
	Format     string
}

// Message is the published form of one progress notification.
type Message struct {
	State       string    `json:"state" msgpack:"state"`
	Filter      string    `json:"filter" msgpack:"filter"`
	CurrentStep int       `json:"currentStep" msgpack:"currentStep"`
	TotalSteps  int       `json:"totalSteps" msgpack:"totalSteps"`
	Time        time.Time `json:"time" msgpack:"time"`
}

// client is the subset of *redis.Client the publisher uses.
type client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

// Publisher publishes progress notifications.
type Publisher struct {
	client     client
	channel    string
	historyKey string
	format     string
	log        *logrus.Logger
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(ctx context.Context, opts Options, log *logrus.Logger) (*Publisher, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	p, err := newPublisher(c, opts, log)
	if err != nil {
		c.Close()
		return nil, err
	}
	p.log.WithField("addr", opts.Addr).Info("Redis connection established")
	return p, nil
}

func newPublisher(c client, opts Options, log *logrus.Logger) (*Publisher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Channel == "" {
		opts.Channel = "conoctl:progress"
	}
	if opts.HistoryKey == "" {
		opts.HistoryKey = "conoctl:progress:history"
	}
	switch opts.Format {
	case "":
		opts.Format = FormatJSON
	case FormatJSON, FormatMsgpack:
	default:
		return nil, fmt.Errorf("unsupported payload format %q", opts.Format)
	}

	return &Publisher{
		client:     c,
		channel:    opts.Channel,
		historyKey: opts.HistoryKey,
		format:     opts.Format,
		log:        log,
	}, nil
}

// Encode renders a status in the publisher's payload format.
func (p *Publisher) Encode(status model.CaptureSequenceStatus, at time.Time) ([]byte, error) {
	msg := Message{
		State:       status.State.String(),
		Filter:      status.Filter.String(),
		CurrentStep: status.CurrentStep,
		TotalSteps:  status.TotalSteps,
		Time:        at.UTC(),
	}

	if p.format == FormatMsgpack {
		return msgpack.Marshal(&msg)
	}
	return json.Marshal(msg)
}

// PublishProgress publishes a notification and records it in the history list.
// A history failure is logged; only a publish failure is returned.
func (p *Publisher) PublishProgress(ctx context.Context, status model.CaptureSequenceStatus, at time.Time) error {
	data, err := p.Encode(status, at)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}

	if err := p.client.LPush(ctx, p.historyKey, data).Err(); err != nil {
		p.log.WithError(err).Warn("Failed to append progress history")
		return nil
	}
	if err := p.client.LTrim(ctx, p.historyKey, 0, historyLength-1).Err(); err != nil {
		p.log.WithError(err).Warn("Failed to trim progress history")
	}
	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
