package notifyqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"alertflow/internal/config"

	"github.com/nats-io/nats.go"
)

const defaultDLQStreamMaxAge = 7 * 24 * time.Hour

// NATSDeadLetter publishes dead-letter entries into JetStream stream.
// Params: NATS connection and DLQ subject.
// Returns: durable dead-letter sink.
type NATSDeadLetter struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSDeadLetter connects to NATS and ensures DLQ stream exists.
// Params: dead-letter config with derived URL list.
// Returns: sink or setup error.
func NewNATSDeadLetter(cfg config.DeadLetterConfig) (*NATSDeadLetter, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect dlq nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for dlq: %w", err)
	}
	maxAge := time.Duration(cfg.MaxAgeHours) * time.Hour
	if maxAge <= 0 {
		maxAge = defaultDLQStreamMaxAge
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject, nats.LimitsPolicy, maxAge); err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSDeadLetter{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Publish writes one entry; request id plus reason deduplicates redelivered publishes.
// Params: context and dead-letter entry.
// Returns: marshal or publish error.
func (d *NATSDeadLetter) Publish(ctx context.Context, entry DLQEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	msg := nats.NewMsg(d.subject)
	msg.Data = body
	if strings.TrimSpace(entry.RequestID) != "" {
		msg.Header.Set("Nats-Msg-Id", fmt.Sprintf("%s:dlq:%s:%d", entry.RequestID, entry.Reason, entry.RetryCount))
	}
	if _, err := d.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish dlq entry: %w", err)
	}
	return nil
}

// Close closes sink NATS connection.
// Params: none.
// Returns: nil after connection close.
func (d *NATSDeadLetter) Close() error {
	if d == nil || d.nc == nil {
		return nil
	}
	d.nc.Close()
	return nil
}

// ensureStream ensures one JetStream stream exists with provided options.
// Params: JetStream context and stream settings.
// Returns: stream create/lookup error.
func ensureStream(
	js nats.JetStreamContext,
	streamName string,
	subject string,
	retention nats.RetentionPolicy,
	maxAge time.Duration,
) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}
