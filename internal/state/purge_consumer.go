package state

import (
	"context"
	"strings"

	"alertflow/internal/config"
	"alertflow/internal/telemetry"

	"github.com/nats-io/nats.go"
)

// PurgeHandler receives IDs of closed alerts whose TTL expired.
type PurgeHandler func(ctx context.Context, alertID, reason string) error

// PurgeConsumer consumes KV delete-marker events from alert bucket stream.
// Params: NATS connection, subscription, and callback handler.
// Returns: queue consumer lifecycle handle.
type PurgeConsumer struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewPurgeConsumer starts queue consumer for alert bucket delete markers.
// Params: NATS state settings and callback for purged alert IDs.
// Returns: running consumer or setup error.
func NewPurgeConsumer(cfg config.NATSStateConfig, handler PurgeHandler) (*PurgeConsumer, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	consumer := &PurgeConsumer{nc: nc}
	stream := "KV_" + cfg.AlertBucket
	subject := "$KV." + cfg.AlertBucket + ".>"

	sub, err := js.QueueSubscribe(subject, cfg.PurgeDeliverGroup, func(message *nats.Msg) {
		reason := message.Header.Get("Nats-Marker-Reason")
		if len(message.Data) != 0 || reason == "" {
			_ = message.Ack()
			return
		}
		alertID := extractKVKeyFromSubject(cfg.AlertBucket, message.Subject)
		if alertID != "" && handler != nil {
			if err := handler(context.Background(), alertID, reason); err != nil {
				_ = message.Nak()
				return
			}
		}
		telemetry.AlertsPurgedTotal.Inc()
		_ = message.Ack()
	},
		nats.BindStream(stream),
		nats.Durable(cfg.PurgeConsumerName),
		nats.ManualAck(),
		nats.DeliverNew(),
		nats.AckExplicit(),
	)
	if err != nil {
		nc.Close()
		return nil, err
	}

	consumer.sub = sub
	return consumer, nil
}

// Close drains subscription and closes NATS connection.
// Params: none.
// Returns: close error when drain fails.
func (c *PurgeConsumer) Close() error {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.nc.Close()
			return err
		}
	}
	c.nc.Close()
	return nil
}

// extractKVKeyFromSubject extracts key from $KV.<bucket>.<key> subject.
// Params: bucket name and full subject.
// Returns: decoded key or empty on mismatch.
func extractKVKeyFromSubject(bucket, subject string) string {
	prefix := "$KV." + bucket + "."
	if !strings.HasPrefix(subject, prefix) {
		return ""
	}
	return strings.TrimPrefix(subject, prefix)
}
