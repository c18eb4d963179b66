package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"alertflow/internal/config"
	"alertflow/internal/domain"

	"github.com/nats-io/nats.go"
)

const maxStatusUpdateAttempts = 5

// NATSAlertStore persists alerts in a JetStream KV bucket.
// Params: NATS connection, JetStream context, and KV bucket handle.
// Returns: KV-backed alert store implementation.
type NATSAlertStore struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	kv            nats.KeyValue
	settings      config.NATSStateConfig
	subjectPrefix string
}

// NewNATSAlertStore opens or creates alert KV bucket.
// Params: NATS/JetStream settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSAlertStore(settings config.NATSStateConfig) (*NATSAlertStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(settings.AlertBucket)
	if err != nil {
		if !settings.AllowCreateBuckets {
			nc.Close()
			return nil, fmt.Errorf("open alert bucket %q: %w", settings.AlertBucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  settings.AlertBucket,
			History: 1,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create alert bucket %q: %w", settings.AlertBucket, err)
		}
	}
	if settings.ResolvedTTL > 0 {
		if err := enableBucketPerMessageTTL(js, settings.AlertBucket); err != nil {
			nc.Close()
			return nil, fmt.Errorf("enable per-message ttl on alert bucket: %w", err)
		}
	}

	return &NATSAlertStore{
		nc:            nc,
		js:            js,
		kv:            kv,
		settings:      settings,
		subjectPrefix: "$KV." + settings.AlertBucket + ".",
	}, nil
}

// enableBucketPerMessageTTL ensures underlying KV stream allows Nats-TTL header.
// Params: JetStream context and KV bucket name.
// Returns: stream update error when config cannot be applied.
func enableBucketPerMessageTTL(js nats.JetStreamContext, bucket string) error {
	streamName := "KV_" + bucket
	info, err := js.StreamInfo(streamName)
	if err != nil {
		return err
	}
	if info.Config.AllowMsgTTL {
		return nil
	}
	cfg := info.Config
	cfg.AllowMsgTTL = true
	if cfg.SubjectDeleteMarkerTTL == 0 {
		cfg.SubjectDeleteMarkerTTL = 5 * time.Minute
	}
	_, err = js.UpdateStream(&cfg)
	return err
}

// SaveAlert writes alert payload; closed alerts get resolved TTL.
// Params: alert entity.
// Returns: encode or publish error.
func (s *NATSAlertStore) SaveAlert(_ context.Context, alert *domain.Alert) error {
	if alert == nil || alert.ID == "" {
		return errInvalidAlert
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if s.expires(alert) {
		return s.publishWithTTL(alert.ID, body)
	}
	if _, err := s.kv.Put(alert.ID, body); err != nil {
		return fmt.Errorf("put alert: %w", err)
	}
	return nil
}

// GetAlert reads one alert.
// Params: alert ID key.
// Returns: decoded alert or ErrNotFound.
func (s *NATSAlertStore) GetAlert(_ context.Context, alertID string) (*domain.Alert, error) {
	alert, _, err := s.get(alertID)
	return alert, err
}

// ActiveAlerts lists alerts whose status is still active.
// Params: none.
// Returns: decoded alerts ordered by trigger time.
func (s *NATSAlertStore) ActiveAlerts(_ context.Context) ([]*domain.Alert, error) {
	return s.scan(func(alert *domain.Alert) bool { return alert.IsActive() })
}

// AlertsByRule lists stored alerts raised by rule.
// Params: rule ID.
// Returns: decoded alerts ordered by trigger time.
func (s *NATSAlertStore) AlertsByRule(_ context.Context, ruleID string) ([]*domain.Alert, error) {
	return s.scan(func(alert *domain.Alert) bool { return alert.RuleID == ruleID })
}

// UpdateAlertStatus changes stored status using revision CAS, retrying on conflict.
// Params: alert ID, target status, and optional metadata.
// Returns: ErrNotFound, ErrConflict after exhausting attempts, or write error.
func (s *NATSAlertStore) UpdateAlertStatus(ctx context.Context, alertID string, status domain.AlertStatus, metadata map[string]any) error {
	for attempt := 0; attempt < maxStatusUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		alert, revision, err := s.get(alertID)
		if err != nil {
			return err
		}
		applyStatus(alert, status, metadata)
		body, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("encode alert: %w", err)
		}
		if s.expires(alert) {
			err = s.publishWithTTL(alertID, body, nats.ExpectLastSequencePerSubject(revision))
		} else if _, err = s.kv.Update(alertID, body, revision); err != nil && !isRevisionConflict(err) {
			err = fmt.Errorf("update alert: %w", err)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) && !isRevisionConflict(err) {
			return err
		}
	}
	return ErrConflict
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSAlertStore) Close() error {
	s.nc.Close()
	return nil
}

func (s *NATSAlertStore) get(alertID string) (*domain.Alert, uint64, error) {
	entry, err := s.kv.Get(alertID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get alert: %w", err)
	}
	var alert domain.Alert
	if err := json.Unmarshal(entry.Value(), &alert); err != nil {
		return nil, 0, fmt.Errorf("decode alert: %w", err)
	}
	return &alert, entry.Revision(), nil
}

func (s *NATSAlertStore) scan(keep func(*domain.Alert) bool) ([]*domain.Alert, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]*domain.Alert, 0, len(keys))
	for _, key := range keys {
		alert, _, err := s.get(key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if keep(alert) {
			out = append(out, alert)
		}
	}
	sortAlerts(out)
	return out, nil
}

// expires reports whether alert should age out of bucket.
func (s *NATSAlertStore) expires(alert *domain.Alert) bool {
	return s.settings.ResolvedTTL > 0 && !alert.IsActive()
}

// publishWithTTL writes KV value through raw stream publish carrying Nats-TTL.
// Params: alert ID key, encoded payload, and publish expectations.
// Returns: publish error; ErrConflict on sequence mismatch.
func (s *NATSAlertStore) publishWithTTL(alertID string, body []byte, opts ...nats.PubOpt) error {
	msg := nats.NewMsg(s.subjectPrefix + alertID)
	msg.Data = body
	msg.Header = nats.Header{
		"Nats-TTL": []string{strconv.FormatInt(s.settings.ResolvedTTL.Milliseconds(), 10) + "ms"},
	}
	if _, err := s.js.PublishMsg(msg, opts...); err != nil {
		if isRevisionConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

func isRevisionConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}
