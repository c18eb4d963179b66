package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"alertflow/internal/config"
	"alertflow/internal/domain"
	"alertflow/test/testutil"
)

func TestExtractKVKeyFromSubject(t *testing.T) {
	t.Parallel()

	key := extractKVKeyFromSubject("alerts", "$KV.alerts.0f8e2c1a")
	if key != "0f8e2c1a" {
		t.Fatalf("unexpected key %q", key)
	}
	if out := extractKVKeyFromSubject("alerts", "$KV.other.0f8e2c1a"); out != "" {
		t.Fatalf("expected empty key, got %q", out)
	}
}

func TestNATSAlertStoreCRUDIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	store, err := NewNATSAlertStore(config.NATSStateConfig{
		URL:                []string{url},
		AlertBucket:        "alerts_test",
		AllowCreateBuckets: true,
		ResolvedTTL:        time.Hour,
	})
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	first := newStoredAlert(t, "cpu_high", 0)
	second := newStoredAlert(t, "disk_full", time.Minute)
	for _, alert := range []*domain.Alert{first, second} {
		if err := store.SaveAlert(ctx, alert); err != nil {
			t.Fatalf("save alert: %v", err)
		}
	}

	loaded, err := store.GetAlert(ctx, first.ID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if loaded.RuleID != "cpu_high" || loaded.Metrics == nil || loaded.Metrics.CurrentValue != 95 {
		t.Fatalf("unexpected alert %+v", loaded)
	}

	if err := store.UpdateAlertStatus(ctx, second.ID, domain.StatusResolved, map[string]any{"resolved_by": "ops"}); err != nil {
		t.Fatalf("update status: %v", err)
	}
	active, err := store.ActiveAlerts(ctx)
	if err != nil {
		t.Fatalf("active alerts: %v", err)
	}
	if len(active) != 1 || active[0].ID != first.ID {
		t.Fatalf("unexpected active alerts %+v", active)
	}
	byRule, err := store.AlertsByRule(ctx, "disk_full")
	if err != nil {
		t.Fatalf("alerts by rule: %v", err)
	}
	if len(byRule) != 1 || byRule[0].Status != domain.StatusResolved || byRule[0].Context["resolved_by"] != "ops" {
		t.Fatalf("unexpected rule listing %+v", byRule)
	}

	if _, err := store.GetAlert(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPurgeConsumerReceivesResolvedTTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	settings := config.NATSStateConfig{
		URL:                []string{url},
		AlertBucket:        "alerts_purge",
		AllowCreateBuckets: true,
		ResolvedTTL:        2 * time.Second,
		PurgeConsumerName:  "purge-consumer",
		PurgeDeliverGroup:  "purge-group",
	}

	store, err := NewNATSAlertStore(settings)
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	defer store.Close()

	purged := make(chan string, 1)
	consumer, err := NewPurgeConsumer(settings, func(_ context.Context, alertID, _ string) error {
		purged <- alertID
		return nil
	})
	if err != nil {
		t.Fatalf("new purge consumer: %v", err)
	}
	defer consumer.Close()

	alert := newStoredAlert(t, "cpu_high", 0)
	alert.Resolve("system", storeNow.Add(time.Minute))
	if err := store.SaveAlert(context.Background(), alert); err != nil {
		t.Fatalf("save resolved alert: %v", err)
	}

	select {
	case gotID := <-purged:
		if gotID != alert.ID {
			t.Fatalf("unexpected alert ID from delete marker: %q", gotID)
		}
	case <-time.After(12 * time.Second):
		t.Fatalf("delete marker was not received")
	}
}
