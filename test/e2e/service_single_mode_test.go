package e2e

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"alertflow/test/testutil"
)

func TestServiceSingleModeIngestToWebhook(t *testing.T) {
	if testing.Short() {
		t.Skip("skip e2e test in short mode")
	}

	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	sink := newWebhookSink(t)
	listen := fmt.Sprintf("127.0.0.1:%d", port)
	service := newServiceFromConfig(t, serviceConfig("single", listen, "", sink.server.URL, false))
	cancel, done := runService(t, service)
	defer cancel()

	baseURL := "http://" + listen
	waitReady(t, baseURL)

	response, err := http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected health 200, got %d", response.StatusCode)
	}

	postSample(t, baseURL, "cpu", 97)
	waitFor(t, 8*time.Second, func() bool { return sink.count() >= 1 })

	payload := sink.first()
	if payload["priority"] != "urgent" || payload["notification_type"] != "alert" {
		t.Fatalf("unexpected webhook payload %+v", payload)
	}
	alert, _ := payload["alert"].(map[string]any)
	if alert["rule_id"] != "cpu_high" || alert["severity"] != "critical" {
		t.Fatalf("unexpected alert payload %+v", alert)
	}

	time.Sleep(1500 * time.Millisecond)
	if sink.count() != 1 {
		t.Fatalf("active alert must not be re-notified, got %d deliveries", sink.count())
	}

	cancel()
	waitServiceStop(t, done)
}
