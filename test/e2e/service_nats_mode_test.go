package e2e

import (
	"fmt"
	"testing"
	"time"

	"alertflow/test/testutil"
)

func TestServiceNATSModeIngestToWebhook(t *testing.T) {
	if testing.Short() {
		t.Skip("skip e2e test in short mode")
	}

	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	sink := newWebhookSink(t)
	listen := fmt.Sprintf("127.0.0.1:%d", port)
	service := newServiceFromConfig(t, serviceConfig("nats", listen, natsURL, sink.server.URL, true))
	cancel, done := runService(t, service)
	defer cancel()
	waitReady(t, "http://"+listen)

	js := testutil.ConnectJetStream(t, natsURL)
	if _, err := js.Publish("alertflow.metrics", []byte(`[{"metric":"cpu","value":98},{"metric":"cpu","value":99}]`)); err != nil {
		t.Fatalf("publish sample: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool { return sink.count() >= 1 })

	kv, err := js.KeyValue("alertflow_alerts")
	if err != nil {
		t.Fatalf("alert bucket: %v", err)
	}
	keys, err := kv.Keys()
	if err != nil || len(keys) != 1 {
		t.Fatalf("expected one persisted alert, keys=%v err=%v", keys, err)
	}

	cancel()
	waitServiceStop(t, done)
}
