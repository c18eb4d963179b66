package notifyqueue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"alertflow/internal/config"
	"alertflow/test/testutil"

	"github.com/nats-io/nats.go"
)

func TestNATSDeadLetterPublish(t *testing.T) {
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := config.DeadLetterConfig{
		Enabled: true,
		URL:     []string{natsURL},
		Stream:  "ALERTFLOW_DLQ_TEST",
		Subject: "alertflow.test.dlq",
	}
	sink, err := NewNATSDeadLetter(cfg)
	if err != nil {
		t.Fatalf("new dead letter: %v", err)
	}
	defer func() { _ = sink.Close() }()

	request := testRequest(t, "A", "low", time.Now().UTC())
	request.LastError = "webhook returned 400"
	entry := NewDLQEntry(request, DLQReasonPermanentError, time.Now().UTC())
	if err := sink.Publish(context.Background(), entry); err != nil {
		t.Fatalf("publish: %v", err)
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	msg, err := js.GetLastMsg(cfg.Stream, cfg.Subject)
	if err != nil {
		t.Fatalf("get last msg: %v", err)
	}
	var stored DLQEntry
	if err := json.Unmarshal(msg.Data, &stored); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if stored.RequestID != request.ID || stored.Reason != DLQReasonPermanentError || stored.Error != "webhook returned 400" {
		t.Fatalf("unexpected stored entry %+v", stored)
	}

	// Reopening must reuse the existing stream.
	again, err := NewNATSDeadLetter(cfg)
	if err != nil {
		t.Fatalf("reopen dead letter: %v", err)
	}
	_ = again.Close()
}
