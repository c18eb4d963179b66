package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"alertflow/internal/app"
	"alertflow/internal/clock"
	"alertflow/internal/config"
)

// newServiceFromConfig writes TOML body and creates Service from it.
// Params: test handle and config body.
// Returns: initialized service instance.
func newServiceFromConfig(t *testing.T, body string) *app.Service {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(context.Background(), source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

// runService starts service in background with cancellable context.
// Params: test handle and initialized service.
// Returns: cancel callback and done channel with Run result.
func runService(t *testing.T, service *app.Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	return cancel, done
}

func waitReady(t *testing.T, baseURL string) {
	t.Helper()
	waitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
}

// waitServiceStop asserts service Run exits without error after cancellation.
// Params: test handle and done channel returned by runService.
// Returns: test fails if stop timeout/error happens.
func waitServiceStop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("service run error: %v", runErr)
		}
	case <-time.After(12 * time.Second):
		t.Fatalf("service did not stop after cancel")
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func postSample(t *testing.T, baseURL, metric string, value float64) {
	t.Helper()
	body := fmt.Sprintf(`{"metric":%q,"value":%v}`, metric, value)
	response, err := http.Post(baseURL+"/ingest", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post sample: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status=%d", response.StatusCode)
	}
}

// webhookSink records JSON notifications posted by webhook channel.
type webhookSink struct {
	server   *httptest.Server
	mu       sync.Mutex
	payloads []map[string]any
}

func newWebhookSink(t *testing.T) *webhookSink {
	t.Helper()
	sink := &webhookSink{}
	sink.server = httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(request.Body).Decode(&payload); err == nil {
			sink.mu.Lock()
			sink.payloads = append(sink.payloads, payload)
			sink.mu.Unlock()
		}
		writer.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(sink.server.Close)
	return sink
}

func (s *webhookSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *webhookSink) first() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.payloads) == 0 {
		return nil
	}
	return s.payloads[0]
}

func serviceConfig(mode, listen, natsURL, webhookURL string, natsIngest bool) string {
	return fmt.Sprintf(`
[service]
name = "alertflow-e2e"
mode = %q

[log.console]
enabled = true
level = "error"
format = "line"

[http]
enabled = true
listen = %q

[nats]
url = [%q]

[nats.ingest]
enabled = %t

[evaluation]
schedule = "@every 1s"

[dispatcher]
interval_sec = 1

[rule.cpu_high]
name = "CPU high"
severity = "critical"
metric = "cpu"
operator = ">"
threshold = 90.0
window_sec = 60
channels = ["webhook"]

[channel.ops_hook]
type = "webhook"

[channel.ops_hook.config]
url = %q
`, mode, listen, natsURL, natsIngest, webhookURL)
}
