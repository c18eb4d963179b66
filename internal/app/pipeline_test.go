package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/config"
	"alertflow/internal/domain"
)

var pipelineNow = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

type webhookCapture struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (c *webhookCapture) handler(t *testing.T) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(request.Body).Decode(&payload); err != nil {
			t.Errorf("decode webhook payload: %v", err)
		}
		c.mu.Lock()
		c.payloads = append(c.payloads, payload)
		c.mu.Unlock()
		writer.WriteHeader(http.StatusOK)
	}
}

func (c *webhookCapture) snapshot() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.payloads...)
}

func pipelineConfig(t *testing.T, webhookURL string) config.Config {
	t.Helper()
	body := strings.Join([]string{
		`[service]
mode = "single"`,
		`[http]
enabled = true
listen = "127.0.0.1:0"`,
		`[metrics_source]
kind = "window"
retention_sec = 600`,
		`[rule.cpu_high]
name = "CPU high"
severity = "high"
metric = "cpu"
operator = ">"
threshold = 90.0
window_sec = 60
channels = ["webhook"]`,
		`[channel.ops_hook]
type = "webhook"

[channel.ops_hook.config]
url = "` + webhookURL + `"`,
		`[[template]]
channel_type = "webhook"
severity = "high"
subject = "{{ upper .severity }} {{ .title }}"
body = "{{ .metric_name }}={{ fmtFloat .current_value }}"`,
	}, "\n\n")
	path := filepath.Join(t.TempDir(), "alertflow.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadSnapshot(config.ConfigSource{File: path})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func newTestService(t *testing.T, cfg config.Config, clk clock.Clock) *Service {
	t.Helper()
	service, err := newServiceWithLogger(context.Background(), cfg, clk, slog.New(slog.DiscardHandler), nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = service.pipeline.Close() })
	return service
}

func TestPipelineIngestEvaluateDeliver(t *testing.T) {
	t.Parallel()

	capture := &webhookCapture{}
	server := httptest.NewServer(capture.handler(t))
	t.Cleanup(server.Close)

	clk := clock.NewManual(pipelineNow)
	service := newTestService(t, pipelineConfig(t, server.URL), clk)
	routes := service.routes()

	ingestResponse := httptest.NewRecorder()
	routes.ServeHTTP(ingestResponse, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`[{"metric":"cpu","value":94},{"metric":"cpu","value":96}]`)))
	if ingestResponse.Code != http.StatusAccepted {
		t.Fatalf("ingest status=%d", ingestResponse.Code)
	}

	result := service.pipeline.RunPass(context.Background())
	if len(result.Created) != 1 {
		t.Fatalf("expected one alert, got %+v", result)
	}
	alert := result.Created[0]
	if alert.Severity != domain.SeverityHigh || alert.Metrics == nil || alert.Metrics.CurrentValue != 95 {
		t.Fatalf("unexpected alert %+v", alert)
	}

	if err := service.pipeline.Dispatcher().ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}
	payloads := capture.snapshot()
	if len(payloads) != 1 {
		t.Fatalf("expected one webhook delivery, got %d", len(payloads))
	}
	if payloads[0]["subject"] != "HIGH "+alert.Title || payloads[0]["message"] != "cpu=95" {
		t.Fatalf("unexpected rendered payload %+v", payloads[0])
	}
	if payloads[0]["priority"] != string(domain.PriorityHigh) {
		t.Fatalf("unexpected priority %v", payloads[0]["priority"])
	}
	if stats := service.pipeline.Dispatcher().Stats(); stats.Sent != 1 || stats.QueueSize != 0 {
		t.Fatalf("unexpected dispatcher stats %+v", stats)
	}

	clk.Advance(2 * time.Minute)
	routes.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"metric":"cpu","value":40}`)))
	clk.Advance(4 * time.Minute)
	routes.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"metric":"cpu","value":41}`)))
	if resolved := service.pipeline.RunPass(context.Background()); resolved.Resolved != 1 {
		t.Fatalf("expected auto-resolution after recovery, got %+v", resolved)
	}
	if err := service.pipeline.Dispatcher().ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}
	payloads = capture.snapshot()
	if len(payloads) != 2 || payloads[1]["notification_type"] != domain.KindResolution {
		t.Fatalf("expected resolution delivery, got %+v", payloads)
	}
}

func TestServiceRoutesHealthReadyMetrics(t *testing.T) {
	t.Parallel()

	service := newTestService(t, pipelineConfig(t, "http://127.0.0.1:9/hook"), clock.NewManual(pipelineNow))
	routes := service.routes()

	get := func(path string) *httptest.ResponseRecorder {
		response := httptest.NewRecorder()
		routes.ServeHTTP(response, httptest.NewRequest(http.MethodGet, path, nil))
		return response
	}

	if response := get("/healthz"); response.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", response.Code)
	}
	if response := get("/readyz"); response.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start status=%d", response.Code)
	}
	service.readyFlag.Store(true)
	if response := get("/readyz"); response.Code != http.StatusOK {
		t.Fatalf("readyz after start status=%d", response.Code)
	}
	metrics := get("/metrics")
	if metrics.Code != http.StatusOK || !strings.Contains(metrics.Body.String(), "alertflow_") {
		t.Fatalf("metrics endpoint missing alertflow series: %d", metrics.Code)
	}
}

func TestNewPipelineRejectsInvalidChannelConfig(t *testing.T) {
	t.Parallel()

	cfg := pipelineConfig(t, "http://127.0.0.1:9/hook")
	cfg.Channel[0].Config["method"] = "DELETE"
	if _, err := NewPipeline(context.Background(), cfg, clock.NewManual(pipelineNow), nil); err == nil {
		t.Fatalf("expected channel validation error")
	}
}

func TestNewPipelineStaticSourceDisablesIngest(t *testing.T) {
	t.Parallel()

	cfg := pipelineConfig(t, "http://127.0.0.1:9/hook")
	cfg.MetricsSource.Kind = config.MetricsSourceStatic
	cfg.MetricsSource.Static = map[string]float64{"cpu": 99}
	service := newTestService(t, cfg, clock.NewManual(pipelineNow))
	if service.pipeline.Window() != nil {
		t.Fatalf("static source must not expose ingest window")
	}
	response := httptest.NewRecorder()
	service.routes().ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"metric":"cpu","value":1}`)))
	if response.Code != http.StatusNotFound {
		t.Fatalf("ingest must be unmounted, got %d", response.Code)
	}
	if result := service.pipeline.RunPass(context.Background()); len(result.Created) != 1 {
		t.Fatalf("static value must trigger rule, got %+v", result)
	}
}
