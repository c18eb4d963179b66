package ingest

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"alertflow/internal/domain"
)

type httpTestSink struct {
	mu         sync.Mutex
	pushCalls  int
	batchCalls int
	samples    []domain.Sample
	err        error
}

func (s *httpTestSink) Push(sample domain.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushCalls++
	if s.err != nil {
		return s.err
	}
	s.samples = append(s.samples, sample)
	return nil
}

func (s *httpTestSink) PushBatch(samples []domain.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	if s.err != nil {
		return s.err
	}
	s.samples = append(s.samples, samples...)
	return nil
}

func (s *httpTestSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

type singleOnlySink struct {
	samples []domain.Sample
}

func (s *singleOnlySink) Push(sample domain.Sample) error {
	s.samples = append(s.samples, sample)
	return nil
}

func TestHTTPHandlerAcceptsSingleSample(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testSampleJSON("cpu", 91.5)))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.batchCalls != 1 || sink.pushCalls != 0 {
		t.Fatalf("unexpected sink calls push=%d batch=%d", sink.pushCalls, sink.batchCalls)
	}
	if len(sink.samples) != 1 || sink.samples[0].Metric != "cpu" || sink.samples[0].Value != 91.5 {
		t.Fatalf("unexpected samples %+v", sink.samples)
	}
}

func TestHTTPHandlerAcceptsBatchSamples(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	payload := fmt.Sprintf("[%s,%s]", testSampleJSON("cpu", 10), testSampleJSON("mem", 20))
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(payload))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.pushCalls != 0 || sink.batchCalls != 1 {
		t.Fatalf("unexpected sink calls push=%d batch=%d", sink.pushCalls, sink.batchCalls)
	}
	if len(sink.samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(sink.samples))
	}
}

func TestHTTPHandlerFallsBackToSinglePush(t *testing.T) {
	t.Parallel()

	sink := &singleOnlySink{}
	handler := NewHTTPHandler(sink, 1<<20)
	payload := fmt.Sprintf("[%s,%s]", testSampleJSON("cpu", 10), testSampleJSON("cpu", 11))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(payload)))
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if len(sink.samples) != 2 || sink.samples[1].Value != 11 {
		t.Fatalf("unexpected samples %+v", sink.samples)
	}
}

func TestHTTPHandlerRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty batch":    "[]",
		"missing metric": `{"value":1}`,
		"trailing token": testSampleJSON("cpu", 1) + "{}",
		"not json":       "cpu=1",
	}
	for name, payload := range cases {
		sink := &httpTestSink{}
		handler := NewHTTPHandler(sink, 1<<20)
		response := httptest.NewRecorder()
		handler.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(payload)))
		if response.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status %d, got %d", name, http.StatusBadRequest, response.Code)
		}
		if sink.pushCalls != 0 || sink.batchCalls != 0 {
			t.Fatalf("%s: sink must not be called", name)
		}
	}
}

func TestHTTPHandlerRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&httpTestSink{}, 8)
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testSampleJSON("cpu", 1))))
	if response.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, response.Code)
	}
}

func TestHTTPHandlerRejectsNonPost(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&httpTestSink{}, 1<<20)
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/ingest", nil))
	if response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, response.Code)
	}
}

func TestHTTPHandlerReturnsServiceUnavailableOnPushError(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{err: errors.New("sink unavailable")}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testSampleJSON("cpu", 1)))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
}

func testSampleJSON(metric string, value float64) string {
	return fmt.Sprintf(`{"metric":%q,"value":%v,"ts":1739876543210}`, metric, value)
}
