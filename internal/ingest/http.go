package ingest

import (
	"errors"
	"io"
	"net/http"

	"alertflow/internal/domain"
)

// SampleSink receives decoded metric samples from ingest interfaces.
// Params: decoded sample.
// Returns: processing error.
type SampleSink interface {
	Push(sample domain.Sample) error
}

type batchSampleSink interface {
	PushBatch(samples []domain.Sample) error
}

// HTTPHandler decodes JSON samples and forwards them to sink.
// Params: sink receives validated samples, max body limits payload size.
// Returns: HTTP handler for ingest endpoint.
type HTTPHandler struct {
	sink        SampleSink
	maxBodySize int64
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink SampleSink, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one incoming sample or sample batch.
// Params: HTTP request/response writer pair.
// Returns: writes status code according to decode/push result.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		countRejected(transportHTTP)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writer.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	samples, err := decodeSamplePayloadInto(body, scratch)
	if err != nil {
		countRejected(transportHTTP)
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	if err := pushSamples(transportHTTP, h.sink, samples); err != nil {
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}
