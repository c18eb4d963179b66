package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"alertflow/internal/domain"
	"alertflow/internal/telemetry"
)

const maxPooledBatchCapacity = 4096

// Transport labels used by ingest telemetry.
const (
	transportHTTP = "http"
	transportNATS = "nats"
)

type decodeScratch struct {
	samples []domain.Sample
}

var decodeScratchPool = sync.Pool{
	New: func() any {
		return &decodeScratch{samples: make([]domain.Sample, 0, 16)}
	},
}

// decodeSingleSample decodes one sample and rejects trailing JSON tokens.
// Params: json decoder for a single sample object.
// Returns: validated sample or decode error.
func decodeSingleSample(decoder *json.Decoder) (domain.Sample, error) {
	sample, err := domain.DecodeSampleReader(decoder)
	if err != nil {
		return domain.Sample{}, err
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return domain.Sample{}, err
	}
	return sample, nil
}

// decodeSamplePayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array.
// Returns: detached validated samples slice.
func decodeSamplePayload(raw []byte) ([]domain.Sample, error) {
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	samples, err := decodeSamplePayloadInto(raw, scratch)
	if err != nil {
		return nil, err
	}
	return append([]domain.Sample(nil), samples...), nil
}

func decodeSamplePayloadInto(raw []byte, scratch *decodeScratch) ([]domain.Sample, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] == '[' {
		return decodeBatchSamplesInto(decoder, scratch)
	}
	sample, err := decodeSingleSample(decoder)
	if err != nil {
		return nil, err
	}
	samples := scratch.samples[:0]
	samples = append(samples, sample)
	scratch.samples = samples
	return samples, nil
}

func decodeBatchSamplesInto(decoder *json.Decoder, scratch *decodeScratch) ([]domain.Sample, error) {
	samples := scratch.samples[:0]
	if err := decoder.Decode(&samples); err != nil {
		return nil, fmt.Errorf("decode sample batch: %w", err)
	}
	if len(samples) == 0 {
		return nil, errors.New("sample batch must contain at least one sample")
	}
	for i := range samples {
		if err := samples[i].Validate(); err != nil {
			return nil, fmt.Errorf("sample[%d]: %w", i, err)
		}
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	scratch.samples = samples
	return samples, nil
}

func acquireDecodeScratch() *decodeScratch {
	return decodeScratchPool.Get().(*decodeScratch)
}

func releaseDecodeScratch(scratch *decodeScratch) {
	if scratch == nil {
		return
	}
	for i := range scratch.samples {
		scratch.samples[i] = domain.Sample{}
	}
	if cap(scratch.samples) > maxPooledBatchCapacity {
		scratch.samples = make([]domain.Sample, 0, 16)
	} else {
		scratch.samples = scratch.samples[:0]
	}
	decodeScratchPool.Put(scratch)
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

// pushSamples sends samples to sink with optional batch support and counts outcome.
// Params: transport label, sample sink, and sample slice.
// Returns: first push error or nil.
func pushSamples(transport string, sink SampleSink, samples []domain.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	var err error
	if batchSink, ok := sink.(batchSampleSink); ok {
		err = batchSink.PushBatch(samples)
	} else {
		for _, sample := range samples {
			if err = sink.Push(sample); err != nil {
				break
			}
		}
	}
	status := "accepted"
	if err != nil {
		status = "sink_error"
	}
	telemetry.IngestSamplesTotal.WithLabelValues(transport, status).Add(float64(len(samples)))
	return err
}

func countRejected(transport string) {
	telemetry.IngestSamplesTotal.WithLabelValues(transport, "rejected").Inc()
}
