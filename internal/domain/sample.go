package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Sample is one observed metric value pushed by ingest.
// Params: metric name, numeric value, and optional unix-millisecond timestamp.
// Returns: validated point for metric windows.
type Sample struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	TS     int64   `json:"ts,omitempty"`
}

// Time converts sample timestamp into UTC time.
// Params: fallback used when ts is absent.
// Returns: sample time.
func (s Sample) Time(fallback time.Time) time.Time {
	if s.TS <= 0 {
		return fallback
	}
	return time.UnixMilli(s.TS).UTC()
}

// Validate checks sample fields.
// Params: none.
// Returns: validation error when sample is malformed.
func (s Sample) Validate() error {
	if strings.TrimSpace(s.Metric) == "" {
		return errors.New("metric is required")
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return errors.New("value must be finite")
	}
	if s.TS < 0 {
		return errors.New("ts must be >=0")
	}
	return nil
}

// DecodeSample decodes and validates one sample payload.
// Params: JSON document bytes.
// Returns: validated sample or decode/validation error.
func DecodeSample(raw []byte) (Sample, error) {
	var sample Sample
	if err := json.Unmarshal(raw, &sample); err != nil {
		return Sample{}, fmt.Errorf("decode sample: %w", err)
	}
	if err := sample.Validate(); err != nil {
		return Sample{}, err
	}
	return sample, nil
}

// DecodeSampleReader decodes and validates one sample from stream.
// Params: decoder positioned at one JSON object.
// Returns: validated sample or decode/validation error.
func DecodeSampleReader(reader *json.Decoder) (Sample, error) {
	var sample Sample
	if err := reader.Decode(&sample); err != nil {
		return Sample{}, fmt.Errorf("decode sample: %w", err)
	}
	if err := sample.Validate(); err != nil {
		return Sample{}, err
	}
	return sample, nil
}

// DecodeSamplesReader decodes and validates one batch of samples from stream.
// Params: decoder positioned at one JSON array.
// Returns: validated samples or decode/validation error.
func DecodeSamplesReader(reader *json.Decoder) ([]Sample, error) {
	var samples []Sample
	if err := reader.Decode(&samples); err != nil {
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
	return samples, nil
}
