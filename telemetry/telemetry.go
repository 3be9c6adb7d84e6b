// Package telemetry holds the raw inertial streams delivered alongside the
// video: parallel timestamp and 3-vector sequences for the accelerometer and
// gyroscope, with their own clocks and sample rates.
package telemetry

import (
	"encoding/json"
	"io"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// Stream is one inertial sensor stream, a parallel pair of timestamps in
// milliseconds and 3-vector measurements.
type Stream struct {
	TimestampMS []float64   `json:"timestamp_ms"`
	Measurement []r3.Vector `json:"measurement"`
}

// Append adds one sample to the stream.
func (s *Stream) Append(timestampMS float64, m r3.Vector) {
	s.TimestampMS = append(s.TimestampMS, timestampMS)
	s.Measurement = append(s.Measurement, m)
}

// Len returns the number of samples.
func (s *Stream) Len() int {
	return len(s.TimestampMS)
}

// CheckValid checks the parallel slices agree in length.
func (s *Stream) CheckValid() error {
	if len(s.TimestampMS) != len(s.Measurement) {
		return errors.Errorf("stream has %d timestamps but %d measurements",
			len(s.TimestampMS), len(s.Measurement))
	}
	return nil
}

// CameraTelemetryData is the full inertial payload for one recording.
type CameraTelemetryData struct {
	Accelerometer Stream `json:"accelerometer"`
	Gyroscope     Stream `json:"gyroscope"`
}

// CheckValid checks both streams.
func (t *CameraTelemetryData) CheckValid() error {
	if err := t.Accelerometer.CheckValid(); err != nil {
		return errors.Wrap(err, "accelerometer")
	}
	if err := t.Gyroscope.CheckValid(); err != nil {
		return errors.Wrap(err, "gyroscope")
	}
	return nil
}

// NewCameraTelemetryDataFromJSONFile reads telemetry from a JSON file.
func NewCameraTelemetryDataFromJSONFile(jsonPath string) (*CameraTelemetryData, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	data := &CameraTelemetryData{}
	if err := json.Unmarshal(byteValue, data); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	if err := data.CheckValid(); err != nil {
		return nil, err
	}
	return data, nil
}
