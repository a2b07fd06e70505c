// Package metrics carries the coordinator's named time series to whatever
// sinks the process was configured with.
//
// A Sink is passed explicitly to the coordinator; there is no process-wide
// logger. Several sinks can be combined with Multi.
package metrics

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Series recorded by the coordinator.
const (
	// WaitComputeGrads is the seconds spent in the gradient barrier.
	WaitComputeGrads = "wait_compute_grads"
	// WaitPSAdd is the seconds spent in the parameter-server barrier.
	WaitPSAdd = "wait_ps_add"
	// StepsPerSec is the throughput over the last logging interval.
	StepsPerSec = "steps_per_sec"
	// RoundSeconds is the wall time of a whole round.
	RoundSeconds = "round_seconds"
	// PlacementWarnings counts co-located actor warnings.
	PlacementWarnings = "placement_warnings"
	// HostUnhealthy counts cluster hosts that stopped answering health checks.
	HostUnhealthy = "host_unhealthy"
)

// Sink receives (step, name, value) samples.
type Sink interface {
	Record(step int64, name string, value float64)
	Flush() error
}

// Sample is one recorded value.
type Sample struct {
	Name  string  `json:"name"`
	Step  int64   `json:"step"`
	Value float64 `json:"value"`
}

// Nop discards every sample.
type Nop struct{}

func (Nop) Record(int64, string, float64) {}
func (Nop) Flush() error                  { return nil }

// multi fans samples out to several sinks.
type multi []Sink

// Multi returns a sink that records to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Record(step int64, name string, value float64) {
	for _, s := range m {
		s.Record(step, name, value)
	}
}

func (m multi) Flush() error {
	var errs []error
	for _, s := range m {
		if err := s.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every sample as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink that logs at info level through logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("metrics")}
}

func (s *LogSink) Record(step int64, name string, value float64) {
	s.logger.Info("metric",
		zap.Int64("step", step),
		zap.String("name", name),
		zap.Float64("value", value))
}

func (s *LogSink) Flush() error {
	return nil
}

// MemorySink keeps every sample in memory. Safe for concurrent use.
type MemorySink struct {
	samples []Sample
	mu      sync.Mutex
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(step int64, name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, Sample{Step: step, Name: name, Value: value})
}

func (s *MemorySink) Flush() error {
	return nil
}

// Samples returns a copy of everything recorded.
func (s *MemorySink) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sample(nil), s.samples...)
}

// Series returns the samples recorded under name in recording order.
func (s *MemorySink) Series(name string) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Sample
	for _, smp := range s.samples {
		if smp.Name == name {
			out = append(out, smp)
		}
	}
	return out
}
