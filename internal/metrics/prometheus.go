package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromSink exports samples as Prometheus metrics.
//
// Barrier waits and round times become histograms and steps_per_sec a
// gauge. Placement warnings and unhealthy hosts are counters. Any other
// series lands in a gauge vector labelled by name.
type PromSink struct {
	gatherer    prometheus.Gatherer
	waits       *prometheus.HistogramVec
	stepsPerSec prometheus.Gauge
	round       prometheus.Gauge
	warnings    prometheus.Counter
	unhealthy   prometheus.Counter
	other       *prometheus.GaugeVec
}

// NewPromSink registers the sink's collectors with a fresh registry.
func NewPromSink() (*PromSink, error) {
	reg := prometheus.NewRegistry()
	s := &PromSink{
		gatherer: reg,
		waits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shardps",
			Name:      "phase_seconds",
			Help:      "Seconds spent per round phase.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"phase"}),
		stepsPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardps",
			Name:      "steps_per_second",
			Help:      "Rounds per second over the last logging interval.",
		}),
		round: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardps",
			Name:      "round",
			Help:      "Index of the last recorded round.",
		}),
		warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardps",
			Name:      "placement_warnings_total",
			Help:      "Placement checks that found co-located actors.",
		}),
		unhealthy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardps",
			Name:      "hosts_unhealthy_total",
			Help:      "Cluster hosts that stopped answering health checks.",
		}),
		other: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shardps",
			Name:      "value",
			Help:      "Last value of other named series.",
		}, []string{"name"}),
	}
	for _, c := range []prometheus.Collector{s.waits, s.stepsPerSec, s.round, s.warnings, s.unhealthy, s.other} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PromSink) Record(step int64, name string, value float64) {
	s.round.Set(float64(step))
	switch name {
	case WaitComputeGrads, WaitPSAdd, RoundSeconds:
		s.waits.WithLabelValues(name).Observe(value)
	case StepsPerSec:
		s.stepsPerSec.Set(value)
	case PlacementWarnings:
		s.warnings.Add(value)
	case HostUnhealthy:
		s.unhealthy.Add(value)
	default:
		s.other.WithLabelValues(name).Set(value)
	}
}

func (s *PromSink) Flush() error {
	return nil
}

// Handler serves the sink's metrics in the Prometheus exposition format.
func (s *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (s *PromSink) Gatherer() prometheus.Gatherer {
	return s.gatherer
}
