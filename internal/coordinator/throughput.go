package coordinator

import "time"

// ThroughputSample covers the rounds completed since the previous sample.
type ThroughputSample struct {
	// Round is the round that closed the interval.
	Round int64
	// Rounds is how many rounds the interval spans.
	Rounds int64
	// Elapsed is the wall time of the interval.
	Elapsed time.Duration
}

// StepsPerSec is Rounds / Elapsed, or 0 for an empty interval.
func (s ThroughputSample) StepsPerSec() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Rounds) / s.Elapsed.Seconds()
}

// throughputMeter closes an interval every `every` rounds. The first
// interval starts when the first round starts.
type throughputMeter struct {
	last      time.Time
	lastRound int64
	every     int64
	started   bool
}

func newThroughputMeter(every int) *throughputMeter {
	return &throughputMeter{every: int64(every)}
}

func (m *throughputMeter) start(now time.Time) {
	if !m.started {
		m.last = now
		m.started = true
	}
}

func (m *throughputMeter) observe(round int64, now time.Time) (ThroughputSample, bool) {
	if round%m.every != 0 {
		return ThroughputSample{}, false
	}
	s := ThroughputSample{Round: round, Rounds: round - m.lastRound, Elapsed: now.Sub(m.last)}
	m.last, m.lastRound = now, round
	return s, true
}
