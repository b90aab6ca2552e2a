package sender

import (
	"math"
	"time"
)

// minCoefficient is the point below which a decayed weight is considered
// fully stale and the average resets to just the new sample, rather than
// accumulate unbounded floating point error across a long idle gap.
const minCoefficient = 0.001

// DecayAverage is an exponentially decaying moving average of durations:
// each new sample is blended in with weight 1, and the existing weighted
// sum is scaled down by decayFactor^(elapsed/decayInterval) before adding
// it.
type DecayAverage struct {
	factor   float64
	interval time.Duration

	lastUpdated   time.Time
	lastValueMs   float64
	weightedSumMs float64
	sumOfWeightMs float64
}

// NewDecayAverage builds a DecayAverage. factor must be in [0, 1] (0 means
// the last sample wins); interval is the half-life-like scale over which
// factor applies once.
func NewDecayAverage(factor float64, interval time.Duration) *DecayAverage {
	if factor < 0 || factor > 1 {
		panic("decay factor must be in [0, 1]")
	}
	return &DecayAverage{factor: factor, interval: interval}
}

// Value returns the current decayed average, or zero if no sample has ever
// been recorded.
func (d *DecayAverage) Value() time.Duration {
	if d.factor == 0 {
		return time.Duration(d.lastValueMs) * time.Millisecond
	}
	if d.weightedSumMs == 0 {
		return 0
	}
	return time.Duration(d.weightedSumMs/d.sumOfWeightMs) * time.Millisecond
}

// Update blends value into the average.
func (d *DecayAverage) Update(value time.Duration) {
	now := time.Now()
	ms := float64(value.Milliseconds())

	if d.factor == 0 {
		d.weightedSumMs = ms
		d.sumOfWeightMs = 1
	} else if d.lastUpdated.IsZero() {
		d.weightedSumMs = ms
		d.sumOfWeightMs = 1
	} else {
		elapsed := now.Sub(d.lastUpdated)
		power := float64(elapsed) / float64(d.interval)
		coefficient := math.Pow(d.factor, power)
		if coefficient > minCoefficient && math.MaxFloat64-d.weightedSumMs > ms {
			d.weightedSumMs = d.weightedSumMs*coefficient + ms
			d.sumOfWeightMs = d.sumOfWeightMs*coefficient + 1
		} else {
			d.weightedSumMs = ms
			d.sumOfWeightMs = 1
		}
	}

	d.lastValueMs = ms
	d.lastUpdated = now
}

// Reset clears all accumulated state, used when a replica is promoted from
// idle to active (idle ack latencies aren't representative of steady state).
func (d *DecayAverage) Reset() {
	d.lastUpdated = time.Time{}
	d.lastValueMs = 0
	d.weightedSumMs = 0
	d.sumOfWeightMs = 0
}

// StdDevAccumulator is a streaming mean/variance tracker over {n, sum(x),
// sum(x^2)}, used by the ReplicaManager to find ack-duration outliers when
// deciding which session is fault-eligible.
type StdDevAccumulator struct {
	n   int64
	sum float64
	sq  float64
}

// Add records one more observation.
func (s *StdDevAccumulator) Add(x float64) {
	s.n++
	s.sum += x
	s.sq += x * x
}

// Reset clears all observations.
func (s *StdDevAccumulator) Reset() {
	s.n = 0
	s.sum = 0
	s.sq = 0
}

// Mean returns the arithmetic mean of observations, or 0 if none.
func (s *StdDevAccumulator) Mean() float64 {
	if s.n == 0 {
		return 0
	}
	return s.sum / float64(s.n)
}

// StdDev returns the population standard deviation of observations, or 0 if
// fewer than one observation has been recorded.
func (s *StdDevAccumulator) StdDev() float64 {
	if s.n == 0 {
		return 0
	}
	mean := s.Mean()
	variance := s.sq/float64(s.n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// N returns the number of observations recorded.
func (s *StdDevAccumulator) N() int64 { return s.n }
