package usage

import (
	"math"
	"time"
)

// RunningStats accumulates a streaming mean and variance with Welford's
// algorithm. The zero value is ready to use.
type RunningStats struct {
	count uint64
	mean  float64
	m2    float64
}

// Add records one sample.
func (r *RunningStats) Add(x float64) {
	r.count++
	delta := x - r.mean
	r.mean += delta / float64(r.count)
	r.m2 += delta * (x - r.mean)
}

// AddDuration records a duration sample in nanoseconds.
func (r *RunningStats) AddDuration(d time.Duration) {
	r.Add(float64(d.Nanoseconds()))
}

// Count returns the number of samples.
func (r RunningStats) Count() uint64 {
	return r.count
}

// Mean returns the sample mean, or 0 with no samples.
func (r RunningStats) Mean() float64 {
	return r.mean
}

// Variance returns the sample variance, or 0 with fewer than two samples.
func (r RunningStats) Variance() float64 {
	if r.count < 2 {
		return 0
	}
	return r.m2 / float64(r.count-1)
}

// StdDev returns the sample standard deviation.
func (r RunningStats) StdDev() float64 {
	return math.Sqrt(r.Variance())
}

// Stats are the processing counters of one sandbox.
type Stats struct {
	// IMCount and IMBytes count messages injected by an input sandbox.
	IMCount uint64
	IMBytes uint64

	// PMCount counts processed calls; PMFailures counts the ones that
	// ended in a quota, script or host callback failure.
	PMCount    uint64
	PMFailures uint64

	// PMDuration samples process_message wall time in nanoseconds.
	PMDuration RunningStats

	// TEDuration samples timer_event wall time in nanoseconds.
	TEDuration RunningStats
}
