package usage

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLimits(t *testing.T) {
	limits := DefaultLimits()
	assert.Equal(t, uint64(8*1024*1024), limits.Memory)
	assert.Equal(t, uint64(1_000_000), limits.Instructions)
	assert.Equal(t, uint64(63*1024), limits.Output)
}

func TestLimitsWithDefaults(t *testing.T) {
	limits := Limits{Instructions: 100}.WithDefaults()
	assert.Equal(t, uint64(100), limits.Instructions)
	assert.Equal(t, uint64(DefaultMemoryLimit), limits.Memory)
	assert.Equal(t, uint64(DefaultOutputLimit), limits.Output)
}

func TestLimitsExceeds(t *testing.T) {
	limits := Limits{Memory: 10, Instructions: 5, Output: Unlimited}
	assert.False(t, limits.Exceeds(Instruction, 5))
	assert.True(t, limits.Exceeds(Instruction, 6))
	assert.True(t, limits.Exceeds(Memory, 11))
	assert.False(t, limits.Exceeds(Output, math.MaxUint64-1))
	assert.False(t, limits.Exceeds(ResourceType(9), 1000))
	assert.Equal(t, uint64(10), limits.Of(Memory))
}

func TestMatrixObserve(t *testing.T) {
	var m Matrix
	m.SetLimits(Limits{Memory: 100, Instructions: 10, Output: 1})

	m.Observe(Memory, 40)
	m.Observe(Memory, 20)
	assert.Equal(t, uint64(20), m.Get(Memory, Current))
	assert.Equal(t, uint64(40), m.Get(Memory, Maximum))
	assert.Equal(t, uint64(100), m.Get(Memory, Limit))
	assert.Equal(t, uint64(10), m.Get(Instruction, Limit))

	assert.Zero(t, m.Get(ResourceType(-1), Current))
	assert.Zero(t, m.Get(Memory, Stat(12)))

	m.Raise(Memory, 90)
	m.Raise(Memory, 50)
	assert.Equal(t, uint64(20), m.Get(Memory, Current))
	assert.Equal(t, uint64(90), m.Get(Memory, Maximum))
}

func TestResourceTypeString(t *testing.T) {
	assert.Equal(t, "memory", Memory.String())
	assert.Equal(t, "instruction", Instruction.String())
	assert.Equal(t, "output", Output.String())
	assert.Equal(t, "resource(7)", ResourceType(7).String())
	assert.Len(t, ResourceTypes(), 3)
}

func TestRunningStats(t *testing.T) {
	var r RunningStats
	assert.Zero(t, r.Mean())
	assert.Zero(t, r.Variance())

	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		r.Add(x)
	}
	assert.Equal(t, uint64(8), r.Count())
	assert.InDelta(t, 5.0, r.Mean(), 1e-9)
	// sample variance of the classic data set: 32/7
	assert.InDelta(t, 32.0/7.0, r.Variance(), 1e-9)
	assert.InDelta(t, math.Sqrt(32.0/7.0), r.StdDev(), 1e-9)
}

func TestRunningStatsLargeOffset(t *testing.T) {
	var r RunningStats
	for _, x := range []float64{1e9 + 4, 1e9 + 7, 1e9 + 13, 1e9 + 16} {
		r.Add(x)
	}
	assert.InDelta(t, 1e9+10, r.Mean(), 1e-6)
	assert.InDelta(t, 30.0, r.Variance(), 1e-6)
}

func TestRunningStatsDuration(t *testing.T) {
	var r RunningStats
	r.AddDuration(time.Microsecond)
	r.AddDuration(3 * time.Microsecond)
	assert.InDelta(t, 2000.0, r.Mean(), 1e-9)
}
