package lua

import (
	"context"
	"sync"
	"time"

	"github.com/dshills/luasbx/internal/usage"
)

// Memory sampling cadence. A full sample runs at least every
// footprintInterval instructions, or once every instruction per object the
// previous sample walked, capped at maxFootprintInterval. Between samples
// the strings held by the running frame are checked on every instruction,
// and a full sample runs as soon as they grow by more than 1/frameSlack of
// the memory limit.
const (
	footprintInterval    = 1000
	maxFootprintInterval = 1 << 16
	frameSlack           = 16
)

// Meter is the execution context installed on a Lua state.
//
// gopher-lua consults Done once per executed VM instruction when a context
// is set. The meter counts those polls and reports itself cancelled once the
// instruction ceiling is crossed, the sampled memory footprint exceeds its
// ceiling, or the host aborts the call. The VM then raises Err as a Lua
// error on every following instruction, so the script cannot make progress
// even from inside pcall.
//
// A Meter is not safe for concurrent use except for Abort and Err.
type Meter struct {
	limits usage.Limits
	sample func() Sample
	frame  func() uint64

	instructions uint64
	memory       uint64
	peakMemory   uint64
	output       uint64
	armed        bool

	nextSample uint64
	frameBase  uint64

	mu      sync.Mutex
	cause   error
	tripped chan struct{}
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// NewMeter creates a meter enforcing limits. sample measures the memory
// footprint of the state and frame the strings held by the running frame.
// Either may be nil; without sample memory is not checked.
func NewMeter(limits usage.Limits, sample func() Sample, frame func() uint64) *Meter {
	return &Meter{
		limits: limits.WithDefaults(),
		sample: sample,
		frame:  frame,
	}
}

// Arm resets the per call counters and starts counting.
func (m *Meter) Arm() {
	m.mu.Lock()
	m.cause = nil
	m.tripped = nil
	m.mu.Unlock()
	m.instructions = 0
	m.output = 0
	m.peakMemory = 0
	m.nextSample = footprintInterval
	m.frameBase = 0
	m.armed = true
}

// Disarm stops counting. Counters keep their values until the next Arm.
func (m *Meter) Disarm() {
	m.armed = false
}

// Limits returns the ceilings enforced by the meter.
func (m *Meter) Limits() usage.Limits {
	return m.limits
}

// Instructions returns the number of instructions counted since Arm.
func (m *Meter) Instructions() uint64 {
	return m.instructions
}

// Memory returns the most recent footprint sample.
func (m *Meter) Memory() uint64 {
	return m.memory
}

// PeakMemory returns the largest footprint sampled since Arm.
func (m *Meter) PeakMemory() uint64 {
	return m.peakMemory
}

// Output returns the size of the largest output buffer charged since Arm.
func (m *Meter) Output() uint64 {
	return m.output
}

// ChargeOutput records an output buffer of n bytes. It trips the meter and
// returns the limit error when n exceeds the output ceiling.
func (m *Meter) ChargeOutput(n uint64) error {
	if n > m.output {
		m.output = n
	}
	if m.limits.Exceeds(usage.Output, n) {
		err := &LimitError{Resource: usage.Output, Limit: m.limits.Output, Value: n}
		m.Trip(err)
		return err
	}
	return nil
}

// CheckMemory samples the footprint, records the peak and trips the meter
// when the memory ceiling is exceeded.
func (m *Meter) CheckMemory() error {
	if m.sample == nil {
		return nil
	}
	sample := m.sample()
	m.nextSample = m.instructions + min(max(sample.Objects, footprintInterval), maxFootprintInterval)
	if m.frame != nil {
		m.frameBase = m.frame()
	}
	return m.record(sample.Bytes)
}

// Reserve checks that n more bytes fit under the memory ceiling on top of
// the latest sample, tripping the meter when they do not. Builtins call it
// before producing a result of known size.
func (m *Meter) Reserve(n uint64) error {
	used := m.reserved(n)
	if m.limits.Exceeds(usage.Memory, used) {
		err := &LimitError{Resource: usage.Memory, Limit: m.limits.Memory, Value: used}
		m.Trip(err)
		return err
	}
	return nil
}

// Fits reports whether n more bytes stay within the memory limit.
func (m *Meter) Fits(n uint64) bool {
	return !m.limits.Exceeds(usage.Memory, m.reserved(n))
}

func (m *Meter) reserved(n uint64) uint64 {
	if n > usage.Unlimited-m.memory {
		return usage.Unlimited
	}
	return m.memory + n
}

func (m *Meter) record(used uint64) error {
	m.memory = used
	if used > m.peakMemory {
		m.peakMemory = used
	}
	if m.limits.Exceeds(usage.Memory, used) {
		err := &LimitError{Resource: usage.Memory, Limit: m.limits.Memory, Value: used}
		m.Trip(err)
		return err
	}
	return nil
}

// frameGrew reports whether the strings of the running frame grew by more
// than the slack since the last sample. The base follows shrinking frames
// down so repeated build and drop cycles are still seen.
func (m *Meter) frameGrew() bool {
	if m.frame == nil || m.limits.Memory == usage.Unlimited {
		return false
	}
	held := m.frame()
	if held < m.frameBase {
		m.frameBase = held
	}
	return held-m.frameBase > m.limits.Memory/frameSlack
}

// Trip stops the running call with err. Only the first cause is kept.
func (m *Meter) Trip(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cause != nil {
		return
	}
	m.cause = err
	m.tripped = closedChan
}

// Abort stops the running call on behalf of the host.
func (m *Meter) Abort(err error) {
	m.Trip(&AbortError{Err: err})
}

// Cause returns the error that tripped the meter, or nil.
func (m *Meter) Cause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// Deadline implements context.Context. The meter has no wall clock deadline.
func (m *Meter) Deadline() (time.Time, bool) {
	return time.Time{}, false
}

// Done implements context.Context and counts one instruction per call.
// Counting stops once the meter has tripped.
func (m *Meter) Done() <-chan struct{} {
	m.mu.Lock()
	tripped := m.tripped
	m.mu.Unlock()
	if tripped != nil || !m.armed {
		return tripped
	}

	m.instructions++
	if m.limits.Exceeds(usage.Instruction, m.instructions) {
		m.Trip(&LimitError{Resource: usage.Instruction, Limit: m.limits.Instructions, Value: m.instructions})
	} else if m.instructions >= m.nextSample || m.frameGrew() {
		_ = m.CheckMemory()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tripped
}

// Err implements context.Context.
func (m *Meter) Err() error {
	return m.Cause()
}

// Value implements context.Context.
func (m *Meter) Value(any) any {
	return nil
}

var _ context.Context = (*Meter)(nil)
