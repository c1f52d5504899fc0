// Package usage holds per-sandbox resource counters, processing statistics
// and the quota limits they are checked against.
package usage

import "fmt"

// ResourceType identifies a metered resource.
type ResourceType int

// Metered resources.
const (
	Memory ResourceType = iota
	Instruction
	Output

	numResourceTypes
)

// String returns the resource name used in quota messages.
func (t ResourceType) String() string {
	switch t {
	case Memory:
		return "memory"
	case Instruction:
		return "instruction"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("resource(%d)", int(t))
	}
}

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	return t >= 0 && t < numResourceTypes
}

// ResourceTypes lists every metered resource.
func ResourceTypes() []ResourceType {
	return []ResourceType{Memory, Instruction, Output}
}

// Stat selects a column of the usage matrix.
type Stat int

// Usage statistics.
const (
	Limit Stat = iota
	Current
	Maximum

	numStats
)

// String returns the stat name.
func (s Stat) String() string {
	switch s {
	case Limit:
		return "limit"
	case Current:
		return "current"
	case Maximum:
		return "maximum"
	default:
		return fmt.Sprintf("stat(%d)", int(s))
	}
}

// Valid reports whether s is a known stat.
func (s Stat) Valid() bool {
	return s >= 0 && s < numStats
}

// Matrix is the resource × stat usage table of one sandbox.
type Matrix [numResourceTypes][numStats]uint64

// Get returns one cell. Out of range indices read as zero.
func (m *Matrix) Get(t ResourceType, s Stat) uint64 {
	if !t.Valid() || !s.Valid() {
		return 0
	}
	return m[t][s]
}

// SetLimits records the configured ceilings in the Limit column.
func (m *Matrix) SetLimits(l Limits) {
	m[Memory][Limit] = l.Memory
	m[Instruction][Limit] = l.Instructions
	m[Output][Limit] = l.Output
}

// Observe sets the current value of a resource and raises its maximum.
func (m *Matrix) Observe(t ResourceType, current uint64) {
	if !t.Valid() {
		return
	}
	m[t][Current] = current
	if current > m[t][Maximum] {
		m[t][Maximum] = current
	}
}

// Raise lifts the maximum of a resource to v without touching its current
// value.
func (m *Matrix) Raise(t ResourceType, v uint64) {
	if !t.Valid() {
		return
	}
	if v > m[t][Maximum] {
		m[t][Maximum] = v
	}
}
