package usage

// Default quota ceilings.
const (
	DefaultMemoryLimit      = 8 * 1024 * 1024
	DefaultInstructionLimit = 1_000_000
	DefaultOutputLimit      = 63 * 1024
)

// Limits are the per-call ceilings enforced on a sandbox. A zero field
// means "use the default"; use Unlimited to disable a ceiling.
type Limits struct {
	// Memory is the maximum estimated footprint of the script's
	// reachable data, in bytes.
	Memory uint64

	// Instructions is the maximum number of VM instructions per call.
	Instructions uint64

	// Output is the maximum size of a single output buffer (an injected
	// message or payload), in bytes.
	Output uint64
}

// Unlimited disables a ceiling when used as a Limits field.
const Unlimited = ^uint64(0)

// DefaultLimits returns the standard ceilings.
func DefaultLimits() Limits {
	return Limits{
		Memory:       DefaultMemoryLimit,
		Instructions: DefaultInstructionLimit,
		Output:       DefaultOutputLimit,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.Memory == 0 {
		l.Memory = d.Memory
	}
	if l.Instructions == 0 {
		l.Instructions = d.Instructions
	}
	if l.Output == 0 {
		l.Output = d.Output
	}
	return l
}

// Exceeds reports whether value crosses the ceiling for resource t.
func (l Limits) Exceeds(t ResourceType, value uint64) bool {
	var ceiling uint64
	switch t {
	case Memory:
		ceiling = l.Memory
	case Instruction:
		ceiling = l.Instructions
	case Output:
		ceiling = l.Output
	default:
		return false
	}
	if ceiling == 0 || ceiling == Unlimited {
		return false
	}
	return value > ceiling
}

// Of returns the ceiling for resource t.
func (l Limits) Of(t ResourceType) uint64 {
	switch t {
	case Memory:
		return l.Memory
	case Instruction:
		return l.Instructions
	case Output:
		return l.Output
	default:
		return 0
	}
}
