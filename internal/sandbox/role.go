package sandbox

import "fmt"

// Role selects the callback contract and entry points of a sandbox.
type Role int

// Sandbox roles.
const (
	RoleInput Role = iota + 1
	RoleAnalysis
	RoleOutput
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleInput:
		return "input"
	case RoleAnalysis:
		return "analysis"
	case RoleOutput:
		return "output"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Valid reports whether r is one of the three roles.
func (r Role) Valid() bool {
	return r >= RoleInput && r <= RoleOutput
}

// ParseRole parses a role name.
func ParseRole(name string) (Role, error) {
	switch name {
	case "input":
		return RoleInput, nil
	case "analysis":
		return RoleAnalysis, nil
	case "output":
		return RoleOutput, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
}

// State is the lifecycle state of a sandbox. States only move forward.
type State int

// Lifecycle states.
const (
	StateUnknown State = iota
	StateStarting
	StateRunning
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Parent is the opaque host handle passed back to every callback and log
// line. The sandbox never inspects it.
type Parent any

// CheckpointToken is an opaque output-role token returned unmodified to
// UpdateCheckpoint.
type CheckpointToken any

// CheckpointKind tags the value held by a Checkpoint.
type CheckpointKind int

// Checkpoint kinds.
const (
	CheckpointNone CheckpointKind = iota
	CheckpointNumeric
	CheckpointString
)

// Checkpoint is an input-role position marker. It is handed to
// process_message and attached to injected messages.
type Checkpoint struct {
	Kind    CheckpointKind
	Numeric float64
	String  string
}

// NumericCheckpoint returns a numeric checkpoint.
func NumericCheckpoint(v float64) Checkpoint {
	return Checkpoint{Kind: CheckpointNumeric, Numeric: v}
}

// StringCheckpoint returns a string checkpoint.
func StringCheckpoint(s string) Checkpoint {
	return Checkpoint{Kind: CheckpointString, String: s}
}

// Output role status codes returned by process_message. Any negative
// status is a non-fatal failure; these carry extra meaning for outputs.
const (
	StatusOK    = 0
	StatusSkip  = -2
	StatusRetry = -3
	StatusBatch = -4
	StatusAsync = -5
)
