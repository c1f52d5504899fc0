package sandbox

// Callbacks is the host side of a role's contract. It is one of
// InputCallbacks, AnalysisCallbacks or OutputCallbacks.
//
// Callbacks run synchronously on the goroutine processing the sandbox, in
// the order the script issues them. They must not call back into the same
// sandbox. A returned error aborts the current call.
type Callbacks interface {
	role() Role
}

// InputCallbacks is the contract of an input sandbox.
type InputCallbacks struct {
	// InjectMessage receives each message the script produces together
	// with the checkpoint the script attached to it.
	InjectMessage func(parent Parent, data []byte, cp Checkpoint) error
}

func (InputCallbacks) role() Role { return RoleInput }

// AnalysisCallbacks is the contract of an analysis sandbox.
type AnalysisCallbacks struct {
	// InjectMessage receives each message or payload the script produces.
	InjectMessage func(parent Parent, data []byte) error
}

func (AnalysisCallbacks) role() Role { return RoleAnalysis }

// OutputCallbacks is the contract of an output sandbox.
type OutputCallbacks struct {
	// UpdateCheckpoint acknowledges a processed message. It is called once
	// for every process call returning 0, and whenever the script calls
	// update_checkpoint.
	UpdateCheckpoint func(parent Parent, token CheckpointToken) error
}

func (OutputCallbacks) role() Role { return RoleOutput }

// noopCallbacks returns callbacks for role that accept everything.
func noopCallbacks(role Role) Callbacks {
	switch role {
	case RoleInput:
		return InputCallbacks{}
	case RoleAnalysis:
		return AnalysisCallbacks{}
	default:
		return OutputCallbacks{}
	}
}
