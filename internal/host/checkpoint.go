package host

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/luasbx/internal/sandbox"
)

// CheckpointStore keeps the last checkpoint of every input sandbox and the
// highest token acknowledged by every output sandbox.
type CheckpointStore struct {
	path string

	mu      sync.RWMutex
	inputs  map[string]sandbox.Checkpoint
	outputs map[string]uint64
	dirty   bool
}

// checkpointFile is the on-disk layout of a CheckpointStore.
type checkpointFile struct {
	Inputs  map[string]savedCheckpoint `toml:"inputs,omitempty"`
	Outputs map[string]uint64          `toml:"outputs,omitempty"`
}

type savedCheckpoint struct {
	Kind    string  `toml:"kind"`
	Numeric float64 `toml:"numeric,omitempty"`
	String  string  `toml:"string,omitempty"`
}

// NewCheckpointStore creates a store persisted at path. An empty path
// keeps checkpoints in memory only.
func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{
		path:    path,
		inputs:  make(map[string]sandbox.Checkpoint),
		outputs: make(map[string]uint64),
	}
}

// Path returns the file the store is persisted to.
func (s *CheckpointStore) Path() string {
	return s.path
}

// Input returns the last checkpoint recorded for an input sandbox.
func (s *CheckpointStore) Input(name string) sandbox.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inputs[name]
}

// SetInput records the checkpoint of an input sandbox.
func (s *CheckpointStore) SetInput(name string, cp sandbox.Checkpoint) {
	if cp.Kind == sandbox.CheckpointNone {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs[name] = cp
	s.dirty = true
}

// Ack records an acknowledgement from an output sandbox. Tokens may arrive
// out of order; the highest one wins.
func (s *CheckpointStore) Ack(name string, token sandbox.CheckpointToken) error {
	seq, ok := token.(uint64)
	if !ok {
		return fmt.Errorf("%w: %T", ErrInvalidToken, token)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.outputs[name] {
		s.outputs[name] = seq
		s.dirty = true
	}
	return nil
}

// Acked returns the highest token acknowledged by an output sandbox.
func (s *CheckpointStore) Acked(name string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outputs[name]
}

// Load reads the persisted checkpoints. A missing file is not an error.
func (s *CheckpointStore) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading checkpoints: %w", err)
	}

	var f checkpointFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing checkpoints %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, saved := range f.Inputs {
		switch saved.Kind {
		case "numeric":
			s.inputs[name] = sandbox.NumericCheckpoint(saved.Numeric)
		case "string":
			s.inputs[name] = sandbox.StringCheckpoint(saved.String)
		default:
			return fmt.Errorf("parsing checkpoints %s: input %q has unknown kind %q", s.path, name, saved.Kind)
		}
	}
	for name, seq := range f.Outputs {
		s.outputs[name] = seq
	}
	return nil
}

// Save writes the checkpoints if anything changed since the last save.
func (s *CheckpointStore) Save() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	f := checkpointFile{
		Inputs:  make(map[string]savedCheckpoint, len(s.inputs)),
		Outputs: s.outputs,
	}
	for name, cp := range s.inputs {
		switch cp.Kind {
		case sandbox.CheckpointNumeric:
			f.Inputs[name] = savedCheckpoint{Kind: "numeric", Numeric: cp.Numeric}
		case sandbox.CheckpointString:
			f.Inputs[name] = savedCheckpoint{Kind: "string", String: cp.String}
		}
	}

	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding checkpoints: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("writing checkpoints: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing checkpoints: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing checkpoints: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing checkpoints: %w", err)
	}
	s.dirty = false
	return nil
}
