package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	glua "github.com/yuin/gopher-lua"

	"github.com/dshills/luasbx/internal/logbridge"
	"github.com/dshills/luasbx/internal/lua"
	"github.com/dshills/luasbx/internal/message"
	"github.com/dshills/luasbx/internal/usage"
)

// Entry points called by the host.
const (
	ProcessFunction = "process_message"
	TimerFunction   = "timer_event"
)

// Sandbox is one loaded plugin instance.
//
// Processing methods and Destroy are serialised internally, but the script
// runs synchronously on the caller's goroutine. Accessors may be called
// from any goroutine at any time.
type Sandbox struct {
	role        Role
	name        string
	hostname    string
	pid         int
	parent      Parent
	statePath   string
	compression lua.Compression

	// run serialises everything that touches the engine.
	run       sync.Mutex
	engine    *lua.State
	dispatch  *dispatcher
	callbacks Callbacks
	destroyed bool

	// mu guards the snapshot fields read by the accessors.
	mu      sync.RWMutex
	state   State
	lastErr string
	usage   usage.Matrix
	stats   usage.Stats
}

// Option configures Create.
type Option func(*options)

type options struct {
	callbacks Callbacks
	sink      logbridge.Sink
	cache     *lua.Cache
}

// WithCallbacks binds the host callbacks. The variant must match the role.
func WithCallbacks(cb Callbacks) Option {
	return func(o *options) {
		o.callbacks = cb
	}
}

// WithLogSink routes print and log output of the script to sink. The
// default writes to slog.Default.
func WithLogSink(sink logbridge.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithCache sets the compiled script cache.
func WithCache(c *lua.Cache) Option {
	return func(o *options) {
		o.cache = c
	}
}

// Create loads the script at scriptPath into a new sandbox.
//
// When statePath names an existing state file the preserved globals are
// restored after the script's main chunk ran, and Destroy writes them back.
// On failure no sandbox is returned and nothing is retained; the error is a
// *CreationError.
func Create(parent Parent, role Role, scriptPath, statePath string, cfg Config, opts ...Option) (*Sandbox, error) {
	cfg = cfg.withDefaults(scriptPath)
	fail := func(err error) (*Sandbox, error) {
		return nil, &CreationError{Name: cfg.Name, Err: err}
	}

	if !role.Valid() {
		return fail(fmt.Errorf("%w: %s", ErrUnknownRole, role))
	}
	info, err := os.Stat(scriptPath)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrScriptNotFound, err))
	}
	if !info.Mode().IsRegular() {
		return fail(fmt.Errorf("%w: %s is not a regular file", ErrScriptNotFound, scriptPath))
	}
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	compression, _ := lua.ParseCompression(cfg.Compression)

	o := options{
		sink:  logbridge.NewSlogSink(slog.Default(), slog.String("sandbox", cfg.Name)),
		cache: lua.DefaultCache,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.callbacks == nil {
		o.callbacks = noopCallbacks(role)
	} else if o.callbacks.role() != role {
		return fail(fmt.Errorf("%w: %s callbacks for %s sandbox", ErrCallbackRoleMismatch, o.callbacks.role(), role))
	}

	blob, err := cfg.pluginConfig()
	if err != nil {
		return fail(err)
	}

	s := &Sandbox{
		role:        role,
		name:        cfg.Name,
		hostname:    cfg.Hostname,
		pid:         cfg.Pid,
		parent:      parent,
		statePath:   statePath,
		compression: compression,
		callbacks:   o.callbacks,
	}
	s.setState(StateStarting)

	engine, err := lua.NewState(
		lua.WithLimits(cfg.Limits),
		lua.WithModuleDirectory(cfg.ModuleDirectory),
		lua.WithCache(o.cache),
		lua.WithLogger(logbridge.New(o.sink, cfg.Name), parent),
	)
	if err != nil {
		return fail(err)
	}
	s.engine = engine
	s.dispatch = newDispatcher(s, engine, o.callbacks, blob)
	s.dispatch.install()

	if err := s.load(scriptPath); err != nil {
		_ = engine.Close()
		return fail(err)
	}

	s.mu.Lock()
	s.usage.SetLimits(cfg.Limits)
	s.usage.Observe(usage.Memory, engine.Meter().Memory())
	s.state = StateRunning
	s.mu.Unlock()
	return s, nil
}

// load runs the main chunk, restores preserved data and checks the entry
// point.
func (s *Sandbox) load(scriptPath string) error {
	if err := s.engine.Load(scriptPath); err != nil {
		if errors.Is(err, lua.ErrStateClosed) {
			return err
		}
		return fmt.Errorf("load %s: %w", scriptPath, s.classify(err))
	}
	if s.statePath != "" {
		if _, err := s.engine.Restore(s.statePath); err != nil {
			return fmt.Errorf("restore %s: %w", s.statePath, err)
		}
		if err := s.engine.Meter().CheckMemory(); err != nil {
			return fmt.Errorf("restore %s: %w", s.statePath, s.classify(err))
		}
	}
	if !s.engine.HasFunction(ProcessFunction) {
		return ErrMissingEntryPoint
	}
	return nil
}

func (s *Sandbox) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st > s.state {
		s.state = st
	}
}

// Role returns the sandbox role.
func (s *Sandbox) Role() Role {
	return s.role
}

// Name returns the sandbox name.
func (s *Sandbox) Name() string {
	return s.name
}

// Hostname returns the hostname stamped on injected messages.
func (s *Sandbox) Hostname() string {
	return s.hostname
}

// State returns the lifecycle state.
func (s *Sandbox) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError returns the latched fatal error message, or "" when the
// sandbox has not failed.
func (s *Sandbox) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Usage returns one cell of the usage matrix.
func (s *Sandbox) Usage(t usage.ResourceType, st usage.Stat) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage.Get(t, st)
}

// Stats returns a copy of the processing counters.
func (s *Sandbox) Stats() usage.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// ProcessAnalysis decodes data and hands it to an analysis script.
func (s *Sandbox) ProcessAnalysis(data []byte) error {
	s.run.Lock()
	defer s.run.Unlock()

	if err := s.ready(RoleAnalysis); err != nil {
		return err
	}
	msg, err := message.Decode(data)
	if err != nil {
		return &DecodeError{Err: err}
	}
	return s.processMessage(msg, nil)
}

// ProcessOutput decodes data and hands it to an output script together
// with token. When the script returns 0 the token is acknowledged through
// UpdateCheckpoint exactly once.
func (s *Sandbox) ProcessOutput(data []byte, token CheckpointToken) error {
	s.run.Lock()
	defer s.run.Unlock()

	if err := s.ready(RoleOutput); err != nil {
		return err
	}
	msg, err := message.Decode(data)
	if err != nil {
		return &DecodeError{Err: err}
	}
	return s.processMessage(msg, token, tokenValue(s.engine.LuaState(), token))
}

// ProcessInput runs an input script. cp is the last checkpoint the host
// recorded for the sandbox.
func (s *Sandbox) ProcessInput(cp Checkpoint) error {
	s.run.Lock()
	defer s.run.Unlock()

	if err := s.ready(RoleInput); err != nil {
		return err
	}
	var arg glua.LValue = glua.LNil
	switch cp.Kind {
	case CheckpointNumeric:
		arg = glua.LNumber(cp.Numeric)
	case CheckpointString:
		arg = glua.LString(cp.String)
	}
	return s.processMessage(nil, nil, arg)
}

// TimerEvent calls the script's timer_event with the current time in
// nanoseconds. shutdown is true on the final call before Destroy.
func (s *Sandbox) TimerEvent(ns int64, shutdown bool) error {
	s.run.Lock()
	defer s.run.Unlock()

	if s.State() != StateRunning {
		return ErrInvalidState
	}
	if s.role == RoleInput {
		return fmt.Errorf("%w: timer events on %s sandbox", ErrInvalidRole, s.role)
	}

	start := time.Now()
	s.dispatch.begin(nil, nil)
	_, err := s.engine.Call(TimerFunction, glua.LNumber(ns), glua.LBool(shutdown))
	s.dispatch.end()

	var result error
	if err != nil {
		result = s.classify(err)
	}
	s.finish(TimerFunction, result, time.Since(start), false)
	return result
}

func (s *Sandbox) ready(role Role) error {
	if s.State() != StateRunning {
		return ErrInvalidState
	}
	if s.role != role {
		return fmt.Errorf("%w: %s sandbox", ErrInvalidRole, s.role)
	}
	return nil
}

// processMessage runs process_message and settles the outcome.
func (s *Sandbox) processMessage(msg *message.Message, token CheckpointToken, args ...glua.LValue) error {
	s.mu.Lock()
	s.stats.PMCount++
	s.mu.Unlock()

	start := time.Now()
	s.dispatch.begin(msg, token)
	results, err := s.engine.Call(ProcessFunction, args...)
	acked := s.dispatch.acked
	s.dispatch.end()

	var result error
	if err != nil {
		result = s.classify(err)
	} else {
		result = status(results)
	}
	if result == nil && s.role == RoleOutput && !acked {
		result = s.acknowledge(token)
	}
	s.finish(ProcessFunction, result, time.Since(start), true)
	return result
}

// acknowledge reports a processed output token to the host.
func (s *Sandbox) acknowledge(token CheckpointToken) error {
	cb, _ := s.callbacks.(OutputCallbacks)
	if cb.UpdateCheckpoint == nil {
		return nil
	}
	if err := cb.UpdateCheckpoint(s.parent, token); err != nil {
		return &HostCallbackError{Callback: "update_checkpoint", Err: err}
	}
	return nil
}

// classify maps an engine error onto the sandbox taxonomy.
func (s *Sandbox) classify(err error) error {
	var limit *lua.LimitError
	var abort *lua.AbortError
	var runtime *lua.RuntimeError
	switch {
	case errors.As(err, &abort):
		name := s.dispatch.failed
		if name == "" {
			name = "host"
		}
		return &HostCallbackError{Callback: name, Err: abort.Err}
	case errors.As(err, &limit):
		return &QuotaError{Resource: limit.Resource, Limit: limit.Limit, Value: limit.Value}
	case errors.As(err, &runtime):
		return &ScriptError{Message: runtime.Message}
	default:
		return &ScriptError{Message: err.Error()}
	}
}

// status interprets the values returned by process_message.
func status(results []glua.LValue) error {
	if len(results) == 0 {
		return &ScriptError{Message: "must return a numeric status code"}
	}
	n, ok := results[0].(glua.LNumber)
	if !ok {
		return &ScriptError{Message: "must return a numeric status code"}
	}
	var msg string
	if len(results) > 1 {
		switch v := results[1].(type) {
		case *glua.LNilType:
		case glua.LString:
			msg = string(v)
		default:
			return &ScriptError{Message: "must return a nil or string error message"}
		}
	}

	code := int(n)
	switch {
	case code == 0:
		return nil
	case code < 0:
		return &StatusError{Status: code, Message: msg}
	case msg != "":
		return &ScriptError{Message: msg}
	default:
		return &ScriptError{Message: fmt.Sprintf("returned status %d", code)}
	}
}

// finish records usage for a completed call and terminates the sandbox on
// fatal results.
func (s *Sandbox) finish(fn string, result error, elapsed time.Duration, process bool) {
	meter := s.engine.Meter()
	fatal := IsFatal(result)

	s.mu.Lock()
	if process {
		s.stats.PMDuration.AddDuration(elapsed)
		var host *HostCallbackError
		if fatal || errors.As(result, &host) {
			s.stats.PMFailures++
		}
	} else {
		s.stats.TEDuration.AddDuration(elapsed)
	}
	s.usage.Observe(usage.Instruction, meter.Instructions())
	s.usage.Observe(usage.Output, meter.Output())
	s.usage.Observe(usage.Memory, meter.Memory())
	s.usage.Raise(usage.Memory, meter.PeakMemory())
	if fatal {
		s.lastErr = fmt.Sprintf("%s() %s", fn, result.Error())
		s.state = StateTerminated
	}
	s.mu.Unlock()

	if fatal {
		_ = s.engine.Close()
	}
}

// recordInjection counts one message delivered by an input script.
func (s *Sandbox) recordInjection(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.IMCount++
	s.stats.IMBytes += uint64(n)
}

// Destroy preserves the script's data when a state path was given and the
// sandbox is still running, then releases the engine. It is idempotent.
func (s *Sandbox) Destroy() error {
	s.run.Lock()
	defer s.run.Unlock()

	if s.destroyed {
		return nil
	}
	s.destroyed = true

	var err error
	if s.State() == StateRunning && s.statePath != "" {
		if perr := s.engine.Preserve(s.statePath, s.compression); perr != nil {
			err = fmt.Errorf("preserve %s: %w", s.statePath, perr)
		}
	}
	_ = s.engine.Close()
	s.setState(StateTerminated)
	return err
}
