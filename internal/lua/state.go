package lua

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/luasbx/internal/logbridge"
	"github.com/dshills/luasbx/internal/usage"
)

// Engine sizing.
const (
	DefaultCallStackSize = 200
	DefaultRegistrySize  = 20 * 1024
)

// State wraps gopher-lua with metering, sandboxing and preservation.
//
// gopher-lua's LState is not goroutine-safe. All operations on a State must
// be called from a single goroutine. Go functions registered on the state
// run inside Call and must use the *lua.LState they receive rather than
// calling back into State methods.
type State struct {
	L *lua.LState

	mu sync.Mutex

	limits    usage.Limits
	moduleDir string
	cache     *Cache
	logger    *logbridge.Logger
	parent    any

	sandbox  *Sandbox
	meter    *Meter
	bridge   *Bridge
	builtins map[string]struct{}

	closed bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithLimits sets the per call quotas. Zero fields take the defaults.
func WithLimits(limits usage.Limits) StateOption {
	return func(s *State) {
		s.limits = limits
	}
}

// WithModuleDirectory sets the directory require loads modules from. An
// empty directory disables loading modules from disk.
func WithModuleDirectory(dir string) StateOption {
	return func(s *State) {
		s.moduleDir = dir
	}
}

// WithCache sets the compiled chunk cache.
func WithCache(c *Cache) StateOption {
	return func(s *State) {
		s.cache = c
	}
}

// WithLogger routes print and log output to logger, tagged with parent.
func WithLogger(logger *logbridge.Logger, parent any) StateOption {
	return func(s *State) {
		s.logger = logger
		s.parent = parent
	}
}

// NewState creates a new sandboxed Lua state.
func NewState(opts ...StateOption) (*State, error) {
	state := &State{
		cache: DefaultCache,
	}
	for _, opt := range opts {
		opt(state)
	}
	state.limits = state.limits.WithDefaults()
	if state.logger == nil {
		state.logger = logbridge.New(nil, "")
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true, // We'll open selectively
		CallStackSize: DefaultCallStackSize,
		RegistrySize:  DefaultRegistrySize,
	})
	state.L = L
	state.bridge = NewBridge(L)

	openSafeLibraries(L)

	state.meter = NewMeter(state.limits,
		func() Sample { return measure(L) },
		func() uint64 { return RegisterBytes(L) })
	L.SetContext(state.meter)

	state.sandbox = NewSandbox(state)
	state.sandbox.Install()
	state.captureBuiltins()

	return state, nil
}

// openSafeLibraries opens only safe Lua standard libraries.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenOs(L) // trimmed to the clock functions by the sandbox

	// Note: These are intentionally NOT opened:
	// - io (file system access)
	// - debug (can bypass sandbox)
	// - package (module loading goes through the sandbox require)
	// - coroutine (threads would run outside the meter)
}

func (s *State) captureBuiltins() {
	s.builtins = make(map[string]struct{})
	s.L.G.Global.ForEach(func(k, _ lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			s.builtins[string(ks)] = struct{}{}
		}
	})
}

// IsBuiltin reports whether the global name was defined before any script
// code ran.
func (s *State) IsBuiltin(name string) bool {
	_, ok := s.builtins[name]
	return ok
}

// Load compiles the file at path and runs it as the main chunk.
func (s *State) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	proto, err := s.cache.Compile(path)
	if err != nil {
		return err
	}
	_, err = s.pcall(s.L.NewFunctionFromProto(proto))
	return err
}

// DoString runs code as a chunk under the meter.
func (s *State) DoString(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	fn, err := s.L.LoadString(code)
	if err != nil {
		return &RuntimeError{Message: err.Error()}
	}
	_, err = s.pcall(fn)
	return err
}

// Call calls a global Lua function with the given arguments.
// Returns an empty slice (not nil) if the function returns no values.
func (s *State) Call(fn string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fnVal := s.L.GetGlobal(fn)
	if fnVal.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, fn)
	}
	return s.pcall(fnVal, args...)
}

// pcall runs fn under the meter and classifies any failure as a
// *LimitError, *AbortError or *RuntimeError.
func (s *State) pcall(fn lua.LValue, args ...lua.LValue) (results []lua.LValue, err error) {
	stackTop := s.L.GetTop()

	s.meter.Arm()
	defer s.meter.Disarm()

	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(arg)
	}

	var callErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("lua panic: %v", r)
			}
		}()
		callErr = s.L.PCall(len(args), lua.MultRet, nil)
	}()

	if cause := s.meter.Cause(); cause != nil {
		s.L.SetTop(stackTop)
		return nil, cause
	}
	if callErr != nil {
		s.L.SetTop(stackTop)
		return nil, toRuntimeError(callErr)
	}

	nRet := s.L.GetTop() - stackTop
	results = []lua.LValue{}
	if nRet > 0 {
		results = make([]lua.LValue, nRet)
		for i := 0; i < nRet; i++ {
			results[i] = s.L.Get(stackTop + i + 1)
		}
		s.L.Pop(nRet)
	}

	if err := s.meter.CheckMemory(); err != nil {
		return nil, err
	}
	return results, nil
}

func toRuntimeError(err error) error {
	if apiErr, ok := err.(*lua.ApiError); ok && apiErr.Object != nil {
		return &RuntimeError{Message: apiErr.Object.String()}
	}
	return &RuntimeError{Message: err.Error()}
}

// HasFunction reports whether the global name holds a function.
func (s *State) HasFunction(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	return s.L.GetGlobal(name).Type() == lua.LTFunction
}

// GetGlobal returns a global variable value.
func (s *State) GetGlobal(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

// SetGlobal sets a global variable.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, value)
}

// RegisterFunc registers a Go function as a global Lua function. Functions
// registered before the script loads are treated as built-ins.
func (s *State) RegisterFunc(name string, fn lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, s.L.NewFunction(fn))
	s.builtins[name] = struct{}{}
}

// Meter returns the execution meter.
func (s *State) Meter() *Meter {
	return s.meter
}

// Bridge returns the value converter bound to the state.
func (s *State) Bridge() *Bridge {
	return s.bridge
}

// Limits returns the quotas enforced on the state.
func (s *State) Limits() usage.Limits {
	return s.limits
}

// Footprint returns the current memory estimate.
func (s *State) Footprint() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	return Footprint(s.L)
}

// LuaState returns the underlying gopher-lua state.
//
// WARNING: Direct access to LState bypasses the mutex. The caller is
// responsible for ensuring thread-safety.
func (s *State) LuaState() *lua.LState {
	return s.L
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases all resources associated with the Lua state.
// After Close is called, all other methods will return ErrStateClosed.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.L.Close()
	s.closed = true
	return nil
}
