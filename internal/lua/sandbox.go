package lua

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/luasbx/internal/logbridge"
	"github.com/dshills/luasbx/internal/usage"
)

// loadedKey is the registry slot holding modules returned by require.
const loadedKey = "_LUASBX_LOADED"

var moduleName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Sandbox restricts Lua execution to safe operations.
type Sandbox struct {
	state *State
	L     *lua.LState
}

// NewSandbox creates a new sandbox for the Lua state.
func NewSandbox(state *State) *Sandbox {
	return &Sandbox{state: state, L: state.L}
}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	// Remove functions that load code from outside the sandbox or expose
	// the host runtime.
	dangerousFuncs := []string{
		"dofile",
		"loadfile",
		"load",
		"loadstring",
		"module",
		"collectgarbage",
		"_printregs",
	}
	for _, name := range dangerousFuncs {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.restrictOS()
	s.guardStringBuilders()
	s.installPrint()
	s.installLog()
	s.installRequire()
}

// restrictOS keeps only the clock functions of the os library.
func (s *Sandbox) restrictOS() {
	full, ok := s.L.GetGlobal("os").(*lua.LTable)
	if !ok {
		return
	}
	safe := s.L.NewTable()
	for _, name := range []string{"clock", "date", "difftime", "time"} {
		safe.RawSetString(name, full.RawGetString(name))
	}
	s.L.SetGlobal("os", safe)
}

// guardStringBuilders wraps the library functions that can build a large
// string in a single call so the result is charged against the memory
// limit before it is allocated. Strings built with .. are caught by the
// meter, which watches the running frame on every instruction.
func (s *Sandbox) guardStringBuilders() {
	if str, ok := s.L.GetGlobal("string").(*lua.LTable); ok {
		str.RawSetString("rep", s.L.NewFunction(s.stringRep))
		str.RawSetString("format", s.guard(str.RawGetString("format"), formatSize))
		gsub := str.RawGetString("gsub")
		str.RawSetString("gsub", s.L.NewFunction(func(L *lua.LState) int {
			return s.stringGsub(L, gsub)
		}))
	}
	if tbl, ok := s.L.GetGlobal("table").(*lua.LTable); ok {
		tbl.RawSetString("concat", s.guard(tbl.RawGetString("concat"), concatSize))
	}
}

// reserve raises a memory limit error unless n more bytes fit.
func (s *Sandbox) reserve(L *lua.LState, n uint64) {
	if err := s.state.meter.Reserve(n); err != nil {
		L.RaiseError("%s", err.Error())
	}
}

// guard wraps fn so the size estimated by size is reserved before fn runs.
func (s *Sandbox) guard(fn lua.LValue, size func(L *lua.LState) uint64) *lua.LFunction {
	return s.L.NewFunction(func(L *lua.LState) int {
		s.reserve(L, size(L))
		return callThrough(L, fn)
	})
}

// callThrough calls fn with the arguments of the running Go function and
// returns all of its results.
func callThrough(L *lua.LState, fn lua.LValue) int {
	top := L.GetTop()
	L.Push(fn)
	for i := 1; i <= top; i++ {
		L.Push(L.Get(i))
	}
	L.Call(top, lua.MultRet)
	return L.GetTop() - top
}

func (s *Sandbox) stringRep(L *lua.LState) int {
	piece := L.CheckString(1)
	n := L.CheckInt(2)
	if n <= 0 || piece == "" {
		L.Push(lua.LString(""))
		return 1
	}
	s.reserve(L, mulSize(uint64(len(piece)), uint64(n)))
	L.Push(lua.LString(strings.Repeat(piece, n)))
	return 1
}

// stringGsub charges the result of string.gsub. A string replacement is
// bounded from the match count; function and table replacements are
// charged as their values come back.
func (s *Sandbox) stringGsub(L *lua.LState, gsub lua.LValue) int {
	str := L.CheckString(1)
	L.CheckString(2)
	repl := L.CheckAny(3)
	total := uint64(len(str))

	switch r := repl.(type) {
	case lua.LString, lua.LNumber:
		piece := uint64(len(lua.LVAsString(r)))
		refs := uint64(strings.Count(lua.LVAsString(r), "%"))
		each := piece + mulSize(refs, uint64(len(str)))
		if !s.state.meter.Fits(addSize(total, mulSize(uint64(len(str))+1, each))) {
			// Count the matches with an empty replacement, which never
			// grows the subject.
			L.Push(gsub)
			L.Push(L.Get(1))
			L.Push(L.Get(2))
			L.Push(lua.LString(""))
			L.Push(L.Get(4))
			L.Call(4, 2)
			matches := uint64(lua.LVAsNumber(L.Get(-1)))
			L.Pop(2)
			s.reserve(L, addSize(total, mulSize(matches, each)))
		}
	case *lua.LTable, *lua.LFunction:
		L.Replace(3, L.NewFunction(func(L *lua.LState) int {
			var v lua.LValue
			if fn, ok := r.(*lua.LFunction); ok {
				n := callThrough(L, fn)
				v = lua.LNil
				if n > 0 {
					v = L.Get(-n)
				}
			} else {
				v = L.GetTable(r, L.Get(1))
			}
			if lua.LVCanConvToString(v) {
				total = addSize(total, uint64(len(lua.LVAsString(v))))
				s.reserve(L, total)
			}
			L.SetTop(0)
			L.Push(v)
			return 1
		}))
	}
	return callThrough(L, gsub)
}

// formatSize bounds the result of string.format: the format itself, every
// argument quoted in full and the widest number each conversion can print.
func formatSize(L *lua.LState) uint64 {
	format := L.CheckString(1)
	size := uint64(len(format))
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}
		i++
		for i < len(format) && strings.IndexByte("-+ #0", format[i]) >= 0 {
			i++
		}
		var width uint64
		for i < len(format) && (format[i] >= '0' && format[i] <= '9' || format[i] == '.') {
			if format[i] != '.' {
				width = addSize(mulSize(width, 10), uint64(format[i]-'0'))
			}
			i++
		}
		size = addSize(size, width)
	}
	for i := 2; i <= L.GetTop(); i++ {
		if str, ok := L.Get(i).(lua.LString); ok {
			size = addSize(size, 2*uint64(len(str))+2)
		} else {
			size = addSize(size, 512)
		}
	}
	return size
}

// concatSize is the exact length of table.concat's result. Entries that are
// not strings or numbers end the count; table.concat rejects them anyway.
func concatSize(L *lua.LState) uint64 {
	t := L.CheckTable(1)
	sep := uint64(len(L.OptString(2, "")))
	first := L.OptInt(3, 1)
	last := L.OptInt(4, t.Len())
	var size uint64
	for i := first; i <= last; i++ {
		v := t.RawGetInt(i)
		if !lua.LVCanConvToString(v) {
			break
		}
		size = addSize(size, uint64(len(lua.LVAsString(v))))
		if i > first {
			size = addSize(size, sep)
		}
	}
	return size
}

func addSize(a, b uint64) uint64 {
	if a > usage.Unlimited-b {
		return usage.Unlimited
	}
	return a + b
}

func mulSize(a, b uint64) uint64 {
	if a != 0 && b > usage.Unlimited/a {
		return usage.Unlimited
	}
	return a * b
}

// installPrint sends print output to the logger at debug severity.
func (s *Sandbox) installPrint() {
	s.L.SetGlobal("print", s.L.NewFunction(func(L *lua.LState) int {
		s.state.logger.Log(s.state.parent, logbridge.SeverityDebug, joinArgs(L, 1))
		return 0
	}))
}

// installLog adds log(severity, ...).
func (s *Sandbox) installLog() {
	s.L.SetGlobal("log", s.L.NewFunction(func(L *lua.LState) int {
		severity := L.CheckInt(1)
		s.state.logger.Log(s.state.parent, severity, joinArgs(L, 2))
		return 0
	}))
}

// joinArgs renders the arguments from index first onward separated by
// spaces, honouring __tostring.
func joinArgs(L *lua.LState, first int) string {
	top := L.GetTop()
	if top < first {
		return ""
	}
	parts := make([]string, 0, top-first+1)
	for i := first; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	return strings.Join(parts, " ")
}

// installRequire replaces require with a version that only serves the
// opened standard libraries and modules from the module directory.
//
// A module name maps to <dir>/<a>/<b>.lua for "a.b". Modules run under the
// caller's meter and are loaded once per state.
func (s *Sandbox) installRequire() {
	loaded := s.L.NewTable()
	s.L.G.Registry.RawSetString(loadedKey, loaded)

	builtin := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
		"os":     true,
	}

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)

		if builtin[name] {
			L.Push(L.GetGlobal(name))
			return 1
		}
		if mod := loaded.RawGetString(name); mod != lua.LNil {
			L.Push(mod)
			return 1
		}

		path, err := s.modulePath(name)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		proto, err := s.state.cache.Compile(path)
		if err != nil {
			if os.IsNotExist(err) {
				L.RaiseError("%s: %s", ErrModuleNotFound.Error(), name)
				return 0
			}
			L.RaiseError("module %q: %s", name, err.Error())
			return 0
		}

		L.Push(L.NewFunctionFromProto(proto))
		L.Push(lua.LString(name))
		L.Call(1, 1)
		mod := L.Get(-1)
		L.Pop(1)
		if mod == lua.LNil {
			mod = lua.LTrue
		}
		loaded.RawSetString(name, mod)
		L.Push(mod)
		return 1
	}))
}

func (s *Sandbox) modulePath(name string) (string, error) {
	if !moduleName.MatchString(name) {
		return "", fmt.Errorf("invalid module name %q", name)
	}
	if s.state.moduleDir == "" {
		return "", fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	rel := strings.ReplaceAll(name, ".", string(filepath.Separator)) + ".lua"
	return filepath.Join(s.state.moduleDir, rel), nil
}
