package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/dshills/luasbx/internal/config/loader"
	"github.com/dshills/luasbx/internal/lua"
	"github.com/dshills/luasbx/internal/sandbox"
	"github.com/dshills/luasbx/internal/usage"
)

// SandboxKey is the array of tables holding the sandbox definitions.
const SandboxKey = "sandbox"

var sandboxName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// shared lists the top-level settings and whether env may override them.
var shared = map[string]bool{
	"module_directory": true,
	"state_directory":  true,
	"compression":      true,
	"hostname":         true,
	loader.IncludeKey:  false,
	SandboxKey:         false,
}

var definitionKeys = map[string]bool{
	"name":              true,
	"role":              true,
	"filename":          true,
	"preserve_data":     true,
	"memory_limit":      true,
	"instruction_limit": true,
	"output_limit":      true,
	"module_directory":  true,
	"ticker_interval":   true,
	"message_matcher":   true,
	"config":            true,
}

// File is a parsed definitions file.
type File struct {
	// Path is the file the definitions were loaded from.
	Path string

	ModuleDirectory string
	StateDirectory  string
	Compression     string
	Hostname        string

	Sandboxes []Definition
}

// Definition describes one sandbox.
type Definition struct {
	Name     string
	Role     sandbox.Role
	Filename string

	// PreserveData keeps the script's globals across restarts.
	PreserveData bool

	MemoryLimit      uint64
	InstructionLimit uint64
	OutputLimit      uint64

	// ModuleDirectory overrides the file wide module directory.
	ModuleDirectory string

	// TickerInterval is the time between timer_event calls. Input
	// sandboxes rerun process_message instead. Zero disables the ticker.
	TickerInterval time.Duration

	// MessageMatcher holds path.Match patterns tested against the Type of
	// every routed message. An empty matcher accepts everything.
	MessageMatcher []string

	// Config is exposed to the script through read_config.
	Config map[string]any
}

// Load reads the definitions file at path, applies environment overrides
// and validates the result.
func Load(path string) (*File, error) {
	raw, err := loader.NewFileLoader(path).Load()
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}

	env, err := loader.NewEnvLoader(loader.DefaultEnvPrefix).Load()
	if err != nil {
		return nil, err
	}
	for k, v := range env {
		if shared[k] {
			raw[k] = fmt.Sprint(v)
		}
	}
	return Decode(path, raw)
}

// Decode builds a File from a parsed configuration map. Relative script
// and directory paths are resolved against the directory of path.
func Decode(path string, raw map[string]any) (*File, error) {
	d := &decoder{}
	f := &File{Path: path}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := shared[k]; !ok {
			d.fail("unknown setting %q", k)
		}
	}

	f.ModuleDirectory = d.str(raw, "module_directory", "")
	f.StateDirectory = d.str(raw, "state_directory", "")
	f.Compression = d.str(raw, "compression", "")
	f.Hostname = d.str(raw, "hostname", "")

	switch tables := raw[SandboxKey].(type) {
	case nil:
	case []any:
		for i, t := range tables {
			where := fmt.Sprintf("sandbox[%d]", i)
			m, ok := t.(map[string]any)
			if !ok {
				d.fail("%s must be a table", where)
				continue
			}
			f.Sandboxes = append(f.Sandboxes, d.definition(m, where))
		}
	default:
		d.fail("%s must be an array of tables", SandboxKey)
	}
	if err := d.err(); err != nil {
		return nil, err
	}

	f.resolve()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// resolve expands environment references and anchors relative paths at
// the directory holding the file.
func (f *File) resolve() {
	base := filepath.Dir(f.Path)
	abs := func(p string) string {
		if p == "" {
			return ""
		}
		p = os.ExpandEnv(p)
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		return p
	}
	f.ModuleDirectory = abs(f.ModuleDirectory)
	f.StateDirectory = abs(f.StateDirectory)
	for i := range f.Sandboxes {
		f.Sandboxes[i].Filename = abs(f.Sandboxes[i].Filename)
		f.Sandboxes[i].ModuleDirectory = abs(f.Sandboxes[i].ModuleDirectory)
	}
}

// Validate checks the definitions for consistency.
func (f *File) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidDefinition}, args...)...))
	}

	if _, err := lua.ParseCompression(f.Compression); err != nil {
		invalid("%v", err)
	}

	seen := make(map[string]bool, len(f.Sandboxes))
	for i, def := range f.Sandboxes {
		switch {
		case def.Name == "":
			invalid("sandbox[%d] has no name", i)
		case !sandboxName.MatchString(def.Name):
			invalid("sandbox %q: name may only contain letters, digits, '.', '_' and '-'", def.Name)
		case seen[def.Name]:
			invalid("sandbox %q is defined more than once", def.Name)
		}
		seen[def.Name] = true

		if !def.Role.Valid() {
			invalid("sandbox %q has no role", def.Name)
		}
		if def.Filename == "" {
			invalid("sandbox %q has no filename", def.Name)
		}
		if def.TickerInterval < 0 {
			invalid("sandbox %q: ticker_interval must not be negative", def.Name)
		}
		for _, pattern := range def.MessageMatcher {
			if _, err := path.Match(pattern, ""); err != nil {
				invalid("sandbox %q: message_matcher %q: %v", def.Name, pattern, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Lookup returns the definition with the given name.
func (f *File) Lookup(name string) (Definition, bool) {
	for _, def := range f.Sandboxes {
		if def.Name == name {
			return def, true
		}
	}
	return Definition{}, false
}

// Matches reports whether a message of the given type is routed to the
// sandbox. Input sandboxes never receive messages.
func (def Definition) Matches(msgType string) bool {
	if def.Role == sandbox.RoleInput {
		return false
	}
	if len(def.MessageMatcher) == 0 {
		return true
	}
	for _, pattern := range def.MessageMatcher {
		if ok, _ := path.Match(pattern, msgType); ok {
			return true
		}
	}
	return false
}

// StatePath returns where the sandbox's state is preserved, or "" when
// PreserveData is off.
func (def Definition) StatePath(f *File) string {
	if !def.PreserveData {
		return ""
	}
	dir := f.StateDirectory
	if dir == "" {
		dir = filepath.Dir(f.Path)
	}
	return filepath.Join(dir, def.Name+".data")
}

// SandboxConfig returns the settings passed to sandbox.Create.
func (def Definition) SandboxConfig(f *File) (sandbox.Config, error) {
	blob := "{}"
	if len(def.Config) > 0 {
		b, err := json.Marshal(def.Config)
		if err != nil {
			return sandbox.Config{}, fmt.Errorf("%w: sandbox %q config: %v", ErrInvalidDefinition, def.Name, err)
		}
		blob = string(b)
	}

	modules := def.ModuleDirectory
	if modules == "" {
		modules = f.ModuleDirectory
	}

	return sandbox.Config{
		Name:     def.Name,
		Hostname: f.Hostname,
		Limits: usage.Limits{
			Memory:       def.MemoryLimit,
			Instructions: def.InstructionLimit,
			Output:       def.OutputLimit,
		},
		ModuleDirectory: modules,
		Compression:     f.Compression,
		PluginConfig:    blob,
	}, nil
}

// decoder collects type errors while reading a configuration map.
type decoder struct {
	errs []error
}

func (d *decoder) fail(format string, args ...any) {
	d.errs = append(d.errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidDefinition}, args...)...))
}

func (d *decoder) err() error {
	return errors.Join(d.errs...)
}

func (d *decoder) definition(m map[string]any, where string) Definition {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !definitionKeys[k] {
			d.fail("%s: unknown setting %q", where, k)
		}
	}

	def := Definition{
		Name:             d.str(m, "name", where),
		Filename:         d.str(m, "filename", where),
		PreserveData:     d.bool(m, "preserve_data", where),
		MemoryLimit:      d.uint(m, "memory_limit", where),
		InstructionLimit: d.uint(m, "instruction_limit", where),
		OutputLimit:      d.uint(m, "output_limit", where),
		ModuleDirectory:  d.str(m, "module_directory", where),
		TickerInterval:   time.Duration(d.uint(m, "ticker_interval", where)) * time.Second,
		MessageMatcher:   d.strings(m, "message_matcher", where),
		Config:           d.table(m, "config", where),
	}
	if def.Name != "" {
		where = fmt.Sprintf("sandbox %q", def.Name)
	}

	if role := d.str(m, "role", where); role != "" {
		r, err := sandbox.ParseRole(role)
		if err != nil {
			d.fail("%s: %v", where, err)
		}
		def.Role = r
	}
	return def
}

func label(where, key string) string {
	if where == "" {
		return key
	}
	return where + "." + key
}

func (d *decoder) str(m map[string]any, key, where string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.fail("%s must be a string, got %T", label(where, key), v)
	}
	return s
}

func (d *decoder) bool(m map[string]any, key, where string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		d.fail("%s must be a boolean, got %T", label(where, key), v)
	}
	return b
}

func (d *decoder) uint(m map[string]any, key, where string) uint64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		if n >= 0 {
			return uint64(n)
		}
	case float64:
		if n >= 0 && n == math.Trunc(n) && n < math.MaxUint64 {
			return uint64(n)
		}
	}
	d.fail("%s must be a non-negative integer, got %v", label(where, key), v)
	return 0
}

func (d *decoder) strings(m map[string]any, key, where string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case string:
		return []string{list}
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				d.fail("%s must only hold strings, got %T", label(where, key), item)
				return nil
			}
			out = append(out, s)
		}
		return out
	}
	d.fail("%s must be a string or an array of strings, got %T", label(where, key), v)
	return nil
}

func (d *decoder) table(m map[string]any, key, where string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	t, ok := v.(map[string]any)
	if !ok {
		d.fail("%s must be a table, got %T", label(where, key), v)
		return nil
	}
	return loader.Clone(t)
}
