package loader

import (
	"os"
	"strconv"
	"strings"
)

// DefaultEnvPrefix is the prefix of environment overrides.
const DefaultEnvPrefix = "LUASBX_"

// EnvLoader loads top-level settings from environment variables.
//
// LUASBX_STATE_DIRECTORY maps to state_directory. Only scalar settings can
// be overridden; sandbox definitions always come from files.
type EnvLoader struct {
	prefix  string            // Environment variable prefix (e.g., "LUASBX_")
	mapping map[string]string // Env var -> config key
}

// NewEnvLoader creates a new environment variable loader.
// The prefix should include the trailing underscore (e.g., "LUASBX_").
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix:  prefix,
		mapping: make(map[string]string),
	}
}

// Load reads environment variables and returns a configuration map.
// Note: Empty string values are treated as valid values, not as unset.
func (l *EnvLoader) Load() (map[string]any, error) {
	config := make(map[string]any)

	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, l.prefix) {
			continue
		}
		key, mapped := l.mapping[name]
		if !mapped {
			key = l.envToKey(name)
		}
		if key == "" {
			continue
		}
		config[key] = parseValue(value)
	}

	return config, nil
}

// AddMapping maps an environment variable to an explicit key.
func (l *EnvLoader) AddMapping(envVar, key string) {
	l.mapping[envVar] = key
}

// envToKey converts LUASBX_STATE_DIRECTORY to state_directory.
func (l *EnvLoader) envToKey(env string) string {
	return strings.ToLower(strings.TrimPrefix(env, l.prefix))
}

// parseValue attempts to parse the string value into an appropriate type.
func parseValue(s string) any {
	if s == "" {
		return s
	}

	switch strings.ToLower(s) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}

	// Only with a decimal point, to avoid misreading integers.
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}

	return s
}
