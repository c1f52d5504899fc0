package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/luasbx/internal/lua"
	"github.com/dshills/luasbx/internal/usage"
)

// Config holds the static settings of one sandbox.
type Config struct {
	// Name identifies the sandbox in logs and injected messages. Defaults
	// to the script file name without extension.
	Name string

	// Hostname is stamped on injected messages. Defaults to os.Hostname.
	Hostname string

	// Pid is stamped on injected messages. Defaults to os.Getpid.
	Pid int

	// Limits are the per call quotas. Zero fields take the defaults.
	Limits usage.Limits

	// ModuleDirectory is the only place require loads modules from.
	ModuleDirectory string

	// Compression selects the state file encoding: "zstd" (default),
	// "lz4" or "none".
	Compression string

	// PluginConfig is a JSON object exposed to the script by read_config.
	PluginConfig string
}

// withDefaults fills unset fields.
func (c Config) withDefaults(scriptPath string) Config {
	if c.Name == "" {
		c.Name = strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.Pid == 0 {
		c.Pid = os.Getpid()
	}
	if strings.TrimSpace(c.PluginConfig) == "" {
		c.PluginConfig = "{}"
	}
	c.Limits = c.Limits.WithDefaults()
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := lua.ParseCompression(c.Compression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.PluginConfig != "" {
		if !gjson.Valid(c.PluginConfig) {
			return fmt.Errorf("%w: plugin config is not valid JSON", ErrInvalidConfig)
		}
		if !gjson.Parse(c.PluginConfig).IsObject() {
			return fmt.Errorf("%w: plugin config must be a JSON object", ErrInvalidConfig)
		}
	}
	if c.ModuleDirectory != "" {
		info, err := os.Stat(c.ModuleDirectory)
		if err != nil {
			return fmt.Errorf("%w: module directory: %v", ErrInvalidConfig, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: module directory %s is not a directory", ErrInvalidConfig, c.ModuleDirectory)
		}
	}
	return nil
}

// pluginConfig returns the plugin config blob with the host supplied keys
// added. Keys already set by the user are overwritten.
func (c Config) pluginConfig() (string, error) {
	blob := c.PluginConfig
	set := []struct {
		key   string
		value any
	}{
		{"Logger", c.Name},
		{"Hostname", c.Hostname},
		{"Pid", c.Pid},
		{"memory_limit", c.Limits.Memory},
		{"instruction_limit", c.Limits.Instructions},
		{"output_limit", c.Limits.Output},
	}
	for _, kv := range set {
		var err error
		blob, err = sjson.Set(blob, kv.key, kv.value)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return blob, nil
}
