package loader

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

func parseYAML(source string, data []byte) (map[string]any, error) {
	config := make(map[string]any)
	if err := yaml.Unmarshal(data, &config); err != nil {
		perr := &ParseError{
			Path:    source,
			Message: err.Error(),
			Err:     err,
		}
		// yaml.v3 reports positions only inside the message.
		var line int
		if _, serr := fmt.Sscanf(err.Error(), "yaml: line %d:", &line); serr == nil {
			perr.Line = line
		}
		return nil, perr
	}
	return normalize(config).(map[string]any), nil
}

// normalize converts YAML scalars to the types the TOML decoder produces so
// both formats read the same: integers become int64.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	case int:
		return int64(val)
	default:
		return v
	}
}
