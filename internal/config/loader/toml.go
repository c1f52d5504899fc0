package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// IncludeKey names the top-level key listing files to include.
const IncludeKey = "@include"

// DefaultIncludeDepth bounds nested includes.
const DefaultIncludeDepth = 8

var (
	// ErrUnknownFormat is returned for a file extension that is neither
	// TOML nor YAML.
	ErrUnknownFormat = errors.New("unknown configuration format")

	// ErrIncludeDepth is returned when includes nest deeper than allowed.
	ErrIncludeDepth = errors.New("include depth exceeded")
)

// Format identifies the syntax of a definition file.
type Format int

// Supported formats.
const (
	FormatTOML Format = iota + 1
	FormatYAML
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatTOML:
		return "toml"
	case FormatYAML:
		return "yaml"
	default:
		return "unknown"
	}
}

// FormatOf returns the format implied by the extension of path.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

// Parse decodes data in the given format. source names the data in errors.
func Parse(format Format, source string, data []byte) (map[string]any, error) {
	switch format {
	case FormatTOML:
		return parseTOML(source, data)
	case FormatYAML:
		return parseYAML(source, data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, source)
	}
}

// FileLoader loads definition files, choosing the parser by extension.
type FileLoader struct {
	fs   FileSystem
	path string
}

// NewFileLoader creates a new loader for the given path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{
		fs:   DefaultFS(),
		path: path,
	}
}

// NewFileLoaderWithFS creates a loader with a custom file system.
func NewFileLoaderWithFS(fs FileSystem, path string) *FileLoader {
	return &FileLoader{
		fs:   fs,
		path: path,
	}
}

// Load reads the configured path and its includes.
func (l *FileLoader) Load() (map[string]any, error) {
	return l.LoadWithIncludes(l.path, DefaultIncludeDepth)
}

// LoadFrom reads a single file without processing includes.
func (l *FileLoader) LoadFrom(path string) (map[string]any, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := l.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // File doesn't exist, not an error
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(format, path, data)
}

// LoadFromReader reads TOML from r.
func (l *FileLoader) LoadFromReader(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parseTOML("<reader>", data)
}

func parseTOML(source string, data []byte) (map[string]any, error) {
	config := make(map[string]any)
	if err := toml.Unmarshal(data, &config); err != nil {
		perr := &ParseError{
			Path:    source,
			Message: err.Error(),
			Err:     err,
		}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		return nil, perr
	}
	return config, nil
}

// LoadWithIncludes loads a file and processes @include directives.
// Includes are resolved relative to the including file and merged beneath
// it. The maxDepth parameter limits nested includes to prevent loops.
func (l *FileLoader) LoadWithIncludes(path string, maxDepth int) (map[string]any, error) {
	if maxDepth <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrIncludeDepth, path)
	}

	config, err := l.LoadFrom(path)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return nil, nil
	}

	includes, hasIncludes := config[IncludeKey]
	if !hasIncludes {
		return config, nil
	}
	delete(config, IncludeKey)

	var includeList []string
	switch v := includes.(type) {
	case string:
		includeList = []string{v}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s in %s must be a string or an array of strings", IncludeKey, path)
			}
			includeList = append(includeList, s)
		}
	default:
		return nil, fmt.Errorf("%s in %s must be a string or an array of strings, got %T", IncludeKey, path, includes)
	}

	baseDir := filepath.Dir(path)
	merged := make(map[string]any)
	for _, inc := range includeList {
		incPath := inc
		if !filepath.IsAbs(inc) {
			incPath = filepath.Join(baseDir, inc)
		}

		incConfig, err := l.LoadWithIncludes(incPath, maxDepth-1)
		if err != nil {
			return nil, fmt.Errorf("loading include %s: %w", incPath, err)
		}
		if incConfig == nil {
			return nil, fmt.Errorf("loading include %s: %w", incPath, os.ErrNotExist)
		}
		merged = DeepMerge(merged, incConfig)
	}

	// Main file values override include values.
	return DeepMerge(merged, config), nil
}

// ParseError represents an error while parsing a configuration file.
type ParseError struct {
	Path    string
	Line    int
	Column  int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Line > 0 && e.Column > 0 {
		return fmt.Sprintf("parse error in %s at line %d, column %d: %s", e.Path, e.Line, e.Column, e.Message)
	}
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %s at line %d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
