package lua

import (
	"bufio"
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// DefaultCacheSize is the number of compiled chunks kept by DefaultCache.
const DefaultCacheSize = 256

// DefaultCache is shared by states created without WithCache.
var DefaultCache = NewCache(DefaultCacheSize)

// cacheKey identifies one version of a source file.
type cacheKey struct {
	path    string
	modTime time.Time
	size    int64
}

// Cache holds compiled function prototypes keyed by file path and version.
// Prototypes are immutable once compiled and may be shared between states.
// Cache is safe for concurrent use.
type Cache struct {
	protos *lru.Cache[cacheKey, *lua.FunctionProto]
}

// NewCache creates a cache holding up to size prototypes.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	protos, err := lru.New[cacheKey, *lua.FunctionProto](size)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return &Cache{protos: protos}
}

// Compile returns the prototype for the file at path, compiling it on a
// miss. A modified file is recompiled.
func (c *Cache) Compile(path string) (*lua.FunctionProto, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", path)
	}

	key := cacheKey{path: path, modTime: info.ModTime(), size: info.Size()}
	if proto, ok := c.protos.Get(key); ok {
		return proto, nil
	}

	proto, err := compileFile(path)
	if err != nil {
		return nil, err
	}
	c.protos.Add(key, proto)
	return proto, nil
}

// Len returns the number of cached prototypes.
func (c *Cache) Len() int {
	return c.protos.Len()
}

// Purge drops every cached prototype.
func (c *Cache) Purge() {
	c.protos.Purge()
}

func compileFile(path string) (*lua.FunctionProto, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	chunk, err := parse.Parse(bufio.NewReader(f), path)
	if err != nil {
		return nil, &RuntimeError{Message: err.Error()}
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, &RuntimeError{Message: err.Error()}
	}
	return proto, nil
}
