package module

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when no module is registered under a path and the
// path is not a loadable script.
var ErrNotFound = errors.New("module not found")

// Factory builds a fresh instance of a module. It runs inside the worker, once
// per backing execution unit.
type Factory func() (Module, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// Register makes a Go-native module available under path. It is meant to be
// called from init functions of packages linked into the worker binary.
func Register(path string, f Factory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, dup := registry.factories[path]; dup {
		panic(fmt.Sprintf("module: Register called twice for %q", path))
	}
	registry.factories[path] = f
}

// RegisterExports registers a stateless module built from a fixed export map.
func RegisterExports(path string, e Exports) {
	Register(path, func() (Module, error) { return e, nil })
}

// Registered lists the registered module paths, sorted.
func Registered() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	paths := make([]string, 0, len(registry.factories))
	for p := range registry.factories {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Load resolves path to a module instance.
func Load(path string) (Module, error) {
	registry.mu.RLock()
	f, ok := registry.factories[path]
	registry.mu.RUnlock()

	if ok {
		m, err := f()
		if err != nil {
			return nil, fmt.Errorf("load module %q: %w", path, err)
		}
		return m, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".cjs":
		return LoadScript(path)
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
}
