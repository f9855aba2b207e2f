package transport

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Info pairs a backend name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds the spawners a pool can be built on, keyed by backend name.
type Registry struct {
	mu       sync.RWMutex
	spawners map[string]Spawner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		spawners: make(map[string]Spawner),
	}
}

// NewDefaultRegistry creates a registry holding the process and in-process
// backends.
func NewDefaultRegistry(cfg ProcessConfig, logger *slog.Logger) *Registry {
	r := NewRegistry()
	r.Register(BackendProcess, NewProcessSpawner(cfg, logger))
	r.Register(BackendInProcess, NewInProcessSpawner(logger))
	return r
}

// Register adds s under name, replacing any previous spawner.
func (r *Registry) Register(name string, s Spawner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawners[name] = s
}

// Get returns the spawner registered under name.
func (r *Registry) Get(name string) (Spawner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.spawners[name]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", name)
	}
	return s, nil
}

// List returns all registered backends sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.spawners))
	for name, s := range r.spawners {
		infos = append(infos, Info{
			Name:         name,
			Capabilities: s.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
