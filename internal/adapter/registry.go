package adapter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Registry resolves provider names used by pipeline stages to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]TaskAdapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]TaskAdapter{}}
}

func (r *Registry) Register(name string, a TaskAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

func (r *Registry) Get(name string) (TaskAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
