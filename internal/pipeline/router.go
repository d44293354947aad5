package pipeline

import (
	"fmt"
	"sort"
)

// Router resolves an engine name to one of its registered backends. Callers
// may request any name; an unknown or empty name resolves to the configured
// default engine, so per-turn engine selection degrades to the deployment's
// default instead of failing the turn.
type Router[T any] struct {
	backends   map[string]T
	defaultEng string
}

// NewRouter creates a router over the given backends with a default engine.
func NewRouter[T any](backends map[string]T, defaultEng string) *Router[T] {
	return &Router[T]{backends: backends, defaultEng: defaultEng}
}

// Route resolves engine to a backend, trying the requested name first and
// the default second. Errors only when neither is registered.
func (r *Router[T]) Route(engine string) (T, error) {
	for _, name := range []string{engine, r.defaultEng} {
		if backend, ok := r.backends[name]; ok {
			return backend, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("no backend for engine %q", engine)
}

// Engines returns the registered backend names, sorted for stable logs.
func (r *Router[T]) Engines() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
