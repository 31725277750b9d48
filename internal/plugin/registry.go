package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry owns the set of known plugins and resolves a legal execution
// order from their run-after/run-before constraints. Ordering is resolved
// once at setup; cyclic constraints are a fatal setup error rather than a
// deadlock at dispatch time.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]Plugin
	disabled map[string]bool
	order    []Plugin
	resolved bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins:  make(map[string]Plugin),
		disabled: make(map[string]bool),
	}
}

// Add registers a plugin. Registering two plugins with the same name is
// an error.
func (r *Registry) Add(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Descriptor().Name
	if name == "" {
		return fmt.Errorf("plugin has no name")
	}
	if _, ok := r.plugins[name]; ok {
		return fmt.Errorf("plugin %q registered twice", name)
	}
	r.plugins[name] = p
	r.resolved = false
	return nil
}

// SetEnabled enables or disables a plugin by name.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[name] = !enabled
}

// Enabled reports whether the named plugin is registered and enabled.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[name]
	return ok && !r.disabled[name]
}

// Lookup returns the named plugin, or nil.
func (r *Registry) Lookup(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plugins[name]
}

// Resolve computes the execution order from the ordering constraints.
// Constraints naming unknown plugins are ignored; a cycle is an error.
func (r *Registry) Resolve() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	// edges[a] holds plugins that must run after a
	edges := make(map[string][]string)
	indegree := make(map[string]int)
	for _, name := range names {
		indegree[name] = 0
	}
	addEdge := func(before, after string) {
		if _, ok := r.plugins[before]; !ok {
			return
		}
		if _, ok := r.plugins[after]; !ok {
			return
		}
		edges[before] = append(edges[before], after)
		indegree[after]++
	}
	for _, name := range names {
		desc := r.plugins[name].Descriptor()
		for _, dep := range desc.RunAfter {
			addEdge(dep, name)
		}
		for _, dep := range desc.RunBefore {
			addEdge(name, dep)
		}
	}

	// Kahn's algorithm with sorted candidates for a deterministic order.
	var ready []string
	for _, name := range names {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	ordered := make([]Plugin, 0, len(names))
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, r.plugins[name])
		for _, next := range edges[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(ordered) != len(names) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return fmt.Errorf("cyclic plugin ordering constraints involving %v", stuck)
	}

	r.order = ordered
	r.resolved = true
	return nil
}

// Ordered returns the enabled plugins in dependency order. Resolve must
// have succeeded first.
func (r *Registry) Ordered() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.order))
	for _, p := range r.order {
		if !r.disabled[p.Descriptor().Name] {
			out = append(out, p)
		}
	}
	return out
}

// OrderedNames returns the resolved order as plugin names, for logging.
func (r *Registry) OrderedNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.order))
	for _, p := range r.order {
		names = append(names, p.Descriptor().Name)
	}
	return names
}
