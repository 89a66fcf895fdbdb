// registry.go holds the named plans a server can start sessions from.
package plan

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry is a concurrency-safe map of plan name to plan. Plans are
// registered at startup and replaced wholesale on a plans-file reload;
// running sessions keep the *Plan they started with.
type Registry struct {
	mu          sync.RWMutex
	plans       map[string]*Plan
	taskTimeout time.Duration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plans: make(map[string]*Plan)}
}

// SetTaskTimeout sets the timeout applied to file tasks that declare none
// of their own. Affects subsequent loads, including watcher reloads.
func (r *Registry) SetTaskTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskTimeout = d
}

// Register validates and adds a plan, replacing any plan of the same name.
func (r *Registry) Register(p *Plan) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("register plan: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[p.Name] = p
	return nil
}

// Get returns the named plan.
func (r *Registry) Get(name string) (*Plan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[name]
	return p, ok
}

// Names returns all registered plan names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plans))
	for name := range r.plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFile loads every plan from a plans file into the registry. The
// registry is only modified if the entire file parses and validates.
func (r *Registry) LoadFile(path string) error {
	r.mu.RLock()
	timeout := r.taskTimeout
	r.mu.RUnlock()

	plans, err := LoadFile(path, timeout)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range plans {
		r.plans[p.Name] = p
	}
	return nil
}
