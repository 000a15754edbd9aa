package driver

import (
	"fmt"
	"slices"
	"sync"

	"github.com/Iron-Ham/optsidecar/internal/logging"
)

// Options carries the settings a Factory may use.
type Options struct {
	Command   string
	Args      []string
	BatchMode bool
	Logger    *logging.Logger
}

// Factory builds a Driver from Options.
type Factory func(opts Options) (Driver, error)

// Registry maps driver names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in drivers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ExecDriverName, func(opts Options) (Driver, error) {
		return NewExecDriver(opts), nil
	})
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New builds the driver registered as name.
func (r *Registry) New(name string, opts Options) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownDriver, name, r.Names())
	}
	return f(opts)
}
