// Package registry owns the process-wide set of live instruments: a map
// from name to an entry holding the instrument and its own lock, generalized from
// the corpus's registry Manager (sync.RWMutex + map of entries) and
// MemoryCache (sync.RWMutex + map of entries with per-entry access)
// (spec.md #3, #4.3).
package registry

import (
	"sort"
	"sync"

	"github.com/toolsforexperiments/instrumentserver/instrument"
	"github.com/toolsforexperiments/instrumentserver/wire"
)

// Factory constructs a concrete Instrument from a class path. The registry
// does not know how to build any particular driver; construction is
// delegated to the factory keyed by class path (spec.md #4.3).
type Factory interface {
	Create(classPath string, args []any, kwargs map[string]any) (instrument.Instrument, error)
}

// FactoryFunc constructs an Instrument for a single class path.
type FactoryFunc func(args []any, kwargs map[string]any) (instrument.Instrument, error)

// MapFactory dispatches to a registered constructor by class path.
type MapFactory map[string]FactoryFunc

// Create implements Factory.
func (f MapFactory) Create(classPath string, args []any, kwargs map[string]any) (instrument.Instrument, error) {
	ctor, ok := f[classPath]
	if !ok {
		return nil, wire.NotFoundf("unknown class path %q", classPath)
	}
	return ctor(args, kwargs)
}

type entry struct {
	mu        sync.Mutex
	inst      instrument.Instrument
	classPath string
}

// Registry is the process-wide instrument table: one map from name to
// entry, each entry carrying both the instrument and its lock, so every
// registered name has exactly one lock (spec.md #3). During creation the
// entry is inserted with its lock held before the instrument is set; Close
// removes the entry from the map before taking its lock. Registry-level
// mutation (the map of entries itself) is guarded by mu, distinct from each
// entry's own lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	factory Factory
}

// New constructs an empty Registry backed by factory.
func New(factory Factory) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		factory: factory,
	}
}

// List returns the known instrument names, alphabetically sorted for
// deterministic responses.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Lock acquires the per-instrument lock for name and returns the live
// instrument plus an unlock function the caller must invoke exactly once.
// It returns NotFound if the name is not registered.
func (r *Registry) Lock(name string) (instrument.Instrument, func(), error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, nil, wire.NotFoundf("unknown instrument %q", name)
	}
	e.mu.Lock()
	if e.inst == nil {
		// The entry was looked up while its creation was in progress and
		// the factory then failed; Create has already removed it.
		e.mu.Unlock()
		return nil, nil, wire.NotFoundf("unknown instrument %q", name)
	}
	return e.inst, e.mu.Unlock, nil
}

// Create instantiates an instrument by class path and registers it under
// name (spec.md #4.2, #4.3). When findOrCreate is true and name already
// exists, the existing instrument is returned unless its class path
// conflicts, in which case creation fails with Validation (spec.md #9,
// Open Question: resolved in favor of failing on mismatch).
func (r *Registry) Create(name, classPath string, args []any, kwargs map[string]any, findOrCreate bool) (instrument.Instrument, error) {
	r.mu.Lock()
	if e, ok := r.entries[name]; ok {
		r.mu.Unlock()
		if !findOrCreate {
			return nil, wire.Validationf("instrument %q already exists", name)
		}
		if e.classPath != classPath {
			return nil, wire.Validationf("instrument %q exists with class path %q, requested %q", name, e.classPath, classPath)
		}
		return e.inst, nil
	}
	// Reserve the slot (lock inserted before the instrument value is set)
	// so a concurrent Lock sees either nothing or a fully-formed entry.
	e := &entry{classPath: classPath}
	e.mu.Lock()
	r.entries[name] = e
	r.mu.Unlock()
	defer e.mu.Unlock()

	inst, err := r.factory.Create(classPath, args, kwargs)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, name)
		r.mu.Unlock()
		return nil, wire.InstrumentFailuref("create instrument %q: %s", name, err)
	}
	e.inst = inst
	return inst, nil
}

// Close removes name from the registry, if present. The instrument is
// removed from the map before its lock is released, per the registry's
// creation/deletion invariant (spec.md #3).
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return wire.NotFoundf("unknown instrument %q", name)
	}
	delete(r.entries, name)
	r.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	return nil
}
