// Package registry provides named lookup tables that share one namespace.
// A name claimed in a namespace by any registry cannot be reused by any other
// registry on the same namespace. Entries live for the process lifetime.
package registry

import (
	"path"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var ErrNameInUse = errors.New("name already in use")

// Namespace is the set of all names claimed by its registries.
// Its mutex also guards the entry maps of every registry bound to it.
type Namespace struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

func NewNamespace() *Namespace {
	return &Namespace{keys: make(map[string]struct{})}
}

// Contains reports whether any registry on this namespace claimed name.
func (ns *Namespace) Contains(name string) bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	_, ok := ns.keys[name]
	return ok
}

// Len returns the number of claimed names.
func (ns *Namespace) Len() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.keys)
}

type Registry[T any] struct {
	ns      *Namespace
	entries map[string]T
}

func New[T any](ns *Namespace) *Registry[T] {
	return &Registry[T]{
		ns:      ns,
		entries: make(map[string]T),
	}
}

// Insert claims name in the namespace and stores ref under it.
func (r *Registry[T]) Insert(name string, ref T) error {
	r.ns.mu.Lock()
	defer r.ns.mu.Unlock()
	if _, ok := r.ns.keys[name]; ok {
		return errors.Wrap(ErrNameInUse, name)
	}
	r.ns.keys[name] = struct{}{}
	r.entries[name] = ref
	return nil
}

func (r *Registry[T]) Find(name string) (T, bool) {
	r.ns.mu.RLock()
	defer r.ns.mu.RUnlock()
	ref, ok := r.entries[name]
	return ref, ok
}

// Contains reports whether this registry (not just the namespace) holds name.
func (r *Registry[T]) Contains(name string) bool {
	r.ns.mu.RLock()
	defer r.ns.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns the sorted names held by this registry.
func (r *Registry[T]) Names() []string {
	r.ns.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.ns.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Glob returns the entries whose name matches the shell pattern, sorted by name.
// A malformed pattern matches nothing.
func (r *Registry[T]) Glob(pattern string) []T {
	var refs []T
	for _, name := range r.Names() {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			if ref, found := r.Find(name); found {
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

func (r *Registry[T]) Len() int {
	r.ns.mu.RLock()
	defer r.ns.mu.RUnlock()
	return len(r.entries)
}
