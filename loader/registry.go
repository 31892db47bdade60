// Package loader maps identifier schemes to fetch functions.
//
// A Registry is constructed explicitly and passed to the components that
// resolve loaders. Default returns a process-wide registry created on first
// use for call sites that do not carry one.
package loader

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/justapithecus/framefetch/types"
)

// FetchFunc starts fetching id and returns the running task.
// It must not block; blocking work belongs inside the task.
type FetchFunc func(ctx context.Context, id types.Identifier, opts types.LoadOptions) *Task

// Registry maps scheme prefixes to fetch functions, with one optional fallback.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	loaders  map[string]FetchFunc
	fallback FetchFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]FetchFunc)}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register stores fn under scheme. An existing registration is replaced.
func (r *Registry) Register(scheme string, fn FetchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[scheme] = fn
}

// RegisterFallback stores fn as the unknown-scheme handler and returns the
// previous one (nil if none) so callers can restore it.
func (r *Registry) RegisterFallback(fn FetchFunc) FetchFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.fallback
	r.fallback = fn
	return prev
}

// Resolve returns the fetch function for id's scheme, else the fallback.
// Returns an error wrapping types.ErrNoLoaderRegistered when neither exists.
func (r *Registry) Resolve(id types.Identifier) (FetchFunc, error) {
	scheme := id.Scheme()

	r.mu.RLock()
	defer r.mu.RUnlock()

	if fn, ok := r.loaders[scheme]; ok && fn != nil {
		return fn, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w for scheme %q (identifier %s)", types.ErrNoLoaderRegistered, scheme, id)
}

// UnregisterAll clears every scheme handler and the fallback.
// Must not be called while requests are in flight.
func (r *Registry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders = make(map[string]FetchFunc)
	r.fallback = nil
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.loaders))
	for s := range r.loaders {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}
