package backend

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
)

// probeTimeout bounds each adapter's availability check when listing.
const probeTimeout = 5 * time.Second

// Registry owns the set of constructed adapters in registration order.
// Availability results are not cached; every ListAvailable probes anew.
type Registry struct {
	ordered []Backend
	byName  map[string]Backend
}

// NewRegistry builds a registry from adapters in registration order.
// Registration order is the tiebreaker for cost sorting downstream.
func NewRegistry(adapters ...Backend) *Registry {
	r := &Registry{byName: make(map[string]Backend, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.byName[a.Name()]; dup {
			continue
		}
		r.ordered = append(r.ordered, a)
		r.byName[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.byName[name]
	return b, ok
}

// All returns every adapter in registration order.
func (r *Registry) All() []Backend {
	out := make([]Backend, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// ListToolCapable returns adapters that support tool use.
func (r *Registry) ListToolCapable() []Backend {
	var out []Backend
	for _, b := range r.ordered {
		if b.SupportsTools() {
			out = append(out, b)
		}
	}
	return out
}

// ListAPI returns the remote-kind adapters.
func (r *Registry) ListAPI() []Backend {
	var out []Backend
	for _, b := range r.ordered {
		if b.Kind() == domain.KindRemote {
			out = append(out, b)
		}
	}
	return out
}

// ListAvailable probes all adapters in parallel, each under probeTimeout,
// and returns the reachable ones in registration order.
func (r *Registry) ListAvailable(ctx context.Context) []Backend {
	available := make([]bool, len(r.ordered))
	var wg sync.WaitGroup
	for i, b := range r.ordered {
		wg.Add(1)
		go func(i int, b Backend) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			available[i] = b.IsAvailable(probeCtx)
		}(i, b)
	}
	wg.Wait()

	var out []Backend
	for i, b := range r.ordered {
		if available[i] {
			out = append(out, b)
		}
	}
	return out
}

// Shutdown flags every local adapter's pool for shutdown and waits for
// in-flight work within ctx's grace period.
func (r *Registry) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, b := range r.ordered {
		if pp, ok := b.(PoolProvider); ok {
			if err := pp.Pool().Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
