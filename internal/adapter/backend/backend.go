// Package backend defines the uniform contract every provider adapter
// implements, and the registry that owns the constructed adapters for the
// life of the process.
package backend

import (
	"context"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/pool"
)

// Backend is the capability set shared by the two adapter kinds. Adapters
// are treated as a closed variant: kind is either local or remote, and the
// descriptor carries only the fields each kind uses.
type Backend interface {
	Name() string
	Kind() domain.BackendKind
	SupportsTools() bool
	Config() domain.BackendConfig

	// Execute runs the request to completion. Cancellation of ctx must
	// abort the underlying HTTP call or child process.
	Execute(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error)

	// IsAvailable probes the provider cheaply. Implementations bound the
	// probe with their own deadline.
	IsAvailable(ctx context.Context) bool

	// EstimateCost returns the routing cost estimate in USD.
	EstimateCost(req domain.ChatRequest) float64
}

// PoolProvider is implemented by local adapters whose executions are
// bounded by a process pool. The adapter owns the pool; the pool dies with
// the adapter.
type PoolProvider interface {
	Pool() *pool.Pool
}
