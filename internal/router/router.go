// Package router picks the backend for each request and drives execution,
// including the single cascade retry after queue saturation.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fairyhunter13/llm-gateway/internal/adapter/backend"
	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/observability"
)

// Decision names the adapter chosen for one request. Pooled is true for
// local adapters whose executions flow through their pool.
type Decision struct {
	Backend  backend.Backend
	Pooled   bool
	Degraded bool
}

// Router selects adapters from the registry.
type Router struct {
	reg *backend.Registry
}

func New(reg *backend.Registry) *Router {
	return &Router{reg: reg}
}

// Route produces a decision for the request.
//
// An explicitly named backend wins when available; when it is registered
// but unreachable, selection falls back to the automatic path and the
// response is flagged degraded. An unknown name is an error.
func (r *Router) Route(ctx context.Context, req domain.ChatRequest) (Decision, error) {
	if req.Backend != "" {
		b, ok := r.reg.Get(req.Backend)
		if !ok {
			return Decision{}, fmt.Errorf("op=router.route backend=%s: %w", req.Backend, domain.ErrNotFound)
		}
		if b.IsAvailable(ctx) {
			return decisionFor(b, false), nil
		}
		observability.LoggerFromContext(ctx).Warn("explicit backend unavailable, falling back",
			"backend", req.Backend)
		d, err := r.autoSelect(ctx, req, "")
		if err != nil {
			return Decision{}, err
		}
		d.Degraded = true
		return d, nil
	}
	return r.autoSelect(ctx, req, "")
}

// Execute routes the request and invokes the chosen adapter.
func (r *Router) Execute(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	d, err := r.Route(ctx, req)
	if err != nil {
		return domain.ChatResponse{}, err
	}
	return r.ExecuteDecision(ctx, d, req)
}

// ExecuteDecision invokes the decision's adapter. A QueueFull or
// QueueTimeout from a pooled execution triggers exactly one re-selection
// with the saturated adapter excluded; if the cascade cannot produce a
// result, the original error stands.
func (r *Router) ExecuteDecision(ctx context.Context, d Decision, req domain.ChatRequest) (domain.ChatResponse, error) {
	resp, err := d.Backend.Execute(ctx, req)
	if err == nil {
		resp.Degraded = resp.Degraded || d.Degraded
		return resp, nil
	}
	observability.BackendFailuresTotal.WithLabelValues(d.Backend.Name(), failureClass(err)).Inc()
	if !errors.Is(err, domain.ErrQueueFull) && !errors.Is(err, domain.ErrQueueTimeout) {
		return domain.ChatResponse{}, err
	}

	observability.CascadeFallbacksTotal.Inc()
	alt, altErr := r.autoSelect(ctx, req, d.Backend.Name())
	if altErr != nil {
		return domain.ChatResponse{}, err
	}
	resp, retryErr := alt.Backend.Execute(ctx, req)
	if retryErr != nil {
		observability.BackendFailuresTotal.WithLabelValues(alt.Backend.Name(), failureClass(retryErr)).Inc()
		return domain.ChatResponse{}, err
	}
	// Any response served through the cascade is degraded.
	resp.Degraded = true
	return resp, nil
}

func failureClass(err error) string {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, domain.ErrQueueTimeout):
		return "queue_timeout"
	case errors.Is(err, domain.ErrProtocol):
		return "protocol"
	case errors.Is(err, domain.ErrUpstream):
		return "upstream"
	default:
		return "other"
	}
}

// autoSelect runs classification, availability, capacity, and cost sort.
func (r *Router) autoSelect(ctx context.Context, req domain.ChatRequest, exclude string) (Decision, error) {
	toolsRequired := req.ToolsRequired()

	available := r.reg.ListAvailable(ctx)
	if exclude != "" {
		available = without(available, exclude)
	}

	candidates := available
	if toolsRequired {
		candidates = filter(candidates, func(b backend.Backend) bool { return b.SupportsTools() })
	}

	withCapacity := filter(candidates, hasCapacity)

	degraded := false
	if len(withCapacity) == 0 && !toolsRequired {
		// Every capable backend is saturated; plain chat may still be
		// served by the non-tool providers.
		fallback := filter(available, func(b backend.Backend) bool { return !b.SupportsTools() })
		fallback = filter(fallback, hasCapacity)
		if len(fallback) > 0 {
			withCapacity = fallback
			degraded = true
		}
	}
	if len(withCapacity) == 0 {
		return Decision{}, fmt.Errorf("op=router.route: no backend available: %w", domain.ErrNoBackend)
	}

	sort.SliceStable(withCapacity, func(i, j int) bool {
		return withCapacity[i].EstimateCost(req) < withCapacity[j].EstimateCost(req)
	})
	return decisionFor(withCapacity[0], degraded), nil
}

func decisionFor(b backend.Backend, degraded bool) Decision {
	pp, ok := b.(backend.PoolProvider)
	return Decision{Backend: b, Pooled: ok && pp.Pool() != nil, Degraded: degraded}
}

// hasCapacity treats a nil pool like an unpooled backend.
func hasCapacity(b backend.Backend) bool {
	if pp, ok := b.(backend.PoolProvider); ok {
		if p := pp.Pool(); p != nil {
			return !p.WouldReject()
		}
	}
	return true
}

func filter(in []backend.Backend, keep func(backend.Backend) bool) []backend.Backend {
	var out []backend.Backend
	for _, b := range in {
		if keep(b) {
			out = append(out, b)
		}
	}
	return out
}

func without(in []backend.Backend, name string) []backend.Backend {
	return filter(in, func(b backend.Backend) bool { return b.Name() != name })
}
