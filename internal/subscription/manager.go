// Package subscription manages the pool of local-backend credentials:
// seeding from configuration, cached reads, serialized updates, and the
// health map the balancer consumes.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-gateway/internal/config"
	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/observability"
	"github.com/fairyhunter13/llm-gateway/internal/storage"
)

const (
	cacheBound = 100

	// DefaultUsageThreshold is the weekly-usage fraction beyond which a
	// credential stops being healthy for new allocations.
	DefaultUsageThreshold = 0.85
)

// Manager owns credential records. All writes to one credential are
// serialized through a per-id mutex; storage provides no transactions.
type Manager struct {
	store     storage.Store
	cache     *storage.Cache[domain.Subscription]
	threshold float64

	ids []string // configuration order, the tiebreaker downstream

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager seeds credentials from configuration. Existing records keep
// their runtime state; configured identity fields overwrite. A credential
// with a non-positive weekly budget is rejected because the budget is a
// divisor everywhere downstream.
func NewManager(ctx context.Context, store storage.Store, creds []config.CredentialDescriptor) (*Manager, error) {
	m := &Manager{
		store:     store,
		cache:     storage.NewCache[domain.Subscription](cacheBound),
		threshold: DefaultUsageThreshold,
		locks:     make(map[string]*sync.Mutex),
	}
	for _, c := range creds {
		if c.WeeklyBudget <= 0 {
			return nil, fmt.Errorf("op=subscription.init id=%s: weekly_budget must be positive: %w", c.ID, domain.ErrInvalidArgument)
		}
		if err := m.seed(ctx, c); err != nil {
			return nil, err
		}
		m.ids = append(m.ids, c.ID)
	}
	return m, nil
}

func (m *Manager) seed(ctx context.Context, c config.CredentialDescriptor) error {
	key := storage.KeySubscriptionPrefix + c.ID
	var existing domain.Subscription
	found, err := m.store.Get(ctx, key, &existing)
	if err != nil {
		return fmt.Errorf("op=subscription.init id=%s: %w", c.ID, err)
	}

	var sub domain.Subscription
	if found {
		sub = existing
		sub.Email = c.Email
		sub.Type = c.Type
		sub.ConfigDir = c.ConfigDir
		sub.WeeklyBudget = c.WeeklyBudget
		sub.MaxClients = c.MaxClients
	} else {
		sub = domain.Subscription{
			ID:              c.ID,
			Email:           c.Email,
			Type:            c.Type,
			ConfigDir:       c.ConfigDir,
			WeeklyBudget:    c.WeeklyBudget,
			MaxClients:      c.MaxClients,
			AssignedClients: []string{},
			HealthScore:     100,
			Status:          domain.StatusAvailable,
			CreatedAt:       time.Now().UTC(),
		}
	}
	if err := m.store.Set(ctx, key, sub); err != nil {
		return fmt.Errorf("op=subscription.init id=%s: %w", c.ID, err)
	}
	m.cache.Put(c.ID, sub)
	return nil
}

// IDs returns credential ids in configuration order.
func (m *Manager) IDs() []string {
	out := make([]string, len(m.ids))
	copy(out, m.ids)
	return out
}

// Get returns one credential, cache first.
func (m *Manager) Get(ctx context.Context, id string) (domain.Subscription, error) {
	if sub, ok := m.cache.Get(id); ok {
		return sub, nil
	}
	var sub domain.Subscription
	found, err := m.store.Get(ctx, storage.KeySubscriptionPrefix+id, &sub)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("op=subscription.get id=%s: %w", id, err)
	}
	if !found {
		return domain.Subscription{}, fmt.Errorf("op=subscription.get id=%s: %w", id, domain.ErrNotFound)
	}
	m.cache.Put(id, sub)
	return sub, nil
}

// GetAll returns all configured credentials in configuration order.
func (m *Manager) GetAll(ctx context.Context) ([]domain.Subscription, error) {
	out := make([]domain.Subscription, 0, len(m.ids))
	for _, id := range m.ids {
		sub, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// Update applies fn under the credential's write lock and persists the
// result. fn sees the freshest stored copy, not the cache.
func (m *Manager) Update(ctx context.Context, id string, fn func(*domain.Subscription) error) (domain.Subscription, error) {
	tracer := otel.Tracer("subscription.manager")
	ctx, span := tracer.Start(ctx, "subscription.Update")
	defer span.End()
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var sub domain.Subscription
	found, err := m.store.Get(ctx, storage.KeySubscriptionPrefix+id, &sub)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("op=subscription.update id=%s: %w", id, err)
	}
	if !found {
		return domain.Subscription{}, fmt.Errorf("op=subscription.update id=%s: %w", id, domain.ErrNotFound)
	}
	if err := fn(&sub); err != nil {
		return domain.Subscription{}, fmt.Errorf("op=subscription.update id=%s: %w", id, err)
	}
	if sub.MaxClients > 0 && len(sub.AssignedClients) > sub.MaxClients {
		return domain.Subscription{}, fmt.Errorf("op=subscription.update id=%s: assigned clients %d exceed max %d: %w",
			id, len(sub.AssignedClients), sub.MaxClients, domain.ErrConflict)
	}
	if err := m.store.Set(ctx, storage.KeySubscriptionPrefix+id, sub); err != nil {
		return domain.Subscription{}, fmt.Errorf("op=subscription.update id=%s: %w", id, err)
	}
	m.cache.Put(id, sub)
	observability.SubscriptionWeeklyUsed.WithLabelValues(id).Set(sub.WeeklyUsed)
	return sub, nil
}

// HealthCheck maps each credential id to a coarse is-healthy bit: not
// limited or cooling down, below the usage threshold, and with client
// slots free.
func (m *Manager) HealthCheck(ctx context.Context) (map[string]bool, error) {
	subs, err := m.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(subs))
	for _, s := range subs {
		out[s.ID] = m.isHealthy(s)
	}
	return out, nil
}

func (m *Manager) isHealthy(s domain.Subscription) bool {
	if s.Status == domain.StatusLimited || s.Status == domain.StatusCooldown {
		return false
	}
	if s.WeeklyUsed/s.WeeklyBudget >= m.threshold {
		return false
	}
	if s.MaxClients > 0 && len(s.AssignedClients) >= s.MaxClients {
		return false
	}
	return true
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.locks[id] = l
	return l
}
