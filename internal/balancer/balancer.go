// Package balancer assigns client sessions to credentials by health score
// and periodically levels load between credentials by moving idle
// sessions from the hottest block to the coolest.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/health"
	"github.com/fairyhunter13/llm-gateway/internal/notify"
	"github.com/fairyhunter13/llm-gateway/internal/observability"
	"github.com/fairyhunter13/llm-gateway/internal/session"
	"github.com/fairyhunter13/llm-gateway/internal/subscription"
)

// Allocation is the outcome of a credential selection.
type Allocation struct {
	Fallback       bool
	SubscriptionID string
	ConfigDir      string
	Reason         string
}

// RebalanceResult reports one rebalance pass.
type RebalanceResult struct {
	Moved int
	From  string
	To    string
}

// Options tune the safeguards and the rebalance pass.
type Options struct {
	UsageThreshold   float64 // weekly share above which a credential is skipped; default 0.85
	CostGapThreshold float64 // minimum H-L block cost gap to act on; default 5.0
	MaxPerCycle      int     // session moves per rebalance pass; default 3
	FallbackEnabled  bool
}

func (o *Options) fill() {
	if o.UsageThreshold <= 0 {
		o.UsageThreshold = subscription.DefaultUsageThreshold
	}
	if o.CostGapThreshold <= 0 {
		o.CostGapThreshold = 5.0
	}
	if o.MaxPerCycle <= 0 {
		o.MaxPerCycle = 3
	}
}

// Balancer mediates between the subscription manager and session store.
type Balancer struct {
	subs     *subscription.Manager
	sessions *session.Store
	notifier *notify.Manager
	opts     Options
}

func New(subs *subscription.Manager, sessions *session.Store, notifier *notify.Manager, opts Options) *Balancer {
	opts.fill()
	return &Balancer{subs: subs, sessions: sessions, notifier: notifier, opts: opts}
}

// Select picks the healthiest credential that passes the safeguards.
// When every credential fails them, the result is a fallback marker if
// the fallback policy allows, else ErrExhausted.
func (b *Balancer) Select(ctx context.Context) (Allocation, error) {
	subs, err := b.subs.GetAll(ctx)
	if err != nil {
		return Allocation{}, fmt.Errorf("op=balancer.select: %w", err)
	}

	var survivors []domain.Subscription
	for _, s := range subs {
		if s.Status == domain.StatusLimited || s.Status == domain.StatusCooldown {
			continue
		}
		if s.WeeklyUsed/s.WeeklyBudget >= b.opts.UsageThreshold {
			continue
		}
		if s.MaxClients > 0 && len(s.AssignedClients) >= s.MaxClients {
			continue
		}
		survivors = append(survivors, s)
	}
	if len(survivors) == 0 {
		reason := "all credentials limited, saturated, or over budget threshold"
		if b.opts.FallbackEnabled {
			b.notifier.NotifyFailover(ctx, reason)
			return Allocation{Fallback: true, Reason: reason}, nil
		}
		return Allocation{}, fmt.Errorf("op=balancer.select: %s: %w", reason, domain.ErrExhausted)
	}

	scores := make(map[string]float64, len(survivors))
	for _, s := range survivors {
		scores[s.ID] = health.Score(s)
		observability.SubscriptionHealth.WithLabelValues(s.ID).Set(scores[s.ID])
	}
	// Stable sort keeps configuration order for equal scores.
	sort.SliceStable(survivors, func(i, j int) bool {
		return scores[survivors[i].ID] > scores[survivors[j].ID]
	})
	best := survivors[0]
	return Allocation{SubscriptionID: best.ID, ConfigDir: best.ConfigDir}, nil
}

// Allocate selects a credential and binds clientID to it. Fallback
// results pass through untouched, with no session created.
func (b *Balancer) Allocate(ctx context.Context, clientID, clientIP, userAgent string) (Allocation, error) {
	alloc, err := b.Select(ctx)
	if err != nil || alloc.Fallback {
		return alloc, err
	}

	if _, err := b.sessions.Create(ctx, clientID, alloc.SubscriptionID, clientIP, userAgent); err != nil {
		return Allocation{}, fmt.Errorf("op=balancer.allocate client=%s: %w", clientID, err)
	}
	_, err = b.subs.Update(ctx, alloc.SubscriptionID, func(s *domain.Subscription) error {
		if !s.HasClient(clientID) {
			s.AssignedClients = append(s.AssignedClients, clientID)
		}
		return nil
	})
	if err != nil {
		return Allocation{}, fmt.Errorf("op=balancer.allocate client=%s: %w", clientID, err)
	}
	return alloc, nil
}

// Deallocate unbinds the client. Unknown clients are a no-op.
func (b *Balancer) Deallocate(ctx context.Context, clientID string) error {
	sess, err := b.sessions.Get(ctx, clientID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("op=balancer.deallocate client=%s: %w", clientID, err)
	}
	if err := b.sessions.Delete(ctx, clientID); err != nil {
		return fmt.Errorf("op=balancer.deallocate client=%s: %w", clientID, err)
	}
	_, err = b.subs.Update(ctx, sess.SubscriptionID, func(s *domain.Subscription) error {
		s.AssignedClients = removeString(s.AssignedClients, clientID)
		return nil
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("op=balancer.deallocate client=%s: %w", clientID, err)
	}
	return nil
}

// Rebalance moves idle sessions from the most expensive active block to
// the least expensive one. Individual moves may fail without aborting
// the pass.
func (b *Balancer) Rebalance(ctx context.Context) (RebalanceResult, error) {
	subs, err := b.subs.GetAll(ctx)
	if err != nil {
		return RebalanceResult{}, fmt.Errorf("op=balancer.rebalance: %w", err)
	}

	var active []domain.Subscription
	for _, s := range subs {
		if s.CurrentBlockID != "" {
			active = append(active, s)
		}
	}
	if len(active) < 2 {
		return RebalanceResult{}, nil
	}

	sort.SliceStable(active, func(i, j int) bool {
		return active[i].CurrentBlockCost < active[j].CurrentBlockCost
	})
	least, most := active[0], active[len(active)-1]
	if most.CurrentBlockCost-least.CurrentBlockCost < b.opts.CostGapThreshold {
		return RebalanceResult{}, nil
	}

	sessions, err := b.sessions.GetBySubscription(ctx, most.ID)
	if err != nil {
		return RebalanceResult{}, fmt.Errorf("op=balancer.rebalance: %w", err)
	}
	var idle []domain.ClientSession
	for _, s := range sessions {
		if s.Status == domain.SessionIdle {
			idle = append(idle, s)
		}
	}

	budget := b.opts.MaxPerCycle
	if free := least.MaxClients - len(least.AssignedClients); least.MaxClients > 0 && free < budget {
		budget = free
	}
	if len(idle) < budget {
		budget = len(idle)
	}
	if budget <= 0 {
		return RebalanceResult{}, nil
	}

	logger := observability.LoggerFromContext(ctx)
	res := RebalanceResult{From: most.ID, To: least.ID}
	for _, sess := range idle[:budget] {
		if err := b.move(ctx, sess.ID, most.ID, least.ID); err != nil {
			logger.Warn("rebalance move failed",
				"client_id", sess.ID, "from", most.ID, "to", least.ID, "error", err)
			continue
		}
		b.notifier.NotifyRotation(ctx, sess.ID, most.ID, least.ID)
		res.Moved++
	}
	if res.Moved > 0 {
		logger.Info("rebalanced sessions",
			"moved", res.Moved, "from", most.ID, "to", least.ID)
	}
	return res, nil
}

func (b *Balancer) move(ctx context.Context, clientID, fromID, toID string) error {
	if _, err := b.sessions.Reassign(ctx, clientID, toID); err != nil {
		return err
	}
	if _, err := b.subs.Update(ctx, fromID, func(s *domain.Subscription) error {
		s.AssignedClients = removeString(s.AssignedClients, clientID)
		return nil
	}); err != nil {
		return err
	}
	_, err := b.subs.Update(ctx, toID, func(s *domain.Subscription) error {
		if !s.HasClient(clientID) {
			s.AssignedClients = append(s.AssignedClients, clientID)
		}
		return nil
	})
	return err
}

func removeString(in []string, v string) []string {
	out := in[:0]
	for _, s := range in {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
