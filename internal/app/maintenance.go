package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/llm-gateway/internal/balancer"
	"github.com/fairyhunter13/llm-gateway/internal/config"
	"github.com/fairyhunter13/llm-gateway/internal/observability"
	"github.com/fairyhunter13/llm-gateway/internal/session"
)

// Maintenance owns the periodic session sweep and rebalance loops.
type Maintenance struct {
	Cfg      config.Config
	Sessions *session.Store
	Balancer *balancer.Balancer

	rebalancing atomic.Bool
}

// Run blocks until ctx is cancelled, driving both loops on their
// configured cadences.
func (m *Maintenance) Run(ctx context.Context) {
	sweep := time.NewTicker(m.Cfg.StaleSweepInterval)
	defer sweep.Stop()
	rebalance := time.NewTicker(m.Cfg.RebalanceInterval)
	defer rebalance.Stop()

	logger := observability.LoggerFromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			idled, err := m.Sessions.MarkIdle(ctx, m.Cfg.SessionIdleAfter)
			if err != nil {
				logger.Warn("idle sweep failed", "error", err)
			}
			staled, err := m.Sessions.MarkStale(ctx, m.Cfg.SessionStaleAfter)
			if err != nil {
				logger.Warn("stale sweep failed", "error", err)
			}
			if idled > 0 || staled > 0 {
				logger.Info("session sweep", "idled", idled, "staled", staled)
			}
		case <-rebalance.C:
			// A pass that outlives its interval must not overlap the next.
			if !m.rebalancing.CompareAndSwap(false, true) {
				continue
			}
			if _, err := m.Balancer.Rebalance(ctx); err != nil {
				logger.Warn("rebalance failed", "error", err)
			}
			m.rebalancing.Store(false)
		}
	}
}
