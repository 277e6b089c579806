package balancer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-gateway/internal/balancer"
	"github.com/fairyhunter13/llm-gateway/internal/config"
	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/notify"
	"github.com/fairyhunter13/llm-gateway/internal/session"
	"github.com/fairyhunter13/llm-gateway/internal/storage"
	"github.com/fairyhunter13/llm-gateway/internal/subscription"
)

type fixture struct {
	store    storage.Store
	subs     *subscription.Manager
	sessions *session.Store
	bal      *balancer.Balancer
}

func newFixture(t *testing.T, opts balancer.Options, ids ...string) *fixture {
	t.Helper()
	store := storage.NewMemory(0)
	var creds []config.CredentialDescriptor
	for _, id := range ids {
		creds = append(creds, config.CredentialDescriptor{
			ID: id, ConfigDir: "/creds/" + id, WeeklyBudget: 100, MaxClients: 4,
		})
	}
	subs, err := subscription.NewManager(context.Background(), store, creds)
	require.NoError(t, err)
	sessions := session.NewStore(store)
	return &fixture{
		store:    store,
		subs:     subs,
		sessions: sessions,
		bal:      balancer.New(subs, sessions, notify.New(nil), opts),
	}
}

func (f *fixture) tweak(t *testing.T, id string, fn func(*domain.Subscription)) {
	t.Helper()
	_, err := f.subs.Update(context.Background(), id, func(s *domain.Subscription) error {
		fn(s)
		return nil
	})
	require.NoError(t, err)
}

func TestSelect_PicksHealthiest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, balancer.Options{}, "a", "b")
	f.tweak(t, "a", func(s *domain.Subscription) { s.WeeklyUsed = 50 })

	alloc, err := f.bal.Select(context.Background())
	require.NoError(t, err)
	assert.False(t, alloc.Fallback)
	assert.Equal(t, "b", alloc.SubscriptionID)
	assert.Equal(t, "/creds/b", alloc.ConfigDir)
}

func TestSelect_TieBrokenByConfigurationOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, balancer.Options{}, "z", "a")

	alloc, err := f.bal.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "z", alloc.SubscriptionID)
}

func TestSelect_Safeguards(t *testing.T) {
	t.Parallel()
	f := newFixture(t, balancer.Options{}, "limited", "over", "full", "ok")
	f.tweak(t, "limited", func(s *domain.Subscription) { s.Status = domain.StatusLimited })
	f.tweak(t, "over", func(s *domain.Subscription) { s.WeeklyUsed = 85 })
	f.tweak(t, "full", func(s *domain.Subscription) { s.AssignedClients = []string{"1", "2", "3", "4"} })

	alloc, err := f.bal.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", alloc.SubscriptionID)
}

func TestSelect_ExhaustedWithoutFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, balancer.Options{}, "a")
	f.tweak(t, "a", func(s *domain.Subscription) { s.WeeklyUsed = 86 })

	_, err := f.bal.Select(context.Background())
	assert.ErrorIs(t, err, domain.ErrExhausted)
}

func TestSelect_FallbackWhenEnabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, balancer.Options{FallbackEnabled: true}, "a")
	f.tweak(t, "a", func(s *domain.Subscription) { s.WeeklyUsed = 86 })

	alloc, err := f.bal.Select(context.Background())
	require.NoError(t, err)
	assert.True(t, alloc.Fallback)
	assert.NotEmpty(t, alloc.Reason)
}

func TestAllocate_CreatesSessionAndAssigns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, balancer.Options{}, "a")

	alloc, err := f.bal.Allocate(ctx, "client-1", "10.0.0.9", "agent")
	require.NoError(t, err)
	assert.Equal(t, "a", alloc.SubscriptionID)

	sess, err := f.sessions.Get(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "a", sess.SubscriptionID)

	sub, err := f.subs.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, sub.HasClient("client-1"))
}

func TestDeallocate_RemovesSessionAndAssignment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, balancer.Options{}, "a")

	_, err := f.bal.Allocate(ctx, "client-1", "", "")
	require.NoError(t, err)
	require.NoError(t, f.bal.Deallocate(ctx, "client-1"))

	_, err = f.sessions.Get(ctx, "client-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	sub, err := f.subs.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, sub.HasClient("client-1"))

	// Idempotent.
	assert.NoError(t, f.bal.Deallocate(ctx, "client-1"))
}

func TestRebalance_MovesIdleSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, balancer.Options{CostGapThreshold: 5, MaxPerCycle: 3}, "hot", "cool")

	for _, id := range []string{"idle-1", "idle-2", "active-1"} {
		_, err := f.sessions.Create(ctx, id, "hot", "", "")
		require.NoError(t, err)
	}
	for _, id := range []string{"idle-1", "idle-2"} {
		_, err := f.sessions.Update(ctx, id, func(s *domain.ClientSession) error {
			s.Status = domain.SessionIdle
			return nil
		})
		require.NoError(t, err)
	}
	f.tweak(t, "hot", func(s *domain.Subscription) {
		s.CurrentBlockID = "2026-03-01T10:00:00.000Z"
		s.CurrentBlockCost = 30
		s.AssignedClients = []string{"idle-1", "idle-2", "active-1"}
	})
	f.tweak(t, "cool", func(s *domain.Subscription) {
		s.CurrentBlockID = "2026-03-01T10:00:00.000Z"
		s.CurrentBlockCost = 5
	})

	res, err := f.bal.Rebalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Moved)
	assert.Equal(t, "hot", res.From)
	assert.Equal(t, "cool", res.To)

	hot, _ := f.subs.Get(ctx, "hot")
	cool, _ := f.subs.Get(ctx, "cool")
	assert.Equal(t, []string{"active-1"}, hot.AssignedClients)
	assert.ElementsMatch(t, []string{"idle-1", "idle-2"}, cool.AssignedClients)

	moved, err := f.sessions.Get(ctx, "idle-1")
	require.NoError(t, err)
	assert.Equal(t, "cool", moved.SubscriptionID)
	stayed, err := f.sessions.Get(ctx, "active-1")
	require.NoError(t, err)
	assert.Equal(t, "hot", stayed.SubscriptionID)
}

func TestRebalance_NoOpCases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("single active block", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, balancer.Options{}, "a", "b")
		f.tweak(t, "a", func(s *domain.Subscription) { s.CurrentBlockID = "x"; s.CurrentBlockCost = 30 })
		res, err := f.bal.Rebalance(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Moved)
	})

	t.Run("gap below threshold", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, balancer.Options{CostGapThreshold: 5}, "a", "b")
		f.tweak(t, "a", func(s *domain.Subscription) { s.CurrentBlockID = "x"; s.CurrentBlockCost = 8 })
		f.tweak(t, "b", func(s *domain.Subscription) { s.CurrentBlockID = "x"; s.CurrentBlockCost = 5 })
		res, err := f.bal.Rebalance(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Moved)
	})

	t.Run("no idle sessions", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, balancer.Options{CostGapThreshold: 5}, "a", "b")
		f.tweak(t, "a", func(s *domain.Subscription) { s.CurrentBlockID = "x"; s.CurrentBlockCost = 30 })
		f.tweak(t, "b", func(s *domain.Subscription) { s.CurrentBlockID = "x"; s.CurrentBlockCost = 5 })
		res, err := f.bal.Rebalance(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Moved)
	})
}
