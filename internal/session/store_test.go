package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/session"
	"github.com/fairyhunter13/llm-gateway/internal/storage"
)

func newStore() (*session.Store, storage.Store) {
	mem := storage.NewMemory(0)
	return session.NewStore(mem), mem
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore()

	created, err := s.Create(ctx, "client-1", "sub-a", "10.0.0.1", "curl/8")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, created.Status)
	assert.Equal(t, "sub-a", created.SubscriptionID)

	got, err := s.Get(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "10.0.0.1", got.ClientIP)
}

func TestCreate_DuplicateIsConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore()

	_, err := s.Create(ctx, "client-1", "sub-a", "", "")
	require.NoError(t, err)
	_, err = s.Create(ctx, "client-1", "sub-b", "", "")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestGet_Missing(t *testing.T) {
	t.Parallel()
	s, _ := newStore()
	_, err := s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdate_BumpsLastActivity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore()

	created, err := s.Create(ctx, "client-1", "sub-a", "", "")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	updated, err := s.Update(ctx, "client-1", func(sess *domain.ClientSession) error {
		sess.SessionCost += 0.5
		sess.RequestCount++
		return nil
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, updated.SessionCost, 1e-9)
	assert.EqualValues(t, 1, updated.RequestCount)
	assert.True(t, updated.LastActivity.After(created.LastActivity))
}

func TestDelete_RemovesSessionAndIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mem := newStore()

	_, err := s.Create(ctx, "client-1", "sub-a", "", "")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "client-1"))

	_, err = s.Get(ctx, "client-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	ids, err := mem.GetIndex(ctx, storage.IndexSessionsBySub+"sub-a")
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Idempotent.
	assert.NoError(t, s.Delete(ctx, "client-1"))
}

func TestGetBySubscription_SkipsMissingRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mem := newStore()

	_, err := s.Create(ctx, "client-1", "sub-a", "", "")
	require.NoError(t, err)
	_, err = s.Create(ctx, "client-2", "sub-a", "", "")
	require.NoError(t, err)
	// Simulate the partial-write case: index entry without a record.
	require.NoError(t, mem.AddToIndex(ctx, storage.IndexSessionsBySub+"sub-a", "phantom"))

	sessions, err := s.GetBySubscription(ctx, "sub-a")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestMarkStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mem := newStore()

	_, err := s.Create(ctx, "old-idle", "sub-a", "", "")
	require.NoError(t, err)
	_, err = s.Create(ctx, "fresh-idle", "sub-a", "", "")
	require.NoError(t, err)
	_, err = s.Create(ctx, "old-active", "sub-a", "", "")
	require.NoError(t, err)

	age := func(id string, status domain.SessionStatus, last time.Time) {
		var sess domain.ClientSession
		_, err := mem.Get(ctx, storage.KeySessionPrefix+id, &sess)
		require.NoError(t, err)
		sess.Status = status
		sess.LastActivity = last
		require.NoError(t, mem.Set(ctx, storage.KeySessionPrefix+id, sess))
	}
	past := time.Now().UTC().Add(-time.Hour)
	age("old-idle", domain.SessionIdle, past)
	age("fresh-idle", domain.SessionIdle, time.Now().UTC())
	age("old-active", domain.SessionActive, past)

	n, err := s.MarkStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "old-idle")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStale, got.Status)
	got, err = s.Get(ctx, "old-active")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, got.Status)
}

func TestReassign_MovesIndexAndResetsCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mem := newStore()

	_, err := s.Create(ctx, "client-1", "sub-a", "", "")
	require.NoError(t, err)
	_, err = s.Update(ctx, "client-1", func(sess *domain.ClientSession) error {
		sess.SessionCost = 3.5
		sess.SessionTokens = 900
		sess.RequestCount = 7
		return nil
	})
	require.NoError(t, err)

	moved, err := s.Reassign(ctx, "client-1", "sub-b")
	require.NoError(t, err)
	assert.Equal(t, "sub-b", moved.SubscriptionID)
	assert.Zero(t, moved.SessionCost)
	assert.Zero(t, moved.SessionTokens)
	assert.Zero(t, moved.RequestCount)

	oldIdx, err := mem.GetIndex(ctx, storage.IndexSessionsBySub+"sub-a")
	require.NoError(t, err)
	assert.Empty(t, oldIdx)
	newIdx, err := mem.GetIndex(ctx, storage.IndexSessionsBySub+"sub-b")
	require.NoError(t, err)
	assert.Equal(t, []string{"client-1"}, newIdx)
}

func TestReassign_Missing(t *testing.T) {
	t.Parallel()
	s, _ := newStore()
	_, err := s.Reassign(context.Background(), "ghost", "sub-b")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
