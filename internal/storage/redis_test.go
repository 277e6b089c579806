package storage_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-gateway/internal/storage"
)

func newRedisStore(t *testing.T) *storage.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := storage.NewRedis(context.Background(), mr.Addr(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRedis_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newRedisStore(t)

	require.NoError(t, st.Set(ctx, "session:c1", map[string]string{"id": "c1"}))
	var got map[string]string
	ok, err := st.Get(ctx, "session:c1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c1", got["id"])

	ok, err = st.Get(ctx, "session:absent", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_ListAndIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newRedisStore(t)

	require.NoError(t, st.Set(ctx, "usage:s1:100", 1))
	require.NoError(t, st.Set(ctx, "usage:s1:200", 2))
	require.NoError(t, st.Set(ctx, "usage:s2:300", 3))

	keys, err := st.List(ctx, "usage:s1:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"usage:s1:100", "usage:s1:200"}, keys)

	require.NoError(t, st.AddToIndex(ctx, "index:usage_by_day:20260301", "s1"))
	require.NoError(t, st.AddToIndex(ctx, "index:usage_by_day:20260301", "s1"))
	vals, err := st.GetIndex(ctx, "index:usage_by_day:20260301")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, vals)

	require.NoError(t, st.RemoveFromIndex(ctx, "index:usage_by_day:20260301", "absent"))
}

func TestRedis_GetBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newRedisStore(t)

	require.NoError(t, st.SetBatch(ctx, map[string]any{"a": "x", "b": "y"}))
	got, err := st.GetBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
