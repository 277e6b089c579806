package storage_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-gateway/internal/storage"
)

func TestMemory_SetGetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory(0)

	type rec struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	require.NoError(t, st.Set(ctx, "subscription:a", rec{Name: "alice", N: 3}))

	var got rec
	ok, err := st.Get(ctx, "subscription:a", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Name)
	assert.Equal(t, 3, got.N)

	require.NoError(t, st.Delete(ctx, "subscription:a"))
	ok, err = st.Get(ctx, "subscription:a", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_ListPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory(0)
	require.NoError(t, st.Set(ctx, "session:c1", 1))
	require.NoError(t, st.Set(ctx, "session:c2", 2))
	require.NoError(t, st.Set(ctx, "subscription:a", 3))

	keys, err := st.List(ctx, "session:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"session:c1", "session:c2"}, keys)
}

func TestMemory_IndexSetSemantics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory(0)

	require.NoError(t, st.AddToIndex(ctx, "index:x", "v1"))
	require.NoError(t, st.AddToIndex(ctx, "index:x", "v1")) // duplicate collapses
	require.NoError(t, st.AddToIndex(ctx, "index:x", "v2"))

	vals, err := st.GetIndex(ctx, "index:x")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v1", "v2"}, vals)

	// Removal is idempotent, absent value is a no-op.
	require.NoError(t, st.RemoveFromIndex(ctx, "index:x", "v1"))
	require.NoError(t, st.RemoveFromIndex(ctx, "index:x", "v1"))
	require.NoError(t, st.RemoveFromIndex(ctx, "index:x", "missing"))

	vals, err = st.GetIndex(ctx, "index:x")
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, vals)
}

func TestMemory_FIFOEviction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory(100)
	for i := 0; i < 101; i++ {
		require.NoError(t, st.Set(ctx, fmt.Sprintf("k:%03d", i), i))
	}
	// Exceeding the bound evicts a 10% batch of the oldest-inserted keys.
	assert.Equal(t, 91, st.Len())
	ok, err := st.Get(ctx, "k:000", nil)
	require.NoError(t, err)
	assert.False(t, ok, "oldest key should be evicted")
	ok, err = st.Get(ctx, "k:100", nil)
	require.NoError(t, err)
	assert.True(t, ok, "newest key must survive")
}

func TestMemory_BatchOps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory(0)
	require.NoError(t, st.SetBatch(ctx, map[string]any{"a": 1, "b": 2}))

	got, err := st.GetBatch(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.JSONEq(t, "1", string(got["a"]))
}

func TestMemory_CloseRemovesEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory(0)
	require.NoError(t, st.Set(ctx, "k", "v"))
	require.NoError(t, st.Close())
	assert.Equal(t, 0, st.Len())
	require.Error(t, st.Set(ctx, "k", "v"))
}
