package pool_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/pool"
)

func blockingTask(release <-chan struct{}, started *atomic.Int32) pool.Task {
	return func(ctx context.Context) (domain.ChatResponse, error) {
		if started != nil {
			started.Add(1)
		}
		select {
		case <-release:
			return domain.ChatResponse{ID: "ok"}, nil
		case <-ctx.Done():
			return domain.ChatResponse{}, ctx.Err()
		}
	}
}

func TestPool_AdmissionOverflow(t *testing.T) {
	t.Parallel()
	p := pool.New(pool.Config{MaxConcurrent: 1, QueueDepth: 1})
	ctx := context.Background()
	release := make(chan struct{})

	_, err := p.Submit(ctx, blockingTask(release, nil))
	require.NoError(t, err, "first runs")
	_, err = p.Submit(ctx, blockingTask(release, nil))
	require.NoError(t, err, "second queues")
	_, err = p.Submit(ctx, blockingTask(release, nil))
	require.ErrorIs(t, err, domain.ErrQueueFull, "third refused")

	close(release)
}

func TestPool_FIFODispatchOrder(t *testing.T) {
	t.Parallel()
	p := pool.New(pool.Config{MaxConcurrent: 1, QueueDepth: 3})
	ctx := context.Background()

	var order []string
	gate := make(chan struct{})
	mk := func(name string) pool.Task {
		return func(context.Context) (domain.ChatResponse, error) {
			<-gate
			order = append(order, name)
			return domain.ChatResponse{}, nil
		}
	}
	futs := make([]*pool.Future, 0, 4)
	for _, name := range []string{"a", "b", "c", "d"} {
		f, err := p.Submit(ctx, mk(name))
		require.NoError(t, err)
		futs = append(futs, f)
	}
	close(gate)
	for _, f := range futs {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestPool_SingleDrainerStartsExactlyOne(t *testing.T) {
	t.Parallel()
	p := pool.New(pool.Config{MaxConcurrent: 2, QueueDepth: 4})
	ctx := context.Background()

	var started atomic.Int32
	releaseFirst := make(chan struct{})
	releaseRest := make(chan struct{})

	f1, err := p.Submit(ctx, blockingTask(releaseFirst, &started))
	require.NoError(t, err)
	_, err = p.Submit(ctx, blockingTask(releaseRest, &started))
	require.NoError(t, err)
	// Two queued items behind a full pool.
	_, err = p.Submit(ctx, blockingTask(releaseRest, &started))
	require.NoError(t, err)
	_, err = p.Submit(ctx, blockingTask(releaseRest, &started))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, 5*time.Millisecond)

	close(releaseFirst)
	_, err = f1.Wait(ctx)
	require.NoError(t, err)

	// One slot freed: exactly one queued item begins, not two.
	require.Eventually(t, func() bool { return started.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), started.Load())

	close(releaseRest)
}

func TestPool_QueueItemTimeout(t *testing.T) {
	t.Parallel()
	p := pool.New(pool.Config{
		MaxConcurrent:    1,
		QueueDepth:       1,
		QueueItemTimeout: 20 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
	})
	ctx := context.Background()
	release := make(chan struct{})
	defer close(release)

	_, err := p.Submit(ctx, blockingTask(release, nil))
	require.NoError(t, err)
	queued, err := p.Submit(ctx, blockingTask(release, nil))
	require.NoError(t, err)

	_, err = queued.Wait(ctx)
	require.ErrorIs(t, err, domain.ErrQueueTimeout)
}

func TestPool_ShutdownFailsQueuedAndRefusesNew(t *testing.T) {
	t.Parallel()
	p := pool.New(pool.Config{MaxConcurrent: 1, QueueDepth: 2})
	ctx := context.Background()
	release := make(chan struct{})

	running, err := p.Submit(ctx, blockingTask(release, nil))
	require.NoError(t, err)
	queued, err := p.Submit(ctx, blockingTask(release, nil))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- p.Shutdown(sctx)
	}()

	_, err = queued.Wait(ctx)
	require.ErrorIs(t, err, domain.ErrPoolClosed)

	_, err = p.Submit(ctx, blockingTask(release, nil))
	require.ErrorIs(t, err, domain.ErrPoolClosed)

	close(release)
	_, err = running.Wait(ctx)
	require.NoError(t, err, "in-flight work completes during grace")
	require.NoError(t, <-done)
}

func TestPool_StatsAndUtilization(t *testing.T) {
	t.Parallel()
	p := pool.New(pool.Config{MaxConcurrent: 2, QueueDepth: 2})
	ctx := context.Background()
	release := make(chan struct{})

	f, err := p.Submit(ctx, blockingTask(release, nil))
	require.NoError(t, err)

	st := p.Stats()
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 0, st.Queued)
	assert.InDelta(t, 0.5, st.Utilization, 1e-9)

	close(release)
	_, err = f.Wait(ctx)
	require.NoError(t, err)

	st = p.Stats()
	assert.Equal(t, int64(1), st.Processed)
	assert.Equal(t, int64(0), st.Failed)
}

func TestPool_FailedTaskCounted(t *testing.T) {
	t.Parallel()
	p := pool.New(pool.Config{MaxConcurrent: 1, QueueDepth: 0})
	_, err := p.Do(context.Background(), func(context.Context) (domain.ChatResponse, error) {
		return domain.ChatResponse{}, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), p.Stats().Failed)
}
