package sessionpool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/service/sessionpool"
)

func countingLoader(loads *atomic.Int64) sessionpool.Loader {
	return func(context.Context) (string, any, func(context.Context) error, error) {
		loads.Add(1)
		return "p1", "handle", nil, nil
	}
}

func TestPool_AcquireLoadsOnce(t *testing.T) {
	t.Parallel()
	p := sessionpool.New(4, time.Minute)
	key := sessionpool.Key{TenantID: "acme", ModelID: "m1"}
	var loads atomic.Int64
	ctx := context.Background()

	sess, loaded, err := p.Acquire(ctx, key, countingLoader(&loads))
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "handle", sess.Handle)
	sess.Release()

	sess2, loaded, err := p.Acquire(ctx, key, countingLoader(&loads))
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, int64(1), loads.Load())
	sess2.Release()
}

func TestPool_ConcurrentAcquireSingleFlight(t *testing.T) {
	t.Parallel()
	p := sessionpool.New(4, time.Minute)
	key := sessionpool.Key{TenantID: "acme", ModelID: "m1"}
	var loads atomic.Int64
	slow := func(ctx context.Context) (string, any, func(context.Context) error, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "p1", "handle", nil, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, _, err := p.Acquire(context.Background(), key, slow)
			assert.NoError(t, err)
			sess.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), loads.Load())
}

func TestPool_FailedLoadCachesNothing(t *testing.T) {
	t.Parallel()
	p := sessionpool.New(4, time.Minute)
	key := sessionpool.Key{TenantID: "acme", ModelID: "m1"}
	boom := errors.New("warm-up failed")
	failing := func(context.Context) (string, any, func(context.Context) error, error) {
		return "", nil, nil, boom
	}

	_, _, err := p.Acquire(context.Background(), key, failing)
	require.Error(t, err)
	assert.Equal(t, domain.CodeProviderInitFailed, domain.CodeOf(err))
	require.ErrorIs(t, err, boom)

	// The next acquire retries the load.
	var loads atomic.Int64
	_, loaded, err := p.Acquire(context.Background(), key, countingLoader(&loads))
	require.NoError(t, err)
	assert.True(t, loaded)
}

func TestPool_LRUEviction(t *testing.T) {
	t.Parallel()
	p := sessionpool.New(2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })
	ctx := context.Background()

	closed := make(map[string]bool)
	var mu sync.Mutex
	loader := func(id string) sessionpool.Loader {
		return func(context.Context) (string, any, func(context.Context) error, error) {
			return "p1", id, func(context.Context) error {
				mu.Lock()
				closed[id] = true
				mu.Unlock()
				return nil
			}, nil
		}
	}

	s1, _, err := p.Acquire(ctx, sessionpool.Key{TenantID: "a", ModelID: "m"}, loader("s1"))
	require.NoError(t, err)
	s1.Release()

	now = now.Add(time.Second)
	s2, _, err := p.Acquire(ctx, sessionpool.Key{TenantID: "b", ModelID: "m"}, loader("s2"))
	require.NoError(t, err)
	s2.Release()

	// Third insert evicts the least recently used idle entry (s1).
	now = now.Add(time.Second)
	s3, _, err := p.Acquire(ctx, sessionpool.Key{TenantID: "c", ModelID: "m"}, loader("s3"))
	require.NoError(t, err)
	s3.Release()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, closed["s1"])
	assert.False(t, closed["s2"])
	assert.Equal(t, 2, p.Stats().Loaded)
}

func TestPool_BusyEntryNotEvicted(t *testing.T) {
	t.Parallel()
	p := sessionpool.New(1, time.Minute)
	ctx := context.Background()

	s1, _, err := p.Acquire(ctx, sessionpool.Key{TenantID: "a", ModelID: "m"}, countingLoader(&atomic.Int64{}))
	require.NoError(t, err)
	// s1 stays in flight; inserting another key exceeds the soft cap instead
	// of evicting the busy entry.
	s2, _, err := p.Acquire(ctx, sessionpool.Key{TenantID: "b", ModelID: "m"}, countingLoader(&atomic.Int64{}))
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stats().Loaded)
	s1.Release()
	s2.Release()
}

func TestPool_SweepEvictsIdle(t *testing.T) {
	t.Parallel()
	p := sessionpool.New(10, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })
	ctx := context.Background()

	s1, _, err := p.Acquire(ctx, sessionpool.Key{TenantID: "a", ModelID: "m"}, countingLoader(&atomic.Int64{}))
	require.NoError(t, err)
	s1.Release()

	assert.Equal(t, 0, p.Sweep())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, p.Sweep())
	assert.Equal(t, 0, p.Stats().Loaded)
}

func TestPool_EvictRespectsInflight(t *testing.T) {
	t.Parallel()
	p := sessionpool.New(10, time.Minute)
	ctx := context.Background()
	key := sessionpool.Key{TenantID: "a", ModelID: "m"}

	s, _, err := p.Acquire(ctx, key, countingLoader(&atomic.Int64{}))
	require.NoError(t, err)
	assert.False(t, p.Evict(key))
	s.Release()
	assert.True(t, p.Evict(key))
}
