package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamfinder/statcache/cache"
	"github.com/teamfinder/statcache/config"
	"github.com/teamfinder/statcache/logger"
	"github.com/teamfinder/statcache/processor"
	"github.com/teamfinder/statcache/resilience"
	"github.com/teamfinder/statcache/upstream"
)

// fakeFetcher stands in for the upstream client. Each Fetch returns a copy
// of payload or err after an optional delay.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	payload map[string]any
	err     error
}

func (f *fakeFetcher) Fetch(ctx context.Context, dataset, subject string) (map[string]any, error) {
	f.mu.Lock()
	f.calls++
	delay, payload, err := f.delay, f.payload, f.err
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{"subject": subject, "dataset": dataset}
	for k, v := range payload {
		out[k] = v
	}
	return out, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestOrchestrator(t *testing.T, fetcher Fetcher) (*Orchestrator, cache.Store, *processor.Processor) {
	t.Helper()
	log := logger.NewTestLogger()

	store, err := cache.NewSQLite(context.Background(), config.CacheConfig{
		Path:              filepath.Join(t.TempDir(), "cache.db"),
		ActiveTTL:         time.Hour,
		InactiveTTL:       12 * time.Hour,
		ActivityThreshold: 14 * 24 * time.Hour,
		PopularThreshold:  3,
		WarmingBatchSize:  20,
		WarmingLead:       2 * time.Hour,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	proc := processor.New(config.ProcessorConfig{
		Workers:        2,
		QueueSize:      32,
		MaxRetries:     1,
		TaskTimeout:    2 * time.Second,
		SemaphoreLimit: 4,
		DrainTimeout:   2 * time.Second,
	}, resilience.BackoffConfig{
		Initial:    time.Millisecond,
		Max:        2 * time.Millisecond,
		Multiplier: 2.0,
	}, upstream.IsRetryable, log)
	proc.Start(context.Background())
	t.Cleanup(func() { _ = proc.Stop(context.Background()) })

	return New(store, proc, fetcher, log), store, proc
}

func waitPayload(t *testing.T, h *processor.Handle) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	require.NoError(t, err)
	blob, ok := result.([]byte)
	require.True(t, ok, "handles resolve with serialized payloads")
	payload, err := cache.Decode[map[string]any](blob)
	require.NoError(t, err)
	return payload
}

func TestOrchestratorCacheHitShortCircuits(t *testing.T) {
	fetcher := &fakeFetcher{}
	orch, store, _ := newTestOrchestrator(t, fetcher)
	ctx := context.Background()
	key := cache.Key{Subject: "player-1", Dataset: "stats"}
	require.NoError(t, store.Set(ctx, key, map[string]any{"nickname": "p1"}))

	h, err := orch.GetWithPriority(ctx, key, processor.PriorityHigh)
	require.NoError(t, err)

	payload := waitPayload(t, h)
	assert.Equal(t, "p1", payload["nickname"])
	assert.Equal(t, 0, fetcher.callCount(), "hits never touch the upstream")
}

func TestOrchestratorMissFetchesAndCaches(t *testing.T) {
	fetcher := &fakeFetcher{payload: map[string]any{"elo": int64(1850)}}
	orch, store, _ := newTestOrchestrator(t, fetcher)
	ctx := context.Background()
	key := cache.Key{Subject: "player-1", Dataset: "stats"}

	h, err := orch.GetWithPriority(ctx, key, processor.PriorityNormal)
	require.NoError(t, err)

	payload := waitPayload(t, h)
	assert.Equal(t, "player-1", payload["subject"])
	assert.Equal(t, 1, fetcher.callCount())

	// Write-through happened before the handle resolved.
	assert.True(t, store.Exists(ctx, key))
	assert.Equal(t, cache.StatusHit, store.Get(ctx, key).Status)
}

func TestOrchestratorCoalescesConcurrentLookups(t *testing.T) {
	fetcher := &fakeFetcher{delay: 100 * time.Millisecond}
	orch, _, _ := newTestOrchestrator(t, fetcher)
	key := cache.Key{Subject: "player-1", Dataset: "stats"}

	const callers = 5
	var wg sync.WaitGroup
	payloads := make([]map[string]any, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := orch.GetWithPriority(context.Background(), key, processor.PriorityNormal)
			if assert.NoError(t, err) {
				payloads[i] = waitPayload(t, h)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fetcher.callCount(), "concurrent lookups share one fetch")
	for _, p := range payloads {
		assert.Equal(t, "player-1", p["subject"])
	}

	// The dedup entry is removed once the fetch resolves.
	assert.Eventually(t, func() bool { return orch.InFlight() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestOrchestratorCachesNotFoundAsEmpty(t *testing.T) {
	fetcher := &fakeFetcher{err: upstream.ErrNotFound}
	orch, store, _ := newTestOrchestrator(t, fetcher)
	ctx := context.Background()
	key := cache.Key{Subject: "ghost", Dataset: "stats"}

	h, err := orch.GetWithPriority(ctx, key, processor.PriorityNormal)
	require.NoError(t, err)

	payload := waitPayload(t, h)
	assert.Empty(t, payload)
	assert.True(t, store.Exists(ctx, key), "absence is cached explicitly")

	// The next lookup is a hit and stays off the upstream.
	h, err = orch.GetWithPriority(ctx, key, processor.PriorityNormal)
	require.NoError(t, err)
	waitPayload(t, h)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestOrchestratorSurfacesQueueErrors(t *testing.T) {
	fetcher := &fakeFetcher{}
	log := logger.NewTestLogger()
	store, err := cache.NewSQLite(context.Background(), config.CacheConfig{
		Path:        filepath.Join(t.TempDir(), "cache.db"),
		ActiveTTL:   time.Hour,
		InactiveTTL: time.Hour,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Never started, so every enqueue is rejected.
	proc := processor.New(config.ProcessorConfig{
		Workers: 1, QueueSize: 10, SemaphoreLimit: 1,
		TaskTimeout: time.Second, DrainTimeout: time.Second,
	}, resilience.DefaultBackoffConfig(), nil, log)
	orch := New(store, proc, fetcher, log)

	_, err = orch.GetWithPriority(context.Background(),
		cache.Key{Subject: "player-1", Dataset: "stats"}, processor.PriorityHigh)
	assert.ErrorIs(t, err, processor.ErrNotRunning)
	assert.Equal(t, 0, orch.InFlight())
}

func TestOrchestratorPreload(t *testing.T) {
	fetcher := &fakeFetcher{}
	orch, store, _ := newTestOrchestrator(t, fetcher)
	ctx := context.Background()

	cached := cache.Key{Subject: "cached", Dataset: "stats"}
	require.NoError(t, store.Set(ctx, cached, map[string]any{"nickname": "c"}))

	keys := []cache.Key{
		cached,
		{Subject: "cold-1", Dataset: "stats"},
		{Subject: "cold-2", Dataset: "stats"},
	}
	submitted := orch.Preload(ctx, keys)
	assert.Equal(t, 2, submitted, "already cached keys are skipped")

	assert.Eventually(t, func() bool {
		return store.Exists(ctx, keys[1]) && store.Exists(ctx, keys[2])
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestratorRefreshRenewsLiveEntries(t *testing.T) {
	fetcher := &fakeFetcher{}
	orch, store, _ := newTestOrchestrator(t, fetcher)
	ctx := context.Background()
	key := cache.Key{Subject: "popular", Dataset: "stats"}
	require.NoError(t, store.Set(ctx, key, map[string]any{"nickname": "stale"}))

	// Unlike Preload, a cached entry is no reason to skip the fetch.
	submitted := orch.Refresh(ctx, []cache.Key{key})
	assert.Equal(t, 1, submitted)

	assert.Eventually(t, func() bool { return fetcher.callCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// The write-through replaced the cached payload.
	assert.Eventually(t, func() bool {
		res := store.Get(ctx, key)
		if !res.Hit() {
			return false
		}
		payload, err := cache.Decode[map[string]any](res.Payload)
		return err == nil && payload["subject"] == "popular"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestratorRefreshCoalescesOutstandingFetch(t *testing.T) {
	fetcher := &fakeFetcher{delay: 100 * time.Millisecond}
	orch, _, _ := newTestOrchestrator(t, fetcher)
	ctx := context.Background()
	key := cache.Key{Subject: "player-1", Dataset: "stats"}

	h, err := orch.GetWithPriority(ctx, key, processor.PriorityNormal)
	require.NoError(t, err)

	// The lookup's fetch is still in flight, so the refresh joins it.
	assert.Equal(t, 0, orch.Refresh(ctx, []cache.Key{key}))

	waitPayload(t, h)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestOrchestratorInvalidate(t *testing.T) {
	fetcher := &fakeFetcher{}
	orch, store, _ := newTestOrchestrator(t, fetcher)
	ctx := context.Background()
	key := cache.Key{Subject: "player-1", Dataset: "stats"}
	require.NoError(t, store.Set(ctx, key, map[string]any{"nickname": "p1"}))

	require.NoError(t, orch.Invalidate(ctx, key))
	assert.False(t, store.Exists(ctx, key))
}

func TestOrchestratorSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{}
	orch, store, _ := newTestOrchestrator(t, fetcher)
	ctx := context.Background()
	key := cache.Key{Subject: "player-1", Dataset: "stats"}

	h, err := orch.GetWithPriority(ctx, key, processor.PriorityNormal)
	require.NoError(t, err)
	waitPayload(t, h)

	snap := orch.Snapshot()
	assert.True(t, snap.Healthy)
	assert.Equal(t, 1, snap.Processor.Processed)
	assert.GreaterOrEqual(t, snap.Store.Misses, 1)
	assert.Eventually(t, func() bool { return orch.InFlight() == 0 },
		time.Second, 10*time.Millisecond)

	// store snapshot keeps counting after more traffic
	store.Get(ctx, key)
	assert.GreaterOrEqual(t, orch.Snapshot().Store.Hits, 1)
}