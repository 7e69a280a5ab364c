// Package orchestrator ties the persistent store, the background processor
// and the upstream client together: it answers lookups from the cache,
// coalesces concurrent fetches for the same key, and submits misses to the
// bounded queue at the caller's priority.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/teamfinder/statcache/cache"
	"github.com/teamfinder/statcache/logger"
	"github.com/teamfinder/statcache/processor"
	"github.com/teamfinder/statcache/resilience"
	"github.com/teamfinder/statcache/upstream"
)

// Fetcher retrieves one dataset for one subject from the upstream service.
type Fetcher interface {
	Fetch(ctx context.Context, dataset, subject string) (map[string]any, error)
}

// statsProvider is implemented by *upstream.Client; other Fetchers simply
// contribute nothing to the snapshot.
type statsProvider interface {
	Stats() upstream.Stats
}

// Orchestrator deduplicates concurrent lookups and bridges the request path
// to background execution. Construct exactly one per store/processor pair
// and inject it everywhere; there is deliberately no global instance and no
// lazy fallback construction.
type Orchestrator struct {
	store   cache.Store
	proc    *processor.Processor
	fetcher Fetcher
	log     logger.Logger

	// inflight holds one shared handle per key with an outstanding fetch.
	// Check-or-create must be atomic across racing callers, hence the lock.
	mu       sync.Mutex
	inflight map[cache.Key]*processor.Handle
}

// New wires an Orchestrator from owned collaborators.
func New(store cache.Store, proc *processor.Processor, fetcher Fetcher, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		proc:     proc,
		fetcher:  fetcher,
		log:      log.WithPrefix("orchestrator"),
		inflight: make(map[cache.Key]*processor.Handle),
	}
}

// GetWithPriority returns a handle that resolves to the msgpack payload for
// key. A cache hit resolves immediately; a miss coalesces with any
// outstanding fetch for the same key or enqueues a new one. Queue capacity
// and lifecycle errors surface synchronously so the caller can fall back to
// rendering without enrichment.
func (o *Orchestrator) GetWithPriority(ctx context.Context, key cache.Key, priority processor.Priority) (*processor.Handle, error) {
	if r := o.store.Get(ctx, key); r.Hit() {
		return processor.Resolved(r.Payload), nil
	}
	h, _, err := o.enqueueFetch(key, priority)
	return h, err
}

// enqueueFetch coalesces with any outstanding fetch for key or submits a new
// one at the given priority. created reports whether this call enqueued the
// fetch rather than joining one already in flight.
func (o *Orchestrator) enqueueFetch(key cache.Key, priority processor.Priority) (h *processor.Handle, created bool, err error) {
	o.mu.Lock()
	if h, ok := o.inflight[key]; ok {
		o.mu.Unlock()
		o.log.Trace("coalesced lookup for %s", key)
		return h, false, nil
	}
	h, err = o.proc.Enqueue(o.fetchUnit(key), priority)
	if err != nil {
		o.mu.Unlock()
		return nil, false, err
	}
	o.inflight[key] = h
	o.mu.Unlock()

	// The dedup entry lives exactly as long as the fetch is outstanding.
	go func() {
		<-h.Done()
		o.mu.Lock()
		delete(o.inflight, key)
		o.mu.Unlock()
	}()
	return h, true, nil
}

// fetchUnit builds the background unit for one key: fetch, map not-found to
// an explicit empty payload, write through to the store, resolve with the
// serialized payload.
func (o *Orchestrator) fetchUnit(key cache.Key) processor.Unit {
	return func(ctx context.Context) (any, error) {
		payload, err := o.fetcher.Fetch(ctx, key.Dataset, key.Subject)
		switch {
		case errors.Is(err, upstream.ErrNotFound):
			// Cache the absence so repeated lookups for dead subjects
			// don't keep reaching upstream.
			payload = map[string]any{}
		case err != nil:
			return nil, err
		}

		if serr := o.store.Set(ctx, key, payload); serr != nil {
			// The caller still gets their value; losing the cache write is
			// a degradation, not a failure.
			o.log.Warn("write-through for %s failed: %v", key, serr)
		}

		blob, merr := msgpack.Marshal(payload)
		if merr != nil {
			return nil, merr
		}
		return blob, nil
	}
}

// Preload enqueues LOW-priority fetches for keys that are not already
// cached. Fire-and-forget: results land in the store, nobody awaits the
// handles. Returns how many fetches were actually submitted.
func (o *Orchestrator) Preload(ctx context.Context, keys []cache.Key) int {
	submitted := 0
	for _, key := range keys {
		if o.store.Exists(ctx, key) {
			continue
		}
		if _, err := o.GetWithPriority(ctx, key, processor.PriorityLow); err != nil {
			// Queue saturation or shutdown. Preloading is best-effort.
			o.log.Debug("preload of %s skipped: %v", key, err)
			if errors.Is(err, processor.ErrQueueFull) || errors.Is(err, processor.ErrNotRunning) {
				break
			}
			continue
		}
		submitted++
	}
	if submitted > 0 {
		o.log.Info("preloading %d of %d keys", submitted, len(keys))
	}
	return submitted
}

// Refresh enqueues LOW-priority fetches for keys without consulting the
// cache, so entries that are still live get a fresh payload written through
// before they expire. Warming uses this for store-derived candidates. Keys
// with a fetch already outstanding coalesce and are not counted. Returns how
// many fetches were actually submitted.
func (o *Orchestrator) Refresh(ctx context.Context, keys []cache.Key) int {
	submitted := 0
	for _, key := range keys {
		_, created, err := o.enqueueFetch(key, processor.PriorityLow)
		if err != nil {
			// Queue saturation or shutdown. Refreshing is best-effort.
			o.log.Debug("refresh of %s skipped: %v", key, err)
			if errors.Is(err, processor.ErrQueueFull) || errors.Is(err, processor.ErrNotRunning) {
				break
			}
			continue
		}
		if created {
			submitted++
		}
	}
	if submitted > 0 {
		o.log.Info("refreshing %d of %d keys", submitted, len(keys))
	}
	return submitted
}

// Invalidate removes one entry from the store.
func (o *Orchestrator) Invalidate(ctx context.Context, key cache.Key) error {
	return o.store.Invalidate(ctx, key)
}

// InFlight returns the number of keys with an outstanding fetch.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// Snapshot is the combined operational view for the reporting surface.
type Snapshot struct {
	Store     cache.Snapshot
	Processor processor.Stats
	Upstream  upstream.Stats
	InFlight  int
	Healthy   bool
}

// Snapshot gathers store, processor and upstream statistics.
func (o *Orchestrator) Snapshot() Snapshot {
	snap := Snapshot{
		Store:     o.store.Snapshot(),
		Processor: o.proc.Stats(),
		InFlight:  o.InFlight(),
	}
	if sp, ok := o.fetcher.(statsProvider); ok {
		snap.Upstream = sp.Stats()
	}
	snap.Healthy = o.proc.Healthy() && snap.Upstream.Breaker.State != resilience.StateOpen
	return snap
}
