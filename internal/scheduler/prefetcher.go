package scheduler

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"dicomview/internal/cache"
	"dicomview/internal/logging"
	"dicomview/internal/metrics"

	"go.uber.org/zap"
)

// dequeueTimeout bounds how long a worker sleeps on an empty queue, so
// that shutdown stays responsive.
const dequeueTimeout = 500 * time.Millisecond

// ManagedCache bundles the cache manager with the mutex that serialises
// every access to it. The scheduler and all prefetch workers share one
// handle.
type ManagedCache struct {
	mu      sync.Mutex
	manager *cache.Manager
}

// NewManagedCache wraps a cache manager for shared use.
func NewManagedCache(manager *cache.Manager) *ManagedCache {
	return &ManagedCache{manager: manager}
}

// prefetcher is one background worker producing cache entries for a
// single bundle. Several workers share one queue.
type prefetcher struct {
	bundle  int
	factory Factory
	cache   *ManagedCache
	queue   *PrefetchQueue

	// mu guards prefetching/invalidated. It is never held while waiting
	// on the queue or inside the factory, and the cache mutex may be
	// taken while holding it, never the reverse.
	mu          sync.Mutex
	prefetching string
	producing   bool
	invalidated bool

	done atomic.Bool
	wg   sync.WaitGroup
}

func newPrefetcher(bundle int, factory Factory, managed *ManagedCache, queue *PrefetchQueue) *prefetcher {
	p := &prefetcher{
		bundle:  bundle,
		factory: factory,
		cache:   managed,
		queue:   queue,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *prefetcher) run() {
	defer p.wg.Done()

	for !p.done.Load() {
		key, ok := p.queue.Dequeue(dequeueTimeout)
		if !ok {
			continue
		}
		p.produce(key)
		p.queue.Done(key)
	}
}

func (p *prefetcher) produce(key string) {
	p.mu.Lock()
	p.prefetching = key
	p.producing = true
	p.invalidated = false
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.producing = false
		p.mu.Unlock()
	}()

	p.cache.mu.Lock()
	cached, err := p.cache.manager.IsCached(p.bundle, key)
	p.cache.mu.Unlock()
	if err != nil {
		logging.Component("scheduler").Warn("Prefetcher cannot query the cache",
			zap.Int("bundle", p.bundle), zap.String("key", key), zap.Error(err))
		return
	}
	if cached {
		// This item is already cached
		return
	}

	content, ok, err := p.factory.Create(key)
	if err != nil {
		logging.Component("scheduler").Warn("Prefetch factory failed",
			zap.Int("bundle", p.bundle), zap.String("key", key), zap.Error(err))
		return
	}
	if !ok {
		// The factory cannot generate this item
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.invalidated {
		// This item has been invalidated while it was being produced
		metrics.Get().PrefetchDiscarded.WithLabelValues(strconv.Itoa(p.bundle)).Inc()
		return
	}

	p.cache.mu.Lock()
	err = p.cache.manager.Store(p.bundle, key, content)
	p.cache.mu.Unlock()
	if err != nil {
		logging.Component("scheduler").Warn("Prefetcher cannot store into the cache",
			zap.Int("bundle", p.bundle), zap.String("key", key), zap.Error(err))
		return
	}

	m := metrics.Get()
	m.PrefetchedTotal.WithLabelValues(strconv.Itoa(p.bundle)).Inc()
	m.CacheStoredBytes.WithLabelValues(strconv.Itoa(p.bundle)).Add(float64(len(content)))
}

// signalInvalidated marks the in-flight production of key, if any, as
// stale so its result is discarded before it reaches the cache.
func (p *prefetcher) signalInvalidated(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.producing && p.prefetching == key {
		p.invalidated = true
	}
}

// stop asks the worker to exit and joins it.
func (p *prefetcher) stop() {
	p.done.Store(true)
	p.wg.Wait()
}
