// Package scheduler layers background prefetching on top of the durable
// cache manager. It owns the factory registry, one worker pool per
// bundle, and the prefetch policy applied after each successful access.
package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"dicomview/internal/cache"
	"dicomview/internal/logging"
	"dicomview/internal/metrics"

	"go.uber.org/zap"
)

// ErrBadSequenceOfCalls is returned when a bundle is registered twice,
// or when traffic arrives for a bundle that was never registered.
var ErrBadSequenceOfCalls = errors.New("bad sequence of calls")

// Factory produces the content of a cache entry from its key. The
// second return value is false when the key is not producible right now,
// which is a non-fatal miss. Implementations are shared across worker
// goroutines and must be safe for concurrent calls on different keys.
type Factory interface {
	Create(key string) (content []byte, ok bool, err error)
}

// Target names one (bundle, key) a prefetch policy wants produced.
type Target struct {
	Bundle int
	Key    string
}

// PrefetchPolicy inspects a just-accessed entry and names further keys
// likely to be requested next. Policies are advisory: they must not
// block on I/O and their errors are swallowed. Policies may call
// Prefetch on the scheduler, but never Access.
type PrefetchPolicy interface {
	Apply(s *Scheduler, bundle int, key string, content []byte) ([]Target, error)
}

// Scheduler is the public facade of the caching subsystem.
//
// Lock order, outermost first: policyMu, factoryMu, the cache mutex.
// The cache mutex is never held across a factory call, so concurrent
// readers of other keys are not blocked on a slow producer.
type Scheduler struct {
	cache *ManagedCache

	factoryMu sync.RWMutex
	bundles   map[int]*bundleScheduler

	policyMu sync.Mutex
	policy   PrefetchPolicy

	maxPrefetchSize int
}

// New builds a scheduler over a cache manager. maxPrefetchSize bounds
// the pending queue of each bundle.
func New(manager *cache.Manager, maxPrefetchSize int) *Scheduler {
	return &Scheduler{
		cache:           NewManagedCache(manager),
		bundles:         make(map[int]*bundleScheduler),
		maxPrefetchSize: maxPrefetchSize,
	}
}

// Register installs the factory and worker pool of one bundle. All
// bundles must be registered during initialisation, before the
// scheduler starts serving traffic.
func (s *Scheduler) Register(bundle int, factory Factory, numThreads int) error {
	s.factoryMu.Lock()
	defer s.factoryMu.Unlock()

	if _, ok := s.bundles[bundle]; ok {
		return fmt.Errorf("%w: bundle %d is already registered", ErrBadSequenceOfCalls, bundle)
	}

	s.bundles[bundle] = newBundleScheduler(bundle, factory, s.cache, numThreads, s.maxPrefetchSize)
	return nil
}

func (s *Scheduler) bundleScheduler(bundle int) (*bundleScheduler, error) {
	s.factoryMu.RLock()
	defer s.factoryMu.RUnlock()

	b, ok := s.bundles[bundle]
	if !ok {
		return nil, fmt.Errorf("%w: no factory associated with bundle %d", ErrBadSequenceOfCalls, bundle)
	}
	return b, nil
}

// Access returns the content cached under (bundle, key), producing and
// storing it on the caller's goroutine on a miss. The second return
// value is false when the factory cannot generate the item.
//
// Two concurrent misses on the same key may both run the factory; the
// last store wins, which is harmless because factories are idempotent
// in this domain.
func (s *Scheduler) Access(bundle int, key string) ([]byte, bool, error) {
	s.cache.mu.Lock()
	content, hit, err := s.cache.manager.Access(bundle, key)
	s.cache.mu.Unlock()
	if err != nil {
		return nil, false, err
	}

	if hit {
		s.applyPrefetchPolicy(bundle, key, content)
		return content, true, nil
	}

	b, err := s.bundleScheduler(bundle)
	if err != nil {
		return nil, false, err
	}

	content, ok, err := b.callFactory(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// This item cannot be generated by the factory
		return nil, false, nil
	}

	s.cache.mu.Lock()
	err = s.cache.manager.Store(bundle, key, content)
	s.cache.mu.Unlock()
	if err != nil {
		return nil, false, err
	}

	metrics.Get().CacheStoredBytes.WithLabelValues(strconv.Itoa(bundle)).
		Add(float64(len(content)))

	s.applyPrefetchPolicy(bundle, key, content)
	return content, true, nil
}

// IsCached reports whether (bundle, key) is present, without touching
// its access time.
func (s *Scheduler) IsCached(bundle int, key string) (bool, error) {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	return s.cache.manager.IsCached(bundle, key)
}

// Prefetch hints that (bundle, key) will be needed soon. Pure
// background hint: it never blocks on production.
func (s *Scheduler) Prefetch(bundle int, key string) error {
	b, err := s.bundleScheduler(bundle)
	if err != nil {
		return err
	}
	b.prefetch(key)
	return nil
}

// Invalidate removes (bundle, key) from the cache, then tells the
// workers of the bundle to discard any in-flight production of the key.
// The ordering guarantees that a production completing between the two
// steps is discarded before it becomes visible.
func (s *Scheduler) Invalidate(bundle int, key string) error {
	s.cache.mu.Lock()
	err := s.cache.manager.Invalidate(bundle, key)
	s.cache.mu.Unlock()
	if err != nil {
		return err
	}

	b, err := s.bundleScheduler(bundle)
	if err != nil {
		return err
	}
	b.invalidate(key)
	return nil
}

// RegisterPolicy replaces the prefetch policy applied after every
// successful Access.
func (s *Scheduler) RegisterPolicy(policy PrefetchPolicy) {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	s.policy = policy
}

// applyPrefetchPolicy runs the policy and enqueues its targets in
// reverse order, so the first target lands on top of each LIFO queue
// and is served first. The policy may call Prefetch, which takes no
// conflicting lock. Policy failures are logged and ignored.
func (s *Scheduler) applyPrefetchPolicy(bundle int, key string, content []byte) {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()

	if s.policy == nil {
		return
	}

	targets, err := s.policy.Apply(s, bundle, key, content)
	if err != nil {
		logging.Component("scheduler").Warn("Prefetch policy failed",
			zap.Int("bundle", bundle), zap.String("key", key), zap.Error(err))
		return
	}

	for i := len(targets) - 1; i >= 0; i-- {
		if err := s.Prefetch(targets[i].Bundle, targets[i].Key); err != nil {
			logging.Component("scheduler").Warn("Cannot enqueue prefetch target",
				zap.Int("bundle", targets[i].Bundle), zap.String("key", targets[i].Key),
				zap.Error(err))
		}
	}
}

// SetQuota configures the quota of one bundle.
func (s *Scheduler) SetQuota(bundle int, maxCount uint32, maxBytes int64) error {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	return s.cache.manager.SetBundleQuota(bundle, maxCount, maxBytes)
}

// SetDefaultQuota configures the quota of every bundle without an
// explicit one.
func (s *Scheduler) SetDefaultQuota(maxCount uint32, maxBytes int64) error {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	return s.cache.manager.SetDefaultQuota(maxCount, maxBytes)
}

// LookupProperty reads a cache-wide property such as a version string.
func (s *Scheduler) LookupProperty(key string) (string, bool, error) {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	return s.cache.manager.LookupProperty(key)
}

// SetProperty writes a cache-wide property.
func (s *Scheduler) SetProperty(key, value string) error {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	return s.cache.manager.SetProperty(key, value)
}

// Clear empties the whole cache.
func (s *Scheduler) Clear() error {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	return s.cache.manager.Clear()
}

// Stop joins every prefetch worker. The scheduler must not be used
// afterwards.
func (s *Scheduler) Stop() {
	s.factoryMu.RLock()
	defer s.factoryMu.RUnlock()
	for _, b := range s.bundles {
		b.stop()
	}
}
