// Package cache implements the durable cache manager of the Web viewer:
// a bundle-partitioned key/value store over the blob storage and the
// sqlite index, enforcing per-bundle quotas with LRU eviction.
//
// The manager is not safe for concurrent use on its own. The cache
// scheduler serialises every caller behind a single mutex.
package cache

import (
	"errors"
	"fmt"

	"dicomview/internal/blob"
	"dicomview/internal/index"
	"dicomview/internal/logging"

	"go.uber.org/zap"
)

// ErrCorruption is returned by the sanity check when the index and the
// blob storage disagree.
var ErrCorruption = errors.New("cache corruption detected")

// Quota bounds one bundle. A zero value means "unlimited" in that
// dimension.
type Quota struct {
	MaxCount uint32
	MaxBytes int64
}

// bundleState tracks the in-memory footprint of one bundle, mirrored
// from the index on open and maintained incrementally afterwards.
type bundleState struct {
	count     uint32
	totalSize int64
}

// Manager is the durable cache under the scheduler.
type Manager struct {
	db      *index.DB
	storage *blob.Store

	bundles      map[int]*bundleState
	quotas       map[int]Quota
	defaultQuota Quota

	sanityCheck bool
}

// Open builds a manager over an index and a blob store, repopulates the
// per-bundle statistics and deletes any blob left orphaned by a crash.
func Open(db *index.DB, storage *blob.Store) (*Manager, error) {
	m := &Manager{
		db:      db,
		storage: storage,
		quotas:  make(map[int]Quota),
	}

	if err := m.reloadStatistics(); err != nil {
		return nil, err
	}

	if err := m.sweepOrphans(); err != nil {
		return nil, err
	}

	return m, nil
}

// SetSanityCheckEnabled turns on the expensive reconciliation that runs
// after each mutation. Debug only.
func (m *Manager) SetSanityCheckEnabled(enabled bool) {
	m.sanityCheck = enabled
}

// reloadStatistics recomputes the per-bundle counters from the index.
// Also used to roll the counters back after a failed mutation.
func (m *Manager) reloadStatistics() error {
	stats, err := m.db.Statistics()
	if err != nil {
		return err
	}
	m.bundles = make(map[int]*bundleState, len(stats))
	for bundle, s := range stats {
		m.bundles[bundle] = &bundleState{count: s.Count, totalSize: s.TotalSize}
	}
	return nil
}

// sweepOrphans deletes blobs that no index row references. A crash
// between the blob write and the row insert of Store leaves such blobs.
func (m *Manager) sweepOrphans() error {
	stored, err := m.storage.List()
	if err != nil {
		return err
	}
	referenced, err := m.db.AllUUIDs()
	if err != nil {
		return err
	}
	for id := range stored {
		if _, ok := referenced[id]; !ok {
			logging.Component("cache").Info("Removing orphan blob from the cache", zap.String("uuid", id))
			if err := m.storage.Delete(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) state(bundle int) *bundleState {
	st, ok := m.bundles[bundle]
	if !ok {
		st = &bundleState{}
		m.bundles[bundle] = st
	}
	return st
}

func (m *Manager) quota(bundle int) Quota {
	if q, ok := m.quotas[bundle]; ok {
		return q
	}
	return m.defaultQuota
}

// SetBundleQuota installs or updates the quota of one bundle and
// enforces it immediately.
func (m *Manager) SetBundleQuota(bundle int, maxCount uint32, maxBytes int64) error {
	m.quotas[bundle] = Quota{MaxCount: maxCount, MaxBytes: maxBytes}
	if err := m.ensureQuota(bundle); err != nil {
		return m.fail(err)
	}
	return m.maybeSanityCheck()
}

// SetDefaultQuota sets the quota used by any bundle without an explicit
// one, and enforces it on all such bundles.
func (m *Manager) SetDefaultQuota(maxCount uint32, maxBytes int64) error {
	m.defaultQuota = Quota{MaxCount: maxCount, MaxBytes: maxBytes}
	for bundle := range m.bundles {
		if _, explicit := m.quotas[bundle]; explicit {
			continue
		}
		if err := m.ensureQuota(bundle); err != nil {
			return m.fail(err)
		}
	}
	return m.maybeSanityCheck()
}

// ensureQuota evicts the least recently used entries of a bundle until
// its quota is satisfied. A single entry larger than the byte quota is
// allowed to remain alone, so that Store always makes progress.
func (m *Manager) ensureQuota(bundle int) error {
	q := m.quota(bundle)
	st := m.state(bundle)

	for {
		overCount := q.MaxCount > 0 && st.count > q.MaxCount
		overBytes := q.MaxBytes > 0 && st.totalSize > q.MaxBytes && st.count > 1
		if !overCount && !overBytes {
			return nil
		}

		oldest, ok, err := m.db.OldestEntry(bundle)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if _, _, err := m.db.DeleteEntry(bundle, oldest.Key); err != nil {
			return err
		}
		if err := m.storage.Delete(oldest.UUID); err != nil {
			return err
		}
		st.count--
		st.totalSize -= oldest.Size
	}
}

// Store writes content under (bundle, key), replacing any previous
// entry, then enforces the bundle quota.
func (m *Manager) Store(bundle int, key string, content []byte) error {
	st := m.state(bundle)

	// Replace-existing: drop the old row and blob first so the bundle
	// counters stay correct.
	prev, existed, err := m.db.LookupEntry(bundle, key)
	if err != nil {
		return m.fail(err)
	}
	if existed {
		if _, _, err := m.db.DeleteEntry(bundle, key); err != nil {
			return m.fail(err)
		}
		if err := m.storage.Delete(prev.UUID); err != nil {
			return m.fail(err)
		}
		st.count--
		st.totalSize -= prev.Size
	}

	uuid, err := m.storage.Put(content)
	if err != nil {
		return m.fail(err)
	}

	_, _, err = m.db.UpsertEntry(index.Entry{
		Bundle:     bundle,
		Key:        key,
		UUID:       uuid,
		Size:       int64(len(content)),
		LastAccess: m.db.NextAccess(),
	})
	if err != nil {
		m.storage.Delete(uuid)
		return m.fail(err)
	}

	st.count++
	st.totalSize += int64(len(content))

	if err := m.ensureQuota(bundle); err != nil {
		return m.fail(err)
	}

	return m.maybeSanityCheck()
}

// Access reads the content cached under (bundle, key) and marks it as
// most recently used. The second return value is false on a miss.
func (m *Manager) Access(bundle int, key string) ([]byte, bool, error) {
	entry, ok, err := m.db.LookupEntry(bundle, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	content, err := m.storage.Get(entry.UUID)
	if err != nil {
		return nil, false, err
	}

	if err := m.db.TouchEntry(bundle, key); err != nil {
		return nil, false, err
	}

	return content, true, nil
}

// IsCached reports whether (bundle, key) is present, without touching
// its access time.
func (m *Manager) IsCached(bundle int, key string) (bool, error) {
	_, ok, err := m.db.LookupEntry(bundle, key)
	return ok, err
}

// Invalidate removes (bundle, key) if present. Removing an absent entry
// is not an error.
func (m *Manager) Invalidate(bundle int, key string) error {
	entry, ok, err := m.db.LookupEntry(bundle, key)
	if err != nil {
		return m.fail(err)
	}
	if !ok {
		return nil
	}

	if _, _, err := m.db.DeleteEntry(bundle, key); err != nil {
		return m.fail(err)
	}
	if err := m.storage.Delete(entry.UUID); err != nil {
		return m.fail(err)
	}

	st := m.state(bundle)
	st.count--
	st.totalSize -= entry.Size

	return m.maybeSanityCheck()
}

// ClearBundle removes every entry of one bundle.
func (m *Manager) ClearBundle(bundle int) error {
	uuids, err := m.db.ClearBundle(bundle)
	if err != nil {
		return m.fail(err)
	}
	for _, id := range uuids {
		if err := m.storage.Delete(id); err != nil {
			return m.fail(err)
		}
	}
	delete(m.bundles, bundle)
	return m.maybeSanityCheck()
}

// Clear removes every entry of every bundle.
func (m *Manager) Clear() error {
	uuids, err := m.db.ClearAll()
	if err != nil {
		return m.fail(err)
	}
	for _, id := range uuids {
		if err := m.storage.Delete(id); err != nil {
			return m.fail(err)
		}
	}
	m.bundles = make(map[int]*bundleState)
	return m.maybeSanityCheck()
}

// LookupProperty reads a cache-wide property such as a version string.
func (m *Manager) LookupProperty(key string) (string, bool, error) {
	return m.db.LookupProperty(key)
}

// SetProperty writes a cache-wide property.
func (m *Manager) SetProperty(key, value string) error {
	return m.db.SetProperty(key, value)
}

// fail rolls the in-memory counters back to the persisted truth before
// propagating an error.
func (m *Manager) fail(err error) error {
	if reloadErr := m.reloadStatistics(); reloadErr != nil {
		logging.Component("cache").Error("Cannot reload cache statistics after failure",
			zap.Error(reloadErr))
	}
	return err
}

func (m *Manager) maybeSanityCheck() error {
	if !m.sanityCheck {
		return nil
	}
	return m.SanityCheck()
}

// SanityCheck reconciles the index, the blob storage and the in-memory
// counters. Debug only: it reads every row and stats every blob.
func (m *Manager) SanityCheck() error {
	entries, err := m.db.AllEntries()
	if err != nil {
		return err
	}

	stats := make(map[int]*bundleState)
	referenced := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		size, err := m.storage.Size(e.UUID)
		if err != nil {
			return fmt.Errorf("%w: entry (%d, %s) references missing blob %s",
				ErrCorruption, e.Bundle, e.Key, e.UUID)
		}
		if size != e.Size {
			return fmt.Errorf("%w: entry (%d, %s) has size %d but blob %s has size %d",
				ErrCorruption, e.Bundle, e.Key, e.Size, e.UUID, size)
		}
		if _, dup := referenced[e.UUID]; dup {
			return fmt.Errorf("%w: blob %s is referenced twice", ErrCorruption, e.UUID)
		}
		referenced[e.UUID] = struct{}{}

		st, ok := stats[e.Bundle]
		if !ok {
			st = &bundleState{}
			stats[e.Bundle] = st
		}
		st.count++
		st.totalSize += e.Size
	}

	stored, err := m.storage.List()
	if err != nil {
		return err
	}
	if len(stored) != len(referenced) {
		return fmt.Errorf("%w: storage holds %d blobs but the index references %d",
			ErrCorruption, len(stored), len(referenced))
	}
	for id := range referenced {
		if _, ok := stored[id]; !ok {
			return fmt.Errorf("%w: referenced blob %s is not in storage", ErrCorruption, id)
		}
	}

	for bundle, st := range m.bundles {
		expected := stats[bundle]
		if expected == nil {
			expected = &bundleState{}
		}
		if st.count != expected.count || st.totalSize != expected.totalSize {
			return fmt.Errorf("%w: bundle %d counters (%d, %d) do not match the index (%d, %d)",
				ErrCorruption, bundle, st.count, st.totalSize, expected.count, expected.totalSize)
		}
	}

	return nil
}
