package cache

import (
	"path/filepath"
	"strconv"
	"testing"

	"dicomview/internal/blob"
	"dicomview/internal/index"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	manager *Manager
	storage *blob.Store
	db      *index.DB
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	storage, err := blob.NewStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	db, err := index.Open(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	manager, err := Open(db, storage)
	require.NoError(t, err)
	manager.SetSanityCheckEnabled(true)

	return &fixture{manager: manager, storage: storage, db: db, dir: dir}
}

func (f *fixture) blobCount(t *testing.T) int {
	t.Helper()
	ids, err := f.storage.List()
	require.NoError(t, err)
	return len(ids)
}

func TestDefaultQuota(t *testing.T) {
	f := newFixture(t)
	cache := f.manager

	assert.Equal(t, 0, f.blobCount(t))

	require.NoError(t, cache.SetDefaultQuota(10, 0))
	for i := 0; i < 30; i++ {
		expected := i
		if expected > 10 {
			expected = 10
		}
		assert.Equal(t, expected, f.blobCount(t))

		s := strconv.Itoa(i)
		require.NoError(t, cache.Store(0, s, []byte("Test "+s)))
	}

	assert.Equal(t, 10, f.blobCount(t))

	for i := 0; i < 30; i++ {
		cached, err := cache.IsCached(0, strconv.Itoa(i))
		require.NoError(t, err)
		assert.Equal(t, i >= 20, cached, "key %d", i)
	}

	// Shrinking the quota evicts immediately
	require.NoError(t, cache.SetDefaultQuota(5, 0))
	assert.Equal(t, 5, f.blobCount(t))
	for i := 0; i < 30; i++ {
		cached, err := cache.IsCached(0, strconv.Itoa(i))
		require.NoError(t, err)
		assert.Equal(t, i >= 25, cached, "key %d", i)
	}

	// Re-insert churn: the last 5 stored keys survive
	for i := 0; i < 15; i++ {
		s := strconv.Itoa(i)
		require.NoError(t, cache.Store(0, s, []byte("Test "+s)))
	}

	assert.Equal(t, 5, f.blobCount(t))

	for i := 0; i < 50; i++ {
		s := strconv.Itoa(i)
		cached, err := cache.IsCached(0, s)
		require.NoError(t, err)

		if i >= 10 && i < 15 {
			require.True(t, cached, "key %d", i)
			content, ok, err := cache.Access(0, s)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("Test "+s), content)
		} else {
			assert.False(t, cached, "key %d", i)
		}
	}
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t)
	cache := f.manager

	require.NoError(t, cache.SetDefaultQuota(10, 0))
	for i := 0; i < 30; i++ {
		s := strconv.Itoa(i)
		require.NoError(t, cache.Store(0, s, []byte("Test "+s)))
	}

	assert.Equal(t, 10, f.blobCount(t))

	require.NoError(t, cache.Invalidate(0, "25"))
	assert.Equal(t, 9, f.blobCount(t))

	for i := 0; i < 50; i++ {
		cached, err := cache.IsCached(0, strconv.Itoa(i))
		require.NoError(t, err)
		assert.Equal(t, i >= 20 && i < 30 && i != 25, cached, "key %d", i)
	}

	// Invalidate is idempotent and tolerates absent keys
	for i := 0; i < 50; i++ {
		require.NoError(t, cache.Invalidate(0, strconv.Itoa(i)))
	}
	assert.Equal(t, 0, f.blobCount(t))
}

func TestByteQuota(t *testing.T) {
	f := newFixture(t)
	cache := f.manager

	require.NoError(t, cache.SetBundleQuota(0, 0, 100))

	payload := make([]byte, 40)
	for i := 0; i < 5; i++ {
		require.NoError(t, cache.Store(0, strconv.Itoa(i), payload))
	}

	// 2 entries of 40 bytes fit in 100; the 3 oldest were evicted
	assert.Equal(t, 2, f.blobCount(t))
	for i := 0; i < 5; i++ {
		cached, err := cache.IsCached(0, strconv.Itoa(i))
		require.NoError(t, err)
		assert.Equal(t, i >= 3, cached, "key %d", i)
	}
}

func TestOversizedEntryIsAdmitted(t *testing.T) {
	f := newFixture(t)
	cache := f.manager

	require.NoError(t, cache.SetBundleQuota(0, 0, 10))

	// An entry larger than the whole quota still goes in, alone
	require.NoError(t, cache.Store(0, "big", make([]byte, 100)))

	cached, err := cache.IsCached(0, "big")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, 1, f.blobCount(t))

	// The next store replaces it as the single survivor
	require.NoError(t, cache.Store(0, "huge", make([]byte, 200)))
	assert.Equal(t, 1, f.blobCount(t))

	cached, err = cache.IsCached(0, "huge")
	require.NoError(t, err)
	assert.True(t, cached)
}

func TestStoreOverwrites(t *testing.T) {
	f := newFixture(t)
	cache := f.manager

	require.NoError(t, cache.Store(0, "key", []byte("first")))
	require.NoError(t, cache.Store(0, "key", []byte("second")))

	assert.Equal(t, 1, f.blobCount(t))

	content, ok, err := cache.Access(0, "key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), content)
}

func TestAccessRefreshesLRU(t *testing.T) {
	f := newFixture(t)
	cache := f.manager

	require.NoError(t, cache.SetDefaultQuota(2, 0))
	require.NoError(t, cache.Store(0, "a", []byte("A")))
	require.NoError(t, cache.Store(0, "b", []byte("B")))

	// Touch "a" so "b" becomes the eviction candidate
	_, ok, err := cache.Access(0, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, cache.Store(0, "c", []byte("C")))

	cachedA, err := cache.IsCached(0, "a")
	require.NoError(t, err)
	cachedB, err := cache.IsCached(0, "b")
	require.NoError(t, err)
	cachedC, err := cache.IsCached(0, "c")
	require.NoError(t, err)

	assert.True(t, cachedA)
	assert.False(t, cachedB)
	assert.True(t, cachedC)
}

func TestQuotasAreIndependentPerBundle(t *testing.T) {
	f := newFixture(t)
	cache := f.manager

	require.NoError(t, cache.SetBundleQuota(1, 2, 0))
	require.NoError(t, cache.SetBundleQuota(2, 0, 0))

	for i := 0; i < 5; i++ {
		s := strconv.Itoa(i)
		require.NoError(t, cache.Store(1, s, []byte(s)))
		require.NoError(t, cache.Store(2, s, []byte(s)))
	}

	// Bundle 1 is bounded to 2 entries, bundle 2 is unbounded
	count1, count2 := 0, 0
	for i := 0; i < 5; i++ {
		if cached, _ := cache.IsCached(1, strconv.Itoa(i)); cached {
			count1++
		}
		if cached, _ := cache.IsCached(2, strconv.Itoa(i)); cached {
			count2++
		}
	}
	assert.Equal(t, 2, count1)
	assert.Equal(t, 5, count2)
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	cache := f.manager

	for i := 0; i < 5; i++ {
		require.NoError(t, cache.Store(i%2, strconv.Itoa(i), []byte("x")))
	}

	require.NoError(t, cache.Clear())

	assert.Equal(t, 0, f.blobCount(t))
	entries, err := f.db.AllEntries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClearBundle(t *testing.T) {
	f := newFixture(t)
	cache := f.manager

	require.NoError(t, cache.Store(1, "a", []byte("x")))
	require.NoError(t, cache.Store(2, "b", []byte("y")))

	require.NoError(t, cache.ClearBundle(1))

	cached, err := cache.IsCached(1, "a")
	require.NoError(t, err)
	assert.False(t, cached)

	cached, err = cache.IsCached(2, "b")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, 1, f.blobCount(t))
}

func TestProperties(t *testing.T) {
	f := newFixture(t)
	cache := f.manager

	_, ok, err := cache.LookupProperty("WebViewerVersion")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.SetProperty("WebViewerVersion", "1.0"))
	v, ok, err := cache.LookupProperty("WebViewerVersion")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.0", v)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	storage, err := blob.NewStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	db, err := index.Open(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)

	manager, err := Open(db, storage)
	require.NoError(t, err)
	require.NoError(t, manager.SetBundleQuota(0, 10, 0))
	for i := 0; i < 5; i++ {
		s := strconv.Itoa(i)
		require.NoError(t, manager.Store(0, s, []byte("Value "+s)))
	}
	require.NoError(t, db.Close())

	// Reopen over the same directory
	storage, err = blob.NewStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	db, err = index.Open(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	defer db.Close()

	reopened, err := Open(db, storage)
	require.NoError(t, err)
	reopened.SetSanityCheckEnabled(true)

	for i := 0; i < 5; i++ {
		s := strconv.Itoa(i)
		content, ok, err := reopened.Access(0, s)
		require.NoError(t, err)
		require.True(t, ok, "key %s", s)
		assert.Equal(t, []byte("Value "+s), content)
	}

	// The restored statistics keep enforcing the quota
	require.NoError(t, reopened.SetBundleQuota(0, 2, 0))
	ids, err := storage.List()
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestOrphanSweepOnOpen(t *testing.T) {
	dir := t.TempDir()

	storage, err := blob.NewStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	db, err := index.Open(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	defer db.Close()

	manager, err := Open(db, storage)
	require.NoError(t, err)
	require.NoError(t, manager.Store(0, "kept", []byte("kept")))

	// Simulate a crash between the blob write and the row insert
	_, err = storage.Put([]byte("orphan"))
	require.NoError(t, err)

	ids, err := storage.List()
	require.NoError(t, err)
	require.Len(t, ids, 2)

	reopened, err := Open(db, storage)
	require.NoError(t, err)
	require.NoError(t, reopened.SanityCheck())

	ids, err = storage.List()
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestSanityCheckDetectsMissingBlob(t *testing.T) {
	f := newFixture(t)
	cache := f.manager
	cache.SetSanityCheckEnabled(false)

	require.NoError(t, cache.Store(0, "a", []byte("payload")))

	// Remove the blob behind the manager's back
	entry, ok, err := f.db.LookupEntry(0, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.storage.Delete(entry.UUID))

	assert.ErrorIs(t, cache.SanityCheck(), ErrCorruption)
}
