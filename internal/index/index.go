// Package index implements the relational bookkeeping of the Web viewer
// cache: one sqlite file with an entries table (bundle, key, uuid, size,
// lastAccess) and a properties table (key, value).
//
// Every operation runs inside a single transaction. The lastAccess column
// is fed from an in-memory counter bootstrapped from MAX(last_access)+1
// when the database is opened.
package index

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrDatabase wraps every sqlite failure of the index.
var ErrDatabase = errors.New("cache index database error")

// Entry is one cached (bundle, key) binding.
type Entry struct {
	Bundle     int    `gorm:"primaryKey;autoIncrement:false"`
	Key        string `gorm:"primaryKey;column:item"`
	UUID       string `gorm:"column:uuid"`
	Size       int64
	LastAccess int64 `gorm:"index"`
}

// Property is one key/value pair of cache-wide metadata, used for
// version tracking.
type Property struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// BundleStatistics aggregates the footprint of one bundle.
type BundleStatistics struct {
	Bundle    int
	Count     uint32
	TotalSize int64
}

// DB is the cache index. Safe for use by a single goroutine at a time;
// the cache scheduler serialises callers.
type DB struct {
	db      *gorm.DB
	counter atomic.Int64
}

// Open creates or opens the sqlite index at path, migrates the schema and
// seeds the access counter.
func Open(path string) (*DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrDatabase, path, err)
	}

	if err := db.AutoMigrate(&Entry{}, &Property{}); err != nil {
		return nil, fmt.Errorf("%w: migrating schema: %v", ErrDatabase, err)
	}

	d := &DB{db: db}

	var max struct{ Max int64 }
	if err := db.Model(&Entry{}).
		Select("COALESCE(MAX(last_access), 0) AS max").
		Scan(&max).Error; err != nil {
		return nil, fmt.Errorf("%w: reading access counter: %v", ErrDatabase, err)
	}
	d.counter.Store(max.Max)

	return d, nil
}

// NextAccess returns a fresh, strictly increasing access sequence number.
func (d *DB) NextAccess() int64 {
	return d.counter.Add(1)
}

// UpsertEntry replaces any previous row for (bundle, key) and inserts the
// new one in a single transaction. It returns the uuid of the replaced
// row, if any, so the caller can drop the old blob.
func (d *DB) UpsertEntry(e Entry) (oldUUID string, replaced bool, err error) {
	err = d.db.Transaction(func(tx *gorm.DB) error {
		var prev Entry
		res := tx.Where("bundle = ? AND item = ?", e.Bundle, e.Key).Take(&prev)
		if res.Error == nil {
			oldUUID = prev.UUID
			replaced = true
			if err := tx.Delete(&Entry{}, "bundle = ? AND item = ?", e.Bundle, e.Key).Error; err != nil {
				return err
			}
		} else if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return res.Error
		}
		return tx.Create(&e).Error
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: upserting entry: %v", ErrDatabase, err)
	}
	return oldUUID, replaced, nil
}

// LookupEntry returns the row for (bundle, key), if present.
func (d *DB) LookupEntry(bundle int, key string) (Entry, bool, error) {
	var e Entry
	res := d.db.Where("bundle = ? AND item = ?", bundle, key).Take(&e)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if res.Error != nil {
		return Entry{}, false, fmt.Errorf("%w: looking up entry: %v", ErrDatabase, res.Error)
	}
	return e, true, nil
}

// TouchEntry bumps the lastAccess of an existing row to a fresh counter
// value.
func (d *DB) TouchEntry(bundle int, key string) error {
	err := d.db.Model(&Entry{}).
		Where("bundle = ? AND item = ?", bundle, key).
		Update("last_access", d.NextAccess()).Error
	if err != nil {
		return fmt.Errorf("%w: touching entry: %v", ErrDatabase, err)
	}
	return nil
}

// DeleteEntry removes the row for (bundle, key) and returns the uuid it
// referenced, so the caller can delete the blob.
func (d *DB) DeleteEntry(bundle int, key string) (uuid string, deleted bool, err error) {
	err = d.db.Transaction(func(tx *gorm.DB) error {
		var e Entry
		res := tx.Where("bundle = ? AND item = ?", bundle, key).Take(&e)
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		if res.Error != nil {
			return res.Error
		}
		uuid = e.UUID
		deleted = true
		return tx.Delete(&Entry{}, "bundle = ? AND item = ?", bundle, key).Error
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: deleting entry: %v", ErrDatabase, err)
	}
	return uuid, deleted, nil
}

// OldestEntry returns the least recently used row of a bundle, breaking
// lastAccess ties by ascending key. Eviction uses it.
func (d *DB) OldestEntry(bundle int) (Entry, bool, error) {
	var e Entry
	res := d.db.Where("bundle = ?", bundle).
		Order("last_access ASC, item ASC").
		Take(&e)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if res.Error != nil {
		return Entry{}, false, fmt.Errorf("%w: selecting oldest entry: %v", ErrDatabase, res.Error)
	}
	return e, true, nil
}

// Statistics recomputes the per-bundle count and total size from the
// entries table. Called when the cache opens.
func (d *DB) Statistics() (map[int]BundleStatistics, error) {
	var rows []BundleStatistics
	err := d.db.Model(&Entry{}).
		Select("bundle, COUNT(*) AS count, COALESCE(SUM(size), 0) AS total_size").
		Group("bundle").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: computing bundle statistics: %v", ErrDatabase, err)
	}
	stats := make(map[int]BundleStatistics, len(rows))
	for _, r := range rows {
		stats[r.Bundle] = r
	}
	return stats, nil
}

// AllEntries returns every row of the entries table. Only the sanity
// check uses it.
func (d *DB) AllEntries() ([]Entry, error) {
	var rows []Entry
	if err := d.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: listing entries: %v", ErrDatabase, err)
	}
	return rows, nil
}

// AllUUIDs returns the set of blob uuids referenced by the entries table.
func (d *DB) AllUUIDs() (map[string]struct{}, error) {
	var ids []string
	if err := d.db.Model(&Entry{}).Pluck("uuid", &ids).Error; err != nil {
		return nil, fmt.Errorf("%w: listing referenced uuids: %v", ErrDatabase, err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// ClearBundle deletes every row of a bundle and returns the removed
// uuids.
func (d *DB) ClearBundle(bundle int) ([]string, error) {
	var ids []string
	err := d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Entry{}).Where("bundle = ?", bundle).Pluck("uuid", &ids).Error; err != nil {
			return err
		}
		return tx.Delete(&Entry{}, "bundle = ?", bundle).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: clearing bundle %d: %v", ErrDatabase, bundle, err)
	}
	return ids, nil
}

// ClearAll deletes every row and returns the removed uuids.
func (d *DB) ClearAll() ([]string, error) {
	var ids []string
	err := d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Entry{}).Pluck("uuid", &ids).Error; err != nil {
			return err
		}
		return tx.Exec("DELETE FROM entries").Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: clearing entries: %v", ErrDatabase, err)
	}
	return ids, nil
}

// LookupProperty reads one cache-wide property.
func (d *DB) LookupProperty(key string) (string, bool, error) {
	var p Property
	res := d.db.Where("key = ?", key).Take(&p)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if res.Error != nil {
		return "", false, fmt.Errorf("%w: looking up property %s: %v", ErrDatabase, key, res.Error)
	}
	return p.Value, true, nil
}

// SetProperty stores one cache-wide property, replacing any previous
// value.
func (d *DB) SetProperty(key, value string) error {
	err := d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Property{}, "key = ?", key).Error; err != nil {
			return err
		}
		return tx.Create(&Property{Key: key, Value: value}).Error
	})
	if err != nil {
		return fmt.Errorf("%w: setting property %s: %v", ErrDatabase, key, err)
	}
	return nil
}

// Close releases the underlying sqlite handle.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return sqlDB.Close()
}
