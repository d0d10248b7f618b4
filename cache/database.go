package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wolfeidau/simple-mirror/store/records"
)

// Database is a Cache stored in the cache_entries table. A NULL expiration
// never expires.
type Database struct {
	db  *gorm.DB
	now func() time.Time
}

var _ Cache = (*Database)(nil)

// NewDatabase uses db, which must have the cache_entries table migrated.
func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db, now: time.Now}
}

// Get implements Cache.
func (d *Database) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry records.CacheEntry
	err := d.db.WithContext(ctx).Where("key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", key, err)
	}

	now := d.now().UTC()
	if entry.Expiration != nil && !now.Before(*entry.Expiration) {
		// a concurrent Set moves expiration past now and survives this delete
		if err := d.db.WithContext(ctx).Where("id = ? AND expiration <= ?", entry.ID, now).
			Delete(&records.CacheEntry{}).Error; err != nil {
			return nil, false, fmt.Errorf("evicting %s: %w", key, err)
		}
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Set implements Cache.
func (d *Database) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := records.CacheEntry{Key: key, Value: value}
	if ttl != NoExpiration {
		exp := d.now().Add(ttl).UTC().Truncate(time.Microsecond)
		entry.Expiration = &exp
	}

	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expiration"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Delete implements Cache.
func (d *Database) Delete(ctx context.Context, key string) error {
	if err := d.db.WithContext(ctx).Where("key = ?", key).Delete(&records.CacheEntry{}).Error; err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// PurgeExpired removes every expired row and returns how many were removed.
func (d *Database) PurgeExpired(ctx context.Context) (int64, error) {
	res := d.db.WithContext(ctx).
		Where("expiration IS NOT NULL AND expiration <= ?", d.now().UTC()).
		Delete(&records.CacheEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging expired entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}
