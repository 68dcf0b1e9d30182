package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	bolt "go.etcd.io/bbolt"
)

const cursorKeyPrefix = "last_sync_"

var lastCycleKey = []byte("last_cycle_at")

func cursorKey(entityType string) []byte {
	return []byte(cursorKeyPrefix + entityType)
}

// Cursor returns the pull watermark for an entity type. A type that was
// never pulled has a zero LastSyncedAt.
func (s *State) Cursor(entityType string) (models.SyncCursor, error) {
	c := models.SyncCursor{EntityType: entityType}

	err := s.db.View(func(tx *bolt.Tx) error {
		t, err := readTime(tx.Bucket(metaBucket), cursorKey(entityType))
		c.LastSyncedAt = t

		return err
	})

	return c, err
}

// AdvanceCursor moves the watermark for an entity type forward to the
// given time. Values at or before the stored watermark are ignored, so a
// cursor never regresses. The resulting cursor is returned.
func (s *State) AdvanceCursor(entityType string, to time.Time) (models.SyncCursor, error) {
	c := models.SyncCursor{EntityType: entityType}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)

		current, err := readTime(b, cursorKey(entityType))
		if err != nil {
			return err
		}

		if !to.After(current) {
			c.LastSyncedAt = current
			return nil
		}

		c.LastSyncedAt = to.UTC()

		return b.Put(cursorKey(entityType), []byte(c.LastSyncedAt.Format(time.RFC3339Nano)))
	})

	return c, err
}

// Cursors returns all stored pull watermarks.
func (s *State) Cursors() ([]models.SyncCursor, error) {
	var cursors []models.SyncCursor

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, v []byte) error {
			name, ok := strings.CutPrefix(string(k), cursorKeyPrefix)
			if !ok {
				return nil
			}

			t, err := time.Parse(time.RFC3339Nano, string(v))
			if err != nil {
				return fmt.Errorf("parsing cursor %s: %w", k, err)
			}

			cursors = append(cursors, models.SyncCursor{EntityType: name, LastSyncedAt: t})

			return nil
		})
	})

	return cursors, err
}

// LastSyncAt returns when the last sync cycle completed, or zero.
func (s *State) LastSyncAt() (time.Time, error) {
	var t time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = readTime(tx.Bucket(metaBucket), lastCycleKey)

		return err
	})

	return t, err
}

// SetLastSyncAt records when a sync cycle completed.
func (s *State) SetLastSyncAt(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(lastCycleKey, []byte(t.UTC().Format(time.RFC3339Nano)))
	})
}

func readTime(b *bolt.Bucket, key []byte) (time.Time, error) {
	v := b.Get(key)
	if v == nil {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339Nano, string(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", key, err)
	}

	return t, nil
}
