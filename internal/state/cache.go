package state

import (
	"encoding/json"
	"fmt"

	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	bolt "go.etcd.io/bbolt"
)

// PutCached stores the cached copy of a record, replacing any previous copy
// wholesale. The per-type bucket is created on first write.
func (s *State) PutCached(e models.CachedEntity) error {
	if e.EntityType == "" || e.RecordID == "" {
		return fmt.Errorf("cached entity needs entity type and record id")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(cacheBucket(e.EntityType))
		if err != nil {
			return err
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return b.Put([]byte(e.RecordID), data)
	})
}

// GetCached returns the cached copy of a record, or nil if not found.
func (s *State) GetCached(entityType, recordID string) (*models.CachedEntity, error) {
	var e *models.CachedEntity

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket(entityType))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(recordID))
		if v == nil {
			return nil
		}

		e = &models.CachedEntity{}

		return json.Unmarshal(v, e)
	})

	return e, err
}

// DeleteCached removes the cached copy of a record. Missing records are
// not an error.
func (s *State) DeleteCached(entityType, recordID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket(entityType))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(recordID))
	})
}

// AllCached returns every cached record of one entity type, keyed by ID.
func (s *State) AllCached(entityType string) (map[string]models.CachedEntity, error) {
	result := make(map[string]models.CachedEntity)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket(entityType))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var e models.CachedEntity
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			result[string(k)] = e

			return nil
		})
	})

	return result, err
}

// CachedCount returns the number of cached records of one entity type.
func (s *State) CachedCount(entityType string) int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(cacheBucket(entityType)); b != nil {
			count = b.Stats().KeyN
		}

		return nil
	})

	return count
}
