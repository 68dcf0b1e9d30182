package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	syncerrors "github.com/SamSnead85/moneyloop-sub004/internal/errors"
	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// itob encodes an outbox ID as a big-endian key so that bbolt's byte
// ordering matches creation order.
func itob(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)

	return b
}

// Enqueue appends a pending mutation to the outbox under a fresh mutation
// ID. The bucket sequence gives every entry a unique, monotonically
// increasing ID, so the key order is the creation order. Delete entries
// never carry a payload.
func (s *State) Enqueue(entityType, recordID string, action models.Action, payload models.Value) (models.OutboxEntry, error) {
	return s.EnqueueMutation(uuid.NewString(), entityType, recordID, action, payload)
}

// EnqueueMutation is Enqueue with a caller-chosen mutation ID, used when a
// direct write already sent that ID as its idempotency key.
func (s *State) EnqueueMutation(mutationID, entityType, recordID string, action models.Action, payload models.Value) (models.OutboxEntry, error) {
	if mutationID == "" {
		return models.OutboxEntry{}, fmt.Errorf("enqueueing %s %s/%s: empty mutation id", action, entityType, recordID)
	}

	if !action.Valid() {
		return models.OutboxEntry{}, fmt.Errorf("%w: %q", syncerrors.ErrUnknownAction, action)
	}

	if action == models.ActionDelete {
		payload = models.Null()
	}

	entry := models.OutboxEntry{
		MutationID: mutationID,
		EntityType: entityType,
		RecordID:   recordID,
		Action:     action,
		Payload:    payload,
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboxBucket)

		id, err := b.NextSequence()
		if err != nil {
			return err
		}

		entry.ID = id
		entry.CreatedAt = s.now().UTC()

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		return b.Put(itob(id), data)
	})
	if err != nil {
		return models.OutboxEntry{}, fmt.Errorf("enqueueing %s %s/%s: %w", action, entityType, recordID, err)
	}

	return entry, nil
}

// PendingEntries returns up to limit entries that are neither synced nor
// dead-lettered, oldest first. A limit <= 0 returns all of them.
func (s *State) PendingEntries(limit int) ([]models.OutboxEntry, error) {
	var entries []models.OutboxEntry

	err := s.forEachEntry(func(e models.OutboxEntry) bool {
		if !e.Pending() {
			return true
		}

		entries = append(entries, e)

		return limit <= 0 || len(entries) < limit
	})

	return entries, err
}

// PendingCount returns the number of entries still waiting to be pushed.
func (s *State) PendingCount() (int, error) {
	count := 0
	err := s.forEachEntry(func(e models.OutboxEntry) bool {
		if e.Pending() {
			count++
		}

		return true
	})

	return count, err
}

// HasPending reports whether the record has unsynced entries, including
// dead-lettered ones. A direct write for such a record would overtake
// them, so callers must queue behind them instead.
func (s *State) HasPending(entityType, recordID string) (bool, error) {
	found := false
	err := s.forEachEntry(func(e models.OutboxEntry) bool {
		if e.SyncedAt == nil && e.EntityType == entityType && e.RecordID == recordID {
			found = true
			return false
		}

		return true
	})

	return found, err
}

// DeadLetters returns entries that exhausted their retries and wait for
// Requeue or Discard.
func (s *State) DeadLetters() ([]models.OutboxEntry, error) {
	var entries []models.OutboxEntry

	err := s.forEachEntry(func(e models.OutboxEntry) bool {
		if e.SyncedAt == nil && e.DeadLetteredAt != nil {
			entries = append(entries, e)
		}

		return true
	})

	return entries, err
}

// Entry returns a single outbox entry.
func (s *State) Entry(id uint64) (models.OutboxEntry, error) {
	var entry models.OutboxEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(outboxBucket).Get(itob(id))
		if v == nil {
			return fmt.Errorf("%w: %d", syncerrors.ErrEntryNotFound, id)
		}

		return json.Unmarshal(v, &entry)
	})

	return entry, err
}

// MarkSynced records that the backend accepted the entry. Calling it again
// keeps the original timestamp. mutationID must match the stored entry, so
// a push that outlived a Clear or Reset cannot mark a newer entry.
func (s *State) MarkSynced(id uint64, mutationID string) error {
	return s.updateMutation(id, mutationID, func(e *models.OutboxEntry) error {
		if e.SyncedAt != nil {
			return nil
		}

		now := s.now().UTC()
		e.SyncedAt = &now
		e.LastError = ""

		return nil
	})
}

// MarkFailed records a failed push attempt. The entry stays pending and
// becomes eligible again after the policy's backoff delay; once the retry
// count reaches policy.MaxRetries it is dead-lettered. Synced entries are
// left untouched. mutationID is checked as in MarkSynced.
func (s *State) MarkFailed(id uint64, mutationID string, cause error, policy models.RetryPolicy) (models.OutboxEntry, error) {
	var out models.OutboxEntry

	err := s.updateMutation(id, mutationID, func(e *models.OutboxEntry) error {
		if e.SyncedAt != nil {
			out = *e
			return nil
		}

		now := s.now().UTC()
		e.RetryCount++
		e.NextAttemptAt = now.Add(policy.Delay(e.RetryCount))

		if cause != nil {
			e.LastError = cause.Error()
		}

		if policy.Exhausted(e.RetryCount) {
			e.DeadLetteredAt = &now
		}

		out = *e

		return nil
	})

	return out, err
}

// Requeue returns a dead-lettered or backing-off entry to the pending set
// with a fresh retry budget. LastError is kept for visibility.
func (s *State) Requeue(id uint64) error {
	return s.updateEntry(id, func(e *models.OutboxEntry) error {
		if e.SyncedAt != nil {
			return nil
		}

		e.RetryCount = 0
		e.NextAttemptAt = time.Time{}
		e.DeadLetteredAt = nil

		return nil
	})
}

// Discard drops an entry without pushing it.
func (s *State) Discard(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboxBucket)
		if b.Get(itob(id)) == nil {
			return fmt.Errorf("%w: %d", syncerrors.ErrEntryNotFound, id)
		}

		return b.Delete(itob(id))
	})
}

// PruneSynced deletes synced entries older than before and returns how
// many were removed. Synced rows are an audit trail, not needed for sync.
func (s *State) PruneSynced(before time.Time) (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboxBucket)

		var stale [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var e models.OutboxEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			if e.SyncedAt != nil && e.SyncedAt.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		removed = len(stale)

		return nil
	})

	return removed, err
}

// Clear wipes every outbox entry. The ID sequence keeps counting, so IDs
// handed out before the wipe are never reused.
func (s *State) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return clearBucket(tx.Bucket(outboxBucket))
	})
}

// clearBucket deletes every key in b but keeps the bucket and its sequence.
func clearBucket(b *bolt.Bucket) error {
	var keys [][]byte

	err := b.ForEach(func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}

	return nil
}

// forEachEntry walks the outbox in creation order until fn returns false.
func (s *State) forEachEntry(fn func(models.OutboxEntry) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(outboxBucket).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e models.OutboxEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding outbox entry %d: %w", binary.BigEndian.Uint64(k), err)
			}

			if !fn(e) {
				return nil
			}
		}

		return nil
	})
}

// updateMutation is updateEntry for an entry that must still hold
// mutationID. A mismatch means the ID was wiped and handed out again.
func (s *State) updateMutation(id uint64, mutationID string, fn func(*models.OutboxEntry) error) error {
	return s.updateEntry(id, func(e *models.OutboxEntry) error {
		if e.MutationID != mutationID {
			return fmt.Errorf("%w: %d no longer holds mutation %s", syncerrors.ErrEntryNotFound, id, mutationID)
		}

		return fn(e)
	})
}

func (s *State) updateEntry(id uint64, fn func(*models.OutboxEntry) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboxBucket)

		v := b.Get(itob(id))
		if v == nil {
			return fmt.Errorf("%w: %d", syncerrors.ErrEntryNotFound, id)
		}

		var e models.OutboxEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decoding outbox entry %d: %w", id, err)
		}

		if err := fn(&e); err != nil {
			return err
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return b.Put(itob(id), data)
	})
}
