package engine

import (
	"context"
	"fmt"
	"log/slog"

	syncerrors "github.com/SamSnead85/moneyloop-sub004/internal/errors"
	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	"github.com/google/uuid"
)

// Mutation is a local write requested by the application.
type Mutation struct {
	EntityType string
	Action     models.Action
	RecordID   string
	Payload    models.Value
}

// MutationResult is what Mutate hands back.
type MutationResult struct {
	// RecordID is the written record, generated for inserts without one.
	RecordID string

	// Data is the server-confirmed row after a direct write, or the
	// optimistic payload when the mutation was queued. Null for deletes.
	Data models.Value

	// Queued is true when the mutation went to the outbox.
	Queued bool

	// Entry is the outbox row when Queued.
	Entry *models.OutboxEntry
}

// Mutate applies a local write optimistically and delivers it to the
// backend.
//
// optimistic, when non-nil, runs first with the payload that will be
// written. The local cache is updated before any network call. Offline,
// the mutation is queued. Online, it is written directly unless earlier
// entries for the same record are still queued, in which case it queues
// behind them. A network-class failure of the direct write queues the
// mutation; any other failure restores the previous cached copy and is
// returned. One mutation ID serves as the idempotency key for the direct
// write and, if that write is queued, for every retry of the outbox entry.
func (e *Engine) Mutate(ctx context.Context, m Mutation, optimistic func(models.Value)) (MutationResult, error) {
	m, err := e.prepare(m)
	if err != nil {
		return MutationResult{}, err
	}

	if optimistic != nil {
		optimistic(m.Payload)
	}

	mutationID := uuid.NewString()

	prev, err := e.store.GetCached(m.EntityType, m.RecordID)
	if err != nil {
		return MutationResult{}, fmt.Errorf("reading cached %s/%s: %w", m.EntityType, m.RecordID, err)
	}

	if err := e.applyLocal(m); err != nil {
		return MutationResult{}, err
	}

	result := MutationResult{RecordID: m.RecordID, Data: m.Payload}
	if m.Action == models.ActionDelete {
		result.Data = models.Null()
	}

	if !e.coord.Online() {
		return e.enqueue(m, mutationID, result, "offline")
	}

	pending, err := e.store.HasPending(m.EntityType, m.RecordID)
	if err != nil {
		return MutationResult{}, fmt.Errorf("checking outbox for %s/%s: %w", m.EntityType, m.RecordID, err)
	}

	if pending {
		queued, err := e.enqueue(m, mutationID, result, "queued behind pending entries")
		if err == nil {
			e.coord.Trigger()
		}

		return queued, err
	}

	rctx, cancel := context.WithTimeout(ctx, e.coord.cfg.RequestTimeout)
	rec, err := e.backend.Write(rctx, m.EntityType, m.Action, m.RecordID, mutationID, m.Payload)
	cancel()

	if err != nil {
		if syncerrors.IsTransient(err) {
			e.logger.Info("direct write failed, queueing",
				slog.String("entity_type", m.EntityType),
				slog.String("record_id", m.RecordID),
				slog.String("error", err.Error()),
			)

			return e.enqueue(m, mutationID, result, "network failure")
		}

		e.rollback(m, prev)

		return MutationResult{}, fmt.Errorf("%s %s/%s: %w", m.Action, m.EntityType, m.RecordID, err)
	}

	if m.Action != models.ActionDelete {
		if rec.ID == "" {
			rec.ID = m.RecordID
		}

		if rec.EntityType == "" {
			rec.EntityType = m.EntityType
		}

		if !rec.Fields.IsNull() {
			result.Data = rec.Fields
		}

		if err := e.store.PutCached(models.CachedEntity{
			EntityType: rec.EntityType,
			RecordID:   rec.ID,
			Fields:     result.Data,
			UpdatedAt:  rec.UpdatedAt,
			SyncedAt:   e.now().UTC(),
		}); err != nil {
			e.logger.Warn("caching confirmed write", slog.String("error", err.Error()))
		}
	}

	e.coord.Trigger()

	return result, nil
}

// prepare validates m, normalizes its entity type and fills in the record
// id. Inserts without an id get a random one, written into the payload.
func (e *Engine) prepare(m Mutation) (Mutation, error) {
	if !m.Action.Valid() {
		return m, fmt.Errorf("%w: %q", syncerrors.ErrUnknownAction, m.Action)
	}

	m.EntityType = models.NormalizeEntityType(m.EntityType)
	if m.EntityType == "" {
		return m, fmt.Errorf("mutation needs an entity type")
	}

	if m.RecordID == "" {
		m.RecordID = m.Payload.GetString(models.FieldID)
	}

	if m.RecordID == "" {
		if m.Action != models.ActionInsert {
			return m, fmt.Errorf("%s on %s needs a record id", m.Action, m.EntityType)
		}

		m.RecordID = uuid.NewString()
	}

	switch m.Action {
	case models.ActionDelete:
		m.Payload = models.Null()
	default:
		if m.Payload.GetString(models.FieldID) != m.RecordID {
			m.Payload = m.Payload.With(models.FieldID, models.String(m.RecordID))
		}
	}

	return m, nil
}

func (e *Engine) applyLocal(m Mutation) error {
	if m.Action == models.ActionDelete {
		if err := e.store.DeleteCached(m.EntityType, m.RecordID); err != nil {
			return fmt.Errorf("removing cached %s/%s: %w", m.EntityType, m.RecordID, err)
		}

		return nil
	}

	err := e.store.PutCached(models.CachedEntity{
		EntityType: m.EntityType,
		RecordID:   m.RecordID,
		Fields:     m.Payload,
		UpdatedAt:  e.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("caching %s/%s: %w", m.EntityType, m.RecordID, err)
	}

	return nil
}

// rollback restores the cached copy that existed before applyLocal.
func (e *Engine) rollback(m Mutation, prev *models.CachedEntity) {
	var err error

	if prev != nil {
		err = e.store.PutCached(*prev)
	} else {
		err = e.store.DeleteCached(m.EntityType, m.RecordID)
	}

	if err != nil {
		e.logger.Error("restoring cached copy after rejected write",
			slog.String("entity_type", m.EntityType),
			slog.String("record_id", m.RecordID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) enqueue(m Mutation, mutationID string, result MutationResult, reason string) (MutationResult, error) {
	entry, err := e.store.EnqueueMutation(mutationID, m.EntityType, m.RecordID, m.Action, m.Payload)
	if err != nil {
		return MutationResult{}, err
	}

	e.coord.refreshPending()

	e.logger.Debug("mutation queued",
		slog.Uint64("id", entry.ID),
		slog.String("entity_type", m.EntityType),
		slog.String("record_id", m.RecordID),
		slog.String("reason", reason),
	)

	result.Queued = true
	result.Entry = &entry

	return result, nil
}
