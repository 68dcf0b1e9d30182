package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/SamSnead85/moneyloop-sub004/internal/conflict"
	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	"github.com/SamSnead85/moneyloop-sub004/internal/state"
)

// applier writes server rows into the local cache. Pulls and realtime
// events share it so both paths resolve divergence the same way.
type applier struct {
	store    *state.State
	strategy conflict.Strategy
	logger   *slog.Logger
	now      func() time.Time
}

// applyOutcome says what applyRemote did with a row.
type applyOutcome int

const (
	outcomeStored applyOutcome = iota
	outcomeDeleted
	outcomeKeptLocal
)

// applyRemote stores a server row. When the record still has unpushed
// local mutations and the cached copy differs, the pair is a conflict and
// the configured strategy picks the survivor. Otherwise the server row
// replaces the cached copy wholesale.
func (a *applier) applyRemote(rec models.Record) (applyOutcome, error) {
	if rec.Deleted {
		if err := a.store.DeleteCached(rec.EntityType, rec.ID); err != nil {
			return outcomeDeleted, fmt.Errorf("deleting cached %s/%s: %w", rec.EntityType, rec.ID, err)
		}

		return outcomeDeleted, nil
	}

	keep := rec

	cached, err := a.store.GetCached(rec.EntityType, rec.ID)
	if err != nil {
		return outcomeStored, fmt.Errorf("reading cached %s/%s: %w", rec.EntityType, rec.ID, err)
	}

	if cached != nil && !cached.Fields.Equal(rec.Fields) {
		pending, err := a.store.HasPending(rec.EntityType, rec.ID)
		if err != nil {
			return outcomeStored, fmt.Errorf("checking outbox for %s/%s: %w", rec.EntityType, rec.ID, err)
		}

		if pending {
			c := models.Conflict{
				EntityType: rec.EntityType,
				RecordID:   rec.ID,
				Local:      cached.Record(),
				Remote:     rec,
			}

			keep, err = conflict.Resolve(c, a.strategy)
			if err != nil {
				return outcomeStored, err
			}

			keptLocal := keep.UpdatedAt.Equal(cached.UpdatedAt) && keep.Fields.Equal(cached.Fields)

			a.logger.Info("conflict resolved",
				slog.String("entity_type", rec.EntityType),
				slog.String("record_id", rec.ID),
				slog.String("strategy", string(a.strategy)),
				slog.Bool("kept_local", keptLocal),
			)
			a.logger.Debug("conflict diff", slog.String("diff", conflict.Describe(c)))

			if keptLocal {
				return outcomeKeptLocal, nil
			}
		}
	}

	err = a.store.PutCached(models.CachedEntity{
		EntityType: rec.EntityType,
		RecordID:   rec.ID,
		Fields:     keep.Fields,
		UpdatedAt:  keep.UpdatedAt,
		SyncedAt:   a.now().UTC(),
	})
	if err != nil {
		return outcomeStored, fmt.Errorf("caching %s/%s: %w", rec.EntityType, rec.ID, err)
	}

	return outcomeStored, nil
}

// recordFromRow builds a backend row from a realtime image. The row's
// updated_at field is authoritative; the commit timestamp and then the
// local clock are fallbacks.
func recordFromRow(entityType string, row models.Value, commitTS, now time.Time) models.Record {
	updated, ok := row.GetTime(models.FieldUpdatedAt)
	if !ok {
		updated = commitTS
	}

	if updated.IsZero() {
		updated = now
	}

	return models.Record{
		ID:         row.GetString(models.FieldID),
		EntityType: entityType,
		Fields:     row,
		UpdatedAt:  updated.UTC(),
	}
}
