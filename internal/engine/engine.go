// Package engine is the offline sync engine: an outbox-backed optimistic
// write path, single-flight push/pull cycles and a realtime change feed
// with device presence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	"github.com/SamSnead85/moneyloop-sub004/internal/netmon"
	"github.com/SamSnead85/moneyloop-sub004/internal/state"
	"golang.org/x/sync/errgroup"
)

// Engine wires the store, the coordinator, the realtime channel and the
// network monitor together for embedding in an application.
type Engine struct {
	store   *state.State
	backend Backend
	coord   *Coordinator
	channel *Channel
	monitor *netmon.Monitor
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an engine. feed and monitor may be nil: without a feed there
// is no realtime channel, without a monitor connectivity comes only from
// SetOnline.
func New(store *state.State, backend Backend, feed ChangeFeed, monitor *netmon.Monitor, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	coord := NewCoordinator(store, backend, cfg, logger, opts...)

	e := &Engine{
		store:   store,
		backend: backend,
		coord:   coord,
		monitor: monitor,
		logger:  logger,
		now:     coord.now,
	}

	if feed != nil {
		e.channel = NewChannel(feed, coord, logger)
	}

	return e
}

// Run starts the coordinator, the monitor and, when scope is set, the
// realtime channel, and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, scope string) error {
	g, ctx := errgroup.WithContext(ctx)

	if e.monitor != nil {
		unsubscribe := e.monitor.OnChange(e.coord.SetOnline)
		defer unsubscribe()

		e.coord.SetOnline(e.monitor.Online())

		g.Go(func() error { return e.monitor.Run(ctx) })
	}

	e.coord.Start(ctx)
	defer e.coord.Stop()

	if e.channel != nil && scope != "" {
		if err := e.channel.Connect(ctx, scope); err != nil {
			return err
		}
		defer e.channel.Disconnect()
	}

	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// Coordinator exposes the sync coordinator.
func (e *Engine) Coordinator() *Coordinator { return e.coord }

// Channel exposes the realtime channel, or nil without a feed.
func (e *Engine) Channel() *Channel { return e.channel }

// SetOnline reports connectivity when no monitor is wired.
func (e *Engine) SetOnline(online bool) {
	if e.monitor != nil {
		e.monitor.Report(online)
		return
	}

	e.coord.SetOnline(online)
}

// SyncNow runs a cycle immediately.
func (e *Engine) SyncNow(ctx context.Context) (CycleReport, error) {
	return e.coord.SyncNow(ctx)
}

// State returns the sync-health snapshot.
func (e *Engine) State() Status { return e.coord.Status() }

// OnStateChange registers cb for status changes.
func (e *Engine) OnStateChange(cb func(Status)) (unsubscribe func()) {
	return e.coord.OnStateChange(cb)
}

// Subscribe registers cb for realtime change events of entityType. It is a
// no-op without a feed.
func (e *Engine) Subscribe(entityType string, cb func(models.ChangeEvent)) (unsubscribe func()) {
	if e.channel == nil {
		return func() {}
	}

	return e.channel.Subscribe(entityType, cb)
}

// Devices lists the devices present in the realtime scope.
func (e *Engine) Devices() []models.PresenceRecord {
	if e.channel == nil {
		return nil
	}

	return e.channel.Devices()
}

// Get returns the cached copy of a record, or nil.
func (e *Engine) Get(entityType, recordID string) (*models.CachedEntity, error) {
	return e.store.GetCached(models.NormalizeEntityType(entityType), recordID)
}

// DeadLetters lists outbox entries waiting for manual resolution.
func (e *Engine) DeadLetters() ([]models.OutboxEntry, error) {
	return e.store.DeadLetters()
}

// Requeue gives a dead-lettered entry a fresh retry budget.
func (e *Engine) Requeue(id uint64) error {
	if err := e.store.Requeue(id); err != nil {
		return err
	}

	e.coord.refreshPending()
	e.coord.Trigger()

	return nil
}

// Discard drops an outbox entry without pushing it.
func (e *Engine) Discard(id uint64) error {
	if err := e.store.Discard(id); err != nil {
		return err
	}

	e.coord.refreshPending()

	return nil
}

// Reset wipes the outbox, cache and cursors, for logout. It waits for a
// running cycle to finish and blocks new ones until the wipe is done, so no
// push reports back into the emptied outbox.
func (e *Engine) Reset(ctx context.Context) error {
	if e.channel != nil {
		e.channel.Disconnect()
	}

	err := e.coord.hold(ctx, e.store.Reset)
	if err != nil {
		return fmt.Errorf("resetting sync state: %w", err)
	}

	e.coord.refreshPending()

	return nil
}
