package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	syncerrors "github.com/SamSnead85/moneyloop-sub004/internal/errors"
	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	"github.com/SamSnead85/moneyloop-sub004/internal/state"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// PushReport summarises one push phase.
type PushReport struct {
	Pushed       int
	Failed       int
	Skipped      int
	DeadLettered int
}

// PullReport summarises the pull of one entity type.
type PullReport struct {
	EntityType string
	Pulled     int
	Deleted    int
	KeptLocal  int
	Cursor     time.Time
	Truncated  bool
	Err        error
}

// CycleReport summarises one push-then-pull cycle.
type CycleReport struct {
	StartedAt time.Time
	Duration  time.Duration
	Push      PushReport
	Pull      []PullReport
}

// Err joins the per-type pull errors.
func (r CycleReport) Err() error {
	var errs []error

	for _, p := range r.Pull {
		if p.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.EntityType, p.Err))
		}
	}

	return errors.Join(errs...)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now for backoff gating, cache timestamps and
// housekeeping.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator runs single-flight sync cycles: push pending outbox entries,
// then pull remote changes per entity type.
//
// Cycles start from the interval ticker, from an offline to online edge,
// after an online mutation, or from SyncNow. A cycle requested while one
// is running is dropped, not queued. Local mutations never wait on a
// cycle; they only touch the store.
type Coordinator struct {
	store   *state.State
	backend Backend
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	apply   *applier
	status  *statusBoard
	inst    *instruments

	online  atomic.Bool
	running atomic.Bool

	// mu guards the fields below. stopped is set before Stop waits on bg,
	// so no bg.Go can race that Wait.
	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
	bg      sync.WaitGroup
}

// guardPollInterval is how often hold retries the single-flight guard.
const guardPollInterval = 50 * time.Millisecond

// NewCoordinator creates a coordinator. It starts offline; call SetOnline
// once connectivity is known.
func NewCoordinator(store *state.State, backend Backend, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		backend: backend,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
		status:  newStatusBoard(),
		inst:    newInstruments(logger),
		baseCtx: context.Background(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.apply = &applier{store: store, strategy: c.cfg.Strategy, logger: logger, now: c.now}

	if last, err := store.LastSyncAt(); err == nil {
		c.status.update(func(s *Status) { s.LastSyncAt = last })
	}

	c.refreshPending()

	return c
}

// Start runs the interval ticker until ctx is cancelled or Stop is called.
// Ticks while offline are ignored.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.stopped = false
	c.baseCtx = ctx
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.logger.Info("sync coordinator started", slog.Duration("interval", c.cfg.Interval))

	go func() {
		defer close(done)
		c.loop(ctx)
	}()
}

// Stop cancels the ticker and waits for it and for any background cycle.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.done = nil
	c.stopped = true
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.bg.Wait()

	if cancel != nil {
		c.logger.Info("sync coordinator stopped")
	}
}

func (c *Coordinator) loop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.online.Load() {
				continue
			}

			if !c.running.CompareAndSwap(false, true) {
				c.logger.Debug("tick skipped, cycle in flight")
				continue
			}

			c.runLogged(ctx)
		}
	}
}

// Online reports the coordinator's view of connectivity.
func (c *Coordinator) Online() bool { return c.online.Load() }

// SetOnline records a connectivity change. An offline to online edge
// starts a cycle immediately.
func (c *Coordinator) SetOnline(online bool) {
	was := c.online.Swap(online)
	c.status.update(func(s *Status) { s.IsOnline = online })

	if online && !was {
		c.Trigger()
	}
}

// Trigger starts a cycle in the background. It returns false without doing
// anything when offline, after Stop, or when a cycle is already running.
func (c *Coordinator) Trigger() bool {
	if !c.online.Load() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return false
	}

	if !c.running.CompareAndSwap(false, true) {
		return false
	}

	ctx := c.baseCtx
	c.bg.Go(func() { c.runLogged(ctx) })

	return true
}

// hold runs fn while holding the single-flight guard, first waiting for
// any in-flight cycle or drain to finish. No cycle can start while fn runs.
func (c *Coordinator) hold(ctx context.Context, fn func() error) error {
	if !c.running.CompareAndSwap(false, true) {
		ticker := time.NewTicker(guardPollInterval)
		defer ticker.Stop()

		for !c.running.CompareAndSwap(false, true) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
	defer c.running.Store(false)

	return fn()
}

// SyncNow runs a cycle on the calling goroutine. It returns
// ErrCycleInFlight when another cycle holds the guard and ErrOffline when
// offline.
func (c *Coordinator) SyncNow(ctx context.Context) (CycleReport, error) {
	if !c.online.Load() {
		return CycleReport{}, syncerrors.ErrOffline
	}

	if !c.running.CompareAndSwap(false, true) {
		return CycleReport{}, syncerrors.ErrCycleInFlight
	}

	report := c.runCycle(ctx)

	return report, report.Err()
}

// Drain runs a push phase only. The realtime channel calls it on every
// (re)subscribe. It shares the single-flight guard with full cycles.
func (c *Coordinator) Drain(ctx context.Context) (PushReport, error) {
	if !c.online.Load() {
		return PushReport{}, syncerrors.ErrOffline
	}

	if !c.running.CompareAndSwap(false, true) {
		return PushReport{}, syncerrors.ErrCycleInFlight
	}
	defer c.running.Store(false)

	c.status.update(func(s *Status) { s.IsSyncing = true })
	defer c.status.update(func(s *Status) { s.IsSyncing = false })

	ctx, span := c.inst.startSpan(ctx, "sync.drain")
	report := c.push(ctx)
	endSpan(span, nil)

	c.refreshPending()

	if report.Pushed > 0 || report.Failed > 0 {
		c.logger.Info("outbox drained",
			slog.Int("pushed", report.Pushed),
			slog.Int("failed", report.Failed),
			slog.Int("skipped", report.Skipped),
		)
	}

	return report, nil
}

// Status returns the current sync-health snapshot.
func (c *Coordinator) Status() Status { return c.status.get() }

// OnStateChange registers cb for status changes.
func (c *Coordinator) OnStateChange(cb func(Status)) (unsubscribe func()) {
	return c.status.subscribe(cb)
}

func (c *Coordinator) runLogged(ctx context.Context) {
	report := c.runCycle(ctx)
	if err := report.Err(); err != nil {
		c.logger.Warn("sync cycle finished with errors", slog.String("error", err.Error()))
	}
}

// runCycle executes push then pull. The caller must hold the guard; it is
// released on return.
func (c *Coordinator) runCycle(ctx context.Context) CycleReport {
	defer c.running.Store(false)

	c.status.update(func(s *Status) { s.IsSyncing = true })
	defer c.status.update(func(s *Status) { s.IsSyncing = false })

	ctx, span := c.inst.startSpan(ctx, "sync.cycle")

	report := CycleReport{StartedAt: c.now()}
	start := time.Now()

	report.Push = c.push(ctx)
	report.Pull = c.pull(ctx)
	report.Duration = time.Since(start)

	c.housekeeping()

	finished := c.now().UTC()
	if err := c.store.SetLastSyncAt(finished); err != nil {
		c.logger.Warn("recording last sync time", slog.String("error", err.Error()))
	}

	cycleErr := report.Err()
	endSpan(span, cycleErr)

	c.inst.cycles.Add(ctx, 1)
	c.inst.cycleDuration.Record(ctx, report.Duration.Seconds())

	pending, _ := c.store.PendingCount()
	dead, _ := c.store.DeadLetters()

	var truncated []string

	for _, p := range report.Pull {
		if p.Truncated {
			truncated = append(truncated, p.EntityType)
		}
	}

	c.status.update(func(s *Status) {
		s.LastSyncAt = finished
		s.PendingActions = pending

		switch {
		case cycleErr != nil:
			s.LastError = cycleErr.Error()
		case len(dead) > 0:
			s.LastError = fmt.Sprintf("%v: %d awaiting manual resolution", syncerrors.ErrDeadLettered, len(dead))
		case report.Push.Failed > 0:
			s.LastError = fmt.Sprintf("%d outbox entries failed to push", report.Push.Failed)
		case len(truncated) > 0:
			s.LastError = fmt.Sprintf("pull limit reached for %s, older changes skipped", strings.Join(truncated, ", "))
		default:
			s.LastError = ""
		}
	})

	c.logger.Info("sync cycle complete",
		slog.Int("pushed", report.Push.Pushed),
		slog.Int("push_failed", report.Push.Failed),
		slog.Int("push_skipped", report.Push.Skipped),
		slog.Int("pending", pending),
		slog.Duration("took", report.Duration),
	)

	return report
}

// push sends up to PushBatch pending entries in creation order. A failure
// does not stop the batch, but once an entry for a record fails, waits on
// backoff or is dead-lettered, later entries for that record are held
// back so per-record order holds.
func (c *Coordinator) push(ctx context.Context) PushReport {
	var report PushReport

	entries, err := c.store.PendingEntries(c.cfg.PushBatch)
	if err != nil {
		c.logger.Error("loading outbox", slog.String("error", err.Error()))
		return report
	}

	if len(entries) == 0 {
		return report
	}

	blocked := make(map[models.RecordKey]bool)

	dead, err := c.store.DeadLetters()
	if err != nil {
		c.logger.Error("loading dead letters", slog.String("error", err.Error()))
		return report
	}

	for _, e := range dead {
		blocked[e.Key()] = true
	}

	now := c.now()

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}

		key := e.Key()

		if blocked[key] {
			report.Skipped++
			continue
		}

		if e.NextAttemptAt.After(now) {
			blocked[key] = true
			report.Skipped++

			continue
		}

		rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		_, err := c.backend.Write(rctx, e.EntityType, e.Action, e.RecordID, e.MutationID, e.Payload)
		cancel()

		if err != nil {
			blocked[key] = true
			report.Failed++

			updated, mErr := c.store.MarkFailed(e.ID, e.MutationID, err, c.cfg.Retry)
			if mErr != nil {
				c.logger.Error("recording push failure", slog.Uint64("id", e.ID), slog.String("error", mErr.Error()))
				continue
			}

			attrs := []any{
				slog.Uint64("id", e.ID),
				slog.String("entity_type", e.EntityType),
				slog.String("record_id", e.RecordID),
				slog.String("action", string(e.Action)),
				slog.Int("retry_count", updated.RetryCount),
				slog.Bool("transient", syncerrors.IsTransient(err)),
				slog.String("error", err.Error()),
			}

			if updated.DeadLetteredAt != nil {
				report.DeadLettered++

				c.logger.Error("outbox entry dead-lettered", attrs...)
			} else {
				c.logger.Warn("push failed, will retry", append(attrs, slog.Time("next_attempt", updated.NextAttemptAt))...)
			}

			continue
		}

		if err := c.store.MarkSynced(e.ID, e.MutationID); err != nil {
			c.logger.Error("marking entry synced", slog.Uint64("id", e.ID), slog.String("error", err.Error()))
			continue
		}

		report.Pushed++
	}

	c.inst.addPushed(ctx, report.Pushed, "ok")
	c.inst.addPushed(ctx, report.Failed, "failed")

	return report
}

// pull fetches every tracked type concurrently. Each type succeeds or
// fails on its own; a failed type keeps its cursor.
func (c *Coordinator) pull(ctx context.Context) []PullReport {
	reports := make([]PullReport, len(c.cfg.EntityTypes))

	var g errgroup.Group

	g.SetLimit(c.cfg.PullConcurrency)

	for i, t := range c.cfg.EntityTypes {
		g.Go(func() error {
			reports[i] = c.pullType(ctx, t)
			return nil
		})
	}

	_ = g.Wait()

	return reports
}

func (c *Coordinator) pullType(ctx context.Context, t models.TrackedType) PullReport {
	report := PullReport{EntityType: t.Name}

	ctx, span := c.inst.startSpan(ctx, "sync.pull", attribute.String("entity_type", t.Name))
	defer func() { endSpan(span, report.Err) }()

	cursor, err := c.store.Cursor(t.Name)
	if err != nil {
		report.Err = fmt.Errorf("reading cursor: %w", err)
		return report
	}

	report.Cursor = cursor.LastSyncedAt

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	records, err := c.backend.FetchChangedSince(rctx, t.Name, cursor.LastSyncedAt, t.PullLimit)
	cancel()

	if err != nil {
		report.Err = err
		c.logger.Warn("pull failed",
			slog.String("entity_type", t.Name),
			slog.Bool("transient", syncerrors.IsTransient(err)),
			slog.String("error", err.Error()),
		)

		return report
	}

	maxSeen := cursor.LastSyncedAt

	for _, rec := range records {
		if rec.EntityType == "" {
			rec.EntityType = t.Name
		}

		outcome, err := c.apply.applyRemote(rec)
		if err != nil {
			report.Err = err
			return report
		}

		switch outcome {
		case outcomeDeleted:
			report.Deleted++
		case outcomeKeptLocal:
			report.KeptLocal++
		default:
			report.Pulled++
		}

		if rec.UpdatedAt.After(maxSeen) {
			maxSeen = rec.UpdatedAt
		}
	}

	if t.PullLimit > 0 && len(records) >= t.PullLimit {
		report.Truncated = true

		// Records arrive newest first, so anything older than the last one
		// returned is skipped once the cursor moves to maxSeen.
		c.logger.Warn("pull batch hit its limit, older changes skipped",
			slog.String("entity_type", t.Name),
			slog.Int("limit", t.PullLimit),
			slog.Time("oldest_returned", records[len(records)-1].UpdatedAt),
		)
	}

	advanced, err := c.store.AdvanceCursor(t.Name, maxSeen)
	if err != nil {
		report.Err = fmt.Errorf("advancing cursor: %w", err)
		return report
	}

	report.Cursor = advanced.LastSyncedAt

	c.inst.pulled.Add(ctx, int64(len(records)), metric.WithAttributes(attribute.String("entity_type", t.Name)))

	if len(records) > 0 {
		c.logger.Debug("pulled changes",
			slog.String("entity_type", t.Name),
			slog.Int("records", len(records)),
			slog.Time("cursor", report.Cursor),
		)
	}

	return report
}

func (c *Coordinator) housekeeping() {
	if c.cfg.SyncedRetention <= 0 {
		return
	}

	removed, err := c.store.PruneSynced(c.now().Add(-c.cfg.SyncedRetention))
	if err != nil {
		c.logger.Warn("pruning synced outbox entries", slog.String("error", err.Error()))
		return
	}

	if removed > 0 {
		c.logger.Debug("pruned synced outbox entries", slog.Int("removed", removed))
	}
}

// refreshPending republishes the outbox depth.
func (c *Coordinator) refreshPending() {
	pending, err := c.store.PendingCount()
	if err != nil {
		c.logger.Warn("counting pending entries", slog.String("error", err.Error()))
		return
	}

	c.status.update(func(s *Status) { s.PendingActions = pending })
}
