package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	syncerrors "github.com/SamSnead85/moneyloop-sub004/internal/errors"
	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// inboundChanSize is the buffer size for the channel carrying frames
	// from the feed reader goroutine to the session loop.
	inboundChanSize = 64

	// WildcardType subscribes to every entity type.
	WildcardType = "*"
)

var errAlreadyConnected = errors.New("realtime channel already connected")

type inboundMsg struct {
	msg models.FeedMessage
	err error
}

// Channel keeps a live change feed subscription for one sharing scope. It
// applies change events to the local cache, fans them out to subscribers
// and tracks which devices are connected.
//
// Architecture: a reader goroutine feeds inbound frames to a single
// session loop, which also owns the heartbeat ticker. A dropped session
// is redialled with exponential backoff and jitter; failures never
// surface to mutations, which keep queueing in the outbox.
type Channel struct {
	feed   ChangeFeed
	coord  *Coordinator
	apply  *applier
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	presence *presenceSet

	subsMu  sync.Mutex
	subs    map[string]map[int]func(models.ChangeEvent)
	nextSub int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	bg     sync.WaitGroup
}

// NewChannel creates a realtime channel that reports through coord's
// status board and drains coord's outbox on every subscribe.
func NewChannel(feed ChangeFeed, coord *Coordinator, logger *slog.Logger) *Channel {
	return &Channel{
		feed:     feed,
		coord:    coord,
		apply:    coord.apply,
		cfg:      coord.cfg,
		logger:   logger,
		now:      coord.now,
		presence: newPresenceSet(coord.cfg.PresenceTTL),
		subs:     make(map[string]map[int]func(models.ChangeEvent)),
	}
}

// Connect starts the subscription loop for scope in the background. It
// returns immediately; dial and handshake failures are retried, not
// returned.
func (ch *Channel) Connect(ctx context.Context, scope string) error {
	if scope == "" {
		return fmt.Errorf("connecting realtime channel: empty scope")
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.cancel != nil {
		return errAlreadyConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ch.cancel = cancel
	ch.done = done

	go func() {
		defer close(done)
		ch.listen(ctx, scope)
	}()

	return nil
}

// Disconnect ends the subscription and clears presence. It is a no-op
// when not connected.
func (ch *Channel) Disconnect() {
	ch.mu.Lock()
	cancel, done := ch.cancel, ch.done
	ch.cancel = nil
	ch.done = nil
	ch.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
	ch.bg.Wait()

	ch.presence.clear()
	ch.publishPresence()
}

// Subscribe registers cb for change events of entityType, or of every
// type when entityType is WildcardType. Each registration is invoked once
// per event, after the event has been applied to the cache.
func (ch *Channel) Subscribe(entityType string, cb func(models.ChangeEvent)) (unsubscribe func()) {
	if entityType != WildcardType {
		entityType = models.NormalizeEntityType(entityType)
	}

	ch.subsMu.Lock()
	id := ch.nextSub
	ch.nextSub++

	if ch.subs[entityType] == nil {
		ch.subs[entityType] = make(map[int]func(models.ChangeEvent))
	}

	ch.subs[entityType][id] = cb
	ch.subsMu.Unlock()

	return func() {
		ch.subsMu.Lock()
		delete(ch.subs[entityType], id)
		ch.subsMu.Unlock()
	}
}

// Devices returns the devices currently present in the scope.
func (ch *Channel) Devices() []models.PresenceRecord {
	return ch.presence.list()
}

// listen is the reconnect loop. Returns only when ctx is cancelled.
func (ch *Channel) listen(ctx context.Context, scope string) {
	backoff := reconnectMin

	for {
		conn, err := ch.feed.Dial(ctx, scope, ch.cfg.DeviceID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if errors.Is(err, syncerrors.ErrSubscribeRejected) {
				backoff = reconnectMax
			}

			ch.coord.status.update(func(s *Status) { s.LastError = err.Error() })
			ch.logger.Warn("change feed unavailable, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			if !sleepCtx(ctx, withJitter(backoff)) {
				return
			}

			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		backoff = reconnectMin

		ch.onSubscribed(ctx)

		err = ch.session(ctx, conn)
		conn.Close()

		ch.bg.Wait()
		ch.presence.clear()
		ch.publishPresence()

		if ctx.Err() != nil {
			return
		}

		ch.logger.Warn("change feed lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		if !sleepCtx(ctx, withJitter(backoff)) {
			return
		}
	}
}

// onSubscribed tracks this device and replays the outbox.
func (ch *Channel) onSubscribed(ctx context.Context) {
	ch.presence.touch(ch.cfg.DeviceID, ch.now())
	ch.publishPresence()

	ch.bg.Go(func() {
		report, err := ch.coord.Drain(ctx)
		if err != nil {
			ch.logger.Debug("outbox drain on subscribe skipped", slog.String("reason", err.Error()))
			return
		}

		if report.Failed == 0 && report.Pushed > 0 {
			ch.coord.status.update(func(s *Status) { s.LastError = "" })
		}
	})
}

// session runs the event loop for one connection. Returns on a read or
// heartbeat error, or when ctx is cancelled.
func (ch *Channel) session(ctx context.Context, conn FeedConn) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			msg, err := conn.Next(sctx)
			select {
			case inbound <- inboundMsg{msg: msg, err: err}:
			case <-sctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(ch.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case in := <-inbound:
			if in.err != nil {
				return fmt.Errorf("reading change feed: %w", in.err)
			}

			switch {
			case in.msg.Change != nil:
				ch.handleChange(sctx, *in.msg.Change)
			case in.msg.Presence != nil:
				ch.handlePresence(*in.msg.Presence)
			}

		case <-ticker.C:
			hctx, hcancel := context.WithTimeout(sctx, ch.cfg.RequestTimeout)
			err := conn.Heartbeat(hctx)
			hcancel()

			if err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}

			now := ch.now()
			ch.presence.touch(ch.cfg.DeviceID, now)

			if gone := ch.presence.expire(now); len(gone) > 0 {
				ch.logger.Debug("presence expired", slog.Any("devices", gone))
			}

			ch.publishPresence()
		}
	}
}

// handleChange applies one change event and notifies subscribers.
// Subscribers are called even when the cache write fails so the
// application can refetch.
func (ch *Channel) handleChange(ctx context.Context, ev models.ChangeEvent) {
	if err := ch.applyChange(ev); err != nil {
		ch.logger.Warn("applying change event",
			slog.String("entity_type", ev.EntityType),
			slog.String("event_type", string(ev.EventType)),
			slog.String("error", err.Error()),
		)
	}

	ch.coord.inst.feedEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_type", ev.EntityType)))

	ch.subsMu.Lock()
	cbs := make([]func(models.ChangeEvent), 0, len(ch.subs[ev.EntityType])+len(ch.subs[WildcardType]))

	for _, cb := range ch.subs[ev.EntityType] {
		cbs = append(cbs, cb)
	}

	for _, cb := range ch.subs[WildcardType] {
		cbs = append(cbs, cb)
	}
	ch.subsMu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
}

func (ch *Channel) applyChange(ev models.ChangeEvent) error {
	switch ev.EventType {
	case models.EventInsert, models.EventUpdate:
		rec := recordFromRow(ev.EntityType, ev.New, ev.CommitTS, ch.now())
		if rec.ID == "" {
			return fmt.Errorf("%s event without %s", ev.EventType, models.FieldID)
		}

		_, err := ch.apply.applyRemote(rec)

		return err

	case models.EventDelete:
		id := ev.Old.GetString(models.FieldID)
		if id == "" {
			return fmt.Errorf("DELETE event without old %s", models.FieldID)
		}

		return ch.apply.store.DeleteCached(ev.EntityType, id)
	}

	return fmt.Errorf("unknown event type %q", ev.EventType)
}

func (ch *Channel) handlePresence(ev models.PresenceEvent) {
	if ev.DeviceID == "" {
		return
	}

	// Expiry runs on the local clock, so the sender's timestamp is not
	// trusted for liveness.
	at := ch.now()

	switch ev.State {
	case models.PresenceJoin, models.PresenceHeartbeat:
		ch.presence.touch(ev.DeviceID, at)
	case models.PresenceLeave:
		ch.presence.remove(ev.DeviceID)
	default:
		ch.logger.Debug("unknown presence state", slog.String("state", string(ev.State)))
		return
	}

	ch.publishPresence()
}

func (ch *Channel) publishPresence() {
	n := ch.presence.count()
	ch.coord.status.update(func(s *Status) { s.ConnectedDevices = n })
}

// withJitter adds up to backoff/jitterDivisor of random delay.
func withJitter(backoff time.Duration) time.Duration {
	return backoff + time.Duration(rand.Int64N(int64(backoff)/jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
}

// sleepCtx waits for d or ctx, whichever comes first. It reports whether
// the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
