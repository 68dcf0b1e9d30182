package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	syncerrors "github.com/SamSnead85/moneyloop-sub004/internal/errors"
	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakeConn struct {
	frames     chan models.FeedMessage
	readErr    chan error
	heartbeats atomic.Int32
	closed     atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:  make(chan models.FeedMessage),
		readErr: make(chan error),
	}
}

func (c *fakeConn) Next(ctx context.Context) (models.FeedMessage, error) {
	select {
	case <-ctx.Done():
		return models.FeedMessage{}, ctx.Err()
	case m := <-c.frames:
		return m, nil
	case err := <-c.readErr:
		return models.FeedMessage{}, err
	}
}

func (c *fakeConn) Heartbeat(context.Context) error {
	c.heartbeats.Add(1)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func change(entityType string, ev models.EventType, oldRow, newRow map[string]any) models.FeedMessage {
	ce := &models.ChangeEvent{EntityType: entityType, EventType: ev}
	if oldRow != nil {
		ce.Old = models.MustObject(oldRow)
	}

	if newRow != nil {
		ce.New = models.MustObject(newRow)
	}

	return models.FeedMessage{Change: ce}
}

func presence(device string, state models.PresenceState) models.FeedMessage {
	return models.FeedMessage{Presence: &models.PresenceEvent{DeviceID: device, State: state}}
}

// staticFeed hands out conns in order and counts dials.
func staticFeed(t *testing.T, dials *atomic.Int32, results ...any) ChangeFeed {
	t.Helper()

	return DialFunc(func(_ context.Context, scope, deviceID string) (FeedConn, error) {
		n := int(dials.Add(1)) - 1
		assert.Equal(t, "household-1", scope)
		assert.Equal(t, "dev-a", deviceID)

		if n >= len(results) {
			n = len(results) - 1
		}

		switch r := results[n].(type) {
		case *fakeConn:
			return r, nil
		case error:
			return nil, r
		}

		return nil, fmt.Errorf("unexpected dial result %T", results[n])
	})
}

func TestScenarioD_DeleteEventUpdatesCacheAndNotifiesOnce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := testStore(t)
		coord := testCoordinator(t, store, NewMockBackend(ctrl), testConfig())

		require.NoError(t, store.PutCached(models.CachedEntity{EntityType: "tasks", RecordID: "t1", Fields: task("t1", "a")}))
		require.NoError(t, store.PutCached(models.CachedEntity{EntityType: "tasks", RecordID: "t2", Fields: task("t2", "b")}))

		conn := newFakeConn()

		var dials atomic.Int32

		ch := NewChannel(staticFeed(t, &dials, conn), coord, testLogger())

		var tasksSeen, allSeen, accountsSeen atomic.Int32

		ch.Subscribe("tasks", func(ev models.ChangeEvent) {
			tasksSeen.Add(1)
			assert.Equal(t, "t1", ev.RecordID())
		})
		ch.Subscribe(WildcardType, func(models.ChangeEvent) { allSeen.Add(1) })
		ch.Subscribe("accounts", func(models.ChangeEvent) { accountsSeen.Add(1) })

		require.NoError(t, ch.Connect(t.Context(), "household-1"))
		synctest.Wait()

		conn.frames <- change("tasks", models.EventDelete, map[string]any{"id": "t1"}, nil)
		synctest.Wait()

		gone, _ := store.GetCached("tasks", "t1")
		assert.Nil(t, gone)

		kept, _ := store.GetCached("tasks", "t2")
		assert.NotNil(t, kept)

		assert.EqualValues(t, 1, tasksSeen.Load())
		assert.EqualValues(t, 1, allSeen.Load())
		assert.Zero(t, accountsSeen.Load())

		ch.Disconnect()
		assert.True(t, conn.closed.Load())
		assert.EqualValues(t, 1, dials.Load())
	})
}

func TestChannel_InsertAndUpdateEvents(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := testStore(t)
		coord := testCoordinator(t, store, NewMockBackend(ctrl), testConfig())
		conn := newFakeConn()

		var dials atomic.Int32

		ch := NewChannel(staticFeed(t, &dials, conn), coord, testLogger())

		unsubscribe := ch.Subscribe("tasks", func(models.ChangeEvent) {})
		defer unsubscribe()

		require.NoError(t, ch.Connect(t.Context(), "household-1"))
		synctest.Wait()

		conn.frames <- change("tasks", models.EventInsert, nil, map[string]any{
			"id": "t9", "title": "new", "updated_at": "2026-06-01T10:00:00Z",
		})
		synctest.Wait()

		got, _ := store.GetCached("tasks", "t9")
		require.NotNil(t, got)
		assert.Equal(t, "new", got.Fields.GetString("title"))
		assert.True(t, time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC).Equal(got.UpdatedAt))

		commit := time.Date(2026, 6, 1, 11, 0, 0, 0, time.UTC)
		msg := change("tasks", models.EventUpdate, map[string]any{"id": "t9"}, map[string]any{"id": "t9", "title": "edited"})
		msg.Change.CommitTS = commit
		conn.frames <- msg
		synctest.Wait()

		got, _ = store.GetCached("tasks", "t9")
		require.NotNil(t, got)
		assert.Equal(t, "edited", got.Fields.GetString("title"))
		assert.True(t, commit.Equal(got.UpdatedAt))

		ch.Disconnect()
	})
}

func TestChannel_Presence(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		coord := testCoordinator(t, testStore(t), NewMockBackend(ctrl), testConfig())
		conn := newFakeConn()

		var dials atomic.Int32

		ch := NewChannel(staticFeed(t, &dials, conn), coord, testLogger())

		require.NoError(t, ch.Connect(t.Context(), "household-1"))
		synctest.Wait()

		assert.Equal(t, 1, coord.Status().ConnectedDevices)

		conn.frames <- presence("dev-b", models.PresenceJoin)
		synctest.Wait()

		devices := ch.Devices()
		require.Len(t, devices, 2)
		assert.Equal(t, "dev-a", devices[0].DeviceID)
		assert.Equal(t, "dev-b", devices[1].DeviceID)
		assert.Equal(t, 2, coord.Status().ConnectedDevices)

		// dev-b goes quiet; the 60s heartbeat is the first past the 45s TTL.
		time.Sleep(61 * time.Second)
		synctest.Wait()

		assert.Equal(t, 1, coord.Status().ConnectedDevices)
		assert.GreaterOrEqual(t, conn.heartbeats.Load(), int32(4))

		conn.frames <- presence("dev-c", models.PresenceJoin)
		synctest.Wait()
		assert.Equal(t, 2, coord.Status().ConnectedDevices)

		conn.frames <- presence("dev-c", models.PresenceLeave)
		synctest.Wait()
		assert.Equal(t, 1, coord.Status().ConnectedDevices)

		ch.Disconnect()
		assert.Zero(t, coord.Status().ConnectedDevices)
		assert.Empty(t, ch.Devices())
	})
}

func TestChannel_PresenceUsesLocalReceiptTime(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		coord := testCoordinator(t, testStore(t), NewMockBackend(ctrl), testConfig())
		conn := newFakeConn()

		var dials atomic.Int32

		ch := NewChannel(staticFeed(t, &dials, conn), coord, testLogger())

		require.NoError(t, ch.Connect(t.Context(), "household-1"))
		synctest.Wait()

		// dev-b's clock runs ten minutes behind ours.
		conn.frames <- models.FeedMessage{Presence: &models.PresenceEvent{
			DeviceID: "dev-b",
			State:    models.PresenceJoin,
			At:       time.Now().Add(-10 * time.Minute),
		}}
		synctest.Wait()

		// Past the first heartbeat tick but well inside the TTL.
		time.Sleep(16 * time.Second)
		synctest.Wait()

		assert.Equal(t, 2, coord.Status().ConnectedDevices)

		devices := ch.Devices()
		require.Len(t, devices, 2)
		assert.WithinDuration(t, time.Now(), devices[1].LastSeenAt, 20*time.Second)

		ch.Disconnect()
	})
}

func TestChannel_DrainsOutboxOnSubscribe(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		backend := NewMockBackend(ctrl)
		store := testStore(t)
		coord := testCoordinator(t, store, backend, testConfig())

		e, err := store.Enqueue("tasks", "t1", models.ActionInsert, task("t1", "queued offline"))
		require.NoError(t, err)

		backend.EXPECT().Write(gomock.Any(), "tasks", models.ActionInsert, "t1", e.MutationID, gomock.Any()).
			Return(models.Record{ID: "t1"}, nil)

		coord.online.Store(true)

		var dials atomic.Int32

		ch := NewChannel(staticFeed(t, &dials, newFakeConn()), coord, testLogger())

		require.NoError(t, ch.Connect(t.Context(), "household-1"))
		synctest.Wait()

		got, err := store.Entry(e.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.SyncedAt)
		assert.Zero(t, coord.Status().PendingActions)

		ch.Disconnect()
	})
}

func TestChannel_ReconnectsWithBackoff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		coord := testCoordinator(t, testStore(t), NewMockBackend(ctrl), testConfig())

		first := newFakeConn()
		second := newFakeConn()

		var dials atomic.Int32

		feed := staticFeed(t, &dials,
			&syncerrors.TransientError{Err: errors.New("dial tcp: connection refused")},
			first,
			second,
		)
		ch := NewChannel(feed, coord, testLogger())

		require.NoError(t, ch.Connect(t.Context(), "household-1"))
		synctest.Wait()

		assert.EqualValues(t, 1, dials.Load())
		assert.Contains(t, coord.Status().LastError, "connection refused")

		// Initial backoff is 5s plus up to 2.5s of jitter.
		time.Sleep(8 * time.Second)
		synctest.Wait()
		assert.EqualValues(t, 2, dials.Load())
		assert.Equal(t, 1, coord.Status().ConnectedDevices)

		first.readErr <- errors.New("unexpected EOF")
		synctest.Wait()
		assert.True(t, first.closed.Load())
		assert.Zero(t, coord.Status().ConnectedDevices)

		// A successful subscribe resets the backoff.
		time.Sleep(8 * time.Second)
		synctest.Wait()
		assert.EqualValues(t, 3, dials.Load())

		ch.Disconnect()
		assert.True(t, second.closed.Load())
	})
}

func TestChannel_RejectedSubscribeBacksOffToMax(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		coord := testCoordinator(t, testStore(t), NewMockBackend(ctrl), testConfig())

		var dials atomic.Int32

		feed := staticFeed(t, &dials,
			fmt.Errorf("%w: invalid token", syncerrors.ErrSubscribeRejected),
			newFakeConn(),
		)
		ch := NewChannel(feed, coord, testLogger())

		require.NoError(t, ch.Connect(t.Context(), "household-1"))
		synctest.Wait()
		assert.EqualValues(t, 1, dials.Load())

		time.Sleep(4 * time.Minute)
		synctest.Wait()
		assert.EqualValues(t, 1, dials.Load(), "rejections wait the full reconnect ceiling")

		time.Sleep(4 * time.Minute)
		synctest.Wait()
		assert.EqualValues(t, 2, dials.Load())

		ch.Disconnect()
	})
}

func TestChannel_ConnectErrors(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		coord := testCoordinator(t, testStore(t), NewMockBackend(ctrl), testConfig())

		var dials atomic.Int32

		ch := NewChannel(staticFeed(t, &dials, newFakeConn()), coord, testLogger())

		assert.Error(t, ch.Connect(t.Context(), ""))

		require.NoError(t, ch.Connect(t.Context(), "household-1"))
		assert.ErrorIs(t, ch.Connect(t.Context(), "household-1"), errAlreadyConnected)

		ch.Disconnect()
		ch.Disconnect()
	})
}
