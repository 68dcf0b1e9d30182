package engine

import (
	"context"
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	"github.com/SamSnead85/moneyloop-sub004/internal/netmon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestEngine_DeadLetterRequeueAndDiscard(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := NewMockBackend(ctrl)
	store := testStore(t)

	cfg := testConfig()
	cfg.Retry = models.RetryPolicy{MaxRetries: 1}
	eng := testEngine(t, store, backend, cfg)

	a, _ := store.Enqueue("tasks", "r1", models.ActionUpdate, task("r1", "a"))
	b, _ := store.Enqueue("tasks", "r2", models.ActionUpdate, task("r2", "b"))

	backend.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(models.Record{}, errors.New("409 conflict")).Times(2)
	noPulls(backend)

	eng.coord.online.Store(true)

	_, err := eng.SyncNow(context.Background())
	require.NoError(t, err)

	dead, err := eng.DeadLetters()
	require.NoError(t, err)
	require.Len(t, dead, 2)

	require.NoError(t, eng.Discard(b.ID))

	backend.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any(), "r1", gomock.Any(), gomock.Any()).
		Return(models.Record{ID: "r1"}, nil)

	require.NoError(t, eng.Requeue(a.ID))
	eng.coord.bg.Wait()

	dead, _ = eng.DeadLetters()
	assert.Empty(t, dead)
	assert.Zero(t, eng.State().PendingActions)
	assert.Empty(t, eng.State().LastError)
}

func TestEngine_Reset(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := testStore(t)
	eng := testEngine(t, store, NewMockBackend(ctrl), testConfig())

	_, err := eng.Mutate(context.Background(), Mutation{EntityType: "tasks", Action: models.ActionInsert, Payload: task("t1", "x")}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, eng.State().PendingActions)

	require.NoError(t, eng.Reset(context.Background()))

	got, err := eng.Get("tasks", "t1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, eng.State().PendingActions)
}

func TestEngine_ResetWaitsForInFlightPush(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		backend := NewMockBackend(ctrl)
		store := testStore(t)
		eng := testEngine(t, store, backend, testConfig())
		noPulls(backend)

		old, err := store.Enqueue("tasks", "old", models.ActionInsert, task("old", "before logout"))
		require.NoError(t, err)

		started := make(chan struct{})
		release := make(chan struct{})

		var written []string

		backend.EXPECT().Write(gomock.Any(), "tasks", gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, _ models.Action, recordID, _ string, _ models.Value) (models.Record, error) {
				written = append(written, recordID)
				if recordID == "old" {
					close(started)
					<-release
				}

				return models.Record{ID: recordID}, nil
			}).AnyTimes()

		eng.coord.online.Store(true)

		syncDone := make(chan struct{})
		go func() {
			defer close(syncDone)
			_, _ = eng.SyncNow(t.Context())
		}()

		<-started

		resetDone := make(chan error, 1)
		go func() { resetDone <- eng.Reset(t.Context()) }()

		synctest.Wait()

		select {
		case err := <-resetDone:
			t.Fatalf("reset returned while a push was in flight: %v", err)
		default:
		}

		close(release)
		<-syncDone
		require.NoError(t, <-resetDone)

		fresh, err := store.Enqueue("tasks", "new", models.ActionInsert, task("new", "after logout"))
		require.NoError(t, err)
		assert.Greater(t, fresh.ID, old.ID)

		count, err := store.PendingCount()
		require.NoError(t, err)
		assert.Equal(t, 1, count, "the entry queued after logout is still unsent")
		assert.Equal(t, []string{"old"}, written)
	})
}

func TestEngine_ResetGivesUpWithContext(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := testStore(t)
		eng := testEngine(t, store, NewMockBackend(ctrl), testConfig())

		_, err := store.Enqueue("tasks", "t1", models.ActionInsert, task("t1", "x"))
		require.NoError(t, err)

		// Hold the guard as a running cycle would.
		require.True(t, eng.coord.running.CompareAndSwap(false, true))

		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()

		require.ErrorIs(t, eng.Reset(ctx), context.DeadlineExceeded)

		count, err := store.PendingCount()
		require.NoError(t, err)
		assert.Equal(t, 1, count, "nothing wiped without the guard")

		eng.coord.running.Store(false)
	})
}

func TestEngine_WithoutFeed(t *testing.T) {
	ctrl := gomock.NewController(t)
	eng := testEngine(t, testStore(t), NewMockBackend(ctrl), testConfig())

	assert.Nil(t, eng.Channel())

	unsubscribe := eng.Subscribe("tasks", func(models.ChangeEvent) { t.Error("no feed, no events") })
	unsubscribe()
}

func TestEngine_RunFollowsMonitor(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		backend := NewMockBackend(ctrl)
		noPulls(backend)

		monitor := netmon.New(netmon.Options{}, testLogger())
		eng := New(testStore(t), backend, nil, monitor, testConfig(), testLogger())

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)

		go func() { done <- eng.Run(ctx, "") }()

		synctest.Wait()
		assert.False(t, eng.State().IsOnline)

		eng.SetOnline(true)
		synctest.Wait()

		st := eng.State()
		assert.True(t, st.IsOnline)
		assert.False(t, st.LastSyncAt.IsZero(), "reconnect edge runs a cycle")

		eng.SetOnline(false)
		assert.False(t, monitor.Online())
		assert.False(t, eng.State().IsOnline)

		cancel()
		require.NoError(t, <-done)
	})
}
