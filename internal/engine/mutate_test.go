package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	syncerrors "github.com/SamSnead85/moneyloop-sub004/internal/errors"
	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestMutate_OfflineQueuesAndUpdatesCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := testStore(t)
	eng := testEngine(t, store, NewMockBackend(ctrl), testConfig())

	var seen models.Value

	res, err := eng.Mutate(context.Background(), Mutation{
		EntityType: "Tasks",
		Action:     models.ActionInsert,
		Payload:    models.MustObject(map[string]any{"title": "buy milk"}),
	}, func(v models.Value) { seen = v })
	require.NoError(t, err)

	require.NotEmpty(t, res.RecordID)
	assert.True(t, res.Queued)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "tasks", res.Entry.EntityType)
	assert.Equal(t, res.RecordID, seen.GetString("id"), "optimistic callback sees the generated id")
	assert.Equal(t, "buy milk", res.Data.GetString("title"))

	cached, err := eng.Get("tasks", res.RecordID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "buy milk", cached.Fields.GetString("title"))

	assert.Equal(t, 1, eng.State().PendingActions)
}

func TestMutate_OnlineWritesDirectly(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := NewMockBackend(ctrl)
	store := testStore(t)
	eng := testEngine(t, store, backend, testConfig())

	serverTime := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	backend.EXPECT().Write(gomock.Any(), "tasks", models.ActionInsert, "t1", gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ models.Action, _ string, mutationID string, payload models.Value) (models.Record, error) {
			assert.NotEmpty(t, mutationID)
			assert.Equal(t, "draft", payload.GetString("title"))

			return models.Record{
				ID:        "t1",
				Fields:    models.MustObject(map[string]any{"id": "t1", "title": "draft", "rev": 1}),
				UpdatedAt: serverTime,
			}, nil
		})
	noPulls(backend)

	eng.coord.online.Store(true)

	res, err := eng.Mutate(context.Background(), Mutation{
		EntityType: "tasks",
		Action:     models.ActionInsert,
		Payload:    task("t1", "draft"),
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Nil(t, res.Entry)

	rev, ok := res.Data.Get("rev")
	require.True(t, ok)
	n, _ := rev.AsInt()
	assert.EqualValues(t, 1, n)

	eng.coord.bg.Wait()

	cached, err := store.GetCached("tasks", "t1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, serverTime.Equal(cached.UpdatedAt))

	pending, err := store.PendingEntries(0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMutate_TransientFailureQueues(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := NewMockBackend(ctrl)
	store := testStore(t)
	eng := testEngine(t, store, backend, testConfig())

	backend.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(models.Record{}, &syncerrors.TransientError{Err: errors.New("dial tcp: i/o timeout")})

	eng.coord.online.Store(true)

	res, err := eng.Mutate(context.Background(), Mutation{
		EntityType: "tasks",
		Action:     models.ActionInsert,
		Payload:    task("t1", "draft"),
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.Queued)

	cached, _ := store.GetCached("tasks", "t1")
	require.NotNil(t, cached)
	assert.Equal(t, "draft", cached.Fields.GetString("title"))
	assert.Equal(t, 1, eng.State().PendingActions)
}

func TestMutate_RetryReusesIdempotencyKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := NewMockBackend(ctrl)
	store := testStore(t)
	eng := testEngine(t, store, backend, testConfig())

	var keys []string

	record := func(_ context.Context, _ string, _ models.Action, _ string, mutationID string, _ models.Value) {
		keys = append(keys, mutationID)
	}

	gomock.InOrder(
		backend.EXPECT().Write(gomock.Any(), "tasks", models.ActionInsert, "t1", gomock.Any(), gomock.Any()).
			Do(record).
			Return(models.Record{}, &syncerrors.TransientError{Err: errors.New("context deadline exceeded")}),
		backend.EXPECT().Write(gomock.Any(), "tasks", models.ActionInsert, "t1", gomock.Any(), gomock.Any()).
			Do(record).
			Return(models.Record{ID: "t1"}, nil),
	)
	noPulls(backend)

	eng.coord.online.Store(true)

	res, err := eng.Mutate(context.Background(), Mutation{
		EntityType: "tasks",
		Action:     models.ActionInsert,
		Payload:    task("t1", "draft"),
	}, nil)
	require.NoError(t, err)
	require.True(t, res.Queued)

	_, err = eng.SyncNow(context.Background())
	require.NoError(t, err)

	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1], "a write the server may have applied is retried under the same key")
	assert.Equal(t, keys[0], res.Entry.MutationID)
	assert.Zero(t, eng.State().PendingActions)
}

func TestMutate_RejectedWriteRollsBack(t *testing.T) {
	tests := []struct {
		name   string
		seed   *models.CachedEntity
		action models.Action
		want   string
	}{
		{name: "insert", action: models.ActionInsert},
		{
			name:   "update",
			seed:   &models.CachedEntity{EntityType: "tasks", RecordID: "t1", Fields: task("t1", "before")},
			action: models.ActionUpdate,
			want:   "before",
		},
		{
			name:   "delete",
			seed:   &models.CachedEntity{EntityType: "tasks", RecordID: "t1", Fields: task("t1", "before")},
			action: models.ActionDelete,
			want:   "before",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			backend := NewMockBackend(ctrl)
			store := testStore(t)
			eng := testEngine(t, store, backend, testConfig())

			if tt.seed != nil {
				require.NoError(t, store.PutCached(*tt.seed))
			}

			backend.EXPECT().Write(gomock.Any(), gomock.Any(), tt.action, "t1", gomock.Any(), gomock.Any()).
				Return(models.Record{}, errors.New("422 validation failed"))

			eng.coord.online.Store(true)

			_, err := eng.Mutate(context.Background(), Mutation{
				EntityType: "tasks",
				Action:     tt.action,
				RecordID:   "t1",
				Payload:    task("t1", "after"),
			}, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "validation failed")

			cached, err := store.GetCached("tasks", "t1")
			require.NoError(t, err)

			if tt.want == "" {
				assert.Nil(t, cached)
			} else {
				require.NotNil(t, cached)
				assert.Equal(t, tt.want, cached.Fields.GetString("title"))
			}

			pending, _ := store.PendingEntries(0)
			assert.Empty(t, pending)
		})
	}
}

func TestMutate_QueuesBehindPendingEntries(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := NewMockBackend(ctrl)
	store := testStore(t)
	eng := testEngine(t, store, backend, testConfig())
	ctx := context.Background()

	first, err := eng.Mutate(ctx, Mutation{EntityType: "tasks", Action: models.ActionInsert, Payload: task("t1", "v1")}, nil)
	require.NoError(t, err)
	require.True(t, first.Queued)

	gomock.InOrder(
		backend.EXPECT().Write(gomock.Any(), "tasks", models.ActionInsert, "t1", gomock.Any(), gomock.Any()).Return(models.Record{ID: "t1"}, nil),
		backend.EXPECT().Write(gomock.Any(), "tasks", models.ActionUpdate, "t1", gomock.Any(), gomock.Any()).Return(models.Record{ID: "t1"}, nil),
	)
	noPulls(backend)

	eng.coord.online.Store(true)

	second, err := eng.Mutate(ctx, Mutation{EntityType: "tasks", Action: models.ActionUpdate, Payload: task("t1", "v2")}, nil)
	require.NoError(t, err)
	assert.True(t, second.Queued, "a direct write would overtake the queued insert")

	eng.coord.bg.Wait()

	pending, err := store.PendingEntries(0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMutate_OfflineDelete(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := testStore(t)
	eng := testEngine(t, store, NewMockBackend(ctrl), testConfig())

	require.NoError(t, store.PutCached(models.CachedEntity{EntityType: "tasks", RecordID: "t1", Fields: task("t1", "x")}))

	res, err := eng.Mutate(context.Background(), Mutation{
		EntityType: "tasks",
		Action:     models.ActionDelete,
		RecordID:   "t1",
		Payload:    task("t1", "ignored"),
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.Data.IsNull())
	require.NotNil(t, res.Entry)
	assert.True(t, res.Entry.Payload.IsNull())

	cached, _ := store.GetCached("tasks", "t1")
	assert.Nil(t, cached)
}

func TestMutate_InvalidMutations(t *testing.T) {
	ctrl := gomock.NewController(t)
	eng := testEngine(t, testStore(t), NewMockBackend(ctrl), testConfig())
	ctx := context.Background()

	_, err := eng.Mutate(ctx, Mutation{EntityType: "tasks", Action: "upsert", Payload: task("t1", "x")}, nil)
	assert.ErrorIs(t, err, syncerrors.ErrUnknownAction)

	_, err = eng.Mutate(ctx, Mutation{EntityType: "tasks", Action: models.ActionDelete}, nil)
	assert.ErrorContains(t, err, "needs a record id")

	_, err = eng.Mutate(ctx, Mutation{EntityType: "tasks", Action: models.ActionUpdate, Payload: models.MustObject(map[string]any{"title": "x"})}, nil)
	assert.ErrorContains(t, err, "needs a record id")

	_, err = eng.Mutate(ctx, Mutation{EntityType: "  ", Action: models.ActionInsert, Payload: task("t1", "x")}, nil)
	assert.ErrorContains(t, err, "entity type")

	assert.Zero(t, eng.State().PendingActions)
}
