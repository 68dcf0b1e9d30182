package engine

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	"github.com/SamSnead85/moneyloop-sub004/internal/state"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T, opts ...state.Option) *state.State {
	t.Helper()
	s, err := state.LoadAt(filepath.Join(t.TempDir(), "sync.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EntityTypes = []models.TrackedType{{Name: "tasks", PullLimit: 500}}
	cfg.SyncedRetention = 0
	cfg.DeviceID = "dev-a"

	return cfg
}

func testCoordinator(t *testing.T, store *state.State, backend Backend, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	c := NewCoordinator(store, backend, cfg, testLogger(), opts...)
	t.Cleanup(c.Stop)

	return c
}

func testEngine(t *testing.T, store *state.State, backend Backend, cfg Config) *Engine {
	t.Helper()
	e := New(store, backend, nil, nil, cfg, testLogger())
	t.Cleanup(e.coord.Stop)

	return e
}

func task(id, title string) models.Value {
	return models.MustObject(map[string]any{"id": id, "title": title})
}

func noPulls(b *MockBackend) {
	b.EXPECT().FetchChangedSince(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
