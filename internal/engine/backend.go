package engine

import (
	"context"
	"time"

	"github.com/SamSnead85/moneyloop-sub004/internal/models"
)

//go:generate mockgen -destination=mock_backend_test.go -package=engine . Backend

// Backend is the remote system of record.
type Backend interface {
	// Write applies one insert, update or delete. mutationID is stable
	// across retries of the same outbox entry.
	Write(ctx context.Context, entityType string, action models.Action, recordID, mutationID string, payload models.Value) (models.Record, error)

	// FetchChangedSince returns up to limit records updated after since,
	// newest first. Deleted rows come back with Deleted set.
	FetchChangedSince(ctx context.Context, entityType string, since time.Time, limit int) ([]models.Record, error)
}

// FeedConn is one subscribed change feed session.
type FeedConn interface {
	Next(ctx context.Context) (models.FeedMessage, error)
	Heartbeat(ctx context.Context) error
	Close() error
}

// ChangeFeed opens change feed sessions for a sharing scope.
type ChangeFeed interface {
	Dial(ctx context.Context, scope, deviceID string) (FeedConn, error)
}

// DialFunc adapts a function to ChangeFeed.
type DialFunc func(ctx context.Context, scope, deviceID string) (FeedConn, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context, scope, deviceID string) (FeedConn, error) {
	return f(ctx, scope, deviceID)
}
