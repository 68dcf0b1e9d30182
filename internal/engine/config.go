package engine

import (
	"time"

	"github.com/SamSnead85/moneyloop-sub004/internal/conflict"
	"github.com/SamSnead85/moneyloop-sub004/internal/models"
)

// Config tunes the coordinator and the realtime channel.
type Config struct {
	// EntityTypes are pulled every cycle, each with its own batch cap.
	EntityTypes []models.TrackedType

	Interval        time.Duration
	PushBatch       int
	RequestTimeout  time.Duration
	PullConcurrency int
	Retry           models.RetryPolicy
	Strategy        conflict.Strategy

	// SyncedRetention is how long synced outbox rows are kept for audit.
	// Zero keeps them forever.
	SyncedRetention time.Duration

	DeviceID          string
	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration
}

// DefaultConfig returns the production defaults: a 30s cycle, 50-entry
// push batches and remote-wins pulls.
func DefaultConfig() Config {
	return Config{
		EntityTypes: []models.TrackedType{
			{Name: "transactions", PullLimit: 500},
			{Name: "tasks", PullLimit: 500},
			{Name: "accounts", PullLimit: 200},
			{Name: "budgets", PullLimit: 200},
		},
		Interval:          30 * time.Second,
		PushBatch:         50,
		RequestTimeout:    15 * time.Second,
		PullConcurrency:   4,
		Retry:             models.DefaultRetryPolicy(),
		Strategy:          conflict.StrategyRemote,
		SyncedRetention:   7 * 24 * time.Hour,
		HeartbeatInterval: 15 * time.Second,
		PresenceTTL:       45 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.EntityTypes == nil {
		c.EntityTypes = d.EntityTypes
	}

	if c.Interval <= 0 {
		c.Interval = d.Interval
	}

	if c.PushBatch <= 0 {
		c.PushBatch = d.PushBatch
	}

	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}

	if c.PullConcurrency <= 0 {
		c.PullConcurrency = d.PullConcurrency
	}

	if c.Retry == (models.RetryPolicy{}) {
		c.Retry = d.Retry
	}

	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}

	if c.PresenceTTL <= 0 {
		c.PresenceTTL = d.PresenceTTL
	}

	return c
}
