package engine

import (
	"sync"
	"time"
)

// Status is the sync-health snapshot exposed to the application.
type Status struct {
	IsOnline         bool
	IsSyncing        bool
	LastSyncAt       time.Time
	PendingActions   int
	ConnectedDevices int
	LastError        string
}

// statusBoard holds the current Status and notifies listeners when it
// changes. Listeners run outside the lock in no particular order.
type statusBoard struct {
	mu        sync.Mutex
	status    Status
	listeners map[int]func(Status)
	nextID    int
}

func newStatusBoard() *statusBoard {
	return &statusBoard{listeners: make(map[int]func(Status))}
}

func (b *statusBoard) get() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.status
}

func (b *statusBoard) update(fn func(*Status)) {
	b.mu.Lock()
	before := b.status
	fn(&b.status)
	after := b.status

	if before == after {
		b.mu.Unlock()
		return
	}

	cbs := make([]func(Status), 0, len(b.listeners))
	for _, cb := range b.listeners {
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()

	for _, cb := range cbs {
		cb(after)
	}
}

func (b *statusBoard) subscribe(cb func(Status)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = cb
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}
