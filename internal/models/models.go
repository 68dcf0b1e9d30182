// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Well-known payload fields. The engine reads nothing else from a payload.
const (
	FieldID        = "id"
	FieldUpdatedAt = "updated_at"
)

// Action is the kind of write carried by an outbox entry.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	}

	return false
}

// ParseAction converts a wire or config string into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}

	return a, nil
}

// NormalizeEntityType returns the canonical form of an entity type name.
// Names are used as bbolt bucket and cursor keys, so visually identical
// names from different sources must map to the same bytes.
func NormalizeEntityType(name string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(name)))
}

// TrackedType is an entity type the engine pulls, with its per-cycle
// batch cap.
type TrackedType struct {
	Name      string `yaml:"name"`
	PullLimit int    `yaml:"pull_limit"`
}

// RecordKey identifies one record across entity types.
type RecordKey struct {
	EntityType string
	RecordID   string
}

func (k RecordKey) String() string { return k.EntityType + "/" + k.RecordID }

// Record is a row as the backend sees it.
type Record struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	Fields     Value     `json:"fields"`
	UpdatedAt  time.Time `json:"updated_at"`
	Deleted    bool      `json:"deleted,omitempty"`
}

// OutboxEntry is a local mutation waiting to be confirmed by the backend.
// Entries are never re-delivered once SyncedAt is set.
type OutboxEntry struct {
	ID             uint64     `json:"id"`
	MutationID     string     `json:"mutation_id"`
	EntityType     string     `json:"entity_type"`
	RecordID       string     `json:"record_id"`
	Action         Action     `json:"action"`
	Payload        Value      `json:"payload"`
	CreatedAt      time.Time  `json:"created_at"`
	SyncedAt       *time.Time `json:"synced_at,omitempty"`
	LastError      string     `json:"error,omitempty"`
	RetryCount     int        `json:"retry_count"`
	NextAttemptAt  time.Time  `json:"next_attempt_at,omitzero"`
	DeadLetteredAt *time.Time `json:"dead_lettered_at,omitempty"`
}

// Pending reports whether the entry still needs to be pushed.
func (e OutboxEntry) Pending() bool {
	return e.SyncedAt == nil && e.DeadLetteredAt == nil
}

// Key returns the record this entry writes to.
func (e OutboxEntry) Key() RecordKey {
	return RecordKey{EntityType: e.EntityType, RecordID: e.RecordID}
}

// CachedEntity is the latest known-good copy of a synced record.
type CachedEntity struct {
	EntityType string    `json:"entity_type"`
	RecordID   string    `json:"record_id"`
	Fields     Value     `json:"fields"`
	UpdatedAt  time.Time `json:"updated_at"`
	SyncedAt   time.Time `json:"synced_at,omitzero"`
}

// Record converts the cached copy back into a backend row.
func (c CachedEntity) Record() Record {
	return Record{
		ID:         c.RecordID,
		EntityType: c.EntityType,
		Fields:     c.Fields,
		UpdatedAt:  c.UpdatedAt,
	}
}

// SyncCursor is the pull watermark for one entity type.
type SyncCursor struct {
	EntityType   string    `json:"entity_type"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// Conflict pairs the local and remote versions of a diverged record.
type Conflict struct {
	EntityType string
	RecordID   string
	Local      Record
	Remote     Record
}

// PresenceRecord describes one device connected to a sync scope.
type PresenceRecord struct {
	DeviceID    string    `json:"device_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// EventType is the row-level operation carried by a change event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row-level change delivered by the realtime feed.
type ChangeEvent struct {
	EntityType string    `json:"entity_type"`
	EventType  EventType `json:"event_type"`
	Old        Value     `json:"old"`
	New        Value     `json:"new"`
	CommitTS   time.Time `json:"commit_ts,omitzero"`
}

// RecordID returns the id of the changed row, preferring the new image.
func (e ChangeEvent) RecordID() string {
	if id := e.New.GetString(FieldID); id != "" {
		return id
	}

	return e.Old.GetString(FieldID)
}

// PresenceState is the kind of presence notification.
type PresenceState string

const (
	PresenceJoin      PresenceState = "join"
	PresenceLeave     PresenceState = "leave"
	PresenceHeartbeat PresenceState = "heartbeat"
)

// PresenceEvent reports another device joining, leaving or staying alive.
type PresenceEvent struct {
	DeviceID string        `json:"device"`
	State    PresenceState `json:"state"`
	At       time.Time     `json:"at,omitzero"`
}

// FeedMessage is one decoded realtime frame. Exactly one field is set.
type FeedMessage struct {
	Change   *ChangeEvent
	Presence *PresenceEvent
}

// maxRetryShift caps the exponent in RetryPolicy.Delay so the shift cannot
// overflow time.Duration.
const maxRetryShift = 10

// RetryPolicy controls backoff and dead-lettering of failed outbox entries.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int // 0 disables dead-lettering
}

// DefaultRetryPolicy returns 5s * 2^n backoff capped at 5 minutes, with
// entries dead-lettered after 10 failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  5 * time.Second,
		MaxDelay:   5 * time.Minute,
		MaxRetries: 10,
	}
}

// Delay returns how long to wait after the retryCount-th failure.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 || p.BaseDelay <= 0 {
		return 0
	}

	shift := min(retryCount-1, maxRetryShift)

	delay := p.BaseDelay * time.Duration(1<<shift)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	return delay
}

// Exhausted reports whether an entry with retryCount failures should be
// dead-lettered.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return p.MaxRetries > 0 && retryCount >= p.MaxRetries
}
