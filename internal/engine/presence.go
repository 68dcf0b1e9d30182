package engine

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/SamSnead85/moneyloop-sub004/internal/models"
)

// presenceSet tracks devices connected to the scope. Entries live until
// their last heartbeat is older than ttl or the device leaves.
type presenceSet struct {
	mu      sync.Mutex
	ttl     time.Duration
	devices map[string]models.PresenceRecord
}

func newPresenceSet(ttl time.Duration) *presenceSet {
	return &presenceSet{ttl: ttl, devices: make(map[string]models.PresenceRecord)}
}

// touch records a join or heartbeat.
func (p *presenceSet) touch(deviceID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.devices[deviceID]
	if !ok {
		rec = models.PresenceRecord{DeviceID: deviceID, ConnectedAt: at}
	}

	if at.After(rec.LastSeenAt) {
		rec.LastSeenAt = at
	}

	p.devices[deviceID] = rec
}

func (p *presenceSet) remove(deviceID string) {
	p.mu.Lock()
	delete(p.devices, deviceID)
	p.mu.Unlock()
}

// expire drops devices not seen within ttl of now and returns their IDs.
func (p *presenceSet) expire(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var gone []string

	for id, rec := range p.devices {
		if now.Sub(rec.LastSeenAt) > p.ttl {
			delete(p.devices, id)
			gone = append(gone, id)
		}
	}

	slices.Sort(gone)

	return gone
}

func (p *presenceSet) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.devices)
}

func (p *presenceSet) list() []models.PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.PresenceRecord, 0, len(p.devices))
	for _, rec := range p.devices {
		out = append(out, rec)
	}

	slices.SortFunc(out, func(a, b models.PresenceRecord) int {
		return strings.Compare(a.DeviceID, b.DeviceID)
	})

	return out
}

func (p *presenceSet) clear() {
	p.mu.Lock()
	clear(p.devices)
	p.mu.Unlock()
}
