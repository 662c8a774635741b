package realtime

import (
	"sync"

	"listing-chat/internal/models"
)

// PresenceTracker mirrors the room's participant set. Every sync replaces
// the whole set.
type PresenceTracker struct {
	mu    sync.RWMutex
	state models.PresenceState
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{state: models.PresenceState{}}
}

func (p *PresenceTracker) Sync(state models.PresenceState) {
	next := state.Clone()
	p.mu.Lock()
	p.state = next
	p.mu.Unlock()
}

// Count is the number of distinct participants.
func (p *PresenceTracker) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.state)
}

func (p *PresenceTracker) Has(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.state[key]
	return ok
}

func (p *PresenceTracker) Snapshot() models.PresenceState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Clone()
}
