package presence

import (
	"context"
	"sync"
	"time"

	"listing-chat/internal/models"
)

// MemoryStore keeps presence in process. It is used when no Redis is
// configured, i.e. a single server instance.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	rooms map[string]map[string]memoryEntry
}

type memoryEntry struct {
	meta     models.PresenceMeta
	expireAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:   ttl,
		now:   time.Now,
		rooms: make(map[string]map[string]memoryEntry),
	}
}

func (s *MemoryStore) Track(_ context.Context, room, key, connID string, meta models.PresenceMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[room]
	if !ok {
		members = make(map[string]memoryEntry)
		s.rooms[room] = members
	}
	members[memberID(key, connID)] = memoryEntry{meta: meta, expireAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Untrack(_ context.Context, room, key, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[room]
	if !ok {
		return nil
	}
	delete(members, memberID(key, connID))
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	return nil
}

func (s *MemoryStore) State(_ context.Context, room string) (models.PresenceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := models.PresenceState{}
	now := s.now()
	for member, e := range s.rooms[room] {
		if !e.expireAt.After(now) {
			delete(s.rooms[room], member)
			continue
		}
		key := splitMember(member)
		state[key] = append(state[key], e.meta)
	}
	return state, nil
}
