package store

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"listing-chat/internal/models"
)

// LogStore keeps the client-side message log of each room. Each mutation
// computes a new slice and publishes it whole; published slices are never
// written again, and readers always get their own copy.
type LogStore struct {
	mu    sync.Mutex
	rooms map[string]*roomLog

	now func() time.Time
	seq atomic.Uint64
}

type roomLog struct {
	mu       sync.Mutex
	messages []models.Message
	watchers map[uint64]func([]models.Message)
	nextID   uint64

	// notifyMu serializes watcher calls so they observe versions in order.
	notifyMu sync.Mutex
}

func NewLogStore() *LogStore {
	return &LogStore{
		rooms: make(map[string]*roomLog),
		now:   time.Now,
	}
}

func (s *LogStore) room(room string) *roomLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[room]
	if !ok {
		r = &roomLog{watchers: make(map[uint64]func([]models.Message))}
		s.rooms[room] = r
	}
	return r
}

// update runs fn against the current log and publishes its result. fn
// returns false to leave the log untouched.
func (s *LogStore) update(room string, fn func(cur []models.Message) ([]models.Message, bool)) {
	r := s.room(room)

	r.mu.Lock()
	next, changed := fn(r.messages)
	if !changed {
		r.mu.Unlock()
		return
	}
	r.messages = next
	r.mu.Unlock()

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	latest := slices.Clone(r.messages)
	watchers := make([]func([]models.Message), 0, len(r.watchers))
	for _, w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()

	for _, w := range watchers {
		w(slices.Clone(latest))
	}
}

// Snapshot returns a copy of the room's log in display order.
func (s *LogStore) Snapshot(room string) []models.Message {
	r := s.room(room)
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.messages)
}

// Watch calls fn with every new version of the room's log until the
// returned cancel func is called. fn must not mutate the store.
func (s *LogStore) Watch(room string, fn func([]models.Message)) func() {
	r := s.room(room)
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}
}

// AppendOptimistic adds a local entry for a message that is being written
// and returns its id.
func (s *LogStore) AppendOptimistic(room, sender, content string) string {
	now := s.now()
	id := fmt.Sprintf("%s%d-%d", models.OptimisticIDPrefix, now.UnixMilli(), s.seq.Add(1))
	entry := models.Message{
		ID:        id,
		Room:      room,
		Sender:    sender,
		Type:      models.MessageTypeText,
		Content:   content,
		CreatedAt: now,
	}

	s.update(room, func(cur []models.Message) ([]models.Message, bool) {
		next := make([]models.Message, 0, len(cur)+1)
		next = append(next, cur...)
		return append(next, entry), true
	})
	return id
}

// ReconcileInsert applies a confirmed message from the change feed. A
// message already in the log is ignored. Otherwise the first optimistic
// entry with the same sender and content is replaced in place; failing
// that the message is appended.
func (s *LogStore) ReconcileInsert(room string, confirmed models.Message) {
	if confirmed.ID == "" || confirmed.IsOptimistic() {
		return
	}

	s.update(room, func(cur []models.Message) ([]models.Message, bool) {
		for _, m := range cur {
			if m.ID == confirmed.ID {
				return nil, false
			}
		}

		next := slices.Clone(cur)
		for i, m := range next {
			if m.IsOptimistic() && m.Sender == confirmed.Sender && m.Content == confirmed.Content {
				next[i] = confirmed
				return next, true
			}
		}
		return append(next, confirmed), true
	})
}

// Rollback removes the entry with id. Unknown ids are ignored.
func (s *LogStore) Rollback(room, id string) {
	s.update(room, func(cur []models.Message) ([]models.Message, bool) {
		i := slices.IndexFunc(cur, func(m models.Message) bool { return m.ID == id })
		if i < 0 {
			return nil, false
		}
		next := make([]models.Message, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		return append(next, cur[i+1:]...), true
	})
}

// Seed merges history loaded from the durable store into the room's log.
// Confirmed messages are ordered by creation time. Optimistic entries the
// history does not confirm yet are kept after them. An optimistic entry is
// confirmed by a history message with the same sender and content that is
// not older than it; each history message confirms at most one entry.
func (s *LogStore) Seed(room string, history []models.Message) {
	confirmed := make([]models.Message, 0, len(history))
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		if m.ID == "" || m.IsOptimistic() || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		confirmed = append(confirmed, m)
	}
	s.update(room, func(cur []models.Message) ([]models.Message, bool) {
		claimed := make([]bool, len(confirmed))
		next := slices.Clone(confirmed)
		for _, m := range cur {
			if !m.IsOptimistic() && !seen[m.ID] {
				next = append(next, m)
			}
		}
		sort.SliceStable(next, func(i, j int) bool {
			return next[i].CreatedAt.Before(next[j].CreatedAt)
		})

		for _, m := range cur {
			if !m.IsOptimistic() {
				continue
			}
			matched := false
			for i, c := range confirmed {
				if claimed[i] || c.Sender != m.Sender || c.Content != m.Content {
					continue
				}
				if c.CreatedAt.Before(m.CreatedAt.Add(-clockSkew)) {
					continue
				}
				claimed[i] = true
				matched = true
				break
			}
			if !matched {
				next = append(next, m)
			}
		}
		return next, true
	})
}

// clockSkew tolerates client and database clocks disagreeing when matching
// optimistic entries against history.
const clockSkew = 5 * time.Second
