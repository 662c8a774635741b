package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDurableWriteFailed = errors.New("durable write failed")

	// ErrSuperseded is returned by a Set whose write was overtaken by a newer
	// Set for the same key.
	ErrSuperseded = errors.New("superseded by a newer value")
)

// WriteFunc persists value for key.
type WriteFunc[K comparable] func(ctx context.Context, key K, value bool) error

// ReadFunc loads the durable value for key.
type ReadFunc[K comparable] func(ctx context.Context, key K) (bool, error)

// ToggleStore holds boolean flags that are flipped optimistically: the new
// value is visible immediately and reverts if the durable write fails.
type ToggleStore[K comparable] struct {
	write WriteFunc[K]
	read  ReadFunc[K]

	mu       sync.Mutex
	flags    map[K]*flag
	watchers []func(key K, value bool)
}

type flag struct {
	visible   bool
	confirmed bool
	gen       uint64
	cancel    context.CancelFunc

	// confirmedGen is the generation of the write confirmed last.
	confirmedGen uint64
}

// NewToggleStore builds a store. read may be nil; Refresh is then a no-op.
func NewToggleStore[K comparable](write WriteFunc[K], read ReadFunc[K]) *ToggleStore[K] {
	return &ToggleStore[K]{
		write: write,
		read:  read,
		flags: make(map[K]*flag),
	}
}

func (s *ToggleStore[K]) flagLocked(key K) *flag {
	f, ok := s.flags[key]
	if !ok {
		f = &flag{}
		s.flags[key] = f
	}
	return f
}

// Get returns the visible value.
func (s *ToggleStore[K]) Get(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flags[key]; ok {
		return f.visible
	}
	return false
}

// Watch registers fn for every change of a visible value.
func (s *ToggleStore[K]) Watch(fn func(key K, value bool)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

func (s *ToggleStore[K]) publish(key K, value bool) {
	s.mu.Lock()
	watchers := make([]func(K, bool), len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()

	for _, w := range watchers {
		w(key, value)
	}
}

// Load sets the confirmed value, e.g. after reading it from the durable
// store. It is ignored while a Set for key is in flight.
func (s *ToggleStore[K]) Load(key K, value bool) {
	s.mu.Lock()
	f := s.flagLocked(key)
	if f.cancel != nil {
		s.mu.Unlock()
		return
	}
	changed := f.visible != value
	f.visible = value
	f.confirmed = value
	f.confirmedGen = f.gen
	s.mu.Unlock()

	if changed {
		s.publish(key, value)
	}
}

// Refresh re-reads the durable value for key.
func (s *ToggleStore[K]) Refresh(ctx context.Context, key K) error {
	if s.read == nil {
		return nil
	}
	value, err := s.read(ctx, key)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	s.Load(key, value)
	return nil
}

// Set publishes value at once and writes it durably. On failure the
// previously confirmed value is restored and the error wraps
// ErrDurableWriteFailed. A newer Set for the same key cancels the wait on
// this one; the older call then returns ErrSuperseded and leaves the flag to
// the newer call.
func (s *ToggleStore[K]) Set(ctx context.Context, key K, value bool) error {
	s.mu.Lock()
	f := s.flagLocked(key)
	if f.cancel != nil {
		f.cancel()
	}
	f.gen++
	gen := f.gen
	f.visible = value
	writeCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	s.mu.Unlock()

	s.publish(key, value)

	err := s.write(writeCtx, key, value)

	s.mu.Lock()
	if f.gen != gen {
		s.recordSupersededLocked(key, f, gen, value, err == nil)
		cancel()
		return ErrSuperseded
	}
	f.cancel = nil
	cancel()

	if err != nil {
		reverted := f.confirmed
		f.visible = reverted
		s.mu.Unlock()

		if reverted != value {
			s.publish(key, reverted)
		}
		return fmt.Errorf("%w: %w", ErrDurableWriteFailed, err)
	}

	f.confirmed = value
	f.confirmedGen = gen
	s.mu.Unlock()
	return nil
}

// recordSupersededLocked keeps the outcome of an overtaken write. A write
// that committed is the durable value unless a later one was confirmed; if
// no newer write is still in flight the visible value follows it. Unlocks
// s.mu.
func (s *ToggleStore[K]) recordSupersededLocked(key K, f *flag, gen uint64, value, committed bool) {
	if !committed || gen < f.confirmedGen {
		s.mu.Unlock()
		return
	}
	f.confirmed = value
	f.confirmedGen = gen
	changed := f.cancel == nil && f.visible != value
	if changed {
		f.visible = value
	}
	s.mu.Unlock()

	if changed {
		s.publish(key, value)
	}
}
