package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeFavorites struct {
	mu      sync.Mutex
	durable map[string]bool
	writeFn func(ctx context.Context, key string, value bool) error
}

func (f *fakeFavorites) write(ctx context.Context, key string, value bool) error {
	if f.writeFn != nil {
		if err := f.writeFn(ctx, key, value); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durable[key] = value
	return nil
}

func (f *fakeFavorites) read(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.durable[key], nil
}

func TestToggleSetSucceeds(t *testing.T) {
	fav := &fakeFavorites{durable: map[string]bool{}}
	s := NewToggleStore[string](fav.write, fav.read)

	var seen []bool
	s.Watch(func(_ string, v bool) { seen = append(seen, v) })

	require.NoError(t, s.Set(context.Background(), "42", true))
	require.True(t, s.Get("42"))
	require.True(t, fav.durable["42"])
	require.Equal(t, []bool{true}, seen)
}

func TestToggleRevertsOnFailure(t *testing.T) {
	boom := errors.New("db down")
	fav := &fakeFavorites{
		durable: map[string]bool{},
		writeFn: func(context.Context, string, bool) error { return boom },
	}
	s := NewToggleStore[string](fav.write, fav.read)

	var seen []bool
	s.Watch(func(_ string, v bool) { seen = append(seen, v) })

	err := s.Set(context.Background(), "42", true)
	require.ErrorIs(t, err, ErrDurableWriteFailed)
	require.ErrorIs(t, err, boom)
	require.False(t, s.Get("42"))
	require.Equal(t, []bool{true, false}, seen)
}

func TestToggleRevertsToConfirmedValue(t *testing.T) {
	fail := false
	fav := &fakeFavorites{durable: map[string]bool{"42": true}}
	fav.writeFn = func(context.Context, string, bool) error {
		if fail {
			return errors.New("nope")
		}
		return nil
	}
	s := NewToggleStore[string](fav.write, fav.read)
	require.NoError(t, s.Refresh(context.Background(), "42"))
	require.True(t, s.Get("42"))

	fail = true
	require.Error(t, s.Set(context.Background(), "42", false))
	require.True(t, s.Get("42"))
}

func TestNewerSetCancelsOlderWait(t *testing.T) {
	started := make(chan struct{})
	fav := &fakeFavorites{durable: map[string]bool{}}
	fav.writeFn = func(ctx context.Context, _ string, value bool) error {
		if value {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	s := NewToggleStore[string](fav.write, fav.read)

	olderErr := make(chan error, 1)
	go func() { olderErr <- s.Set(context.Background(), "42", true) }()
	<-started

	require.NoError(t, s.Set(context.Background(), "42", false))

	select {
	case err := <-olderErr:
		require.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("older Set did not return")
	}

	// The cancelled older write must not roll the newer value back.
	require.False(t, s.Get("42"))
	require.False(t, fav.durable["42"])
}

func TestOvertakenWriteThatCommittedIsKept(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	boom := errors.New("db down")
	fav := &fakeFavorites{durable: map[string]bool{}}
	fav.writeFn = func(_ context.Context, _ string, value bool) error {
		if value {
			close(started)
			<-release
			return nil
		}
		return boom
	}
	s := NewToggleStore[string](fav.write, fav.read)

	olderErr := make(chan error, 1)
	go func() { olderErr <- s.Set(context.Background(), "42", true) }()
	<-started

	err := s.Set(context.Background(), "42", false)
	require.ErrorIs(t, err, ErrDurableWriteFailed)
	require.False(t, s.Get("42"))

	close(release)
	require.ErrorIs(t, <-olderErr, ErrSuperseded)

	fav.mu.Lock()
	durable := fav.durable["42"]
	fav.mu.Unlock()
	require.True(t, durable)
	require.True(t, s.Get("42"))

	// A later failure reverts to the value that actually committed.
	fav.writeFn = func(context.Context, string, bool) error { return boom }
	require.Error(t, s.Set(context.Background(), "42", false))
	require.True(t, s.Get("42"))
}

func TestLoadIgnoredWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	fav := &fakeFavorites{durable: map[string]bool{}}
	fav.writeFn = func(context.Context, string, bool) error {
		<-release
		return nil
	}
	s := NewToggleStore[string](fav.write, nil)

	done := make(chan error, 1)
	go func() { done <- s.Set(context.Background(), "42", true) }()
	require.Eventually(t, func() bool { return s.Get("42") }, time.Second, 5*time.Millisecond)

	s.Load("42", false)
	require.True(t, s.Get("42"))

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, s.Refresh(context.Background(), "42"))
	require.True(t, s.Get("42"))
}
