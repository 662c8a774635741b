package realtime_test

import (
	"sync"
	"testing"
	"time"

	"listing-chat/internal/models"
	"listing-chat/internal/realtime"
	"listing-chat/internal/realtime/realtimetest"

	"github.com/stretchr/testify/require"
)

type typingRecorder struct {
	mu        sync.Mutex
	emitted   []bool
	connected bool
	remote    []bool
}

func (r *typingRecorder) isConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *typingRecorder) emit(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted = append(r.emitted, v)
}

func (r *typingRecorder) notify(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote = append(r.remote, v)
}

func (r *typingRecorder) signals() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.emitted...)
}

func newThrottler(clock *realtimetest.FakeClock, rec *typingRecorder, remoteExpiry time.Duration) *realtime.TypingThrottler {
	return realtime.NewTypingThrottler(realtime.TypingOptions{
		Clock:        clock,
		Throttle:     500 * time.Millisecond,
		Idle:         2 * time.Second,
		RemoteExpiry: remoteExpiry,
	}, rec.isConnected, rec.emit, rec.notify)
}

func TestTypingBurstEmitsOneTrueThenOneFalse(t *testing.T) {
	clock := realtimetest.NewFakeClock(time.Unix(0, 0))
	rec := &typingRecorder{connected: true}
	th := newThrottler(clock, rec, 0)

	// Ten changes 50ms apart, the last one at t=450ms.
	for i := 0; i < 10; i++ {
		th.Changed()
		clock.Advance(50 * time.Millisecond)
	}
	require.Equal(t, []bool{true}, rec.signals())

	// t=500ms now; the idle timer is due at 2450ms.
	clock.Advance(1949 * time.Millisecond)
	require.Equal(t, []bool{true}, rec.signals())

	clock.Advance(time.Millisecond)
	require.Equal(t, []bool{true, false}, rec.signals())

	clock.Advance(10 * time.Second)
	require.Equal(t, []bool{true, false}, rec.signals())
}

func TestTypingThrottleWindow(t *testing.T) {
	clock := realtimetest.NewFakeClock(time.Unix(0, 0))
	rec := &typingRecorder{connected: true}
	th := newThrottler(clock, rec, 0)

	th.Changed()
	clock.Advance(250 * time.Millisecond)
	th.Changed()
	clock.Advance(249 * time.Millisecond)
	th.Changed()
	require.Equal(t, []bool{true}, rec.signals())

	// A full window after the last true allows the next one.
	clock.Advance(time.Millisecond)
	th.Changed()
	require.Equal(t, []bool{true, true}, rec.signals())

	clock.Advance(499 * time.Millisecond)
	th.Changed()
	require.Equal(t, []bool{true, true}, rec.signals())
}

func TestTypingBlurCancelsIdleTimer(t *testing.T) {
	clock := realtimetest.NewFakeClock(time.Unix(0, 0))
	rec := &typingRecorder{connected: true}
	th := newThrottler(clock, rec, 0)

	th.Changed()
	th.Blur()
	require.Equal(t, []bool{true, false}, rec.signals())
	require.Zero(t, clock.Pending())

	clock.Advance(5 * time.Second)
	require.Equal(t, []bool{true, false}, rec.signals())
}

func TestTypingSilentWhenDisconnected(t *testing.T) {
	clock := realtimetest.NewFakeClock(time.Unix(0, 0))
	rec := &typingRecorder{connected: false}
	th := newThrottler(clock, rec, 0)

	th.Changed()
	th.Blur()
	clock.Advance(5 * time.Second)
	require.Empty(t, rec.signals())
}

func TestTypingIdleTimerSuppressedAfterDisconnect(t *testing.T) {
	clock := realtimetest.NewFakeClock(time.Unix(0, 0))
	rec := &typingRecorder{connected: true}
	th := newThrottler(clock, rec, 0)

	th.Changed()
	rec.mu.Lock()
	rec.connected = false
	rec.mu.Unlock()

	clock.Advance(3 * time.Second)
	require.Equal(t, []bool{true}, rec.signals())
}

func TestTypingStopCancelsEverything(t *testing.T) {
	clock := realtimetest.NewFakeClock(time.Unix(0, 0))
	rec := &typingRecorder{connected: true}
	th := newThrottler(clock, rec, time.Second)

	th.Changed()
	th.Receive(models.TypingPayload{UserID: "peer", IsTyping: true})
	th.Stop()
	require.Zero(t, clock.Pending())

	clock.Advance(5 * time.Second)
	th.Changed()
	th.Blur()
	require.Equal(t, []bool{true}, rec.signals())
}

func TestRemoteTypingFollowsPayload(t *testing.T) {
	clock := realtimetest.NewFakeClock(time.Unix(0, 0))
	rec := &typingRecorder{connected: true}
	th := newThrottler(clock, rec, 0)

	th.Receive(models.TypingPayload{UserID: "peer", IsTyping: true})
	require.True(t, th.RemoteTyping())

	// Without an expiry the flag sticks until the peer clears it.
	clock.Advance(time.Minute)
	require.True(t, th.RemoteTyping())

	th.Receive(models.TypingPayload{UserID: "peer", IsTyping: false})
	require.False(t, th.RemoteTyping())
	require.Equal(t, []bool{true, false}, rec.remote)
}

func TestRemoteTypingExpiry(t *testing.T) {
	clock := realtimetest.NewFakeClock(time.Unix(0, 0))
	rec := &typingRecorder{connected: true}
	th := newThrottler(clock, rec, 3*time.Second)

	th.Receive(models.TypingPayload{UserID: "peer", IsTyping: true})
	clock.Advance(2 * time.Second)
	th.Receive(models.TypingPayload{UserID: "peer", IsTyping: true})
	clock.Advance(2 * time.Second)
	require.True(t, th.RemoteTyping())

	clock.Advance(time.Second)
	require.False(t, th.RemoteTyping())
	require.Equal(t, []bool{true, false}, rec.remote)
}
