package realtime

import (
	"sync"
	"time"

	"listing-chat/internal/models"
)

const (
	DefaultTypingThrottle = 500 * time.Millisecond
	DefaultTypingIdle     = 2 * time.Second
)

// TypingThrottler turns local input activity into rate-limited typing
// signals and keeps the remote typing flag.
//
// A typing=true signal goes out only when more than the throttle window
// has passed since the previous one. Every input change restarts the idle
// timer; when it fires a single typing=false goes out. Nothing is emitted
// unless connected reports true.
type TypingThrottler struct {
	mu sync.Mutex

	clock        Clock
	throttle     time.Duration
	idle         time.Duration
	remoteExpiry time.Duration

	connected func() bool
	emit      func(isTyping bool)
	notify    func(remoteTyping bool)

	sentTrue bool
	lastTrue time.Time

	idleTimer Timer
	idleGen   uint64

	remote      bool
	remoteTimer Timer
	remoteGen   uint64

	stopped bool
}

type TypingOptions struct {
	Clock    Clock
	Throttle time.Duration
	Idle     time.Duration
	// RemoteExpiry clears the remote flag when no new typing=true arrives in
	// time. Zero keeps the flag until the peer says otherwise.
	RemoteExpiry time.Duration
}

func NewTypingThrottler(opts TypingOptions, connected func() bool, emit func(bool), notify func(bool)) *TypingThrottler {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultTypingThrottle
	}
	if opts.Idle <= 0 {
		opts.Idle = DefaultTypingIdle
	}
	if notify == nil {
		notify = func(bool) {}
	}
	return &TypingThrottler{
		clock:        opts.Clock,
		throttle:     opts.Throttle,
		idle:         opts.Idle,
		remoteExpiry: opts.RemoteExpiry,
		connected:    connected,
		emit:         emit,
		notify:       notify,
	}
}

// Changed records local input activity.
func (t *TypingThrottler) Changed() {
	t.mu.Lock()
	if t.stopped || !t.connected() {
		t.mu.Unlock()
		return
	}

	now := t.clock.Now()
	sendTrue := !t.sentTrue || now.Sub(t.lastTrue) >= t.throttle
	if sendTrue {
		t.sentTrue = true
		t.lastTrue = now
	}

	t.stopIdleLocked()
	gen := t.idleGen
	t.idleTimer = t.clock.AfterFunc(t.idle, func() { t.idleFired(gen) })
	t.mu.Unlock()

	if sendTrue {
		t.emit(true)
	}
}

// Blur ends local typing immediately.
func (t *TypingThrottler) Blur() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopIdleLocked()
	connected := t.connected()
	t.mu.Unlock()

	if connected {
		t.emit(false)
	}
}

func (t *TypingThrottler) idleFired(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.idleGen {
		t.mu.Unlock()
		return
	}
	t.idleTimer = nil
	connected := t.connected()
	t.mu.Unlock()

	if connected {
		t.emit(false)
	}
}

// stopIdleLocked cancels the pending idle timer. Bumping the generation
// makes a timer that already started firing a no-op.
func (t *TypingThrottler) stopIdleLocked() {
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	t.idleGen++
}

// Receive applies a typing broadcast from a peer.
func (t *TypingThrottler) Receive(p models.TypingPayload) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	changed := t.remote != p.IsTyping
	t.remote = p.IsTyping

	if t.remoteTimer != nil {
		t.remoteTimer.Stop()
		t.remoteTimer = nil
	}
	t.remoteGen++
	if p.IsTyping && t.remoteExpiry > 0 {
		gen := t.remoteGen
		t.remoteTimer = t.clock.AfterFunc(t.remoteExpiry, func() { t.remoteExpired(gen) })
	}
	t.mu.Unlock()

	if changed {
		t.notify(p.IsTyping)
	}
}

func (t *TypingThrottler) remoteExpired(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.remoteGen || !t.remote {
		t.mu.Unlock()
		return
	}
	t.remote = false
	t.remoteTimer = nil
	t.mu.Unlock()

	t.notify(false)
}

// RemoteTyping reports whether a peer is currently typing.
func (t *TypingThrottler) RemoteTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// Stop cancels all timers. No signal is emitted afterwards.
func (t *TypingThrottler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.stopIdleLocked()
	if t.remoteTimer != nil {
		t.remoteTimer.Stop()
		t.remoteTimer = nil
	}
	t.remoteGen++
}
