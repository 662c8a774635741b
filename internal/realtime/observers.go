package realtime

import (
	"sync"
	"sync/atomic"

	"listing-chat/internal/models"
	"listing-chat/pkg/logger"
)

// observer delivers callbacks for one registration on its own goroutine,
// in the order they were queued. The queue is unbounded so the channel
// loop never waits on a slow observer.
type observer struct {
	d     *dispatcher
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	stop  chan struct{}
}

func (o *observer) enqueue(fn func()) {
	o.mu.Lock()
	o.queue = append(o.queue, fn)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *observer) run() {
	defer o.d.wg.Done()
	for {
		select {
		case <-o.stop:
			return
		case <-o.wake:
		}

		for {
			o.mu.Lock()
			if len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			fn := o.queue[0]
			o.queue[0] = nil
			o.queue = o.queue[1:]
			o.mu.Unlock()

			if !o.d.invoke(fn) {
				return
			}
		}
	}
}

type presenceEntry struct {
	o  *observer
	fn func(models.PresenceState)
}

type broadcastEntry struct {
	o     *observer
	event string
	fn    func([]byte)
}

type changeEntry struct {
	o      *observer
	filter models.ChangeFilter
	fn     func(models.ChangeEvent)
}

type stateEntry struct {
	o  *observer
	fn func(prev, next ConnectionState)
}

type typingEntry struct {
	o  *observer
	fn func(bool)
}

// dispatcher owns the observer registrations of one channel.
type dispatcher struct {
	room string

	// gate is read-held while a callback runs. Once closed is set no
	// callback starts.
	gate   sync.RWMutex
	closed atomic.Bool

	mu        sync.Mutex
	done      bool
	presence  []presenceEntry
	broadcast []broadcastEntry
	changes   []changeEntry
	states    []stateEntry
	typing    []typingEntry
	all       []*observer

	wg sync.WaitGroup
}

func newDispatcher(room string) *dispatcher {
	return &dispatcher{room: room}
}

func (d *dispatcher) invoke(fn func()) bool {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if d.closed.Load() {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("[CHANNEL] %s: observer panicked: %v", d.room, r)
		}
	}()
	fn()
	return true
}

// newObserverLocked starts a worker. Callers hold d.mu.
func (d *dispatcher) newObserverLocked() *observer {
	o := &observer{
		d:    d,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	d.all = append(d.all, o)
	d.wg.Add(1)
	go o.run()
	return o
}

func (d *dispatcher) onPresence(fn func(models.PresenceState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	d.presence = append(d.presence, presenceEntry{o: d.newObserverLocked(), fn: fn})
}

func (d *dispatcher) onBroadcast(event string, fn func([]byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	d.broadcast = append(d.broadcast, broadcastEntry{o: d.newObserverLocked(), event: event, fn: fn})
}

func (d *dispatcher) onChange(filter models.ChangeFilter, fn func(models.ChangeEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	d.changes = append(d.changes, changeEntry{o: d.newObserverLocked(), filter: filter, fn: fn})
}

func (d *dispatcher) onState(fn func(prev, next ConnectionState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	d.states = append(d.states, stateEntry{o: d.newObserverLocked(), fn: fn})
}

func (d *dispatcher) onTyping(fn func(bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	d.typing = append(d.typing, typingEntry{o: d.newObserverLocked(), fn: fn})
}

func (d *dispatcher) emitPresence(state models.PresenceState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.presence {
		fn, snapshot := e.fn, state.Clone()
		e.o.enqueue(func() { fn(snapshot) })
	}
}

func (d *dispatcher) emitBroadcast(event string, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.broadcast {
		if e.event != event {
			continue
		}
		fn := e.fn
		e.o.enqueue(func() { fn(payload) })
	}
}

func (d *dispatcher) emitChange(ev models.ChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.changes {
		if !e.filter.Matches(ev) {
			continue
		}
		fn := e.fn
		e.o.enqueue(func() { fn(ev) })
	}
}

func (d *dispatcher) emitState(prev, next ConnectionState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.states {
		fn := e.fn
		e.o.enqueue(func() { fn(prev, next) })
	}
}

func (d *dispatcher) emitTyping(remote bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.typing {
		fn := e.fn
		e.o.enqueue(func() { fn(remote) })
	}
}

// close drops every registration. No callback starts once it returns. When
// no callback is running it also waits for the workers to exit; otherwise,
// which includes close being called from a callback, the running callbacks
// finish on their own.
func (d *dispatcher) close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}

	d.mu.Lock()
	d.done = true
	all := d.all
	d.all = nil
	d.presence = nil
	d.broadcast = nil
	d.changes = nil
	d.states = nil
	d.typing = nil
	d.mu.Unlock()

	for _, o := range all {
		close(o.stop)
	}

	if !d.gate.TryLock() {
		return
	}
	d.gate.Unlock()
	d.wg.Wait()
}
