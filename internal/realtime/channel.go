package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"listing-chat/internal/models"
	"listing-chat/pkg/logger"

	"github.com/goccy/go-json"
)

const (
	defaultOpTimeout = 5 * time.Second
	inboxSize        = 256
)

type Options struct {
	Clock              Clock
	TypingThrottle     time.Duration
	TypingIdle         time.Duration
	RemoteTypingExpiry time.Duration
	// OpTimeout bounds track/untrack writes made on the channel's behalf.
	OpTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = RealClock{}
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = defaultOpTimeout
	}
	return o
}

type inboxEvent struct {
	status   Status
	err      error
	incoming *Incoming
}

// Channel is the client's handle on one room subscription. A single loop
// goroutine applies transport events in order; observers are called on
// their own goroutines.
type Channel struct {
	room        string
	participant string
	transport   Transport
	opts        Options

	state     atomic.Int32
	presence  *PresenceTracker
	typing    *TypingThrottler
	observers *dispatcher

	mu        sync.Mutex
	sub       Subscription
	trackMeta models.PresenceMeta

	inbox  chan inboxEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	onClose   func(*Channel)
}

func newChannel(room, participant string, transport Transport, opts Options) *Channel {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		room:        room,
		participant: participant,
		transport:   transport,
		opts:        opts,
		presence:    NewPresenceTracker(),
		observers:   newDispatcher(room),
		inbox:       make(chan inboxEvent, inboxSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.typing = NewTypingThrottler(TypingOptions{
		Clock:        opts.Clock,
		Throttle:     opts.TypingThrottle,
		Idle:         opts.TypingIdle,
		RemoteExpiry: opts.RemoteTypingExpiry,
	}, c.canSend, c.sendTyping, c.observers.emitTyping)
	return c
}

func (c *Channel) start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		c.cancel()
		return err
	}
	c.setState(StateConnecting)

	sub, err := c.transport.Subscribe(c.ctx, c.room, c)
	if err != nil {
		c.cancel()
		close(c.done)
		c.setState(StateClosed)
		return fmt.Errorf("subscribe %s: %w", c.room, err)
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	go c.run()
	logger.Debug("[CHANNEL] %s: subscribing", c.room)
	return nil
}

func (c *Channel) Room() string { return c.room }

func (c *Channel) Participant() string { return c.participant }

func (c *Channel) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Channel) setState(s ConnectionState) ConnectionState {
	return ConnectionState(c.state.Swap(int32(s)))
}

func (c *Channel) Presence() *PresenceTracker { return c.presence }

func (c *Channel) Typing() *TypingThrottler { return c.typing }

// HandleStatus implements Sink.
func (c *Channel) HandleStatus(status Status, err error) {
	c.push(inboxEvent{status: status, err: err})
}

// HandleIncoming implements Sink.
func (c *Channel) HandleIncoming(in Incoming) {
	c.push(inboxEvent{incoming: &in})
}

func (c *Channel) push(ev inboxEvent) {
	select {
	case c.inbox <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Channel) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.inbox:
			if ev.incoming != nil {
				c.applyIncoming(*ev.incoming)
			} else {
				c.applyStatus(ev.status, ev.err)
			}
		}
	}
}

func (c *Channel) applyStatus(status Status, err error) {
	prev := c.State()
	next, track := transition(prev, status)
	if err != nil {
		logger.Warn("[CHANNEL] %s: transport reported %s: %v", c.room, status, err)
	}

	if next != prev {
		c.setState(next)
		logger.Info("[CHANNEL] %s: %s -> %s (%s)", c.room, prev, next, status)
		c.observers.emitState(prev, next)
	}

	if track {
		c.trackLocal()
	}

	if next == StateClosed && prev != StateClosed {
		c.release()
	}
}

func (c *Channel) applyIncoming(in Incoming) {
	if c.State() == StateClosed {
		return
	}

	switch in.Kind {
	case IncomingBroadcast:
		if in.Event == models.EventTyping {
			var p models.TypingPayload
			if err := json.Unmarshal(in.Payload, &p); err != nil {
				logger.Warn("[CHANNEL] %s: bad typing payload: %v", c.room, err)
			} else {
				c.typing.Receive(p)
			}
		}
		c.observers.emitBroadcast(in.Event, in.Payload)
	case IncomingPresence:
		c.presence.Sync(in.Presence)
		c.observers.emitPresence(c.presence.Snapshot())
	case IncomingChange:
		c.observers.emitChange(in.Change)
	}
}

func (c *Channel) subscription() Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *Channel) trackLocal() {
	if c.participant == "" {
		return
	}
	sub := c.subscription()
	if sub == nil {
		return
	}

	c.mu.Lock()
	meta := c.trackMeta
	c.mu.Unlock()
	if meta == nil {
		meta = models.NewPresenceMeta(c.opts.Clock.Now())
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.OpTimeout)
	defer cancel()
	if err := sub.Track(ctx, meta); err != nil {
		logger.Warn("[CHANNEL] %s: track failed: %v", c.room, err)
	}
}

// release drops the transport side after the channel reached Closed on its
// own. Observers stay registered until Close.
func (c *Channel) release() {
	c.typing.Stop()
	if sub := c.subscription(); sub != nil {
		if err := sub.Close(); err != nil {
			logger.Debug("[CHANNEL] %s: close subscription: %v", c.room, err)
		}
	}
	if c.onClose != nil {
		c.onClose(c)
	}
}

func (c *Channel) canSend() bool {
	return c.participant != "" && c.State() == StateSubscribed
}

// OnPresenceSync registers fn for every presence sync.
func (c *Channel) OnPresenceSync(fn func(models.PresenceState)) {
	c.observers.onPresence(fn)
}

// OnBroadcast registers fn for broadcasts named event.
func (c *Channel) OnBroadcast(event string, fn func(payload []byte)) {
	c.observers.onBroadcast(event, fn)
}

// OnChangeFeed registers fn for change-feed events on table that pass
// filter ("column=eq.value", or empty for the whole table). The filter is
// also handed to the server.
func (c *Channel) OnChangeFeed(table, filter string, fn func(models.ChangeEvent)) error {
	f, err := models.ParseChangeFilter(table, filter)
	if err != nil {
		return err
	}
	c.observers.onChange(f, fn)

	if sub := c.subscription(); sub != nil {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.OpTimeout)
		defer cancel()
		if err := sub.Listen(ctx, f); err != nil {
			return fmt.Errorf("listen %s: %w", f, err)
		}
	}
	return nil
}

// OnStateChange registers fn for connection state transitions.
func (c *Channel) OnStateChange(fn func(prev, next ConnectionState)) {
	c.observers.onState(fn)
}

// OnTypingChange registers fn for changes of the remote typing flag.
func (c *Channel) OnTypingChange(fn func(remoteTyping bool)) {
	c.observers.onTyping(fn)
}

// Send broadcasts payload to the other participants. It is best effort:
// while the channel is not subscribed, or the local participant is
// unknown, the call is a silent no-op. Only encoding errors are returned.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	if !c.canSend() {
		logger.Debug("[CHANNEL] %s: dropping %q, state %s", c.room, event, c.State())
		return nil
	}

	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case json.RawMessage:
		data = p
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %q payload: %w", event, err)
		}
		data = encoded
	}

	sub := c.subscription()
	if sub == nil {
		return nil
	}
	if err := sub.Send(ctx, event, data); err != nil && !errors.Is(err, ErrNotSubscribed) {
		logger.Warn("[CHANNEL] %s: send %q failed: %v", c.room, event, err)
	}
	return nil
}

func (c *Channel) sendTyping(isTyping bool) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.OpTimeout)
	defer cancel()
	_ = c.Send(ctx, models.EventTyping, models.TypingPayload{UserID: c.participant, IsTyping: isTyping})
}

// Track replaces the metadata announced for the local participant. It is
// sent now when subscribed and again after every reconnect.
func (c *Channel) Track(ctx context.Context, meta models.PresenceMeta) error {
	c.mu.Lock()
	c.trackMeta = meta
	c.mu.Unlock()

	if !c.canSend() {
		return nil
	}
	if err := c.subscription().Track(ctx, meta); err != nil && !errors.Is(err, ErrNotSubscribed) {
		return fmt.Errorf("track: %w", err)
	}
	return nil
}

func (c *Channel) Untrack(ctx context.Context) error {
	if !c.canSend() {
		return nil
	}
	if err := c.subscription().Untrack(ctx); err != nil && !errors.Is(err, ErrNotSubscribed) {
		return fmt.Errorf("untrack: %w", err)
	}
	return nil
}

// Close releases the subscription, cancels the typing timers and drops all
// observers. No observer callback starts after Close returns. It may be
// called from inside a callback.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.typing.Stop()
		prev := c.setState(StateClosed)
		c.observers.close()

		c.cancel()
		<-c.done

		if sub := c.subscription(); sub != nil {
			if prev == StateSubscribed && c.participant != "" {
				ctx, cancel := context.WithTimeout(context.Background(), c.opts.OpTimeout)
				if uerr := sub.Untrack(ctx); uerr != nil && !errors.Is(uerr, ErrNotSubscribed) {
					logger.Debug("[CHANNEL] %s: untrack on close: %v", c.room, uerr)
				}
				cancel()
			}
			err = sub.Close()
		}

		if c.onClose != nil {
			c.onClose(c)
		}
		logger.Debug("[CHANNEL] %s: closed", c.room)
	})
	return err
}
