package realtimetest

import (
	"context"
	"sync"

	"listing-chat/internal/models"
	"listing-chat/internal/realtime"
)

// Sent is one broadcast written through a FakeSubscription.
type Sent struct {
	Event   string
	Payload []byte
}

// FakeTransport records subscriptions and lets tests drive them.
type FakeTransport struct {
	mu   sync.Mutex
	subs []*FakeSubscription

	SubscribeErr error
}

var _ realtime.Transport = (*FakeTransport)(nil)

func (t *FakeTransport) Subscribe(_ context.Context, room string, sink realtime.Sink) (realtime.Subscription, error) {
	if t.SubscribeErr != nil {
		return nil, t.SubscribeErr
	}
	sub := &FakeSubscription{Room: room, sink: sink}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return sub, nil
}

func (t *FakeTransport) Subscriptions() []*FakeSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*FakeSubscription, len(t.subs))
	copy(out, t.subs)
	return out
}

// Last returns the most recent subscription, or nil.
func (t *FakeTransport) Last() *FakeSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		return nil
	}
	return t.subs[len(t.subs)-1]
}

type FakeSubscription struct {
	Room string
	sink realtime.Sink

	mu       sync.Mutex
	sent     []Sent
	tracks   []models.PresenceMeta
	untracks int
	filters  []models.ChangeFilter
	closed   int
	sendErr  error
}

var _ realtime.Subscription = (*FakeSubscription)(nil)

func (s *FakeSubscription) Send(_ context.Context, event string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, Sent{Event: event, Payload: append([]byte(nil), payload...)})
	return nil
}

func (s *FakeSubscription) Track(_ context.Context, meta models.PresenceMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, meta)
	return nil
}

func (s *FakeSubscription) Untrack(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.untracks++
	return nil
}

func (s *FakeSubscription) Listen(_ context.Context, filter models.ChangeFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, filter)
	return nil
}

func (s *FakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// SetSendErr makes every following Send fail with err.
func (s *FakeSubscription) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *FakeSubscription) Status(status realtime.Status) {
	s.sink.HandleStatus(status, nil)
}

func (s *FakeSubscription) Broadcast(event string, payload []byte) {
	s.sink.HandleIncoming(realtime.Incoming{Kind: realtime.IncomingBroadcast, Event: event, Payload: payload})
}

func (s *FakeSubscription) PresenceSync(state models.PresenceState) {
	s.sink.HandleIncoming(realtime.Incoming{Kind: realtime.IncomingPresence, Presence: state})
}

func (s *FakeSubscription) Change(ev models.ChangeEvent) {
	s.sink.HandleIncoming(realtime.Incoming{Kind: realtime.IncomingChange, Change: ev})
}

func (s *FakeSubscription) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sent, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *FakeSubscription) Tracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

func (s *FakeSubscription) Untracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.untracks
}

func (s *FakeSubscription) Filters() []models.ChangeFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChangeFilter, len(s.filters))
	copy(out, s.filters)
	return out
}

func (s *FakeSubscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed > 0
}
