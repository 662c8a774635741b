package realtime

import (
	"context"

	"listing-chat/internal/models"
)

type IncomingKind int

const (
	IncomingBroadcast IncomingKind = iota
	IncomingPresence
	IncomingChange
)

// Incoming is one frame delivered to a subscription.
type Incoming struct {
	Kind     IncomingKind
	Event    string
	Payload  []byte
	Presence models.PresenceState
	Change   models.ChangeEvent
}

// Sink receives what a subscription produces, in transport order.
type Sink interface {
	HandleStatus(status Status, err error)
	HandleIncoming(in Incoming)
}

// Transport is the pub/sub service a Channel subscribes through.
type Transport interface {
	// Subscribe starts joining room and returns without waiting for the
	// server. Progress is reported to sink.
	Subscribe(ctx context.Context, room string, sink Sink) (Subscription, error)
}

type Subscription interface {
	Send(ctx context.Context, event string, payload []byte) error
	Track(ctx context.Context, meta models.PresenceMeta) error
	Untrack(ctx context.Context) error
	// Listen registers a change-feed filter. Filters survive reconnects.
	Listen(ctx context.Context, filter models.ChangeFilter) error
	// Close is idempotent and does not wait for the sink.
	Close() error
}
