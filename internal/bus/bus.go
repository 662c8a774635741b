package bus

import (
	"context"

	"listing-chat/internal/models"
)

type Kind string

const (
	KindBroadcast Kind = "broadcast"
	// KindPresenceSync asks other instances to push the room's presence
	// state to their connections.
	KindPresenceSync Kind = "presence_sync"
)

// Envelope carries one room event between server instances.
type Envelope struct {
	Origin string        `json:"origin"`
	Room   string        `json:"room"`
	Kind   Kind          `json:"kind"`
	Frame  *models.Frame `json:"frame,omitempty"`
}

type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Run delivers envelopes published by other instances until ctx is done.
	Run(ctx context.Context, handle func(Envelope)) error
}

// Local is the bus of a single instance: there is nobody to tell.
type Local struct{}

func (Local) Publish(context.Context, Envelope) error { return nil }

func (Local) Run(ctx context.Context, _ func(Envelope)) error {
	<-ctx.Done()
	return nil
}
