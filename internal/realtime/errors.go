package realtime

import "errors"

var (
	// ErrInvalidRoom is returned by Open for empty or malformed room keys.
	ErrInvalidRoom = errors.New("invalid room key")

	// ErrNotSubscribed is returned by subscriptions asked to write while the
	// connection is down. Channel.Send swallows it.
	ErrNotSubscribed = errors.New("not subscribed")
)
