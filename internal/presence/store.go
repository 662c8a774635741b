package presence

import (
	"context"
	"strings"

	"listing-chat/internal/models"
)

// Store is the server-side registry of who is tracked in which room. A
// participant may be tracked once per live connection.
type Store interface {
	// Track adds or refreshes the entry of one connection.
	Track(ctx context.Context, room, key, connID string, meta models.PresenceMeta) error
	Untrack(ctx context.Context, room, key, connID string) error
	// State returns the live entries of room grouped by participant key.
	State(ctx context.Context, room string) (models.PresenceState, error)
}

func memberID(key, connID string) string {
	return key + "|" + connID
}

func splitMember(member string) (key string) {
	if i := strings.LastIndexByte(member, '|'); i >= 0 {
		return member[:i]
	}
	return member
}
