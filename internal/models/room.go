package models

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// RoomKindProduct is the only room kind the mobile app opens today.
const RoomKindProduct = "product"

// RoomKey builds the pub/sub room key for a resource, e.g. "product:42".
func RoomKey(kind, resourceID string) string {
	return kind + ":" + resourceID
}

// ParseRoomKey splits a room key into kind and resource id.
func ParseRoomKey(room string) (kind, resourceID string, err error) {
	if err := ValidateRoomKey(room); err != nil {
		return "", "", err
	}
	kind, resourceID, ok := strings.Cut(room, ":")
	if !ok {
		return "", room, nil
	}
	return kind, resourceID, nil
}

// ValidateRoomKey rejects empty keys, keys with whitespace or control
// characters, and keys with an empty side around the kind separator.
func ValidateRoomKey(room string) error {
	if room == "" {
		return fmt.Errorf("room key is empty")
	}
	for _, r := range room {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("room key %q contains whitespace or control characters", room)
		}
	}
	if kind, id, ok := strings.Cut(room, ":"); ok && (kind == "" || id == "") {
		return fmt.Errorf("room key %q is malformed", room)
	}
	return nil
}

// PresenceMeta is the metadata a participant tracks in a room. "at" holds
// the tracking time in unix milliseconds.
type PresenceMeta map[string]any

func NewPresenceMeta(now time.Time) PresenceMeta {
	return PresenceMeta{"at": now.UnixMilli()}
}

// PresenceState maps participant keys to one meta per live connection.
type PresenceState map[string][]PresenceMeta

// Clone copies the outer map and the per-key slices.
func (s PresenceState) Clone() PresenceState {
	out := make(PresenceState, len(s))
	for k, metas := range s {
		cp := make([]PresenceMeta, len(metas))
		copy(cp, metas)
		out[k] = cp
	}
	return out
}

type RoomPresence struct {
	Room         string        `json:"room"`
	Count        int           `json:"count"`
	Participants PresenceState `json:"participants"`
}

type Favorite struct {
	UserID    string    `json:"user_id"`
	ProductID string    `json:"product_id"`
	CreatedAt time.Time `json:"created_at"`
}
