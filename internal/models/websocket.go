package models

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

type FrameType string

const (
	FrameSubscribed      FrameType = "subscribed"
	FrameBroadcast       FrameType = "broadcast"
	FramePresenceTrack   FrameType = "presence_track"
	FramePresenceUntrack FrameType = "presence_untrack"
	FramePresenceState   FrameType = "presence_state"
	FrameListen          FrameType = "listen"
	FrameChange          FrameType = "postgres_changes"
	FrameError           FrameType = "error"
)

// Frame is the single envelope exchanged over a room connection in both
// directions. Only the fields relevant to Type are set.
type Frame struct {
	Type      FrameType       `json:"type"`
	Room      string          `json:"room,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Meta      PresenceMeta    `json:"meta,omitempty"`
	Presence  PresenceState   `json:"presence,omitempty"`
	Filter    *ChangeFilter   `json:"filter,omitempty"`
	Change    *ChangeEvent    `json:"change,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

const (
	EventTyping = "typing"

	ChangeInsert  = "INSERT"
	TableMessages = "messages"
)

type TypingPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ChangeEvent is one row change from the durable store's change feed.
type ChangeEvent struct {
	Table  string          `json:"table"`
	Type   string          `json:"type"`
	Room   string          `json:"room,omitempty"`
	Record json.RawMessage `json:"record"`
}

// ChangeFilter selects change events by table and an optional column
// equality, written as "column=eq.value".
type ChangeFilter struct {
	Table  string `json:"table"`
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

func ParseChangeFilter(table, expr string) (ChangeFilter, error) {
	if table == "" {
		return ChangeFilter{}, fmt.Errorf("change filter needs a table")
	}
	f := ChangeFilter{Table: table}
	if expr == "" {
		return f, nil
	}
	column, rest, ok := strings.Cut(expr, "=")
	if !ok || column == "" {
		return ChangeFilter{}, fmt.Errorf("invalid change filter %q", expr)
	}
	value, ok := strings.CutPrefix(rest, "eq.")
	if !ok {
		return ChangeFilter{}, fmt.Errorf("unsupported operator in change filter %q", expr)
	}
	f.Column = column
	f.Value = value
	return f, nil
}

func (f ChangeFilter) String() string {
	if f.Column == "" {
		return f.Table
	}
	return f.Table + ":" + f.Column + "=eq." + f.Value
}

// Matches reports whether ev passes the filter. Record columns are compared
// by their string form.
func (f ChangeFilter) Matches(ev ChangeEvent) bool {
	if f.Table != ev.Table {
		return false
	}
	if f.Column == "" {
		return true
	}
	var record map[string]any
	if err := json.Unmarshal(ev.Record, &record); err != nil {
		return false
	}
	v, ok := record[f.Column]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == f.Value
}
