package models

import (
	"strings"
	"time"
)

const (
	MessageTypeText = "text"

	// OptimisticIDPrefix marks client-local entries that the durable store
	// has not confirmed yet.
	OptimisticIDPrefix = "optimistic-"
)

type Message struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	Sender    string    `json:"sender"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Message) IsOptimistic() bool {
	return strings.HasPrefix(m.ID, OptimisticIDPrefix)
}

type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

type MessageQuery struct {
	Room  string
	Limit int
	Order SortOrder
}
