package realtime

import (
	"context"
	"fmt"
	"sync"

	"listing-chat/internal/models"
)

// Manager hands out one Channel per room key.
type Manager struct {
	transport Transport
	opts      Options

	mu       sync.Mutex
	channels map[string]*Channel
}

func NewManager(transport Transport, opts Options) *Manager {
	return &Manager{
		transport: transport,
		opts:      opts,
		channels:  make(map[string]*Channel),
	}
}

// Open returns the live channel for roomKey, subscribing a new one if there
// is none. A channel that reached Closed is replaced.
func (m *Manager) Open(ctx context.Context, roomKey, localParticipantID string) (*Channel, error) {
	if err := models.ValidateRoomKey(roomKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoom, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[roomKey]; ok && ch.State() != StateClosed {
		return ch, nil
	}

	ch := newChannel(roomKey, localParticipantID, m.transport, m.opts)
	ch.onClose = m.forget
	if err := ch.start(ctx); err != nil {
		return nil, err
	}
	m.channels[roomKey] = ch
	return ch, nil
}

func (m *Manager) Get(roomKey string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[roomKey]
	return ch, ok
}

func (m *Manager) forget(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[ch.room] == ch {
		delete(m.channels, ch.room)
	}
}

// CloseAll closes every open channel.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
}
