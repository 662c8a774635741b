package websocket

import (
	"context"
	"sync"
	"time"

	"listing-chat/internal/bus"
	"listing-chat/internal/models"
	"listing-chat/internal/presence"
	"listing-chat/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Options struct {
	// HeartbeatInterval is how often hubs refresh tracked presence. It must
	// be well below the presence store's TTL.
	HeartbeatInterval time.Duration
	// IdleTimeout is how long a hub without connections is kept.
	IdleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	return o
}

// Manager owns the hub of every active room.
type Manager struct {
	hubs     map[string]*Hub
	mutex    sync.Mutex
	presence presence.Store
	bus      bus.Bus
	opts     Options
}

func NewManager(store presence.Store, b bus.Bus, opts Options) *Manager {
	return &Manager{
		hubs:     make(map[string]*Hub),
		presence: store,
		bus:      b,
		opts:     opts.withDefaults(),
	}
}

// hubLocked returns the room's hub, starting it if needed.
func (m *Manager) hubLocked(room string) *Hub {
	hub, exists := m.hubs[room]
	if !exists {
		hub = NewHub(room, m.presence, m.bus, m.opts.HeartbeatInterval)
		m.hubs[room] = hub
		go hub.Run()
		logger.Debug("[HUB] Started hub for %s", room)
	}
	return hub
}

// Serve attaches an upgraded connection to room's hub and starts its
// pumps. An empty userID joins anonymously: the connection receives
// everything but cannot track presence.
func (m *Manager) Serve(conn *websocket.Conn, room, userID string) {
	m.mutex.Lock()
	hub := m.hubLocked(room)
	// Counted before registering so idle cleanup cannot stop the hub
	// in between.
	hub.clientCount.Add(1)
	m.mutex.Unlock()

	client := NewClient(hub, conn, userID, uuid.NewString())
	select {
	case hub.register <- client:
	case <-hub.done:
		hub.clientCount.Add(-1)
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// DispatchChange hands a change-feed event to the local hub of its room,
// which forwards it to the connections whose filter matches. Events for a
// hub that is not keeping up are dropped.
func (m *Manager) DispatchChange(ev models.ChangeEvent) {
	m.mutex.Lock()
	hub, ok := m.hubs[ev.Room]
	m.mutex.Unlock()
	if !ok {
		return
	}
	select {
	case hub.changes <- ev:
	case <-hub.done:
	default:
		logger.Warn("[HUB] Dropped %s change for %s: hub is not keeping up", ev.Table, ev.Room)
	}
}

// DispatchRemote delivers an envelope from another instance to the local
// hub of its room, if any.
func (m *Manager) DispatchRemote(env bus.Envelope) {
	m.mutex.Lock()
	hub, ok := m.hubs[env.Room]
	m.mutex.Unlock()
	if !ok {
		return
	}
	select {
	case hub.remote <- env:
	case <-hub.done:
	}
}

// Presence reads the room's presence state from the store.
func (m *Manager) Presence(ctx context.Context, room string) (models.PresenceState, error) {
	return m.presence.State(ctx, room)
}

// Run consumes the bus and cleans up idle hubs until ctx is done, then
// stops every hub.
func (m *Manager) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- m.bus.Run(ctx, m.DispatchRemote) }()

	ticker := time.NewTicker(m.opts.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return <-errCh
		case err := <-errCh:
			m.Shutdown()
			return err
		case <-ticker.C:
			m.cleanupIdleHubs()
		}
	}
}

func (m *Manager) cleanupIdleHubs() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for room, hub := range m.hubs {
		if hub.ClientCount() == 0 && time.Since(hub.idleSince()) > m.opts.IdleTimeout {
			hub.stop()
			delete(m.hubs, room)
			logger.Debug("[HUB] Cleaned up unused hub for %s", room)
		}
	}
}

func (m *Manager) Shutdown() {
	m.mutex.Lock()
	hubs := m.hubs
	m.hubs = make(map[string]*Hub)
	m.mutex.Unlock()

	for _, hub := range hubs {
		hub.stop()
		<-hub.done
	}
}

func (m *Manager) HubCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.hubs)
}

func (m *Manager) snapshot() []*Hub {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	hubs := make([]*Hub, 0, len(m.hubs))
	for _, hub := range m.hubs {
		hubs = append(hubs, hub)
	}
	return hubs
}
