package websocket

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"listing-chat/internal/bus"
	"listing-chat/internal/models"
	"listing-chat/internal/presence"
	"listing-chat/pkg/logger"

	"github.com/goccy/go-json"
)

const (
	storeTimeout = 5 * time.Second

	// roomColumn is the column every listen filter is scoped by.
	roomColumn = "room"
)

type clientFrame struct {
	client *Client
	frame  models.Frame
	err    error
}

// Hub relays one room's frames between its connections. All client state
// (tracked meta, change filters) is owned by the Run goroutine.
type Hub struct {
	room       string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	inbound    chan clientFrame
	remote     chan bus.Envelope
	changes    chan models.ChangeEvent
	shutdown   chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	presence  presence.Store
	bus       bus.Bus
	heartbeat time.Duration
	lastState []byte

	clientCount  atomic.Int32
	lastActivity atomic.Int64
}

func NewHub(room string, store presence.Store, b bus.Bus, heartbeat time.Duration) *Hub {
	h := &Hub{
		room:       room,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan clientFrame, 64),
		remote:     make(chan bus.Envelope, 64),
		changes:    make(chan models.ChangeEvent, 64),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		presence:   store,
		bus:        b,
		heartbeat:  heartbeat,
	}
	h.touch()
	return h
}

func (h *Hub) Run() {
	defer close(h.done)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.shutdown:
			for client := range h.clients {
				h.dropClient(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.touch()
			h.sendTo(client, models.Frame{Type: models.FrameSubscribed, Room: h.room, Timestamp: now()})
			h.sendPresenceTo(client)
			logger.Info("[HUB] %s joined %s", client.label(), h.room)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.removeClient(client)
				logger.Info("[HUB] %s left %s", client.label(), h.room)
			}

		case in := <-h.inbound:
			if _, ok := h.clients[in.client]; !ok {
				continue
			}
			h.touch()
			h.handleFrame(in)

		case env := <-h.remote:
			h.handleRemote(env)

		case ev := <-h.changes:
			h.handleChange(ev)

		case <-ticker.C:
			h.refreshPresence()
		}
	}
}

func (h *Hub) handleFrame(in clientFrame) {
	c, f := in.client, in.frame
	if in.err != nil {
		h.sendError(c, "malformed frame")
		return
	}

	switch f.Type {
	case models.FrameBroadcast:
		if f.Event == "" {
			h.sendError(c, "broadcast needs an event")
			return
		}
		out := models.Frame{Type: models.FrameBroadcast, Room: h.room, Event: f.Event, Payload: f.Payload}
		h.broadcast(out, c)
		h.publish(bus.Envelope{Room: h.room, Kind: bus.KindBroadcast, Frame: &out})

	case models.FramePresenceTrack:
		if c.userID == "" {
			h.sendError(c, "anonymous connections cannot track presence")
			return
		}
		meta := f.Meta
		if meta == nil {
			meta = models.PresenceMeta{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := h.presence.Track(ctx, h.room, c.userID, c.connID, meta)
		cancel()
		if err != nil {
			logger.Error("[HUB] Error tracking %s in %s: %v", c.label(), h.room, err)
			h.sendError(c, "presence unavailable")
			return
		}
		c.meta = meta
		h.syncPresence()

	case models.FramePresenceUntrack:
		if c.meta == nil {
			return
		}
		h.untrack(c)
		h.syncPresence()

	case models.FrameListen:
		if f.Filter == nil || f.Filter.Table == "" {
			h.sendError(c, "listen needs a filter with a table")
			return
		}
		filter, ok := h.scopeFilter(*f.Filter)
		if !ok {
			h.sendError(c, "listen is limited to room "+h.room)
			return
		}
		c.filters = append(c.filters, filter)
		logger.Debug("[HUB] %s listens to %s", c.label(), filter)

	default:
		h.sendError(c, "unsupported frame type "+string(f.Type))
	}
}

func (h *Hub) handleRemote(env bus.Envelope) {
	switch env.Kind {
	case bus.KindBroadcast:
		if env.Frame != nil {
			h.broadcast(*env.Frame, nil)
		}
	case bus.KindPresenceSync:
		h.pushPresence(false)
	}
}

// scopeFilter pins a filter to the hub's room. A filter naming another room
// is refused.
func (h *Hub) scopeFilter(f models.ChangeFilter) (models.ChangeFilter, bool) {
	switch f.Column {
	case "":
		f.Column, f.Value = roomColumn, h.room
	case roomColumn:
		if f.Value != h.room {
			return f, false
		}
	}
	return f, true
}

func (h *Hub) handleChange(ev models.ChangeEvent) {
	if ev.Room != h.room {
		return
	}
	frame := models.Frame{Type: models.FrameChange, Room: h.room, Change: &ev}
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Error("[HUB] Error marshaling change event: %v", err)
		return
	}

	var slow []*Client
	for client := range h.clients {
		for _, filter := range client.filters {
			if filter.Matches(ev) {
				if !client.deliver(data) {
					slow = append(slow, client)
				}
				break
			}
		}
	}
	h.removeSlow(slow)
}

// refreshPresence pushes tracked entries' expiry forward and tells the room
// when entries of other instances aged out.
func (h *Hub) refreshPresence() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	tracked := false
	for client := range h.clients {
		if client.meta == nil {
			continue
		}
		tracked = true
		if err := h.presence.Track(ctx, h.room, client.userID, client.connID, client.meta); err != nil {
			logger.Warn("[HUB] Error refreshing presence of %s: %v", client.label(), err)
		}
	}
	if tracked || h.lastState != nil {
		h.pushPresence(false)
	}
}

// syncPresence pushes the room's state to local connections and asks other
// instances to do the same.
func (h *Hub) syncPresence() {
	h.pushPresence(true)
	h.publish(bus.Envelope{Room: h.room, Kind: bus.KindPresenceSync})
}

// pushPresence sends the full presence state. Unless force is set it is
// only sent when it differs from the last one.
func (h *Hub) pushPresence(force bool) {
	state, err := h.loadPresence()
	if err != nil {
		logger.Error("[HUB] Error loading presence for %s: %v", h.room, err)
		return
	}
	data, err := json.Marshal(models.Frame{Type: models.FramePresenceState, Room: h.room, Presence: state})
	if err != nil {
		logger.Error("[HUB] Error marshaling presence state: %v", err)
		return
	}

	if !force && bytes.Equal(data, h.lastState) {
		return
	}
	h.lastState = data
	h.broadcastRaw(data, nil)
}

func (h *Hub) sendPresenceTo(client *Client) {
	state, err := h.loadPresence()
	if err != nil {
		logger.Error("[HUB] Error loading presence for %s: %v", h.room, err)
		return
	}
	h.sendTo(client, models.Frame{Type: models.FramePresenceState, Room: h.room, Presence: state})
}

func (h *Hub) loadPresence() (models.PresenceState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return h.presence.State(ctx, h.room)
}

func (h *Hub) untrack(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.presence.Untrack(ctx, h.room, c.userID, c.connID); err != nil {
		logger.Error("[HUB] Error untracking %s in %s: %v", c.label(), h.room, err)
	}
	c.meta = nil
}

func (h *Hub) publish(env bus.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.bus.Publish(ctx, env); err != nil {
		logger.Error("[HUB] Error publishing %s for %s: %v", env.Kind, h.room, err)
	}
}

// broadcast sends frame to every connection except skip.
func (h *Hub) broadcast(frame models.Frame, skip *Client) {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Error("[HUB] Error marshaling %s frame: %v", frame.Type, err)
		return
	}
	h.broadcastRaw(data, skip)
}

func (h *Hub) broadcastRaw(data []byte, skip *Client) {
	var slow []*Client
	for client := range h.clients {
		if client == skip {
			continue
		}
		if !client.deliver(data) {
			slow = append(slow, client)
		}
	}
	h.removeSlow(slow)
}

func (h *Hub) sendTo(client *Client, frame models.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Error("[HUB] Error marshaling %s frame: %v", frame.Type, err)
		return
	}
	if !client.deliver(data) {
		h.removeSlow([]*Client{client})
	}
}

func (h *Hub) sendError(client *Client, msg string) {
	h.sendTo(client, models.Frame{Type: models.FrameError, Room: h.room, Error: msg, Timestamp: now()})
}

func (h *Hub) removeSlow(slow []*Client) {
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			logger.Warn("[HUB] Dropping slow connection %s", client.label())
			h.removeClient(client)
		}
	}
}

// removeClient forgets a connection and withdraws its presence.
func (h *Hub) removeClient(client *Client) {
	tracked := client.meta != nil
	h.dropClient(client)
	if tracked {
		h.syncPresence()
	}
}

func (h *Hub) dropClient(client *Client) {
	if client.meta != nil {
		h.untrack(client)
	}
	delete(h.clients, client)
	close(client.send)
	h.clientCount.Add(-1)
	h.touch()
}

func (h *Hub) touch() {
	h.lastActivity.Store(time.Now().UnixNano())
}

func (h *Hub) idleSince() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() { close(h.shutdown) })
}

func now() string {
	return time.Now().Format(time.RFC3339)
}
