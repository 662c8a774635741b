package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"listing-chat/internal/auth"
	"listing-chat/internal/database"
	"listing-chat/internal/models"
	"listing-chat/internal/realtime"
	"listing-chat/internal/store"
	"listing-chat/pkg/logger"

	"github.com/goccy/go-json"
)

const loadTimeout = 10 * time.Second

// RoomService is the client side of a resource's chat room: it joins the
// room channel and keeps the message log and the favorite flag of the
// signed-in user.
type RoomService struct {
	channels     *realtime.Manager
	messages     database.MessageRepository
	favorites    database.FavoriteRepository
	session      *auth.Session
	historyLimit int

	log       *store.LogStore
	favorited *store.ToggleStore[string]

	mu       sync.Mutex
	sessions map[string]*RoomSession
}

func NewRoomService(channels *realtime.Manager, messages database.MessageRepository, favorites database.FavoriteRepository, session *auth.Session, historyLimit int) *RoomService {
	s := &RoomService{
		channels:     channels,
		messages:     messages,
		favorites:    favorites,
		session:      session,
		historyLimit: historyLimit,
		log:          store.NewLogStore(),
		sessions:     make(map[string]*RoomSession),
	}
	s.favorited = store.NewToggleStore[string](s.writeFavorite, s.readFavorite)
	return s
}

func (s *RoomService) writeFavorite(ctx context.Context, productID string, value bool) error {
	userID := s.session.CurrentUserID()
	if userID == "" {
		return auth.ErrUnauthorized
	}
	if value {
		return s.favorites.AddFavorite(ctx, userID, productID)
	}
	return s.favorites.RemoveFavorite(ctx, userID, productID)
}

func (s *RoomService) readFavorite(ctx context.Context, productID string) (bool, error) {
	userID := s.session.CurrentUserID()
	if userID == "" {
		return false, nil
	}
	return s.favorites.IsFavorite(ctx, userID, productID)
}

// Favorites exposes the favorite flags, keyed by product id.
func (s *RoomService) Favorites() *store.ToggleStore[string] {
	return s.favorited
}

// Join opens the room of a product. History is loaded every time the
// channel becomes subscribed, so messages missed while disconnected are
// merged back in. Joining a room that is already joined returns the same
// session; the channel closes when every Join has been matched by a Leave.
func (s *RoomService) Join(ctx context.Context, resourceID string) (*RoomSession, error) {
	room := models.RoomKey(models.RoomKindProduct, resourceID)
	userID := s.session.CurrentUserID()

	rs, err := s.open(ctx, resourceID, room, userID)
	if err != nil {
		return nil, err
	}

	if userID != "" {
		if err := s.favorited.Refresh(ctx, resourceID); err != nil {
			logger.Warn("[ROOM] Could not load favorite for %s: %v", resourceID, err)
		}
	}
	return rs, nil
}

func (s *RoomService) open(ctx context.Context, resourceID, room, userID string) (*RoomSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rs, ok := s.sessions[room]; ok && rs.channel.State() != realtime.StateClosed {
		rs.refs++
		return rs, nil
	}

	ch, err := s.channels.Open(ctx, room, userID)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", room, err)
	}

	rs := &RoomSession{
		svc:        s,
		resourceID: resourceID,
		room:       room,
		userID:     userID,
		channel:    ch,
		refs:       1,
	}

	if err := ch.OnChangeFeed(models.TableMessages, "room=eq."+room, rs.applyInsert); err != nil {
		return nil, fmt.Errorf("join %s: %w", room, err)
	}
	ch.OnStateChange(func(_, next realtime.ConnectionState) {
		if next == realtime.StateSubscribed {
			rs.loadHistory()
		}
	})
	if ch.State() == realtime.StateSubscribed {
		go rs.loadHistory()
	}

	s.sessions[room] = rs
	logger.Info("[ROOM] Joined %s as %q", room, userID)
	return rs, nil
}

// leave drops one reference to rs and reports whether it was the last.
func (s *RoomService) leave(rs *RoomSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs.refs == 0 {
		return false
	}
	rs.refs--
	if rs.refs > 0 {
		return false
	}
	if s.sessions[rs.room] == rs {
		delete(s.sessions, rs.room)
	}
	return true
}

// RoomSession is one joined room.
type RoomSession struct {
	svc        *RoomService
	resourceID string
	room       string
	userID     string
	channel    *realtime.Channel

	// refs counts the Joins not yet left; guarded by svc.mu.
	refs int

	loadMu sync.Mutex
}

func (rs *RoomSession) Room() string { return rs.room }

func (rs *RoomSession) State() realtime.ConnectionState { return rs.channel.State() }

func (rs *RoomSession) applyInsert(ev models.ChangeEvent) {
	if ev.Type != models.ChangeInsert {
		return
	}
	var msg models.Message
	if err := json.Unmarshal(ev.Record, &msg); err != nil {
		logger.Error("[ROOM] Dropping undecodable insert on %s: %v", rs.room, err)
		return
	}
	if msg.Room != rs.room {
		return
	}
	rs.svc.log.ReconcileInsert(rs.room, msg)
}

func (rs *RoomSession) loadHistory() {
	rs.loadMu.Lock()
	defer rs.loadMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	history, err := rs.svc.messages.LoadMessages(ctx, models.MessageQuery{
		Room:  rs.room,
		Limit: rs.svc.historyLimit,
		Order: models.SortAscending,
	})
	if err != nil {
		logger.Error("[ROOM] Error loading history for %s: %v", rs.room, err)
		return
	}
	rs.svc.log.Seed(rs.room, history)
}

// Messages returns the room's log in display order.
func (rs *RoomSession) Messages() []models.Message {
	return rs.svc.log.Snapshot(rs.room)
}

// WatchMessages calls fn with every new version of the log until the
// returned func is called.
func (rs *RoomSession) WatchMessages(fn func([]models.Message)) func() {
	return rs.svc.log.Watch(rs.room, fn)
}

// Send shows text at once and writes it to the durable log. A failed
// write removes the entry again. Blank text is ignored.
func (rs *RoomSession) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if rs.userID == "" {
		return auth.ErrUnauthorized
	}

	id := rs.svc.log.AppendOptimistic(rs.room, rs.userID, text)
	stored, err := rs.svc.messages.InsertMessage(ctx, &models.Message{
		Room:    rs.room,
		Sender:  rs.userID,
		Type:    models.MessageTypeText,
		Content: text,
	})
	if err != nil {
		rs.svc.log.Rollback(rs.room, id)
		return fmt.Errorf("%w: %w", store.ErrDurableWriteFailed, err)
	}

	// The change feed delivers the same row; reconciling is idempotent.
	rs.svc.log.ReconcileInsert(rs.room, *stored)
	rs.channel.Typing().Blur()
	return nil
}

// Typing reports a keystroke in the composer.
func (rs *RoomSession) Typing() { rs.channel.Typing().Changed() }

// Blur reports that the composer lost focus.
func (rs *RoomSession) Blur() { rs.channel.Typing().Blur() }

// SomeoneTyping reports whether a peer is typing.
func (rs *RoomSession) SomeoneTyping() bool { return rs.channel.Typing().RemoteTyping() }

func (rs *RoomSession) OnTyping(fn func(bool)) { rs.channel.OnTypingChange(fn) }

// Viewers is the number of distinct participants in the room.
func (rs *RoomSession) Viewers() int { return rs.channel.Presence().Count() }

func (rs *RoomSession) OnViewers(fn func(int)) {
	rs.channel.OnPresenceSync(func(state models.PresenceState) { fn(len(state)) })
}

func (rs *RoomSession) OnStateChange(fn func(prev, next realtime.ConnectionState)) {
	rs.channel.OnStateChange(fn)
}

func (rs *RoomSession) IsFavorite() bool {
	return rs.svc.favorited.Get(rs.resourceID)
}

// ToggleFavorite flips the favorite flag optimistically.
func (rs *RoomSession) ToggleFavorite(ctx context.Context) error {
	if rs.userID == "" {
		return auth.ErrUnauthorized
	}
	return rs.svc.favorited.Set(ctx, rs.resourceID, !rs.IsFavorite())
}

// Leave undoes one Join. The last Leave closes the room's channel.
func (rs *RoomSession) Leave() error {
	if !rs.svc.leave(rs) {
		return nil
	}
	return rs.channel.Close()
}
