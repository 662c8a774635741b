package wsclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"sync"
	"time"

	"listing-chat/internal/models"
	"listing-chat/internal/realtime"
	"listing-chat/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

var errSubscribeTimeout = errors.New("timed out waiting for subscription")

type Options struct {
	// URL of the server's websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Token returns the bearer token sent with each connection attempt. It
	// is read on every attempt so a refreshed token is picked up.
	Token func() string

	SubscribeTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	// MaxAttempts bounds consecutive failed attempts before the
	// subscription gives up with StatusFatal. Zero retries forever.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.Token == nil {
		o.Token = func() string { return "" }
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = 10 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// Transport subscribes to rooms over one websocket connection per room.
type Transport struct {
	opts   Options
	dialer *websocket.Dialer
}

var _ realtime.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	opts = opts.withDefaults()
	return &Transport{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.SubscribeTimeout},
	}
}

func (t *Transport) Subscribe(ctx context.Context, room string, sink realtime.Sink) (realtime.Subscription, error) {
	if _, err := url.Parse(t.opts.URL); err != nil || t.opts.URL == "" {
		return nil, fmt.Errorf("invalid server url %q", t.opts.URL)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		t:      t,
		room:   room,
		sink:   sink,
		ctx:    subCtx,
		cancel: cancel,
	}
	go s.run()
	return s, nil
}

type subscription struct {
	t      *Transport
	room   string
	sink   realtime.Sink
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	filters []models.ChangeFilter

	writeMu sync.Mutex
}

func (s *subscription) endpoint() string {
	u, _ := url.Parse(s.t.opts.URL)
	q := u.Query()
	q.Set("room", s.room)
	if token := s.t.opts.Token(); token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *subscription) status(st realtime.Status, err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.sink.HandleStatus(st, err)
}

// run keeps the room joined until the subscription is closed. A first join
// that times out ends the subscription; later losses are retried with
// backoff until MaxAttempts.
func (s *subscription) run() {
	joined := false
	failures := 0

	for {
		conn, err := s.connect(s.ctx)
		if s.ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			failures++
			if !joined && errors.Is(err, errSubscribeTimeout) {
				s.status(realtime.StatusTimedOut, err)
				return
			}
			if limit := s.t.opts.MaxAttempts; limit > 0 && failures >= limit {
				s.status(realtime.StatusFatal, fmt.Errorf("giving up after %d attempts: %w", failures, err))
				return
			}
			if !joined {
				s.status(realtime.StatusChannelError, err)
			}
			logger.Warn("[WS] Connecting to %s failed (attempt %d): %v", s.room, failures, err)
			if !s.sleep(failures) {
				return
			}
			continue
		}

		failures = 0
		if joined {
			s.status(realtime.StatusReconnected, nil)
		} else {
			joined = true
			s.status(realtime.StatusSubscribed, nil)
		}

		err = s.readLoop(conn)
		if s.ctx.Err() != nil {
			return
		}
		logger.Warn("[WS] Connection to %s lost: %v", s.room, err)
		s.status(realtime.StatusReconnecting, err)
		if !s.sleep(1) {
			return
		}
	}
}

// connect dials, waits for the server's subscribed frame and replays the
// registered change filters.
func (s *subscription) connect(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.t.opts.SubscribeTimeout)
	defer cancel()

	conn, _, err := s.t.dialer.DialContext(ctx, s.endpoint(), nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", errSubscribeTimeout, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)
	for {
		f, err := readFrame(conn)
		if err != nil {
			conn.Close()
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, errSubscribeTimeout
			}
			return nil, fmt.Errorf("await subscription: %w", err)
		}
		if f.Type == models.FrameError {
			conn.Close()
			return nil, fmt.Errorf("server refused subscription: %s", f.Error)
		}
		if f.Type == models.FrameSubscribed {
			break
		}
	}
	conn.SetReadDeadline(time.Time{})

	s.mu.Lock()
	s.conn = conn
	filters := append([]models.ChangeFilter(nil), s.filters...)
	s.mu.Unlock()

	for i := range filters {
		if err := s.write(conn, models.Frame{Type: models.FrameListen, Filter: &filters[i]}); err != nil {
			s.dropConn(conn)
			return nil, fmt.Errorf("replay filter %s: %w", filters[i], err)
		}
	}
	return conn, nil
}

func (s *subscription) readLoop(conn *websocket.Conn) error {
	defer s.dropConn(conn)

	for {
		f, err := readFrame(conn)
		if err != nil {
			return err
		}

		switch f.Type {
		case models.FrameBroadcast:
			s.sink.HandleIncoming(realtime.Incoming{Kind: realtime.IncomingBroadcast, Event: f.Event, Payload: f.Payload})
		case models.FramePresenceState:
			s.sink.HandleIncoming(realtime.Incoming{Kind: realtime.IncomingPresence, Presence: f.Presence})
		case models.FrameChange:
			if f.Change != nil {
				s.sink.HandleIncoming(realtime.Incoming{Kind: realtime.IncomingChange, Change: *f.Change})
			}
		case models.FrameError:
			logger.Warn("[WS] Server error on %s: %s", s.room, f.Error)
		}
	}
}

func readFrame(conn *websocket.Conn) (models.Frame, error) {
	var f models.Frame
	_, data, err := conn.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func (s *subscription) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

// sleep waits out the backoff for the given attempt. It reports false when
// the subscription was closed meanwhile.
func (s *subscription) sleep(attempt int) bool {
	d := s.t.opts.MinBackoff << min(attempt-1, 16)
	if d > s.t.opts.MaxBackoff || d <= 0 {
		d = s.t.opts.MaxBackoff
	}
	d = d/2 + rand.N(d/2+1)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *subscription) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *subscription) write(conn *websocket.Conn, f models.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *subscription) writeCurrent(ctx context.Context, f models.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn := s.current()
	if conn == nil {
		return realtime.ErrNotSubscribed
	}
	return s.write(conn, f)
}

func (s *subscription) Send(ctx context.Context, event string, payload []byte) error {
	return s.writeCurrent(ctx, models.Frame{Type: models.FrameBroadcast, Event: event, Payload: payload})
}

func (s *subscription) Track(ctx context.Context, meta models.PresenceMeta) error {
	return s.writeCurrent(ctx, models.Frame{Type: models.FramePresenceTrack, Meta: meta})
}

func (s *subscription) Untrack(ctx context.Context) error {
	return s.writeCurrent(ctx, models.Frame{Type: models.FramePresenceUntrack})
}

func (s *subscription) Listen(ctx context.Context, filter models.ChangeFilter) error {
	s.mu.Lock()
	s.filters = append(s.filters, filter)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.writeCurrent(ctx, models.Frame{Type: models.FrameListen, Filter: &filter})
}

func (s *subscription) Close() error {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}
