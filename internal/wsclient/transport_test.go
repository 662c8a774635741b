package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"listing-chat/internal/bus"
	"listing-chat/internal/models"
	"listing-chat/internal/presence"
	"listing-chat/internal/realtime"
	ws "listing-chat/internal/websocket"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// startServer runs a room server that takes the participant from the
// token query parameter.
func startServer(t *testing.T) (*ws.Manager, string) {
	t.Helper()
	mgr := ws.NewManager(presence.NewMemoryStore(time.Minute), bus.Local{}, ws.Options{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mgr.Serve(conn, r.URL.Query().Get("room"), r.URL.Query().Get("token"))
	}))
	t.Cleanup(func() {
		mgr.Shutdown()
		srv.Close()
	})
	return mgr, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func fastOptions(url, user string) Options {
	return Options{
		URL:              url,
		Token:            func() string { return user },
		SubscribeTimeout: time.Second,
		MinBackoff:       10 * time.Millisecond,
		MaxBackoff:       50 * time.Millisecond,
	}
}

type recordingSink struct {
	mu       sync.Mutex
	statuses []realtime.Status
}

func (s *recordingSink) HandleStatus(status realtime.Status, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *recordingSink) HandleIncoming(realtime.Incoming) {}

func (s *recordingSink) last() realtime.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[len(s.statuses)-1]
}

func TestChannelsTalkThroughServer(t *testing.T) {
	_, url := startServer(t)

	alice := realtime.NewManager(New(fastOptions(url, "alice")), realtime.Options{})
	bob := realtime.NewManager(New(fastOptions(url, "bob")), realtime.Options{})
	defer alice.CloseAll()
	defer bob.CloseAll()

	a, err := alice.Open(context.Background(), "product:42", "alice")
	require.NoError(t, err)
	b, err := bob.Open(context.Background(), "product:42", "bob")
	require.NoError(t, err)

	notes := make(chan string, 1)
	b.OnBroadcast("note", func(p []byte) { notes <- string(p) })
	typing := make(chan bool, 4)
	b.OnTypingChange(func(v bool) { typing <- v })

	require.Eventually(t, func() bool {
		return a.Presence().Count() == 2 && b.Presence().Count() == 2
	}, waitFor, tick)

	require.NoError(t, a.Send(context.Background(), "note", "hello"))
	require.Equal(t, `"hello"`, <-notes)

	a.Typing().Changed()
	require.True(t, <-typing)
	a.Typing().Blur()
	require.False(t, <-typing)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return b.Presence().Count() == 1 }, waitFor, tick)
}

func TestChangeFeedSurvivesReconnect(t *testing.T) {
	server, url := startServer(t)

	mgr := realtime.NewManager(New(fastOptions(url, "alice")), realtime.Options{})
	defer mgr.CloseAll()
	ch, err := mgr.Open(context.Background(), "product:42", "alice")
	require.NoError(t, err)

	var mu sync.Mutex
	var states []realtime.ConnectionState
	ch.OnStateChange(func(_, next realtime.ConnectionState) {
		mu.Lock()
		states = append(states, next)
		mu.Unlock()
	})
	changes := make(chan models.ChangeEvent, 4)
	require.NoError(t, ch.OnChangeFeed(models.TableMessages, "room=eq.product:42", func(ev models.ChangeEvent) {
		select {
		case changes <- ev:
		default:
		}
	}))

	require.Eventually(t, func() bool { return ch.State() == realtime.StateSubscribed }, waitFor, tick)

	// Dropping every hub closes the connection; the transport rejoins.
	server.Shutdown()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 3 && states[len(states)-1] == realtime.StateSubscribed
	}, waitFor, tick)
	mu.Lock()
	require.Contains(t, states, realtime.StateReconnecting)
	mu.Unlock()

	// The rejoined connection re-tracked and replayed the filter.
	require.Eventually(t, func() bool { return ch.Presence().Has("alice") }, waitFor, tick)
	ev := models.ChangeEvent{
		Table:  models.TableMessages,
		Type:   models.ChangeInsert,
		Room:   "product:42",
		Record: []byte(`{"id":"m1","room":"product:42"}`),
	}
	require.Eventually(t, func() bool {
		server.DispatchChange(ev)
		select {
		case got := <-changes:
			require.JSONEq(t, string(ev.Record), string(got.Record))
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, waitFor, tick)
}

func TestSubscribeTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never acknowledge.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	opts := fastOptions("ws"+strings.TrimPrefix(srv.URL, "http"), "alice")
	opts.SubscribeTimeout = 100 * time.Millisecond
	sink := &recordingSink{}
	sub, err := New(opts).Subscribe(context.Background(), "product:42", sink)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return sink.last() == realtime.StatusTimedOut }, waitFor, tick)
	require.ErrorIs(t, sub.Send(context.Background(), "note", nil), realtime.ErrNotSubscribed)
}

func TestUnreachableServerGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	opts := fastOptions(url, "alice")
	opts.MaxAttempts = 3
	sink := &recordingSink{}
	sub, err := New(opts).Subscribe(context.Background(), "product:42", sink)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return sink.last() == realtime.StatusFatal }, waitFor, tick)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, []realtime.Status{
		realtime.StatusChannelError, realtime.StatusChannelError, realtime.StatusFatal,
	}, sink.statuses)
}

func TestSubscribeRejectsMissingURL(t *testing.T) {
	_, err := New(Options{}).Subscribe(context.Background(), "product:42", &recordingSink{})
	require.Error(t, err)
}
