package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"listing-chat/internal/auth"
	"listing-chat/internal/bus"
	"listing-chat/internal/config"
	"listing-chat/internal/models"
	"listing-chat/internal/presence"
	"listing-chat/internal/push"
	ws "listing-chat/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	runFn func(req models.PushRequest) (*push.Result, error)
	calls int
}

func (f *fakeRunner) Run(_ context.Context, req models.PushRequest) (*push.Result, error) {
	f.calls++
	return f.runFn(req)
}

func testAuth() *auth.Service {
	return auth.NewService(&config.Config{JWT: config.JWTConfig{Secret: []byte("test-secret"), ExpiresIn: time.Hour}})
}

func serviceToken(t *testing.T, a *auth.Service, role string) string {
	t.Helper()
	token, err := a.IssueToken("webhook", role)
	require.NoError(t, err)
	return token
}

func doPush(r *gin.Engine, method, body, token string) (*httptest.ResponseRecorder, models.PushResponse) {
	req := httptest.NewRequest(method, "/push", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp models.PushResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func pushRouter(runner PushRunner, a *auth.Service, requireAuth bool) *gin.Engine {
	r := gin.New()
	r.Any("/push", NewPushHandlers(runner, a, requireAuth).SendPush)
	return r
}

func TestSendPushResponses(t *testing.T) {
	a := testAuth()
	token := serviceToken(t, a, auth.RoleService)

	runner := &fakeRunner{runFn: func(req models.PushRequest) (*push.Result, error) {
		switch req.MessageID {
		case "":
			return nil, push.ErrMissingMessageID
		case "no-tokens":
			return &push.Result{NoTokens: true}, nil
		case "gone":
			return nil, push.ErrNotFound
		case "gateway":
			return nil, push.ErrGatewayFailure
		}
		return &push.Result{Dispatched: 1, Dispatch: &models.DispatchResult{
			Data: []models.PushTicket{{Status: "ok", ID: "t1"}},
		}}, nil
	}}
	r := pushRouter(runner, a, true)

	w, resp := doPush(r, http.MethodPost, `{"messageId":"m1","recipientId":"u2"}`, token)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.OK)
	require.Len(t, resp.DispatchResult.Data, 1)

	w, resp = doPush(r, http.MethodPost, `{"messageId":"no-tokens","receiveId":"u2"}`, token)
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, resp.OK)
	require.Equal(t, "no valid tokens", resp.Reason)
	require.Contains(t, w.Body.String(), `"ok":false`)

	w, _ = doPush(r, http.MethodPost, `{"recipientId":"u2"}`, token)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doPush(r, http.MethodPost, `{not json`, token)
	require.Equal(t, http.StatusBadRequest, w.Code)

	for _, id := range []string{"gone", "gateway"} {
		w, resp = doPush(r, http.MethodPost, `{"messageId":"`+id+`"}`, token)
		require.Equal(t, http.StatusInternalServerError, w.Code)
		require.False(t, resp.OK)
		require.NotEmpty(t, resp.Error)
	}
}

func TestSendPushRejectsOtherMethods(t *testing.T) {
	runner := &fakeRunner{}
	r := pushRouter(runner, testAuth(), false)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		w, _ := doPush(r, method, "", "")
		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	}
	require.Zero(t, runner.calls)
}

func TestSendPushAuthentication(t *testing.T) {
	a := testAuth()
	runner := &fakeRunner{runFn: func(models.PushRequest) (*push.Result, error) { return &push.Result{}, nil }}
	r := pushRouter(runner, a, true)

	w, _ := doPush(r, http.MethodPost, `{"messageId":"m1"}`, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = doPush(r, http.MethodPost, `{"messageId":"m1"}`, serviceToken(t, a, auth.RoleAuthenticated))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = doPush(r, http.MethodPost, `{"messageId":"m1"}`, "garbage")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Zero(t, runner.calls)

	open := pushRouter(runner, a, false)
	w, resp := doPush(open, http.MethodPost, `{"messageId":"m1"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.OK)
}

type fakePresence struct {
	state models.PresenceState
	err   error
}

func (f fakePresence) Presence(context.Context, string) (models.PresenceState, error) {
	return f.state, f.err
}

type fakeMessages struct {
	got models.MessageQuery
}

func (f *fakeMessages) InsertMessage(context.Context, *models.Message) (*models.Message, error) {
	return nil, errors.New("not supported")
}

func (f *fakeMessages) GetMessageByID(context.Context, string) (*models.Message, error) {
	return nil, errors.New("not supported")
}

func (f *fakeMessages) LoadMessages(_ context.Context, q models.MessageQuery) ([]models.Message, error) {
	f.got = q
	return []models.Message{{ID: "m1", Room: q.Room, Content: "hi"}}, nil
}

func TestRoomEndpoints(t *testing.T) {
	msgs := &fakeMessages{}
	h := NewRoomHandlers(fakePresence{state: models.PresenceState{"u1": {{"at": 1}}, "u2": {{"at": 2}}}}, msgs)
	r := gin.New()
	r.GET("/rooms/:room/presence", h.GetPresence)
	r.GET("/rooms/:room/messages", h.GetMessages)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rooms/product:42/presence", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var presenceResp models.RoomPresence
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &presenceResp))
	require.Equal(t, "product:42", presenceResp.Room)
	require.Equal(t, 2, presenceResp.Count)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rooms/product:42/messages?limit=10&order=desc", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, models.MessageQuery{Room: "product:42", Limit: 10, Order: models.SortDescending}, msgs.got)
	require.Contains(t, w.Body.String(), `"count":1`)

	for _, path := range []string{
		"/rooms/product:/presence",
		"/rooms/product:42/messages?limit=-1",
		"/rooms/product:42/messages?order=sideways",
	} {
		w = httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestWebSocketHandler(t *testing.T) {
	a := testAuth()
	mgr := ws.NewManager(presence.NewMemoryStore(time.Minute), bus.Local{}, ws.Options{})
	defer mgr.Shutdown()

	r := gin.New()
	r.GET("/ws", NewWebSocketHandlers(a, mgr, []string{"*"}).HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base+"?room=bad%20room", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"?room=product:1&token=forged", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := a.IssueToken("u1", auth.RoleAuthenticated)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(base+"?room=product:1&token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f models.Frame
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, models.FrameSubscribed, f.Type)
	require.Equal(t, "product:1", f.Room)

	anon, _, err := websocket.DefaultDialer.Dial(base+"?room=product:1", nil)
	require.NoError(t, err)
	anon.Close()
}
