package pushclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livesync/internal/logger"
	"livesync/internal/models"
	"livesync/internal/pushclient"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

type wsServer struct {
	*httptest.Server
	conns   chan *websocket.Conn
	headers chan http.Header
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		conns:   make(chan *websocket.Conn, 8),
		headers: make(chan http.Header, 8),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.headers <- r.Header.Clone()
		s.conns <- conn
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(waitFor):
		t.Fatal("client did not connect")
		return nil
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func requireJoin(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	ev := readEvent(t, conn)
	require.Equal(t, models.EventJoin, ev.Type)
	var p models.JoinPayload
	require.NoError(t, json.Unmarshal(ev.Data, &p))
	require.Equal(t, userID, p.UserID)
}

func newClient(t *testing.T, url string, mutate func(*pushclient.Options)) *pushclient.Client {
	t.Helper()
	opts := pushclient.Options{
		URL:           url,
		Header:        http.Header{"Authorization": []string{"Bearer test-token"}},
		Backoff:       pushclient.Backoff{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Factor: 2},
		QueueSize:     8,
		DegradedAfter: 3,
		Logger:        logger.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := pushclient.New(opts)
	t.Cleanup(c.Disconnect)
	return c
}

func TestBackoff_Delay(t *testing.T) {
	b := pushclient.Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2}
	assert.Equal(t, 500*time.Millisecond, b.Delay(1))
	assert.Equal(t, time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(4))
	assert.Equal(t, 30*time.Second, b.Delay(8))
	assert.Equal(t, 30*time.Second, b.Delay(5000))
	assert.Equal(t, 500*time.Millisecond, b.Delay(0))
}

func TestConnect_JoinsIdentityTopic(t *testing.T) {
	srv := newWSServer(t)
	c := newClient(t, srv.url(), nil)

	require.NoError(t, c.Connect(context.Background(), "recruiter-1"))
	conn := srv.accept(t)
	requireJoin(t, conn, "recruiter-1")

	h := <-srv.headers
	assert.Equal(t, "Bearer test-token", h.Get("Authorization"))
	assert.Eventually(t, func() bool { return c.Status().State == pushclient.Connected }, waitFor, 5*time.Millisecond)

	assert.ErrorIs(t, c.Connect(context.Background(), "recruiter-1"), pushclient.ErrAlreadyConnected)
}

func TestReconnect_RejoinsAndReportsReconnected(t *testing.T) {
	srv := newWSServer(t)
	c := newClient(t, srv.url(), nil)

	var mu sync.Mutex
	var statuses []pushclient.Status
	c.OnStatus(func(s pushclient.Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background(), "candidate-3"))
	first := srv.accept(t)
	requireJoin(t, first, "candidate-3")

	// Transport drop.
	first.Close()

	second := srv.accept(t)
	requireJoin(t, second, "candidate-3")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range statuses {
			if s.State == pushclient.Connected && s.Reconnected {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var sawReconnecting bool
	for _, s := range statuses {
		sawReconnecting = sawReconnecting || s.State == pushclient.Reconnecting
	}
	assert.True(t, sawReconnecting)
}

func TestInboundEventsFanOut(t *testing.T) {
	srv := newWSServer(t)
	c := newClient(t, srv.url(), nil)

	got := make(chan models.Message, 2)
	c.On(models.EventNewMessage, func(data json.RawMessage) {
		var m models.Message
		if assert.NoError(t, json.Unmarshal(data, &m)) {
			got <- m
		}
	})
	second := make(chan struct{}, 2)
	off := c.On(models.EventNewMessage, func(json.RawMessage) { second <- struct{}{} })
	off()

	require.NoError(t, c.Connect(context.Background(), "u1"))
	conn := srv.accept(t)
	requireJoin(t, conn, "u1")

	ev, err := models.NewEvent(models.EventNewMessage, models.Message{ID: "m1", RoomID: "r1", SenderID: "u2", Body: "hello"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ev))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	select {
	case m := <-got:
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, "hello", m.Body)
	case <-time.After(waitFor):
		t.Fatal("handler not called")
	}
	assert.Empty(t, second, "unregistered handler must not be called")
}

func TestOutboundQueuedWhileOffline(t *testing.T) {
	srv := newWSServer(t)
	c := newClient(t, srv.url(), func(o *pushclient.Options) { o.QueueSize = 2 })

	for _, body := range []string{"first", "second", "third"} {
		require.NoError(t, c.Emit("typing", map[string]string{"body": body}))
	}
	assert.Equal(t, 2, c.Pending(), "queue keeps the newest events")

	require.NoError(t, c.Connect(context.Background(), "u1"))
	conn := srv.accept(t)
	requireJoin(t, conn, "u1")

	for _, want := range []string{"second", "third"} {
		ev := readEvent(t, conn)
		assert.Equal(t, "typing", ev.Type)
		var p map[string]string
		require.NoError(t, json.Unmarshal(ev.Data, &p))
		assert.Equal(t, want, p["body"])
	}

	// Once connected, events go straight out.
	require.NoError(t, c.Emit("typing", map[string]string{"body": "live"}))
	ev := readEvent(t, conn)
	assert.JSONEq(t, `{"body":"live"}`, string(ev.Data))
}

func TestUnreachableServer_DegradesButKeepsRetrying(t *testing.T) {
	srv := newWSServer(t)
	url := srv.url()
	srv.Close()

	c := newClient(t, url, nil)
	require.NoError(t, c.Connect(context.Background(), "u1"))

	assert.Eventually(t, func() bool { return c.Status().Degraded }, waitFor, 5*time.Millisecond)
	attempt := c.Status().Attempt
	assert.Eventually(t, func() bool { return c.Status().Attempt > attempt+1 }, waitFor, 5*time.Millisecond,
		"client keeps retrying after reaching the degraded threshold")
}

func TestFlappingServer_DegradesInsteadOfResetting(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		// Take the join, then hang up.
		conn.SetReadDeadline(time.Now().Add(waitFor))
		conn.ReadMessage()
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	c := newClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"), func(o *pushclient.Options) {
		o.StableAfter = time.Minute
	})
	require.NoError(t, c.Connect(context.Background(), "u1"))

	assert.Eventually(t, func() bool { return c.Status().Degraded }, waitFor, 5*time.Millisecond)
	assert.GreaterOrEqual(t, accepted.Load(), int32(3), "every attempt reached the server")
}

func TestInboundFrame_ResetsAttempts(t *testing.T) {
	srv := newWSServer(t)
	c := newClient(t, srv.url(), func(o *pushclient.Options) {
		o.StableAfter = time.Minute
		o.DegradedAfter = 2
	})

	var mu sync.Mutex
	var drops []pushclient.Status
	c.OnStatus(func(s pushclient.Status) {
		if s.State != pushclient.Disconnected {
			return
		}
		mu.Lock()
		drops = append(drops, s)
		mu.Unlock()
	})
	lastDrop := func() pushclient.Status {
		mu.Lock()
		defer mu.Unlock()
		if len(drops) == 0 {
			return pushclient.Status{}
		}
		return drops[len(drops)-1]
	}

	require.NoError(t, c.Connect(context.Background(), "u1"))

	// Two quick drops without any traffic reach the threshold.
	for range 2 {
		conn := srv.accept(t)
		requireJoin(t, conn, "u1")
		conn.Close()
	}
	conn := srv.accept(t)
	requireJoin(t, conn, "u1")
	assert.Equal(t, 2, lastDrop().Attempt)
	assert.True(t, lastDrop().Degraded)

	// This connection delivers an event before dropping.
	ev, err := models.NewEvent(models.EventNotificationCountUpdated, models.CountPayload{Count: 1})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ev))
	conn.Close()

	requireJoin(t, srv.accept(t), "u1")
	got := lastDrop()
	assert.Equal(t, 1, got.Attempt, "counting starts over after a healthy connection")
	assert.False(t, got.Degraded)
}

func TestDisconnect_StopsLoop(t *testing.T) {
	srv := newWSServer(t)
	c := newClient(t, srv.url(), nil)

	require.NoError(t, c.Connect(context.Background(), "u1"))
	conn := srv.accept(t)
	requireJoin(t, conn, "u1")

	c.Disconnect()
	assert.Equal(t, pushclient.Disconnected, c.Status().State)

	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server side sees the close")

	// A later login can connect again.
	require.NoError(t, c.Connect(context.Background(), "u2"))
	requireJoin(t, srv.accept(t), "u2")
}
