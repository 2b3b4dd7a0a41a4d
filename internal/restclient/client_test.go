package restclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"livesync/internal/apperr"
	"livesync/internal/logger"
	"livesync/internal/models"
	"livesync/internal/restclient"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, h http.Handler) *restclient.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := restclient.New(srv.URL, "secret-token", restclient.WithLogger(logger.Discard()))
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRooms_SendsBearerAndDecodes(t *testing.T) {
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users/{id}/rooms", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "recruiter-1", r.PathValue("id"))
		writeJSON(w, http.StatusOK, []models.Room{{ID: "r1", Participants: pq.StringArray{"recruiter-1", "candidate-2"}, LastActivityAt: at, UnreadForMe: true}})
	})
	c := newClient(t, mux)

	rooms, err := c.Rooms(context.Background(), "recruiter-1")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "r1", rooms[0].ID)
	assert.True(t, rooms[0].UnreadForMe)
	assert.True(t, at.Equal(rooms[0].LastActivityAt))
}

func TestMessages_SinceParameter(t *testing.T) {
	since := time.Date(2026, 2, 1, 10, 0, 0, 500, time.UTC)
	var gotSince string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		writeJSON(w, http.StatusOK, []models.Message{{ID: "m1", RoomID: r.PathValue("id")}})
	})
	c := newClient(t, mux)

	msgs, err := c.Messages(context.Background(), "r1", since)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "r1", msgs[0].RoomID)
	parsed, err := time.Parse(time.RFC3339Nano, gotSince)
	require.NoError(t, err)
	assert.True(t, since.Equal(parsed))

	_, err = c.Messages(context.Background(), "r1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, gotSince)
}

func TestMarkRead_ReturnsCount(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /api/users/{uid}/notifications/{nid}/read", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"notification": models.Notification{ID: r.PathValue("nid"), IsViewed: true},
			"count":        2,
		})
	})
	mux.HandleFunc("PATCH /api/users/{uid}/notifications/read-all", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"count": 0})
	})
	c := newClient(t, mux)

	res, err := c.MarkNotificationRead(context.Background(), "u1", "n7")
	require.NoError(t, err)
	require.NotNil(t, res.Count)
	assert.Equal(t, 2, *res.Count)
	assert.True(t, res.Notification.IsViewed)

	all, err := c.MarkAllRead(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, all.Count)
	assert.Zero(t, *all.Count)
}

func TestCreateRoom_ConflictCarriesExistingRoom(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/rooms", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "company-1", req["userId"])
		assert.Equal(t, "candidate-9", req["counterpartyId"])
		writeJSON(w, http.StatusConflict, restclient.ErrorBody{Error: "room already exists", Room: &models.Room{ID: "existing"}})
	})
	c := newClient(t, mux)

	room, err := c.CreateRoom(context.Background(), "company-1", "candidate-9")
	assert.True(t, apperr.IsConflict(err))
	assert.Equal(t, "existing", room.ID)
}

func TestErrorsAreClassified(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/rooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, restclient.ErrorBody{Error: "not a participant"})
	})
	c := newClient(t, mux)

	_, err := c.SendMessage(context.Background(), "r1", "hi")
	require.Error(t, err)
	assert.True(t, apperr.IsRejected(err))
	assert.Contains(t, err.Error(), "not a participant")
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := restclient.New(url, "", restclient.WithLogger(logger.Discard()))
	require.NoError(t, err)
	_, err = c.Notifications(context.Background(), "u1")
	assert.True(t, apperr.IsTransient(err))
}

func TestToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"token": "tok-" + r.URL.Query().Get("userId")})
	})
	c := newClient(t, mux)

	tok, err := c.Token(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "tok-u1", tok)
}
