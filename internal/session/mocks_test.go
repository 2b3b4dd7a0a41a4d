package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"livesync/internal/models"
	"livesync/internal/pushclient"
	"livesync/internal/restclient"

	"github.com/stretchr/testify/mock"
)

// MockBackend is a testify/mock implementation of session.Backend.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Rooms(ctx context.Context, userID string) ([]models.Room, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Room), args.Error(1)
}

func (m *MockBackend) Room(ctx context.Context, roomID string) (models.Room, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).(models.Room), args.Error(1)
}

func (m *MockBackend) Messages(ctx context.Context, roomID string, since time.Time) ([]models.Message, error) {
	args := m.Called(ctx, roomID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *MockBackend) Notifications(ctx context.Context, userID string) ([]models.Notification, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Notification), args.Error(1)
}

func (m *MockBackend) MarkNotificationRead(ctx context.Context, userID, notificationID string) (restclient.ReadResult, error) {
	args := m.Called(ctx, userID, notificationID)
	return args.Get(0).(restclient.ReadResult), args.Error(1)
}

func (m *MockBackend) MarkAllRead(ctx context.Context, userID string) (restclient.ReadResult, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(restclient.ReadResult), args.Error(1)
}

func (m *MockBackend) CreateRoom(ctx context.Context, userID, counterpartyID string) (models.Room, error) {
	args := m.Called(ctx, userID, counterpartyID)
	return args.Get(0).(models.Room), args.Error(1)
}

func (m *MockBackend) SendMessage(ctx context.Context, roomID, body string) (models.Message, error) {
	args := m.Called(ctx, roomID, body)
	return args.Get(0).(models.Message), args.Error(1)
}

type emitted struct {
	event   string
	payload any
}

// fakeChannel stands in for the push client: tests push events and status
// transitions into it and inspect what the session emitted.
type fakeChannel struct {
	mu        sync.Mutex
	handlers  map[string]map[int]pushclient.Handler
	listeners []func(pushclient.Status)
	nextID    int
	identity  string
	emits     []emitted
	closed    bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]map[int]pushclient.Handler)}
}

func (f *fakeChannel) Connect(_ context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = identity
	return nil
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeChannel) On(eventType string, h pushclient.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.handlers[eventType] == nil {
		f.handlers[eventType] = make(map[int]pushclient.Handler)
	}
	f.handlers[eventType][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[eventType], id)
	}
}

func (f *fakeChannel) OnStatus(fn func(pushclient.Status)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *fakeChannel) Emit(eventType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{event: eventType, payload: payload})
	return nil
}

// push delivers an inbound event to the registered handlers.
func (f *fakeChannel) push(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	hs := make([]pushclient.Handler, 0, len(f.handlers[eventType]))
	for _, h := range f.handlers[eventType] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (f *fakeChannel) setStatus(st pushclient.Status) {
	f.mu.Lock()
	ls := append([]func(pushclient.Status){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range ls {
		fn(st)
	}
}

func (f *fakeChannel) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.emits {
		if p, ok := e.payload.(models.RoomSeenPayload); ok && e.event == models.EventRoomSeen {
			out = append(out, p.RoomID)
		}
	}
	return out
}
