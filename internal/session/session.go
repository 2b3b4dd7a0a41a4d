// Package session owns the live state of one logged-in user: the room
// directory, per-room message logs, notifications and the unread counter,
// and the currently selected room.
//
// Every mutation, whether it comes from a push event, a REST response or a
// user action, is funnelled through a single ordered command queue and
// applied by one goroutine, so snapshot results and push deltas never race
// on shared state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"livesync/internal/logger"
	"livesync/internal/models"
	"livesync/internal/notify"
	"livesync/internal/pushclient"
	"livesync/internal/reconcile"
	"livesync/internal/restclient"
)

// Backend is the request/response side: snapshot fetches and mutations.
type Backend interface {
	Rooms(ctx context.Context, userID string) ([]models.Room, error)
	Room(ctx context.Context, roomID string) (models.Room, error)
	Messages(ctx context.Context, roomID string, since time.Time) ([]models.Message, error)
	Notifications(ctx context.Context, userID string) ([]models.Notification, error)

	MarkNotificationRead(ctx context.Context, userID, notificationID string) (restclient.ReadResult, error)
	MarkAllRead(ctx context.Context, userID string) (restclient.ReadResult, error)
	CreateRoom(ctx context.Context, userID, counterpartyID string) (models.Room, error)
	SendMessage(ctx context.Context, roomID, body string) (models.Message, error)
}

// Channel is the push side. *pushclient.Client implements it.
type Channel interface {
	Connect(ctx context.Context, identity string) error
	Disconnect()
	On(eventType string, h pushclient.Handler) func()
	OnStatus(fn func(pushclient.Status))
	Emit(eventType string, payload any) error
}

var (
	ErrNotStarted     = errors.New("session not started")
	ErrAlreadyStarted = errors.New("session already started")
)

type Options struct {
	UserID  string
	Backend Backend
	Channel Channel
	// Location, when set, mirrors the selected room as a shareable
	// identifier and provides the deep link to open on Start.
	Location Location

	Logger      *slog.Logger
	BufferLimit int
	QueueSize   int

	// OnNotice receives user-visible failures.
	OnNotice func(Notice)
	// OnStatus receives push connection status changes, e.g. to show a
	// "reconnecting" indicator.
	OnStatus func(pushclient.Status)
}

type Session struct {
	userID  string
	backend Backend
	channel Channel
	loc     Location
	log     *slog.Logger
	opts    Options

	cmds    chan func()
	stopped chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	offs    []func()

	lifecycle sync.Mutex
	started   bool
	closed    bool
	running   atomic.Bool

	anomalies atomic.Uint64

	// Owned by the loop goroutine.
	closing   bool
	rooms     *reconcile.Directory
	logs      map[string]*reconcile.MessageLog
	notes     *notify.Center
	fetches   map[string]*fetchState
	outgoing  map[string][]models.Message
	active    string
	requested string
	status    pushclient.Status
}

func New(opts Options) (*Session, error) {
	if opts.UserID == "" {
		return nil, errors.New("session: user id is required")
	}
	if opts.Backend == nil || opts.Channel == nil {
		return nil, errors.New("session: backend and channel are required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.L()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Session{
		userID:   opts.UserID,
		backend:  opts.Backend,
		channel:  opts.Channel,
		loc:      opts.Location,
		log:      opts.Logger.With("component", "session", "user_id", opts.UserID),
		opts:     opts,
		cmds:     make(chan func(), opts.QueueSize),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		rooms:    reconcile.NewDirectory(),
		logs:     make(map[string]*reconcile.MessageLog),
		notes:    notify.NewCenter(),
		fetches:  make(map[string]*fetchState),
		outgoing: make(map[string][]models.Message),
	}, nil
}

// Start begins the session on login: it loads the snapshots, opens the
// deep-linked room if any, and connects the push channel.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.running.Store(true)
	go s.loop()

	s.offs = append(s.offs,
		s.channel.On(models.EventNewMessage, s.onNewMessage),
		s.channel.On(models.EventNewNotification, s.onNewNotification),
		s.channel.On(models.EventNotificationCountUpdated, s.onCountUpdated),
	)
	s.channel.OnStatus(s.onStatus)

	s.do(func() {
		s.loadRooms()
		s.loadNotifications()
		if s.loc != nil {
			if target := s.loc.RoomID(); target != "" {
				s.selectRoom(target, false)
			}
		}
	})

	if err := s.channel.Connect(s.ctx, s.userID); err != nil {
		return fmt.Errorf("connect push channel: %w", err)
	}
	s.log.Info("session started")
	return nil
}

// Close tears the session down on logout. In-flight fetches are cancelled
// and their results discarded.
func (s *Session) Close() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if !s.started || s.closed {
		return
	}
	s.closed = true

	s.channel.Disconnect()
	for _, off := range s.offs {
		off()
	}
	s.cancel()
	s.do(func() { s.closing = true })
	s.wg.Wait()
	close(s.stopped)
	<-s.done
	s.running.Store(false)
	s.log.Info("session closed")
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.stopped:
			return
		}
	}
}

// enqueue hands fn to the loop without waiting for it to run.
func (s *Session) enqueue(fn func()) bool {
	select {
	case s.cmds <- fn:
		return true
	case <-s.stopped:
		return false
	}
}

// do runs fn on the loop and waits for it. It must not be called from the
// loop itself.
func (s *Session) do(fn func()) bool {
	if !s.running.Load() {
		return false
	}
	ran := make(chan struct{})
	if !s.enqueue(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-s.stopped:
		return false
	}
}

func query[T any](s *Session, fn func() T) T {
	var out T
	s.do(func() { out = fn() })
	return out
}

// spawn runs fn off the loop, typically a REST call whose result is
// enqueued back. It must be called from the loop.
func (s *Session) spawn(fn func(ctx context.Context)) {
	if s.closing {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// anomaly records a push event or response that references something the
// session cannot place. It is logged and dropped.
func (s *Session) anomaly(msg string, args ...any) {
	s.anomalies.Add(1)
	s.log.Warn(msg, args...)
}

// Anomalies returns how many data anomalies were dropped.
func (s *Session) Anomalies() uint64 {
	return s.anomalies.Load()
}

func (s *Session) notice(n Notice) {
	if s.opts.OnNotice != nil {
		s.opts.OnNotice(n)
	}
}

// Rooms returns the room directory, most recent activity first.
func (s *Session) Rooms() []models.Room {
	return query(s, s.rooms.List)
}

func (s *Session) Room(roomID string) (models.Room, bool) {
	type result struct {
		room models.Room
		ok   bool
	}
	r := query(s, func() result {
		room, ok := s.rooms.Get(roomID)
		return result{room, ok}
	})
	return r.room, r.ok
}

// Messages returns the ordered message log of roomID.
func (s *Session) Messages(roomID string) []models.Message {
	return query(s, func() []models.Message {
		if l, ok := s.logs[roomID]; ok {
			return l.Messages()
		}
		return nil
	})
}

// RoomReady reports whether roomID's history has been loaded.
func (s *Session) RoomReady(roomID string) bool {
	return query(s, func() bool {
		l, ok := s.logs[roomID]
		return ok && l.Ready()
	})
}

// Outgoing returns tentative messages still being sent to roomID.
func (s *Session) Outgoing(roomID string) []models.Message {
	return query(s, func() []models.Message {
		return append([]models.Message(nil), s.outgoing[roomID]...)
	})
}

func (s *Session) Notifications() []models.Notification {
	return query(s, s.notes.List)
}

// UnreadCount returns the notification badge value.
func (s *Session) UnreadCount() int {
	return query(s, s.notes.Count)
}

// Status returns the last push connection status seen by the session.
func (s *Session) Status() pushclient.Status {
	return query(s, func() pushclient.Status { return s.status })
}
