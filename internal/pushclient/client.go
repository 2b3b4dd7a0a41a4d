// Package pushclient maintains the session's single push connection. It
// joins the user's identity topic after every connect, reconnects with
// capped exponential backoff forever, queues outbound events while offline
// and fans inbound events out to registered handlers.
package pushclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"livesync/internal/logger"
	"livesync/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrAlreadyConnected = errors.New("push channel already connected")

// State is the connection state machine:
// Disconnected -> Connecting -> Connected -> Disconnected -> Reconnecting -> Connecting.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Status is reported to status listeners on every transition.
type Status struct {
	State State
	// Attempt counts consecutive failed connection attempts.
	Attempt int
	// Degraded is set once Attempt reaches the configured cap. Retrying
	// continues regardless.
	Degraded bool
	// Reconnected marks a Connected status that follows an earlier
	// connection, after which inbound events may have been missed.
	Reconnected bool
}

// Handler receives the raw payload of one inbound event.
type Handler func(data json.RawMessage)

type Options struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	Backoff       Backoff
	QueueSize     int
	DegradedAfter int
	// StableAfter is how long a connection must stay up, unless it delivers
	// an inbound frame first, before the attempt counter starts over.
	StableAfter time.Duration

	Logger *slog.Logger
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type Client struct {
	opts Options
	log  *slog.Logger
	out  *outbox

	mu        sync.RWMutex
	handlers  map[string][]handlerEntry
	listeners []func(Status)
	nextID    uint64
	status    Status

	identity  string
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
}

func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = 6
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff.Initial = 500 * time.Millisecond
	}
	if opts.Backoff.Max < opts.Backoff.Initial {
		opts.Backoff.Max = 30 * time.Second
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = pingPeriod
	}
	if opts.Logger == nil {
		opts.Logger = logger.L()
	}
	return &Client{
		opts:     opts,
		log:      opts.Logger.With("component", "pushclient"),
		out:      newOutbox(opts.QueueSize),
		handlers: make(map[string][]handlerEntry),
	}
}

// On registers h for eventType and returns a function that unregisters it.
func (c *Client) On(eventType string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers[eventType] = append(c.handlers[eventType], handlerEntry{id: id, fn: h})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.handlers[eventType] = slices.DeleteFunc(c.handlers[eventType], func(e handlerEntry) bool { return e.id == id })
	}
}

// OnStatus registers a listener for connection state changes.
func (c *Client) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Pending returns the number of queued outbound frames.
func (c *Client) Pending() int {
	return c.out.len()
}

// Emit queues an outbound event. It is written immediately when connected
// and on the next connect otherwise.
func (c *Client) Emit(eventType string, payload any) error {
	ev, err := models.NewEvent(eventType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	if dropped := c.out.push(frame); dropped > 0 {
		c.log.Warn("outbound queue full, dropped oldest events", "dropped", dropped, "limit", c.opts.QueueSize)
	}
	return nil
}

// Connect starts the connection loop for identity. It returns immediately;
// progress is reported through OnStatus.
func (c *Client) Connect(ctx context.Context, identity string) error {
	if identity == "" {
		return errors.New("push channel: empty identity")
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.identity = identity
	c.cancel = cancel
	c.done = make(chan struct{})
	c.connected = false
	done := c.done
	c.mu.Unlock()

	go c.run(runCtx, done)
	return nil
}

// Disconnect closes the connection and stops reconnecting. Queued outbound
// events are kept for a later Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	prev := c.status
	c.status = s
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	if s.Degraded && !prev.Degraded {
		c.log.Warn("push channel degraded, still retrying", "attempt", s.Attempt)
	}
	for _, fn := range listeners {
		fn(s)
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setStatus(Status{State: Disconnected})

	attempt := 0
	for {
		c.setStatus(Status{State: Connecting, Attempt: attempt, Degraded: attempt >= c.opts.DegradedAfter})

		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if err == nil {
			var stable bool
			stable, err = c.serve(ctx, conn)
			if stable {
				attempt = 0
			}
		}
		if ctx.Err() != nil {
			return
		}
		attempt++
		c.log.Debug("push channel dropped", "attempt", attempt, "error", err)
		c.setStatus(Status{State: Disconnected, Attempt: attempt, Degraded: attempt >= c.opts.DegradedAfter})

		delay := c.opts.Backoff.Delay(attempt)
		c.setStatus(Status{State: Reconnecting, Attempt: attempt, Degraded: attempt >= c.opts.DegradedAfter})
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// serve joins the identity topic on conn and pumps frames until the
// connection drops or ctx ends. stable reports whether the connection lasted
// StableAfter or delivered at least one frame; a server that accepts and
// drops at once keeps counting toward the degraded threshold.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) (stable bool, err error) {
	defer conn.Close()

	c.mu.RLock()
	identity := c.identity
	c.mu.RUnlock()

	// Topic membership does not survive a transport drop, so every
	// connection joins again before anything else is written.
	join, err := json.Marshal(mustEvent(models.EventJoin, models.JoinPayload{UserID: identity}))
	if err != nil {
		return false, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		return false, err
	}

	c.mu.Lock()
	reconnected := c.connected
	c.connected = true
	c.mu.Unlock()
	c.setStatus(Status{State: Connected, Reconnected: reconnected})
	c.log.Info("push channel connected", "identity", identity, "reconnected", reconnected)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	start := time.Now()
	var received atomic.Bool
	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readPump(conn, &received)
		cancel()
	}()

	werr := c.writePump(connCtx, conn)
	conn.Close()
	rerr := <-readErr
	stable = received.Load() || time.Since(start) >= c.opts.StableAfter
	if ctx.Err() != nil {
		return stable, ctx.Err()
	}
	return stable, errors.Join(werr, rerr)
}

func (c *Client) readPump(conn *websocket.Conn, received *atomic.Bool) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("push channel read failed", "error", err)
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		received.Store(true)

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("discarding undecodable push frame", "error", err, "size", len(data))
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev models.Event) {
	c.mu.RLock()
	entries := slices.Clone(c.handlers[ev.Type])
	c.mu.RUnlock()

	if len(entries) == 0 {
		c.log.Debug("no handler for push event", "event", ev.Type)
		return
	}
	for _, e := range entries {
		e.fn(ev.Data)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	// Flush whatever was queued while offline.
	c.out.signal()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case <-c.out.ready:
			frames := c.out.drain()
			for i, frame := range frames {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					c.out.requeue(frames[i:])
					return err
				}
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func mustEvent(eventType string, payload any) models.Event {
	ev, err := models.NewEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}
