// Package relay is the reference backend the session talks to: REST
// endpoints for snapshots and mutations, and a push hub delivering events
// to identity topics over WebSocket.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"livesync/internal/logger"
	"livesync/internal/models"
	"livesync/internal/storage"
)

// ErrHubStopped is returned for work handed to a hub whose Run has returned.
var ErrHubStopped = errors.New("relay hub stopped")

// TopicEvent is an event addressed to every connection joined to Topic.
type TopicEvent struct {
	Topic string
	Event models.Event
}

// Hub owns topic membership. Register, unregister, inbound events and
// deliveries are all handled by Run.
type Hub struct {
	topics map[string]map[Client]struct{}
	joined map[Client][]string

	RegisterCh   chan Client
	UnregisterCh chan Client
	IncomingCh   chan Inbound
	deliverCh    chan TopicEvent
	done         chan struct{}

	Storage storage.Storage
	// fanout routes Publish through Storage so every relay process delivers.
	fanout bool
	log    *slog.Logger
}

func NewHub(s storage.Storage, fanout bool, log *slog.Logger) *Hub {
	if log == nil {
		log = logger.L()
	}
	return &Hub{
		topics:       make(map[string]map[Client]struct{}),
		joined:       make(map[Client][]string),
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		IncomingCh:   make(chan Inbound, 64),
		deliverCh:    make(chan TopicEvent, 256),
		done:         make(chan struct{}),
		Storage:      s,
		fanout:       fanout,
		log:          log.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.RegisterCh:
			h.joined[c] = nil
			h.log.Debug("client registered", "user_id", c.GetUserID())

		case c := <-h.UnregisterCh:
			h.drop(c)

		case in := <-h.IncomingCh:
			h.handleInbound(ctx, in)

		case te := <-h.deliverCh:
			h.deliver(te)

		case <-ctx.Done():
			for c := range h.joined {
				h.drop(c)
			}
			return
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Register hands c to the hub. It reports false once the hub has stopped.
func (h *Hub) Register(c Client) bool {
	select {
	case h.RegisterCh <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes c. It returns at once if the hub has stopped, since
// Run already dropped every client on the way out.
func (h *Hub) Unregister(c Client) {
	select {
	case h.UnregisterCh <- c:
	case <-h.done:
	}
}

// Submit queues an event received from a client. It reports false once the
// hub has stopped.
func (h *Hub) Submit(in Inbound) bool {
	if h.stopped() {
		return false
	}
	select {
	case h.IncomingCh <- in:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) drop(c Client) {
	topics, ok := h.joined[c]
	if !ok {
		return
	}
	for _, t := range topics {
		if members := h.topics[t]; members != nil {
			delete(members, c)
			if len(members) == 0 {
				delete(h.topics, t)
			}
		}
	}
	delete(h.joined, c)
	c.Close()
	h.log.Debug("client unregistered", "user_id", c.GetUserID())
}

func (h *Hub) join(c Client, topic string) {
	topics, ok := h.joined[c]
	if !ok {
		// Joined before registration was processed, or after it was dropped.
		return
	}
	for _, t := range topics {
		if t == topic {
			return
		}
	}
	h.joined[c] = append(topics, topic)
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[Client]struct{})
	}
	h.topics[topic][c] = struct{}{}
	h.log.Debug("client joined topic", "user_id", c.GetUserID(), "topic", topic)
}

func (h *Hub) handleInbound(ctx context.Context, in Inbound) {
	userID := in.Client.GetUserID()
	switch in.Event.Type {
	case models.EventJoin:
		var p models.JoinPayload
		if len(in.Event.Data) > 0 {
			if err := json.Unmarshal(in.Event.Data, &p); err != nil {
				h.log.Warn("undecodable join", "user_id", userID, "error", err)
				return
			}
		}
		if p.UserID != "" && p.UserID != userID {
			h.log.Warn("join for another identity ignored", "user_id", userID, "requested", p.UserID)
			return
		}
		h.join(in.Client, UserTopic(userID))

	case models.EventRoomSeen:
		var p models.RoomSeenPayload
		if err := json.Unmarshal(in.Event.Data, &p); err != nil || p.RoomID == "" {
			h.log.Warn("undecodable roomSeen", "user_id", userID, "error", err)
			return
		}
		go func() {
			if err := h.Storage.MarkRoomSeen(ctx, p.RoomID, userID); err != nil {
				h.log.Warn("failed to mark room seen", "room_id", p.RoomID, "user_id", userID, "error", err)
			}
		}()

	default:
		h.log.Warn("unknown inbound event", "user_id", userID, "event", in.Event.Type)
	}
}

func (h *Hub) deliver(te TopicEvent) {
	for c := range h.topics[te.Topic] {
		select {
		case c.GetSendChannel() <- te.Event:
		default:
			h.log.Warn("slow client dropped", "user_id", c.GetUserID(), "topic", te.Topic)
			h.drop(c)
		}
	}
}

// Publish delivers ev to every connection joined to topic, through Redis
// when fan-out is enabled.
func (h *Hub) Publish(ctx context.Context, topic string, ev models.Event) error {
	if h.fanout {
		return h.Storage.Publish(ctx, topic, ev)
	}
	if h.stopped() {
		return ErrHubStopped
	}
	select {
	case h.deliverCh <- TopicEvent{Topic: topic, Event: ev}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify publishes eventType with payload to userID's identity topic.
func (h *Hub) Notify(ctx context.Context, userID, eventType string, payload any) error {
	ev, err := models.NewEvent(eventType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	return h.Publish(ctx, UserTopic(userID), ev)
}
