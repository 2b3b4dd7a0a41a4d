package relay

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"livesync/internal/storage"
)

// StartPubSubListener feeds events published by any relay process into the
// hub's delivery queue.
func (h *Hub) StartPubSubListener(ctx context.Context, ps *redis.PubSub) {
	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h.handlePubSub(ctx, msg.Payload)
			}
		}
	}()
}

func (h *Hub) handlePubSub(ctx context.Context, payload string) {
	var env storage.TopicEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.log.Warn("undecodable fan-out message", "error", err)
		return
	}
	if env.Topic == "" {
		h.log.Warn("fan-out message without topic")
		return
	}
	select {
	case h.deliverCh <- TopicEvent{Topic: env.Topic, Event: env.Event}:
	case <-h.done:
	case <-ctx.Done():
	}
}
