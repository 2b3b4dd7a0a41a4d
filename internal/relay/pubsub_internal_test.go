package relay

import (
	"context"
	"encoding/json"
	"testing"

	"livesync/internal/logger"
	"livesync/internal/models"
	"livesync/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	id   string
	recv chan models.Event
}

func (c *stubClient) GetUserID() string                   { return c.id }
func (c *stubClient) GetSendChannel() chan<- models.Event { return c.recv }
func (c *stubClient) Run()                                {}
func (c *stubClient) Close()                              {}

func TestHub_FanoutMessageIsDeliveredToTopic(t *testing.T) {
	h := NewHub(nil, true, logger.Discard())
	c := &stubClient{id: "u1", recv: make(chan models.Event, 1)}
	h.joined[c] = nil
	h.join(c, UserTopic("u1"))

	ev, err := models.NewEvent(models.EventNotificationCountUpdated, models.CountPayload{Count: 2})
	require.NoError(t, err)
	payload, err := json.Marshal(storage.TopicEnvelope{Topic: "user:u1", Event: ev})
	require.NoError(t, err)

	h.handlePubSub(context.Background(), string(payload))
	h.handlePubSub(context.Background(), "not json")
	require.Len(t, h.deliverCh, 1)
	h.deliver(<-h.deliverCh)

	got := <-c.recv
	assert.Equal(t, ev.Type, got.Type)
	assert.JSONEq(t, `{"count":2}`, string(got.Data))
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h := NewHub(nil, false, logger.Discard())
	c := &stubClient{id: "u1", recv: make(chan models.Event)}
	h.joined[c] = nil
	h.join(c, UserTopic("u1"))

	h.deliver(TopicEvent{Topic: "user:u1", Event: models.Event{Type: models.EventNewMessage}})

	assert.NotContains(t, h.joined, Client(c))
	assert.Empty(t, h.topics)
}
