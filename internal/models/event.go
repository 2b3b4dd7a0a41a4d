package models

import "encoding/json"

// Push channel event types.
const (
	EventNewNotification          = "newNotification"
	EventNotificationCountUpdated = "notificationCountUpdated"
	EventNewMessage               = "newMessage"
	// EventJoin is sent by a client after every connect to join its
	// identity topic.
	EventJoin = "join"
	// EventRoomSeen is sent by a client when it displays a room, so the
	// server clears the room's unread flag for that user.
	EventRoomSeen = "roomSeen"
)

// Event is the envelope of every push channel frame.
type Event struct {
	Type string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals payload into an Event envelope.
func NewEvent(eventType string, payload any) (Event, error) {
	if payload == nil {
		return Event{Type: eventType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: data}, nil
}

// NotificationPayload is carried by newNotification. Count, when present,
// is the recipient's absolute unread count after this notification.
type NotificationPayload struct {
	Notification
	Count *int `json:"count,omitempty"`
}

// CountPayload is carried by notificationCountUpdated.
type CountPayload struct {
	Count int `json:"count"`
}

// JoinPayload is carried by join.
type JoinPayload struct {
	UserID string `json:"userId"`
}

// RoomSeenPayload is carried by roomSeen.
type RoomSeenPayload struct {
	RoomID string `json:"roomId"`
}
