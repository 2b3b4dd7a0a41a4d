package relay

import "livesync/internal/models"

// Client is one push connection held by the hub.
type Client interface {
	// GetUserID returns the authenticated user behind the connection.
	GetUserID() string
	// GetSendChannel returns the channel the hub writes outbound events to.
	GetSendChannel() chan<- models.Event
	// Run starts the read and write pumps.
	Run()
	// Close stops the write pump, which closes the connection.
	Close()
}

// Inbound is one event read from a client.
type Inbound struct {
	Client Client
	Event  models.Event
}

// UserTopic is the identity topic a user's connections join.
func UserTopic(userID string) string {
	return "user:" + userID
}
