package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Room is a conversation between a recruiter/company and a candidate.
// Rooms are created server-side on first contact and are never deleted from
// the client's point of view.
type Room struct {
	// ID is the opaque room identifier.
	ID string `gorm:"primaryKey" json:"id"`
	// Participants holds the participant user ids in their original order.
	Participants pq.StringArray `gorm:"type:text[]" json:"participants"`
	// Name is the display name shown in the room list.
	Name string `json:"name"`
	// Avatar is a reference (URL or key) to the room picture.
	Avatar string `json:"avatar,omitempty"`
	// LastActivityAt is bumped on every inbound or outbound message.
	LastActivityAt time.Time `gorm:"index" json:"lastActivityAt"`

	// UnreadBy is the server-side set of participants with unseen activity.
	UnreadBy pq.StringArray `gorm:"type:text[]" json:"-"`
	// UnreadForMe is UnreadBy projected for the requesting user.
	UnreadForMe bool `gorm:"-" json:"unreadForMe"`
}

// BeforeCreate is a GORM hook that assigns a UUID when the room has no id yet.
func (r *Room) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return
}

// HasParticipant reports whether userID takes part in the room.
func (r Room) HasParticipant(userID string) bool {
	return slices.Contains(r.Participants, userID)
}

// Counterparty returns the first participant that is not userID.
func (r Room) Counterparty(userID string) string {
	for _, p := range r.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// ForViewer returns a copy of the room with UnreadForMe resolved for userID.
func (r Room) ForViewer(userID string) Room {
	r.UnreadForMe = slices.Contains(r.UnreadBy, userID)
	return r
}
