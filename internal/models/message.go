package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message is a single chat message. IDs are server-assigned UUIDv7 strings,
// so they order by creation time within a room.
type Message struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	RoomID    string    `gorm:"type:text;not null;index:idx_room_created" json:"roomId"`
	SenderID  string    `gorm:"type:text;not null" json:"senderId"`
	Body      string    `gorm:"type:text;not null" json:"body"`
	CreatedAt time.Time `gorm:"index:idx_room_created" json:"createdAt"`
}

// BeforeCreate assigns a time-ordered id and a creation timestamp.
func (m *Message) BeforeCreate(tx *gorm.DB) (err error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		m.ID = id.String()
	}
	return nil
}

// Compare orders messages by (CreatedAt, ID). It returns a negative number
// when m sorts before other, zero when both keys are equal.
func (m Message) Compare(other Message) int {
	if c := m.CreatedAt.Compare(other.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(m.ID, other.ID)
}
