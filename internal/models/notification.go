package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Notification is a user-facing notice such as "your application moved to
// interview". IsViewed only ever transitions from false to true on the server.
type Notification struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	RecipientID string    `gorm:"type:text;not null;index" json:"recipientId"`
	Text        string    `gorm:"type:text" json:"message"`
	CreatedAt   time.Time `json:"createdAt"`
	IsViewed    bool      `gorm:"index" json:"isViewed"`
	Type        string    `json:"type,omitempty"`
	To          string    `json:"to,omitempty"`
}

func (n *Notification) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return
}
