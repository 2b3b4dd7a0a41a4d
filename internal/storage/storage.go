// Package storage persists rooms, messages and notifications for the relay
// in PostgreSQL and republishes push events through Redis so several relay
// processes can serve the same identity topics.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"livesync/internal/apperr"
	"livesync/internal/models"
)

type Storage interface {
	RoomsForUser(ctx context.Context, userID string) ([]models.Room, error)
	GetRoomByID(ctx context.Context, roomID string) (*models.Room, error)
	// CreateRoom returns the existing room together with apperr.ErrConflict
	// when the two users already share one.
	CreateRoom(ctx context.Context, userID, counterpartyID string) (*models.Room, error)
	MarkRoomSeen(ctx context.Context, roomID, userID string) error

	// SaveMessage stores msg and bumps its room's activity and unread set.
	SaveMessage(ctx context.Context, msg *models.Message) (*models.Room, error)
	MessagesForRoom(ctx context.Context, roomID string, since time.Time) ([]models.Message, error)

	// SaveNotification stores n and returns the recipient's unread count.
	SaveNotification(ctx context.Context, n *models.Notification) (int, error)
	NotificationsForUser(ctx context.Context, userID string) ([]models.Notification, error)
	// MarkNotificationRead returns apperr.ErrConflict with the notification
	// when it was already viewed.
	MarkNotificationRead(ctx context.Context, userID, notificationID string) (*models.Notification, int, error)
	MarkAllRead(ctx context.Context, userID string) (int, error)
	UnreadCount(ctx context.Context, userID string) (int, error)

	// Publish republishes ev for topic to every relay process.
	Publish(ctx context.Context, topic string, ev models.Event) error
}

type Service struct {
	DB     *gorm.DB
	Redis  *redis.Client
	Prefix string
}

// NewStorageService Constructor. rdb may be nil for a single relay process.
func NewStorageService(db *gorm.DB, rdb *redis.Client, prefix string) *Service {
	return &Service{
		DB:     db,
		Redis:  rdb,
		Prefix: prefix,
	}
}

// Migrate creates or updates the relay tables.
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(&models.Room{}, &models.Message{}, &models.Notification{})
}

// Fanout reports whether events travel through Redis.
func (s *Service) Fanout() bool {
	return s.Redis != nil
}

// TopicEnvelope is what travels on a Redis channel.
type TopicEnvelope struct {
	Topic string       `json:"topic"`
	Event models.Event `json:"event"`
}

func (s *Service) channel(topic string) string {
	return s.Prefix + topic
}

// TopicOf maps a Redis channel name back to its topic.
func (s *Service) TopicOf(channel string) (string, bool) {
	return strings.CutPrefix(channel, s.Prefix)
}

func (s *Service) Publish(ctx context.Context, topic string, ev models.Event) error {
	if s.Redis == nil {
		return errors.New("publish: redis fan-out is not configured")
	}
	b, err := json.Marshal(TopicEnvelope{Topic: topic, Event: ev})
	if err != nil {
		return err
	}
	if err := s.Redis.Publish(ctx, s.channel(topic), b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, apperr.Transport(err))
	}
	return nil
}

// Subscribe listens to every topic under the configured prefix.
func (s *Service) Subscribe(ctx context.Context) *redis.PubSub {
	return s.Redis.PSubscribe(ctx, s.Prefix+"*")
}

// notFound maps gorm's missing-record error onto the relay taxonomy.
func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}
