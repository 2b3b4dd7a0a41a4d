package storage

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"livesync/internal/apperr"
	"livesync/internal/models"
)

// RoomsForUser lists userID's rooms, most recent activity first, with
// UnreadForMe resolved for that user.
func (s *Service) RoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	var rooms []models.Room
	err := s.DB.WithContext(ctx).
		Where("participants @> ?", pq.StringArray{userID}).
		Order("last_activity_at desc, id asc").
		Find(&rooms).Error
	if err != nil {
		slog.Error("failed to list rooms", "user_id", userID, "error", err)
		return nil, err
	}
	for i := range rooms {
		rooms[i] = rooms[i].ForViewer(userID)
	}
	return rooms, nil
}

func (s *Service) GetRoomByID(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	if err := s.DB.WithContext(ctx).Where("id = ?", roomID).First(&room).Error; err != nil {
		return nil, notFound(err, "room "+roomID)
	}
	return &room, nil
}

func (s *Service) findRoomBetween(tx *gorm.DB, a, b string) (*models.Room, error) {
	var room models.Room
	err := tx.Where("participants @> ?", pq.StringArray{a, b}).
		Order("last_activity_at desc").
		First(&room).Error
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Service) CreateRoom(ctx context.Context, userID, counterpartyID string) (*models.Room, error) {
	var out *models.Room
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.findRoomBetween(tx, userID, counterpartyID)
		switch {
		case err == nil:
			out = existing
			return apperr.ErrConflict
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		room := &models.Room{
			Participants:   pq.StringArray{userID, counterpartyID},
			LastActivityAt: time.Now().UTC(),
		}
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		out = room
		return nil
	})
	if errors.Is(err, apperr.ErrConflict) {
		v := out.ForViewer(userID)
		return &v, err
	}
	if err != nil {
		slog.Error("failed to create room", "user_id", userID, "counterparty_id", counterpartyID, "error", err)
		return nil, err
	}
	v := out.ForViewer(userID)
	return &v, nil
}

func (s *Service) MarkRoomSeen(ctx context.Context, roomID, userID string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room models.Room
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", roomID).First(&room).Error; err != nil {
			return notFound(err, "room "+roomID)
		}
		if !room.HasParticipant(userID) {
			return apperr.ErrForbidden
		}
		if !slices.Contains(room.UnreadBy, userID) {
			return nil
		}
		return tx.Model(&room).Update("unread_by", withoutUser(room.UnreadBy, userID)).Error
	})
}

// unreadAfter returns the unread set after sender posted in a room with the
// given participants: every other participant has unseen activity, the
// sender has seen everything.
func unreadAfter(unread, participants []string, sender string) pq.StringArray {
	out := pq.StringArray{}
	for _, p := range participants {
		if p != sender && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	for _, p := range unread {
		if p != sender && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

func withoutUser(set []string, userID string) pq.StringArray {
	out := pq.StringArray{}
	for _, p := range set {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) SaveMessage(ctx context.Context, msg *models.Message) (*models.Room, error) {
	var room models.Room
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", msg.RoomID).First(&room).Error; err != nil {
			return notFound(err, "room "+msg.RoomID)
		}
		if !room.HasParticipant(msg.SenderID) {
			return apperr.ErrForbidden
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		if msg.CreatedAt.After(room.LastActivityAt) {
			room.LastActivityAt = msg.CreatedAt
		}
		room.UnreadBy = unreadAfter(room.UnreadBy, room.Participants, msg.SenderID)
		return tx.Model(&room).Updates(map[string]any{
			"last_activity_at": room.LastActivityAt,
			"unread_by":        room.UnreadBy,
		}).Error
	})
	if err != nil {
		slog.Error("failed to save message", "room_id", msg.RoomID, "error", err)
		return nil, err
	}
	return &room, nil
}

// MessagesForRoom returns roomID's messages in (created_at, id) order. A
// non-zero since restricts the result to messages created at or after it.
func (s *Service) MessagesForRoom(ctx context.Context, roomID string, since time.Time) ([]models.Message, error) {
	var msgs []models.Message
	q := s.DB.WithContext(ctx).Where("room_id = ?", roomID)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	if err := q.Order("created_at asc, id asc").Find(&msgs).Error; err != nil {
		slog.Error("failed to get messages", "room_id", roomID, "error", err)
		return nil, err
	}
	return msgs, nil
}

func (s *Service) SaveNotification(ctx context.Context, n *models.Notification) (int, error) {
	if err := s.DB.WithContext(ctx).Create(n).Error; err != nil {
		slog.Error("failed to save notification", "recipient_id", n.RecipientID, "error", err)
		return 0, err
	}
	return s.UnreadCount(ctx, n.RecipientID)
}

func (s *Service) NotificationsForUser(ctx context.Context, userID string) ([]models.Notification, error) {
	var list []models.Notification
	err := s.DB.WithContext(ctx).
		Where("recipient_id = ?", userID).
		Order("created_at desc, id asc").
		Find(&list).Error
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, userID, notificationID string) (*models.Notification, int, error) {
	var n models.Notification
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND recipient_id = ?", notificationID, userID).First(&n).Error; err != nil {
			return notFound(err, "notification "+notificationID)
		}
		if n.IsViewed {
			return apperr.ErrConflict
		}
		n.IsViewed = true
		return tx.Model(&n).Update("is_viewed", true).Error
	})
	if err != nil && !errors.Is(err, apperr.ErrConflict) {
		return nil, 0, err
	}
	count, cerr := s.UnreadCount(ctx, userID)
	if cerr != nil {
		return nil, 0, cerr
	}
	return &n, count, err
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	err := s.DB.WithContext(ctx).
		Model(&models.Notification{}).
		Where("recipient_id = ? AND is_viewed = ?", userID, false).
		Update("is_viewed", true).Error
	if err != nil {
		return 0, err
	}
	return s.UnreadCount(ctx, userID)
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int64
	err := s.DB.WithContext(ctx).
		Model(&models.Notification{}).
		Where("recipient_id = ? AND is_viewed = ?", userID, false).
		Count(&n).Error
	return int(n), err
}
