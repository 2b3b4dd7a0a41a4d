package session

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"livesync/internal/apperr"
	"livesync/internal/models"
	"livesync/internal/notify"
	"livesync/internal/restclient"
)

// LocalIDPrefix marks tentative messages that the server has not accepted
// yet.
const LocalIDPrefix = "local-"

// MarkRead marks one notification viewed. The flag and the counter change at
// once; a rejected request restores both and is reported through OnNotice.
// Marking an already viewed notification does nothing.
func (s *Session) MarkRead(ctx context.Context, notificationID string) error {
	var (
		p   *notify.PendingRead
		err error
	)
	if !s.do(func() { p, err = s.notes.BeginMarkRead(notificationID) }) {
		return ErrNotStarted
	}
	if err != nil {
		s.anomaly("mark read on unknown notification", "notification_id", notificationID)
		return err
	}
	if p == nil {
		return nil
	}

	res, err := s.backend.MarkNotificationRead(ctx, s.userID, notificationID)
	return s.settleRead(p, res, err, Notice{
		Kind:           NoticeMarkReadFailed,
		NotificationID: notificationID,
		Retry:          func(ctx context.Context) error { return s.MarkRead(ctx, notificationID) },
	})
}

// MarkAllRead marks every notification viewed and zeroes the counter.
func (s *Session) MarkAllRead(ctx context.Context) error {
	var p *notify.PendingRead
	if !s.do(func() { p = s.notes.BeginMarkAllRead() }) {
		return ErrNotStarted
	}

	res, err := s.backend.MarkAllRead(ctx, s.userID)
	return s.settleRead(p, res, err, Notice{
		Kind:  NoticeMarkReadFailed,
		Retry: s.MarkAllRead,
	})
}

func (s *Session) settleRead(p *notify.PendingRead, res restclient.ReadResult, err error, onFail Notice) error {
	s.do(func() {
		switch {
		case err == nil:
			s.notes.Commit(p, res.Count)
		case apperr.IsConflict(err):
			// Already read on the server: keep the local state and take the
			// authoritative list.
			s.notes.Commit(p, nil)
			s.loadNotifications()
		default:
			s.notes.Rollback(p)
		}
	})
	if err == nil || apperr.IsConflict(err) {
		return nil
	}
	s.log.Warn("mark read failed, rolled back", "ids", p.IDs, "error", err)
	onFail.Err = err
	s.notice(onFail)
	return err
}

// SendMessage posts body to roomID. A tentative copy is listed by Outgoing
// while the request is in flight; the accepted message is merged into the
// room's log like any delta, so its push echo collapses with it.
func (s *Session) SendMessage(ctx context.Context, roomID, body string) (models.Message, error) {
	body = strings.TrimSpace(body)
	if roomID == "" || body == "" {
		return models.Message{}, fmt.Errorf("send message: empty room or body: %w", apperr.ErrValidation)
	}
	local := models.Message{
		ID:        LocalIDPrefix + uuid.NewString(),
		RoomID:    roomID,
		SenderID:  s.userID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if !s.do(func() { s.outgoing[roomID] = append(s.outgoing[roomID], local) }) {
		return models.Message{}, ErrNotStarted
	}

	msg, err := s.backend.SendMessage(ctx, roomID, body)
	s.do(func() {
		s.dropOutgoing(roomID, local.ID)
		if err == nil {
			s.applyMessage(msg)
		}
	})
	if err != nil {
		s.log.Warn("send failed", "room_id", roomID, "error", err)
		s.notice(Notice{
			Kind:   NoticeSendFailed,
			RoomID: roomID,
			Err:    err,
			Retry: func(ctx context.Context) error {
				_, err := s.SendMessage(ctx, roomID, body)
				return err
			},
		})
		return models.Message{}, err
	}
	return msg, nil
}

func (s *Session) dropOutgoing(roomID, id string) {
	out := slices.DeleteFunc(s.outgoing[roomID], func(m models.Message) bool { return m.ID == id })
	if len(out) == 0 {
		delete(s.outgoing, roomID)
		return
	}
	s.outgoing[roomID] = out
}

// CreateRoom opens a room with counterpartyID. A room that already exists is
// not an error: the existing room is returned, from the conflict response or
// from a fresh room list.
func (s *Session) CreateRoom(ctx context.Context, counterpartyID string) (models.Room, error) {
	if counterpartyID == "" || counterpartyID == s.userID {
		return models.Room{}, fmt.Errorf("create room with %q: %w", counterpartyID, apperr.ErrValidation)
	}

	room, err := s.backend.CreateRoom(ctx, s.userID, counterpartyID)
	if apperr.IsConflict(err) && room.ID == "" {
		room, err = s.findRoomWith(ctx, counterpartyID)
	} else if apperr.IsConflict(err) {
		err = nil
	}
	if err != nil {
		s.log.Warn("create room failed", "counterparty_id", counterpartyID, "error", err)
		s.notice(Notice{
			Kind: NoticeCreateRoomFailed,
			Err:  err,
			Retry: func(ctx context.Context) error {
				_, err := s.CreateRoom(ctx, counterpartyID)
				return err
			},
		})
		return models.Room{}, err
	}

	if !s.do(func() { room = s.rooms.Upsert(room, s.active) }) {
		return models.Room{}, ErrNotStarted
	}
	return room, nil
}

func (s *Session) findRoomWith(ctx context.Context, counterpartyID string) (models.Room, error) {
	rooms, err := s.backend.Rooms(ctx, s.userID)
	if err != nil {
		return models.Room{}, err
	}
	for _, r := range rooms {
		if r.HasParticipant(counterpartyID) {
			return r, nil
		}
	}
	return models.Room{}, fmt.Errorf("room with %s reported existing but not listed: %w", counterpartyID, apperr.ErrAnomaly)
}
