package session

import (
	"context"
	"encoding/json"
	"time"

	"livesync/internal/apperr"
	"livesync/internal/models"
	"livesync/internal/pushclient"
	"livesync/internal/reconcile"
)

const (
	fetchRooms         = "rooms"
	fetchNotifications = "notifications"
)

func historyKey(roomID string) string { return "history:" + roomID }
func roomKey(roomID string) string    { return "room:" + roomID }

// fetchState coalesces snapshot requests: a request made while the same
// fetch is in flight is remembered and issued once the first one settles,
// since the in-flight response may predate whatever prompted it.
type fetchState struct {
	inFlight bool
	again    bool
}

func (s *Session) beginFetch(key string) bool {
	f, ok := s.fetches[key]
	if !ok {
		f = &fetchState{}
		s.fetches[key] = f
	}
	if f.inFlight {
		f.again = true
		return false
	}
	f.inFlight = true
	return true
}

func (s *Session) finishFetch(key string) (again bool) {
	f, ok := s.fetches[key]
	if !ok {
		return false
	}
	again = f.again
	delete(s.fetches, key)
	return again
}

func (s *Session) fetching(key string) bool {
	f, ok := s.fetches[key]
	return ok && f.inFlight
}

func (s *Session) logFor(roomID string) *reconcile.MessageLog {
	l, ok := s.logs[roomID]
	if !ok {
		l = reconcile.NewMessageLog(roomID, s.opts.BufferLimit)
		s.logs[roomID] = l
	}
	return l
}

// Push handlers run on the channel's reader goroutine; they only decode and
// enqueue.

func (s *Session) onNewMessage(data json.RawMessage) {
	var m models.Message
	if err := json.Unmarshal(data, &m); err != nil {
		s.anomaly("undecodable newMessage", "error", err)
		return
	}
	s.enqueue(func() { s.applyMessage(m) })
}

func (s *Session) onNewNotification(data json.RawMessage) {
	var p models.NotificationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.anomaly("undecodable newNotification", "error", err)
		return
	}
	s.enqueue(func() {
		if _, err := s.notes.Receive(p); err != nil {
			s.anomaly("dropping notification", "error", err)
		}
	})
}

func (s *Session) onCountUpdated(data json.RawMessage) {
	var p models.CountPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.anomaly("undecodable notificationCountUpdated", "error", err)
		return
	}
	s.enqueue(func() { s.notes.SetCount(p.Count) })
}

func (s *Session) onStatus(st pushclient.Status) {
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(st)
	}
	s.enqueue(func() {
		s.status = st
		if st.State == pushclient.Connected {
			// The channel gives no delivery guarantee across a drop, and on
			// the first connect the initial snapshots may predate the join.
			s.resync(st.Reconnected)
		}
	})
}

// applyMessage merges one message delta and applies the room rules: bump
// the room's activity and flag it unread for messages from others in rooms
// not on screen.
func (s *Session) applyMessage(m models.Message) {
	if m.ID == "" || m.RoomID == "" {
		s.anomaly("dropping message without id or room", "message_id", m.ID, "room_id", m.RoomID)
		return
	}
	l := s.logFor(m.RoomID)
	outcome := l.Merge(m)
	if outcome == reconcile.Duplicate {
		return
	}
	s.touch(m)
	if outcome == reconcile.Buffered && !l.Ready() && m.RoomID == s.active && !s.fetching(historyKey(m.RoomID)) {
		s.loadHistory(m.RoomID, time.Time{})
	}
}

func (s *Session) touch(m models.Message) {
	fromOther := m.SenderID != s.userID
	onScreen := m.RoomID == s.active
	if s.rooms.Touch(m.RoomID, m.CreatedAt, fromOther && !onScreen) {
		if fromOther && onScreen {
			s.emitSeen(m.RoomID)
		}
		return
	}
	// The directory does not know the room: wait for the room list if it
	// has not arrived yet, otherwise ask for the room on demand.
	if s.rooms.Loaded() {
		s.fetchRoom(m.RoomID)
	}
}

func (s *Session) emitSeen(roomID string) {
	if err := s.channel.Emit(models.EventRoomSeen, models.RoomSeenPayload{RoomID: roomID}); err != nil {
		s.log.Debug("roomSeen not queued", "room_id", roomID, "error", err)
	}
}

// resync re-fetches everything the push channel may have missed: the room
// list, the notifications and the history of every room already loaded.
func (s *Session) resync(reconnected bool) {
	s.log.Debug("resynchronising snapshots", "reconnected", reconnected)
	s.loadRooms()
	s.loadNotifications()
	for id, l := range s.logs {
		if l.Ready() || s.fetching(historyKey(id)) {
			since, _ := l.Latest()
			s.loadHistory(id, since)
		}
	}
}

func (s *Session) loadRooms() {
	if !s.beginFetch(fetchRooms) {
		return
	}
	s.spawn(func(ctx context.Context) {
		rooms, err := s.backend.Rooms(ctx, s.userID)
		s.enqueue(func() { s.roomsLoaded(rooms, err) })
	})
}

func (s *Session) roomsLoaded(rooms []models.Room, err error) {
	again := s.finishFetch(fetchRooms)
	if err != nil {
		s.log.Warn("room list fetch failed", "error", err)
	} else {
		s.rooms.LoadSnapshot(rooms, s.active)
		// Deltas that arrived before the room list: apply their room rules
		// now, or resolve rooms the list does not contain.
		for id, l := range s.logs {
			if !s.rooms.Has(id) {
				s.fetchRoom(id)
				continue
			}
			for _, m := range l.Buffered() {
				s.touch(m)
			}
		}
		if s.requested != "" && s.rooms.Has(s.requested) {
			s.activate(s.requested)
		}
	}
	if again {
		s.loadRooms()
	}
}

func (s *Session) loadNotifications() {
	if !s.beginFetch(fetchNotifications) {
		return
	}
	s.spawn(func(ctx context.Context) {
		list, err := s.backend.Notifications(ctx, s.userID)
		s.enqueue(func() {
			again := s.finishFetch(fetchNotifications)
			if err != nil {
				s.log.Warn("notification fetch failed", "error", err)
			} else {
				s.notes.LoadSnapshot(list)
			}
			if again {
				s.loadNotifications()
			}
		})
	})
}

// loadHistory fetches roomID's messages, all of them or those since the
// given time. The result is applied even if the user has moved on to
// another room, and never changes the selection.
func (s *Session) loadHistory(roomID string, since time.Time) {
	if !s.beginFetch(historyKey(roomID)) {
		return
	}
	s.spawn(func(ctx context.Context) {
		msgs, err := s.backend.Messages(ctx, roomID, since)
		s.enqueue(func() { s.historyLoaded(roomID, msgs, err) })
	})
}

func (s *Session) historyLoaded(roomID string, msgs []models.Message, err error) {
	again := s.finishFetch(historyKey(roomID))
	l := s.logFor(roomID)
	switch {
	case err != nil:
		s.log.Warn("history fetch failed", "room_id", roomID, "error", err)
		if roomID == s.active && !l.Ready() {
			s.notice(Notice{Kind: NoticeHistoryUnavailable, RoomID: roomID, Err: err, Retry: s.retrySelect(roomID)})
		}
	default:
		for _, m := range msgs {
			if m.RoomID != "" && m.RoomID != roomID {
				s.anomaly("history message for another room", "room_id", roomID, "message_room_id", m.RoomID)
			}
		}
		replayed := l.Resolve(msgs)
		if latest, ok := l.Latest(); ok {
			s.rooms.Touch(roomID, latest, false)
		}
		for _, m := range replayed {
			s.touch(m)
		}
	}
	if again {
		since, _ := l.Latest()
		s.loadHistory(roomID, since)
	}
}

// fetchRoom loads a single room the directory does not know, for a deep
// link or for a delta referencing an unlisted room.
func (s *Session) fetchRoom(roomID string) {
	if !s.beginFetch(roomKey(roomID)) {
		return
	}
	s.spawn(func(ctx context.Context) {
		room, err := s.backend.Room(ctx, roomID)
		s.enqueue(func() { s.roomFetched(roomID, room, err) })
	})
}

func (s *Session) roomFetched(roomID string, room models.Room, err error) {
	s.finishFetch(roomKey(roomID))
	if err != nil {
		if apperr.IsRejected(err) {
			s.anomaly("room does not exist or is not accessible", "room_id", roomID, "error", err)
			if l, ok := s.logs[roomID]; ok && !l.Ready() {
				delete(s.logs, roomID)
			}
		} else {
			s.log.Warn("room fetch failed", "room_id", roomID, "error", err)
		}
		if roomID == s.requested {
			s.requested = ""
			s.notice(Notice{Kind: NoticeRoomUnavailable, RoomID: roomID, Err: err, Retry: s.retrySelect(roomID)})
		}
		return
	}
	if room.ID != roomID {
		s.anomaly("room fetch returned a different room", "room_id", roomID, "got", room.ID)
		return
	}

	s.rooms.Upsert(room, s.active)
	if l, ok := s.logs[roomID]; ok {
		for _, m := range l.Buffered() {
			s.touch(m)
		}
	}
	if roomID == s.requested {
		s.activate(roomID)
	}
}

func (s *Session) retrySelect(roomID string) func(context.Context) error {
	return func(context.Context) error {
		s.Select(roomID)
		return nil
	}
}
