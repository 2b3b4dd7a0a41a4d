package session

import (
	"fmt"
	"net/url"
	"sync"
	"time"
)

// RoomParam is the query parameter that carries the selected room.
const RoomParam = "roomId"

// Location is a shareable identifier of the selected room, such as a page
// URL.
type Location interface {
	RoomID() string
	SetRoomID(id string)
}

// URLLocation keeps the selected room in the roomId query parameter of a URL.
type URLLocation struct {
	mu sync.Mutex
	u  *url.URL
}

func NewURLLocation(raw string) (*URLLocation, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse location: %w", err)
	}
	return &URLLocation{u: u}, nil
}

func (l *URLLocation) RoomID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.u.Query().Get(RoomParam)
}

func (l *URLLocation) SetRoomID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.u.Query()
	if id == "" {
		q.Del(RoomParam)
	} else {
		q.Set(RoomParam, id)
	}
	l.u.RawQuery = q.Encode()
}

func (l *URLLocation) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.u.String()
}

// Select opens roomID and publishes it to the location. A room the
// directory does not know yet is fetched on demand and opened once it
// arrives, unless another room has been selected meanwhile.
func (s *Session) Select(roomID string) {
	if roomID == "" {
		s.Deselect()
		return
	}
	s.do(func() { s.selectRoom(roomID, true) })
}

// Deselect closes the open room.
func (s *Session) Deselect() {
	s.do(func() { s.deselect(true) })
}

// OnExternalLocationChange follows a location change made outside the
// session, e.g. back/forward navigation or an opened link. An empty id
// deselects.
func (s *Session) OnExternalLocationChange(roomID string) {
	s.do(func() {
		if roomID == "" {
			s.deselect(false)
			return
		}
		s.selectRoom(roomID, false)
	})
}

// ActiveRoom returns the open room, or "" when none is.
func (s *Session) ActiveRoom() string {
	return query(s, func() string { return s.active })
}

func (s *Session) selectRoom(roomID string, publish bool) {
	s.requested = roomID
	if publish && s.loc != nil {
		s.loc.SetRoomID(roomID)
	}
	if s.rooms.Has(roomID) {
		s.activate(roomID)
		return
	}
	s.log.Debug("selected room not in directory, fetching", "room_id", roomID)
	s.fetchRoom(roomID)
}

func (s *Session) deselect(publish bool) {
	s.requested = ""
	s.active = ""
	if publish && s.loc != nil {
		s.loc.SetRoomID("")
	}
}

// activate makes roomID the open room: it is marked seen locally and on
// the server, and its history is loaded if it has not been yet.
func (s *Session) activate(roomID string) {
	s.requested = ""
	if s.active != roomID {
		s.active = roomID
		s.rooms.MarkSeen(roomID)
		s.emitSeen(roomID)
		s.log.Debug("room activated", "room_id", roomID)
	}
	if l := s.logFor(roomID); !l.Ready() && !s.fetching(historyKey(roomID)) {
		s.loadHistory(roomID, time.Time{})
	}
}
