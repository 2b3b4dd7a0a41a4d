package reconcile

import (
	"slices"
	"strings"
	"time"

	"livesync/internal/models"
)

// Directory is the set of rooms the current user participates in, listed by
// most recent activity.
type Directory struct {
	rooms  map[string]models.Room
	seenAt map[string]time.Time
	loaded bool
}

func NewDirectory() *Directory {
	return &Directory{
		rooms:  make(map[string]models.Room),
		seenAt: make(map[string]time.Time),
	}
}

// Loaded reports whether the room list snapshot has resolved at least once.
func (d *Directory) Loaded() bool { return d.loaded }

func (d *Directory) Get(id string) (models.Room, bool) {
	r, ok := d.rooms[id]
	return r, ok
}

func (d *Directory) Has(id string) bool {
	_, ok := d.rooms[id]
	return ok
}

func (d *Directory) Len() int { return len(d.rooms) }

// LoadSnapshot merges a room list snapshot. activeID is the room currently
// open in the UI, which is never flagged unread.
func (d *Directory) LoadSnapshot(rooms []models.Room, activeID string) {
	for _, r := range rooms {
		d.Upsert(r, activeID)
	}
	d.loaded = true
}

// Upsert merges a single authoritative room. Activity never moves backwards,
// and a locally observed unread flag survives a snapshot older than the
// activity that set it.
func (d *Directory) Upsert(in models.Room, activeID string) models.Room {
	merged := in
	ex, known := d.rooms[in.ID]

	if known && ex.LastActivityAt.After(in.LastActivityAt) {
		merged.LastActivityAt = ex.LastActivityAt
		merged.UnreadForMe = in.UnreadForMe || ex.UnreadForMe
	}
	if seen, ok := d.seenAt[in.ID]; ok && !merged.LastActivityAt.After(seen) {
		merged.UnreadForMe = false
	}
	if in.ID == activeID {
		merged.UnreadForMe = false
	}
	d.rooms[in.ID] = merged
	return merged
}

// Touch records activity at time at. It bumps LastActivityAt to
// max(current, at) and, when markUnread is set, flags the room unread. It
// returns false for an unknown room.
func (d *Directory) Touch(id string, at time.Time, markUnread bool) bool {
	r, ok := d.rooms[id]
	if !ok {
		return false
	}
	if at.After(r.LastActivityAt) {
		r.LastActivityAt = at
	}
	if markUnread {
		r.UnreadForMe = true
	}
	d.rooms[id] = r
	return true
}

// MarkSeen clears the unread flag, remembering up to which activity the
// user has seen so an older snapshot cannot bring the flag back.
func (d *Directory) MarkSeen(id string) {
	r, ok := d.rooms[id]
	if !ok {
		return
	}
	r.UnreadForMe = false
	d.rooms[id] = r
	d.seenAt[id] = r.LastActivityAt
}

// List returns the rooms ordered by LastActivityAt, newest first, with the
// id as tie breaker.
func (d *Directory) List() []models.Room {
	out := make([]models.Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b models.Room) int {
		if c := b.LastActivityAt.Compare(a.LastActivityAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
