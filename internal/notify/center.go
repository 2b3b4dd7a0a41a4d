// Package notify keeps the user's notifications and the unread badge
// counter consistent across snapshots, push deltas and optimistic
// mark-as-read mutations.
package notify

import (
	"fmt"
	"slices"
	"strings"

	"livesync/internal/apperr"
	"livesync/internal/models"
	"livesync/internal/optimistic"
)

const counterKey = "unread"

// Center is owned by the session loop. The viewed flags and the counter are
// independent facts: the counter can be pushed as an absolute value for
// notifications the client has never listed.
type Center struct {
	items  map[string]models.Notification
	viewed *optimistic.Coordinator[string, bool]
	count  *optimistic.Coordinator[string, int]
}

func NewCenter() *Center {
	c := &Center{
		items:  make(map[string]models.Notification),
		viewed: optimistic.New[string, bool](),
		count:  optimistic.New[string, int](),
	}
	c.count.Override(counterKey, 0)
	return c
}

// PendingRead is an in-flight mark-as-read (single or bulk).
type PendingRead struct {
	IDs     []string
	viewed  []optimistic.Token
	counter optimistic.Token
}

func clamp(n int) int {
	return max(n, 0)
}

func (c *Center) isViewed(id string) bool {
	v, _ := c.viewed.Get(id)
	return v
}

// Count returns the unread badge value.
func (c *Center) Count() int {
	v, _ := c.count.Get(counterKey)
	return v
}

// Len returns the number of known notifications.
func (c *Center) Len() int { return len(c.items) }

// List returns notifications newest first with their visible viewed flag.
func (c *Center) List() []models.Notification {
	out := make([]models.Notification, 0, len(c.items))
	for id, n := range c.items {
		n.IsViewed = c.isViewed(id)
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b models.Notification) int {
		if d := b.CreatedAt.Compare(a.CreatedAt); d != 0 {
			return d
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Get returns one notification with its visible viewed flag.
func (c *Center) Get(id string) (models.Notification, bool) {
	n, ok := c.items[id]
	if !ok {
		return n, false
	}
	n.IsViewed = c.isViewed(id)
	return n, true
}

// LoadSnapshot merges the notification list. A viewed flag never goes back
// to false, and the counter is re-derived from the collection.
func (c *Center) LoadSnapshot(list []models.Notification) {
	for _, n := range list {
		_, known := c.items[n.ID]
		c.items[n.ID] = n
		switch {
		case n.IsViewed:
			c.viewed.Override(n.ID, true)
		case !known:
			c.viewed.Override(n.ID, false)
		case c.viewed.Pending(n.ID):
			c.viewed.Rebase(n.ID, false)
		}
	}

	visible, pendingReads := 0, 0
	for id := range c.items {
		switch {
		case !c.isViewed(id):
			visible++
		case c.viewed.Pending(id):
			pendingReads++
		}
	}
	// If an in-flight read fails, the server never applied it: the rollback
	// base counts it as unread.
	c.count.Reset(counterKey, visible, visible+pendingReads)
}

// Receive applies a newNotification delta. An explicit count in the payload
// wins over the local increment. It returns false for a redelivered
// notification.
func (c *Center) Receive(p models.NotificationPayload) (bool, error) {
	if p.ID == "" {
		return false, fmt.Errorf("notification without id: %w", apperr.ErrAnomaly)
	}
	_, known := c.items[p.ID]
	if !known {
		c.items[p.ID] = p.Notification
		c.viewed.Override(p.ID, p.IsViewed)
	} else if p.IsViewed {
		c.viewed.Override(p.ID, true)
	}

	switch {
	case p.Count != nil:
		c.count.Override(counterKey, clamp(*p.Count))
	case !known && !p.IsViewed:
		c.count.Update(counterKey, func(v int) int { return v + 1 })
	}
	return !known, nil
}

// SetCount applies an absolute notificationCountUpdated value.
func (c *Center) SetCount(n int) {
	c.count.Override(counterKey, clamp(n))
}

// BeginMarkRead marks one notification viewed and decrements the counter.
// It returns nil when the notification is already viewed, so repeating the
// action neither calls the server nor moves the counter.
func (c *Center) BeginMarkRead(id string) (*PendingRead, error) {
	if _, ok := c.items[id]; !ok {
		return nil, fmt.Errorf("mark read %s: %w", id, apperr.ErrAnomaly)
	}
	if c.isViewed(id) {
		return nil, nil
	}
	return &PendingRead{
		IDs:     []string{id},
		viewed:  []optimistic.Token{c.viewed.Apply(id, true)},
		counter: c.count.ApplyFunc(counterKey, func(v int) int { return clamp(v - 1) }),
	}, nil
}

// BeginMarkAllRead marks every listed notification viewed and zeroes the
// counter. Notifications with a single read in flight are included.
func (c *Center) BeginMarkAllRead() *PendingRead {
	p := &PendingRead{}
	ids := make([]string, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		// A pending single read is covered too, so its late failure cannot
		// un-view what the bulk read settled.
		if c.isViewed(id) && !c.viewed.Pending(id) {
			continue
		}
		p.IDs = append(p.IDs, id)
		p.viewed = append(p.viewed, c.viewed.Apply(id, true))
	}
	p.counter = c.count.Apply(counterKey, 0)
	return p
}

// Commit settles p after the server accepted it. serverCount, when known,
// replaces the locally derived counter.
func (c *Center) Commit(p *PendingRead, serverCount *int) {
	for _, tok := range p.viewed {
		c.viewed.Commit(tok, true)
	}
	if serverCount != nil {
		c.count.Commit(p.counter, clamp(*serverCount))
		return
	}
	c.count.Confirm(p.counter)
}

// Rollback restores the viewed flags and counter p replaced.
func (c *Center) Rollback(p *PendingRead) {
	for _, tok := range p.viewed {
		c.viewed.Rollback(tok)
	}
	c.count.Rollback(p.counter)
}
