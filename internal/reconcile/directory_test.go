package reconcile_test

import (
	"testing"
	"time"

	"livesync/internal/models"
	"livesync/internal/reconcile"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func room(id string, activity time.Duration, unread bool) models.Room {
	return models.Room{
		ID:             id,
		Participants:   pq.StringArray{"recruiter-1", "candidate-" + id},
		Name:           "Room " + id,
		LastActivityAt: base.Add(activity),
		UnreadForMe:    unread,
	}
}

func roomIDs(rooms []models.Room) []string {
	out := make([]string, len(rooms))
	for i, r := range rooms {
		out[i] = r.ID
	}
	return out
}

func TestDirectory_ListOrderedByActivity(t *testing.T) {
	d := reconcile.NewDirectory()
	assert.False(t, d.Loaded())

	d.LoadSnapshot([]models.Room{room("a", time.Minute, false), room("b", 3*time.Minute, false), room("c", time.Minute, false)}, "")

	assert.True(t, d.Loaded())
	assert.Equal(t, []string{"b", "a", "c"}, roomIDs(d.List()))

	require.True(t, d.Touch("c", base.Add(5*time.Minute), false))
	assert.Equal(t, []string{"c", "b", "a"}, roomIDs(d.List()))
}

func TestDirectory_TouchNeverMovesBackwards(t *testing.T) {
	d := reconcile.NewDirectory()
	d.LoadSnapshot([]models.Room{room("a", time.Hour, false)}, "")

	d.Touch("a", base, true)

	r, _ := d.Get("a")
	assert.Equal(t, base.Add(time.Hour), r.LastActivityAt)
	assert.True(t, r.UnreadForMe)
	assert.False(t, d.Touch("missing", base, true))
}

func TestDirectory_StaleSnapshotKeepsLocalActivity(t *testing.T) {
	d := reconcile.NewDirectory()
	d.LoadSnapshot([]models.Room{room("a", time.Minute, false)}, "")
	d.Touch("a", base.Add(10*time.Minute), true)

	// A snapshot fetched before that message arrived.
	d.LoadSnapshot([]models.Room{room("a", time.Minute, false)}, "")

	r, _ := d.Get("a")
	assert.Equal(t, base.Add(10*time.Minute), r.LastActivityAt)
	assert.True(t, r.UnreadForMe)
}

func TestDirectory_MarkSeenSurvivesOlderSnapshot(t *testing.T) {
	d := reconcile.NewDirectory()
	d.LoadSnapshot([]models.Room{room("a", time.Minute, true)}, "")
	d.MarkSeen("a")

	d.LoadSnapshot([]models.Room{room("a", time.Minute, true)}, "")
	r, _ := d.Get("a")
	assert.False(t, r.UnreadForMe)

	// Newer activity seen by the server flags it again.
	d.LoadSnapshot([]models.Room{room("a", 2*time.Minute, true)}, "")
	r, _ = d.Get("a")
	assert.True(t, r.UnreadForMe)
}

func TestDirectory_ActiveRoomIsNeverUnread(t *testing.T) {
	d := reconcile.NewDirectory()
	d.LoadSnapshot([]models.Room{room("a", time.Minute, true), room("b", time.Minute, true)}, "a")

	a, _ := d.Get("a")
	b, _ := d.Get("b")
	assert.False(t, a.UnreadForMe)
	assert.True(t, b.UnreadForMe)
}
