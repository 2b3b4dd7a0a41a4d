package reconcile

import (
	"slices"
	"time"

	"livesync/internal/models"
)

// DefaultBufferLimit bounds the deltas held for a room whose history has not
// been fetched yet. Anything dropped is covered by the snapshot that makes
// the room ready.
const DefaultBufferLimit = 256

// Outcome is the result of merging one delta.
type Outcome int

const (
	Duplicate Outcome = iota
	Inserted
	Buffered
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Buffered:
		return "buffered"
	default:
		return "duplicate"
	}
}

// MessageLog is the ordered, de-duplicated message sequence of one room.
// Messages are kept sorted by (CreatedAt, ID) whatever their arrival order.
type MessageLog struct {
	roomID string
	msgs   []models.Message
	ids    map[string]struct{}

	ready    bool
	buffered []models.Message
	limit    int
}

func NewMessageLog(roomID string, bufferLimit int) *MessageLog {
	if bufferLimit <= 0 {
		bufferLimit = DefaultBufferLimit
	}
	return &MessageLog{
		roomID: roomID,
		ids:    make(map[string]struct{}),
		limit:  bufferLimit,
	}
}

func (l *MessageLog) RoomID() string { return l.roomID }

// Ready reports whether the history snapshot has been applied.
func (l *MessageLog) Ready() bool { return l.ready }

func (l *MessageLog) Len() int { return len(l.msgs) }

// Messages returns a copy of the ordered log.
func (l *MessageLog) Messages() []models.Message {
	return slices.Clone(l.msgs)
}

// Has reports whether id is in the log or waiting in the buffer.
func (l *MessageLog) Has(id string) bool {
	if _, ok := l.ids[id]; ok {
		return true
	}
	return slices.ContainsFunc(l.buffered, func(m models.Message) bool { return m.ID == id })
}

// Buffered returns the deltas held back until the history snapshot, in
// arrival order.
func (l *MessageLog) Buffered() []models.Message {
	return slices.Clone(l.buffered)
}

// Latest returns the newest CreatedAt in the log.
func (l *MessageLog) Latest() (time.Time, bool) {
	if len(l.msgs) == 0 {
		return time.Time{}, false
	}
	return l.msgs[len(l.msgs)-1].CreatedAt, true
}

// Merge applies a push delta. Before the room is ready the delta is held
// back so that it is replayed after the history snapshot.
func (l *MessageLog) Merge(m models.Message) Outcome {
	if !l.ready {
		if l.Has(m.ID) {
			return Duplicate
		}
		l.buffered = append(l.buffered, m)
		if len(l.buffered) > l.limit {
			l.buffered = slices.Delete(l.buffered, 0, len(l.buffered)-l.limit)
		}
		return Buffered
	}
	if l.insert(m) {
		return Inserted
	}
	return Duplicate
}

// insert places m at its sorted position unless its id is already present.
func (l *MessageLog) insert(m models.Message) bool {
	if _, ok := l.ids[m.ID]; ok {
		return false
	}
	i, _ := slices.BinarySearchFunc(l.msgs, m, models.Message.Compare)
	l.msgs = slices.Insert(l.msgs, i, m)
	l.ids[m.ID] = struct{}{}
	return true
}

// Resolve applies a history snapshot, replays buffered deltas through the
// same merge rule and marks the log ready. It may be called again later
// (after a reconnect) with a full or incremental snapshot; the result is the
// union of everything seen. It returns the replayed deltas that were not
// already covered by the snapshot.
func (l *MessageLog) Resolve(snapshot []models.Message) []models.Message {
	for _, m := range snapshot {
		l.insert(m)
	}
	var replayed []models.Message
	for _, m := range l.buffered {
		if l.insert(m) {
			replayed = append(replayed, m)
		}
	}
	l.buffered = nil
	l.ready = true
	return replayed
}
